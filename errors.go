package xgate

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrBrokerClosed                = errors.New("xgate: broker is closed")
	ErrBrokerUnavailable           = errors.New("xgate: broker unavailable")
	ErrStoreUnavailable            = errors.New("xgate: store unavailable")
	ErrInvalidQueue                = errors.New("xgate: queue name must not be empty")
	ErrInvalidSubscription         = errors.New("xgate: invalid subscription (queue, group and handler required)")
	ErrInvalidMessage              = errors.New("xgate: invalid message")
	ErrInvalidEvent                = errors.New("xgate: invalid event")
	ErrNoTransportConfigured       = errors.New("xgate: no transport configured")
	ErrHandlerPanic                = errors.New("xgate: handler panic")
	ErrObserverPoolShutdownTimeout = errors.New("xgate: observer pool shutdown timeout")
	ErrPublishBufferFull           = fmt.Errorf("%w: publish buffer full", ErrBrokerUnavailable)

	ErrRoutingMiscarriage = errors.New("xgate: no routing rule matched and no default route configured")
	ErrOrphanedReply      = errors.New("xgate: reply has no known origin")
	ErrAnomalousEvent     = errors.New("xgate: anomalous event")
	ErrQuotaExceeded      = errors.New("xgate: key quota exceeded")
	ErrWorkerState        = errors.New("xgate: invalid worker state transition")
)

type ErrUnknownTransport struct{ name string }

func (e ErrUnknownTransport) Error() string { return fmt.Sprintf("unknown transport: %s", e.name) }

// ProcessingError isolates a failure to the message that triggered it.
// Stage is empty when the failure came from the handler itself.
type ProcessingError struct {
	Worker    string
	Stage     string
	MessageID string
	Err       error
}

func (e *ProcessingError) Error() string {
	where := "handler"
	if e.Stage != "" {
		where = "stage " + e.Stage
	}
	return fmt.Sprintf("xgate: processing %s in %s/%s: %v", e.MessageID, e.Worker, where, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// AnomalousEventError describes an event that referenced an unknown or
// already-terminal delivery record.
type AnomalousEventError struct {
	EventID   string
	MessageID string
	Reason    string
}

func (e *AnomalousEventError) Error() string {
	return fmt.Sprintf("xgate: anomalous event %s for message %s: %s", e.EventID, e.MessageID, e.Reason)
}

func (e *AnomalousEventError) Is(target error) bool { return target == ErrAnomalousEvent }

// IsTransient reports whether err is an infrastructure failure worth
// redelivering the triggering envelope for.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrBrokerUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

// storeUnavailable wraps a backend failure so callers can match ErrStoreUnavailable.
func storeUnavailable(op string, err error) error {
	if err == nil || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

// StoreError is the exported form of storeUnavailable for backend adapters.
func StoreError(op string, err error) error { return storeUnavailable(op, err) }
