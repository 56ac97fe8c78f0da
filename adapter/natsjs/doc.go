// Package natsjs provides a NATS JetStream transport for xgate.
//
// Transport name: "nats-jetstream"
//
// All queues live in one stream (default "XGATE") capturing the subjects
// under subject_prefix. Queue "sms.inbound" is subject "xgate.sms.inbound".
// Each (queue, group) pair is a durable pull consumer, created on first
// subscribe and kept when the subscription closes, so a restarted worker
// resumes where it left off.
//
// Consumers allow one unacknowledged message at a time, which keeps the
// handler strictly in stream order. A nacked message is redelivered after
// redelivery_delay. The envelope ID doubles as the JetStream message ID,
// so republishing within the duplicate window is a no-op.
//
// Minimal config keys:
// - url: "nats://127.0.0.1:4222" (default)
// - stream: stream name (default "XGATE")
// - subject_prefix: (default "xgate.")
// - max_reconnects: (default -1, forever)
// - ack_wait / fetch_wait / redelivery_delay / max_age / duplicates
package natsjs
