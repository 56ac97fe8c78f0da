package xgate

import (
	"errors"
	"fmt"
	"sync"
)

// TransportFactory constructs transports from a config blob.
type TransportFactory func(cfg map[string]any) (Transport, error)

// StoreFactory constructs stores from a config blob.
type StoreFactory func(cfg map[string]any) (Store, error)

// CacheFactory constructs cache backends from a config blob.
type CacheFactory func(cfg map[string]any) (CacheBackend, error)

// CodecFactory constructs codecs via Factory pattern.
type CodecFactory func() Codec

var (
	transportRegistryMu sync.RWMutex
	transportRegistry   = map[string]TransportFactory{}

	storeRegistryMu sync.RWMutex
	storeRegistry   = map[string]StoreFactory{}

	cacheRegistryMu sync.RWMutex
	cacheRegistry   = map[string]CacheFactory{}

	codecRegistryMu sync.RWMutex
	codecRegistry   = map[string]CodecFactory{
		"json": func() Codec { return JSONCodec{} },
	}
)

// RegisterTransport registers a backend adapter.
func RegisterTransport(name string, factory TransportFactory) error {
	if name == "" {
		return errors.New("transport name must not be empty")
	}
	if factory == nil {
		return errors.New("transport factory must not be nil")
	}
	transportRegistryMu.Lock()
	transportRegistry[name] = factory
	transportRegistryMu.Unlock()
	return nil
}

// NewTransport constructs a transport by name with config.
func NewTransport(name string, cfg map[string]any) (Transport, error) {
	transportRegistryMu.RLock()
	f, ok := transportRegistry[name]
	transportRegistryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownTransport{name: name}
	}
	return f(cfg)
}

// RegisterStore registers a store backend.
func RegisterStore(name string, factory StoreFactory) error {
	if name == "" {
		return errors.New("store name must not be empty")
	}
	if factory == nil {
		return errors.New("store factory must not be nil")
	}
	storeRegistryMu.Lock()
	storeRegistry[name] = factory
	storeRegistryMu.Unlock()
	return nil
}

// NewStore constructs a store by name with config.
func NewStore(name string, cfg map[string]any) (Store, error) {
	storeRegistryMu.RLock()
	f, ok := storeRegistry[name]
	storeRegistryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("store %q not registered", name)
	}
	return f(cfg)
}

// RegisterCache registers a cache backend.
func RegisterCache(name string, factory CacheFactory) error {
	if name == "" {
		return errors.New("cache name must not be empty")
	}
	if factory == nil {
		return errors.New("cache factory must not be nil")
	}
	cacheRegistryMu.Lock()
	cacheRegistry[name] = factory
	cacheRegistryMu.Unlock()
	return nil
}

// NewCache constructs a cache backend by name with config.
func NewCache(name string, cfg map[string]any) (CacheBackend, error) {
	cacheRegistryMu.RLock()
	f, ok := cacheRegistry[name]
	cacheRegistryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("cache %q not registered", name)
	}
	return f(cfg)
}

// RegisterCodec registers a codec factory by name.
func RegisterCodec(name string, factory CodecFactory) error {
	if name == "" {
		return errors.New("codec name must not be empty")
	}
	if factory == nil {
		return errors.New("codec factory must not be nil")
	}
	codecRegistryMu.Lock()
	codecRegistry[name] = factory
	codecRegistryMu.Unlock()
	return nil
}

// NewCodec constructs a codec by name or returns an error.
func NewCodec(name string) (Codec, error) {
	codecRegistryMu.RLock()
	f, ok := codecRegistry[name]
	codecRegistryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("codec %q not registered", name)
	}
	return f(), nil
}
