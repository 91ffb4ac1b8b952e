package driver

import (
	"context"
	"fmt"
	"time"
)

// Handle is a live client connection to a document-store endpoint.
// Implementations must be safe for concurrent use; the registry does not serialize access.
type Handle interface {
	// URL returns the endpoint URL with credentials redacted.
	URL() string
	Ping(ctx context.Context) error
	ListDatabaseNames(ctx context.Context) ([]string, error)
	ListCollectionNames(ctx context.Context, database string) ([]string, error)
	// Close releases the underlying connection pool.
	Close(ctx context.Context) error
}

// Wrapper is implemented by handles that decorate another driver's handle.
type Wrapper interface {
	Unwrap() Handle
}

// Unwrap strips every decorating layer from h and returns the driver's own handle.
func Unwrap(h Handle) Handle {
	for {
		w, ok := h.(Wrapper)
		if !ok {
			return h
		}
		h = w.Unwrap()
	}
}

// Driver constructs handles. Connect may perform network I/O and must return
// errors classified with the Kind taxonomy in this package.
type Driver interface {
	Name() string
	Connect(ctx context.Context, url string) (Handle, error)
}

// Options are the driver-level settings shared by all driver plugins.
type Options struct {
	// ConnectTimeout bounds the handshake and server selection.
	ConnectTimeout time.Duration
	// PingOnConnect verifies the endpoint before the handle is returned.
	PingOnConnect bool
	MaxPoolSize   uint64
	AppName       string
}

// Loader creates a driver from its options.
type Loader func(ctx context.Context, opts Options) (Driver, error)

// Plugin represents a driver plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a driver plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered driver plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named driver plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown driver %q; valid: %v", name, Names())
}
