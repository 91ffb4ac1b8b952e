// Package fakedriver is an in-process driver.Driver for tests. Hosts are
// interpreted as behaviours so scenarios can pick a failure mode by URL.
//
//	nonexistent-host  -> KindUnreachableHost
//	broken            -> unclassified error (KindUnknown after registry wrapping)
//	slow              -> blocks until Release is called
//	any other host    -> success
package fakedriver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/chirino/docstore-registry/internal/registry/driver"
)

// Driver is a fake driver.Driver.
type Driver struct {
	mu      sync.Mutex
	handles []*Handle
	calls   atomic.Int64

	slowStarted chan struct{}
	release     chan struct{}
	startOnce   sync.Once
	releaseOnce sync.Once
}

// New returns a fake driver.
func New() *Driver {
	return &Driver{
		slowStarted: make(chan struct{}),
		release:     make(chan struct{}),
	}
}

func (d *Driver) Name() string { return "fake" }

// Connect implements driver.Driver.
func (d *Driver) Connect(ctx context.Context, rawURL string) (driver.Handle, error) {
	d.calls.Add(1)
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, driver.Protocol(err)
	}
	switch u.Scheme {
	case "dbstore", "mongodb":
	default:
		return nil, driver.Protocol(fmt.Errorf("unsupported scheme %q", u.Scheme))
	}
	if u.Host == "" {
		return nil, driver.Protocol(errors.New("missing host"))
	}

	switch u.Hostname() {
	case "nonexistent-host":
		return nil, driver.Unreachable(fmt.Errorf("lookup %s: no such host", u.Hostname()))
	case "broken":
		return nil, errors.New("driver exploded")
	case "slow":
		d.startOnce.Do(func() { close(d.slowStarted) })
		select {
		case <-d.release:
		case <-ctx.Done():
			return nil, driver.Unreachable(ctx.Err())
		}
	}

	h := &Handle{url: rawURL, Databases: map[string][]string{"admin": {"system.version"}, "local": {"startup_log"}}}
	d.mu.Lock()
	d.handles = append(d.handles, h)
	d.mu.Unlock()
	return h, nil
}

// SlowStarted is closed once a connect to host "slow" is in flight.
func (d *Driver) SlowStarted() <-chan struct{} { return d.slowStarted }

// Release unblocks connects to host "slow".
func (d *Driver) Release() {
	d.releaseOnce.Do(func() { close(d.release) })
}

// Calls returns how many times Connect was invoked.
func (d *Driver) Calls() int { return int(d.calls.Load()) }

// Handles returns every handle the driver constructed.
func (d *Driver) Handles() []*Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Handle(nil), d.handles...)
}

// Handle is a fake driver.Handle.
type Handle struct {
	url       string
	closed    atomic.Bool
	Databases map[string][]string
	// CloseErr is returned by Close when set.
	CloseErr error
}

func (h *Handle) URL() string { return h.url }

// Closed reports whether Close was called.
func (h *Handle) Closed() bool { return h.closed.Load() }

func (h *Handle) Ping(ctx context.Context) error {
	if h.closed.Load() {
		return driver.Protocol(errors.New("client is disconnected"))
	}
	return nil
}

func (h *Handle) ListDatabaseNames(ctx context.Context) ([]string, error) {
	if err := h.Ping(ctx); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(h.Databases))
	for name := range h.Databases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (h *Handle) ListCollectionNames(ctx context.Context, database string) ([]string, error) {
	if err := h.Ping(ctx); err != nil {
		return nil, err
	}
	return append([]string{}, h.Databases[database]...), nil
}

func (h *Handle) Close(ctx context.Context) error {
	h.closed.Store(true)
	return h.CloseErr
}
