package metrics

import (
	"context"
	"time"

	"github.com/chirino/docstore-registry/internal/registry/driver"
	"github.com/chirino/docstore-registry/internal/security"
)

// Wrap returns a Driver that records DriverLatency for every operation,
// including operations on the handles it returns.
func Wrap(inner driver.Driver) driver.Driver {
	return &metricsDriver{inner: inner}
}

type metricsDriver struct {
	inner driver.Driver
}

func observe(op string, start time.Time) {
	if security.DriverLatency == nil {
		return
	}
	security.DriverLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *metricsDriver) Name() string { return m.inner.Name() }

func (m *metricsDriver) Connect(ctx context.Context, url string) (driver.Handle, error) {
	defer observe("connect", time.Now())
	h, err := m.inner.Connect(ctx, url)
	if err != nil {
		return nil, err
	}
	return &metricsHandle{inner: h}, nil
}

type metricsHandle struct {
	inner driver.Handle
}

// Unwrap returns the driver's own handle.
func (m *metricsHandle) Unwrap() driver.Handle { return m.inner }

func (m *metricsHandle) URL() string { return m.inner.URL() }

func (m *metricsHandle) Ping(ctx context.Context) error {
	defer observe("ping", time.Now())
	return m.inner.Ping(ctx)
}

func (m *metricsHandle) ListDatabaseNames(ctx context.Context) ([]string, error) {
	defer observe("list_databases", time.Now())
	return m.inner.ListDatabaseNames(ctx)
}

func (m *metricsHandle) ListCollectionNames(ctx context.Context, database string) ([]string, error) {
	defer observe("list_collections", time.Now())
	return m.inner.ListCollectionNames(ctx, database)
}

func (m *metricsHandle) Close(ctx context.Context) error {
	defer observe("close", time.Now())
	return m.inner.Close(ctx)
}
