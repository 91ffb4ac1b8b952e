package driver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubHandle struct{ url string }

func (h *stubHandle) URL() string { return h.url }

func (h *stubHandle) Ping(context.Context) error { return nil }

func (h *stubHandle) ListDatabaseNames(context.Context) ([]string, error) { return nil, nil }

func (h *stubHandle) ListCollectionNames(context.Context, string) ([]string, error) {
	return nil, nil
}

func (h *stubHandle) Close(context.Context) error { return nil }

type layer struct {
	Handle
}

func (l *layer) Unwrap() Handle { return l.Handle }

func TestUnwrap(t *testing.T) {
	inner := &stubHandle{url: "dbstore://localhost:27017"}
	require.Same(t, inner, Unwrap(inner))
	require.Same(t, inner, Unwrap(&layer{Handle: inner}))
	require.Same(t, inner, Unwrap(&layer{Handle: &layer{Handle: inner}}))
}
