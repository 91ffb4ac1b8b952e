// Package connections holds the process-wide table of live document-store
// client handles, keyed by opaque connection ids.
//
// A Registry is constructed once by the embedding service and injected into
// everything that needs it. Create is gated by an Authorizer; the driver
// handshake runs without the registry lock held, and the lock is only taken
// around map mutation.
package connections

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/docstore-registry/internal/registry/driver"
	"github.com/chirino/docstore-registry/internal/security"
	"github.com/google/uuid"
)

// maxIDAttempts bounds id regeneration on collision.
const maxIDAttempts = 8

// Authorizer decides whether a caller may create connections.
type Authorizer interface {
	Authorize(ctx context.Context, caller security.Identity) security.Decision
}

// Info describes a registered connection without exposing its handle.
type Info struct {
	ID         string    `json:"id"`
	Owner      string    `json:"owner"`
	URL        string    `json:"url"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
}

type entry struct {
	handle    driver.Handle
	owner     string
	createdAt time.Time
	lastUsed  atomic.Int64 // unix nanos
}

func (e *entry) touch(now time.Time) {
	e.lastUsed.Store(now.UnixNano())
}

func (e *entry) info(id string) Info {
	return Info{
		ID:         id,
		Owner:      e.owner,
		URL:        e.handle.URL(),
		CreatedAt:  e.createdAt,
		LastUsedAt: time.Unix(0, e.lastUsed.Load()),
	}
}

// Registry maps connection ids to live client handles.
type Registry struct {
	driver driver.Driver
	authz  Authorizer
	newID  func() (string, error)
	now    func() time.Time

	directory Directory
	replica   string

	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool
}

// Option customizes a Registry.
type Option func(*Registry)

// WithIDGenerator replaces the random UUID generator.
func WithIDGenerator(fn func() (string, error)) Option {
	return func(r *Registry) { r.newID = fn }
}

// WithClock replaces time.Now, used for last-used bookkeeping.
func WithClock(fn func() time.Time) Option {
	return func(r *Registry) { r.now = fn }
}

// WithDirectory publishes connection ownership to dir under the given replica address.
func WithDirectory(dir Directory, replica string) Option {
	return func(r *Registry) {
		if dir != nil {
			r.directory = dir
		}
		r.replica = replica
	}
}

// New creates an empty Registry that builds handles with d and gates creation with authz.
func New(d driver.Driver, authz Authorizer, opts ...Option) *Registry {
	r := &Registry{
		driver:    d,
		authz:     authz,
		newID:     newRandomID,
		now:       time.Now,
		entries:   map[string]*entry{},
		directory: noopDirectory{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func newRandomID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

var errClosed = &driver.Error{Kind: driver.KindUnknown, Msg: "connection registry is closed"}

// Create authorizes caller, connects to url and registers the resulting handle
// under a fresh id. On any failure the registry is left unchanged.
func (r *Registry) Create(ctx context.Context, url string, caller security.Identity) (string, error) {
	if d := r.authz.Authorize(ctx, caller); !d.Allowed {
		security.AuditDenial("connect", caller, d)
		countCreate(driver.KindPermission.String())
		return "", driver.Permission(d.Reason)
	}

	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return "", errClosed
	}

	handle, err := r.driver.Connect(ctx, url)
	if err != nil {
		err = driver.Classify(err)
		log.Error("Connect failed", "driver", r.driver.Name(), "user", caller.UserID, "kind", driver.KindOf(err), "err", err)
		countCreate(driver.KindOf(err).String())
		return "", err
	}

	id, err := r.register(handle, caller.UserID)
	if err != nil {
		if closeErr := handle.Close(context.WithoutCancel(ctx)); closeErr != nil {
			log.Warn("Failed to close unregistered handle", "err", closeErr)
		}
		countCreate(driver.KindOf(err).String())
		return "", err
	}

	log.Info("Connection created", "id", id, "user", caller.UserID, "url", handle.URL())
	countCreate("ok")
	r.announce(context.WithoutCancel(ctx), id, caller.UserID)
	return id, nil
}

func (r *Registry) register(handle driver.Handle, owner string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", errClosed
	}
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := r.newID()
		if err != nil {
			return "", driver.Unknown(fmt.Errorf("generate connection id: %w", err))
		}
		if _, exists := r.entries[id]; exists {
			log.Warn("Connection id collision; regenerating", "id", id, "attempt", attempt+1)
			continue
		}
		now := r.now()
		e := &entry{handle: handle, owner: owner, createdAt: now}
		e.touch(now)
		r.entries[id] = e
		setOpen(len(r.entries))
		return id, nil
	}
	return "", driver.Unknown(fmt.Errorf("no unique connection id after %d attempts", maxIDAttempts))
}

// Lookup returns the handle registered under id and marks it used.
func (r *Registry) Lookup(id string) (driver.Handle, error) {
	e, err := r.find(id)
	if err != nil {
		return nil, err
	}
	e.touch(r.now())
	return e.handle, nil
}

// Get returns the handle registered under id together with its metadata
// without marking it used. Callers that go on to use the handle call Touch.
func (r *Registry) Get(id string) (driver.Handle, Info, error) {
	e, err := r.find(id)
	if err != nil {
		return nil, Info{}, err
	}
	return e.handle, e.info(id), nil
}

// Touch marks id used, deferring its idle eviction, and returns its refreshed metadata.
func (r *Registry) Touch(id string) (Info, error) {
	e, err := r.find(id)
	if err != nil {
		return Info{}, err
	}
	e.touch(r.now())
	return e.info(id), nil
}

func (r *Registry) find(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, driver.NotFound(id)
	}
	return e, nil
}

// Remove unregisters id and closes its handle. Removing an id twice fails with KindNotFound.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
		setOpen(len(r.entries))
	}
	r.mu.Unlock()
	if !ok {
		return driver.NotFound(id)
	}

	countRemove("remove")
	r.withdraw(context.WithoutCancel(ctx), id)
	if err := e.handle.Close(ctx); err != nil {
		log.Warn("Connection removed but close failed", "id", id, "err", err)
		return &driver.Error{Kind: driver.KindUnknown, ID: id, Msg: "connection removed but close failed", Err: err}
	}
	log.Info("Connection removed", "id", id, "owner", e.owner)
	return nil
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// List returns a snapshot of all registered connections ordered by creation time.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, e.info(id))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// EvictIdle removes and closes every connection not looked up within maxIdle.
// It returns the number of evicted connections.
func (r *Registry) EvictIdle(ctx context.Context, maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	cutoff := r.now().Add(-maxIdle).UnixNano()

	r.mu.Lock()
	victims := map[string]*entry{}
	for id, e := range r.entries {
		if e.lastUsed.Load() < cutoff {
			victims[id] = e
			delete(r.entries, id)
		}
	}
	setOpen(len(r.entries))
	r.mu.Unlock()

	for id, e := range victims {
		countRemove("idle")
		r.withdraw(ctx, id)
		if err := e.handle.Close(ctx); err != nil {
			log.Warn("Idle connection close failed", "id", id, "err", err)
		}
		log.Info("Idle connection evicted", "id", id, "owner", e.owner)
	}
	return len(victims)
}

// Close closes every registered handle and rejects further Create calls.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	remaining := r.entries
	r.entries = map[string]*entry{}
	setOpen(0)
	r.mu.Unlock()

	var errs []error
	for id, e := range remaining {
		countRemove("shutdown")
		r.withdraw(ctx, id)
		if err := e.handle.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close connection %s: %w", id, err))
		}
	}
	if len(remaining) > 0 {
		log.Info("Closed remaining connections", "count", len(remaining), "errors", len(errs))
	}
	return errors.Join(errs...)
}

// Locate reports the replica holding id when it is registered elsewhere.
// It returns nil when the id is unknown to the directory or held locally.
func (r *Registry) Locate(ctx context.Context, id string) (*Locator, error) {
	if !r.directory.Available() {
		return nil, nil
	}
	loc, err := r.directory.Locate(ctx, id)
	if err != nil || loc == nil || loc.Replica == r.replica {
		return nil, err
	}
	return loc, nil
}

// RefreshDirectory re-announces every registered connection so their
// directory entries outlive the TTL. It returns the number announced.
func (r *Registry) RefreshDirectory(ctx context.Context) int {
	if !r.directory.Available() {
		return 0
	}
	r.mu.RLock()
	owners := make(map[string]string, len(r.entries))
	for id, e := range r.entries {
		owners[id] = e.owner
	}
	r.mu.RUnlock()

	n := 0
	for id, owner := range owners {
		if r.announce(ctx, id, owner) {
			n++
		}
	}
	return n
}

// announce publishes id, then withdraws it again if a concurrent Remove,
// EvictIdle or Close unregistered id in the meantime.
func (r *Registry) announce(ctx context.Context, id, owner string) bool {
	if !r.directory.Available() {
		return false
	}
	if err := r.directory.Announce(ctx, id, Locator{Replica: r.replica, Owner: owner}); err != nil {
		log.Warn("Failed to announce connection", "id", id, "err", err)
		return false
	}
	r.mu.RLock()
	_, registered := r.entries[id]
	r.mu.RUnlock()
	if !registered {
		r.withdraw(ctx, id)
		return false
	}
	return true
}

func (r *Registry) withdraw(ctx context.Context, id string) {
	if !r.directory.Available() {
		return
	}
	if err := r.directory.Withdraw(ctx, id); err != nil {
		log.Warn("Failed to withdraw connection", "id", id, "err", err)
	}
}

func setOpen(n int) {
	if security.ConnectionsOpen != nil {
		security.ConnectionsOpen.Set(float64(n))
	}
}

func countCreate(outcome string) {
	if security.ConnectionsCreatedTotal != nil {
		security.ConnectionsCreatedTotal.WithLabelValues(outcome).Inc()
	}
}

func countRemove(cause string) {
	if security.ConnectionsRemovedTotal != nil {
		security.ConnectionsRemovedTotal.WithLabelValues(cause).Inc()
	}
}
