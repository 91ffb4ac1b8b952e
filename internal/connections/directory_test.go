package connections

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/chirino/docstore-registry/internal/security"
	"github.com/chirino/docstore-registry/internal/testutil/fakedriver"
	"github.com/stretchr/testify/require"
)

func newDirectory(t *testing.T) (Directory, *miniredis.Miniredis) {
	t.Helper()
	return newDirectoryWithTTL(t, 0)
}

func newDirectoryWithTTL(t *testing.T, ttl time.Duration) (Directory, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	dir, err := NewDirectory(context.Background(), "redis://"+mr.Addr(), ttl)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dir.Close() })
	return dir, mr
}

func TestNewDirectory_EmptyURLIsNoop(t *testing.T) {
	dir, err := NewDirectory(context.Background(), "", time.Minute)
	require.NoError(t, err)
	require.False(t, dir.Available())

	loc, err := dir.Locate(context.Background(), "anything")
	require.NoError(t, err)
	require.Nil(t, loc)
}

func TestNewDirectory_InvalidURL(t *testing.T) {
	_, err := NewDirectory(context.Background(), "http://localhost:6379", 0)
	require.ErrorContains(t, err, "invalid redis url")
}

func TestDirectory_AnnounceLocateWithdraw(t *testing.T) {
	ctx := context.Background()
	dir, mr := newDirectory(t)
	require.True(t, dir.Available())

	require.NoError(t, dir.Announce(ctx, "abc", Locator{Replica: "10.0.0.1:8080", Owner: "alice"}))
	require.True(t, mr.Exists(directoryKeyPrefix+"abc"))

	loc, err := dir.Locate(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, &Locator{Replica: "10.0.0.1:8080", Owner: "alice"}, loc)

	require.NoError(t, dir.Withdraw(ctx, "abc"))
	loc, err = dir.Locate(ctx, "abc")
	require.NoError(t, err)
	require.Nil(t, loc)
}

func TestDirectory_IgnoresGarbageValues(t *testing.T) {
	dir, mr := newDirectory(t)
	require.NoError(t, mr.Set(directoryKeyPrefix+"junk", "not json"))

	loc, err := dir.Locate(context.Background(), "junk")
	require.NoError(t, err)
	require.Nil(t, loc)
}

func TestRegistry_PublishesToDirectory(t *testing.T) {
	ctx := context.Background()
	dir, mr := newDirectory(t)

	d := fakedriver.New()
	local := New(d, security.NewGate("mongodb"), WithDirectory(dir, "replica-a:8080"))
	remote := New(d, security.NewGate("mongodb"), WithDirectory(dir, "replica-b:8080"))
	t.Cleanup(func() {
		_ = local.Close(ctx)
		_ = remote.Close(ctx)
	})

	id, err := local.Create(ctx, "dbstore://localhost:27017", admin)
	require.NoError(t, err)
	require.True(t, mr.Exists(directoryKeyPrefix+id))

	// The owning replica resolves the id itself.
	loc, err := local.Locate(ctx, id)
	require.NoError(t, err)
	require.Nil(t, loc)

	loc, err = remote.Locate(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "replica-a:8080", loc.Replica)
	require.Equal(t, "alice", loc.Owner)

	require.NoError(t, local.Remove(ctx, id))
	require.False(t, mr.Exists(directoryKeyPrefix+id))
	loc, err = remote.Locate(ctx, id)
	require.NoError(t, err)
	require.Nil(t, loc)
}

func TestRegistry_CloseWithdrawsEverything(t *testing.T) {
	ctx := context.Background()
	dir, mr := newDirectory(t)
	r := New(fakedriver.New(), security.NewGate("mongodb"), WithDirectory(dir, "replica-a:8080"))

	for i := 0; i < 3; i++ {
		_, err := r.Create(ctx, "dbstore://localhost:27017", member)
		require.NoError(t, err)
	}
	require.Len(t, mr.Keys(), 3)

	require.NoError(t, r.Close(ctx))
	require.Empty(t, mr.Keys())
}

func TestRegistry_DirectoryOutageDoesNotFailCreate(t *testing.T) {
	ctx := context.Background()
	dir, mr := newDirectory(t)
	r := New(fakedriver.New(), security.NewGate("mongodb"), WithDirectory(dir, "replica-a:8080"))
	t.Cleanup(func() { _ = r.Close(ctx) })

	mr.Close()
	id, err := r.Create(ctx, "dbstore://localhost:27017", admin)
	require.NoError(t, err)
	_, err = r.Lookup(id)
	require.NoError(t, err)
}

func TestDirectory_EntriesExpireUnlessRefreshed(t *testing.T) {
	ctx := context.Background()
	dir, mr := newDirectoryWithTTL(t, time.Minute)
	r := New(fakedriver.New(), security.NewGate("mongodb"), WithDirectory(dir, "replica-a:8080"))
	t.Cleanup(func() { _ = r.Close(ctx) })

	id, err := r.Create(ctx, "dbstore://localhost:27017", admin)
	require.NoError(t, err)
	require.Equal(t, time.Minute, mr.TTL(directoryKeyPrefix+id))

	mr.FastForward(40 * time.Second)
	require.Equal(t, 1, r.RefreshDirectory(ctx))
	require.Equal(t, time.Minute, mr.TTL(directoryKeyPrefix+id))

	// A replica that stops refreshing drops out of the directory.
	mr.FastForward(61 * time.Second)
	require.False(t, mr.Exists(directoryKeyPrefix+id))

	// The next refresh republishes entries lost with a Redis restart.
	require.Equal(t, 1, r.RefreshDirectory(ctx))
	require.True(t, mr.Exists(directoryKeyPrefix+id))
}

// racingDirectory removes the connection while its announcement is in flight.
type racingDirectory struct {
	Directory
	registry *Registry
}

func (d *racingDirectory) Announce(ctx context.Context, id string, loc Locator) error {
	if err := d.registry.Remove(ctx, id); err != nil {
		return err
	}
	return d.Directory.Announce(ctx, id, loc)
}

func TestRegistry_AnnounceAfterRemovalIsWithdrawn(t *testing.T) {
	ctx := context.Background()
	dir, mr := newDirectory(t)
	racing := &racingDirectory{Directory: dir}
	r := New(fakedriver.New(), security.NewGate("mongodb"), WithDirectory(racing, "replica-a:8080"))
	racing.registry = r
	t.Cleanup(func() { _ = r.Close(ctx) })

	_, err := r.Create(ctx, "dbstore://localhost:27017", admin)
	require.NoError(t, err)
	require.Empty(t, mr.Keys())
	require.Zero(t, r.Len())
}

func TestRegistry_RefreshWithoutDirectory(t *testing.T) {
	r := New(fakedriver.New(), security.NewGate("mongodb"))
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	_, err := r.Create(context.Background(), "dbstore://localhost:27017", admin)
	require.NoError(t, err)
	require.Zero(t, r.RefreshDirectory(context.Background()))
}
