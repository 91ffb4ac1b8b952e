package connections

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const directoryKeyPrefix = "docstore:connection:"

// Locator records which replica holds a connection.
type Locator struct {
	Replica string `json:"replica"`
	Owner   string `json:"owner"`
}

// Directory publishes connection ownership across service replicas. Handles
// are process-local, so a replica that receives a request for an id it does
// not hold uses the directory to name the replica that does.
type Directory interface {
	Available() bool
	Announce(ctx context.Context, id string, loc Locator) error
	Withdraw(ctx context.Context, id string) error
	Locate(ctx context.Context, id string) (*Locator, error)
	Ping(ctx context.Context) error
	Close() error
}

// NewDirectory returns a Redis-backed directory for redisURL, or a no-op
// directory when redisURL is empty. Entries expire after ttl unless they are
// announced again; zero keeps them until withdrawn.
func NewDirectory(ctx context.Context, redisURL string, ttl time.Duration) (Directory, error) {
	if strings.TrimSpace(redisURL) == "" {
		return noopDirectory{}, nil
	}
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("connection directory: invalid redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connection directory: redis ping failed: %w", err)
	}
	return &redisDirectory{client: client, ttl: ttl}, nil
}

type redisDirectory struct {
	client *goredis.Client
	ttl    time.Duration
}

func (d *redisDirectory) Available() bool { return true }

func (d *redisDirectory) Announce(ctx context.Context, id string, loc Locator) error {
	value, err := json.Marshal(loc)
	if err != nil {
		return err
	}
	return d.client.Set(ctx, directoryKey(id), value, d.ttl).Err()
}

func (d *redisDirectory) Withdraw(ctx context.Context, id string) error {
	return d.client.Del(ctx, directoryKey(id)).Err()
}

func (d *redisDirectory) Locate(ctx context.Context, id string) (*Locator, error) {
	value, err := d.client.Get(ctx, directoryKey(id)).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var loc Locator
	if err := json.Unmarshal(value, &loc); err != nil || loc.Replica == "" {
		return nil, nil
	}
	return &loc, nil
}

func (d *redisDirectory) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

func (d *redisDirectory) Close() error {
	return d.client.Close()
}

type noopDirectory struct{}

func (noopDirectory) Available() bool { return false }

func (noopDirectory) Announce(_ context.Context, _ string, _ Locator) error { return nil }

func (noopDirectory) Withdraw(_ context.Context, _ string) error { return nil }

func (noopDirectory) Locate(_ context.Context, _ string) (*Locator, error) { return nil, nil }

func (noopDirectory) Ping(_ context.Context) error { return nil }

func (noopDirectory) Close() error { return nil }

func directoryKey(id string) string {
	return directoryKeyPrefix + strings.TrimSpace(id)
}
