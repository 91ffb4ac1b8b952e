package config

import (
	"context"
	"time"
)

// ListenerConfig holds the network/TLS settings for a single listener (main or management).
type ListenerConfig struct {
	Port              int
	EnablePlainText   bool
	EnableTLS         bool
	TLSCertFile       string
	TLSKeyFile        string
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

const (
	ModeProd    = "prod"
	ModeTesting = "testing"
)

// Config holds all configuration for the docstore registry service.
type Config struct {
	// Mode controls security behavior: "prod" (default) or "testing".
	// In testing mode, the X-Client-ID header is trusted without an API key.
	Mode string

	// Driver plugin used to construct client handles.
	DriverKind string

	// Driver options
	ConnectTimeout time.Duration
	PingOnConnect  bool
	MaxPoolSize    int
	AppName        string

	// Authorization gate
	// ServiceGroup is the group whose members may create connections without the admin role.
	ServiceGroup string
	// AuthzPolicyFile optionally replaces the built-in gate with a Rego policy.
	AuthzPolicyFile string

	// Identity resolution
	// APIKeys maps API key values to client IDs (DOCSTORE_REGISTRY_API_KEYS_<CLIENT_ID>=<key>).
	APIKeys             map[string]string
	AdminOIDCRole       string
	OIDCGroupsClaim     string
	AdminUsers          string
	AdminClients        string
	ServiceGroupUsers   string
	ServiceGroupClients string

	// OIDC
	OIDCIssuer       string
	OIDCDiscoveryURL string // Internal URL for OIDC discovery (when issuer URL is not reachable)

	// Idle eviction; zero IdleTimeout disables the reaper.
	IdleTimeout       time.Duration
	IdleCheckInterval time.Duration

	// Replica directory; an empty DirectoryRedisURL keeps ownership process-local.
	DirectoryRedisURL string
	AdvertiseAddress  string
	// DirectoryTTL bounds how long entries of a crashed replica survive; live
	// replicas re-announce every DirectoryTTL/3.
	DirectoryTTL time.Duration

	// Server
	Listener           ListenerConfig
	ManagementListener ListenerConfig
	// ManagementListenerEnabled is true when --management-port was explicitly provided.
	// When false, management endpoints are served on the main port.
	ManagementListenerEnabled bool
	// ManagementAccessLog enables HTTP access logging for /health, /ready and /metrics.
	ManagementAccessLog bool
	CORSEnabled         bool
	CORSOrigins         string

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	MetricsLabels string
	// PrometheusURL is the Prometheus base URL queried by the admin stats routes.
	PrometheusURL string

	// Body size limit (bytes)
	MaxBodySize int64

	// Graceful shutdown drain timeout (seconds)
	DrainTimeout int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:              ModeProd,
		DriverKind:        "mongo",
		ConnectTimeout:    10 * time.Second,
		PingOnConnect:     true,
		MaxPoolSize:       100,
		AppName:           "docstore-registry",
		ServiceGroup:      "mongodb",
		AdminOIDCRole:     "admin",
		OIDCGroupsClaim:   "groups",
		IdleCheckInterval: time.Minute,
		DirectoryTTL:      2 * time.Minute,
		Listener: ListenerConfig{
			Port:              8080,
			EnablePlainText:   true,
			EnableTLS:         true,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ManagementListener: ListenerConfig{
			EnablePlainText: true,
			EnableTLS:       true,
		},
		MetricsLabels: "service=docstore-registry",
		MaxBodySize:   1024 * 1024,
		DrainTimeout:  30,
	}
}

// IdleReaperEnabled reports whether idle connections should be evicted.
func (c *Config) IdleReaperEnabled() bool {
	return c != nil && c.IdleTimeout > 0
}
