package serve

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/docstore-registry/internal/config"
	registrydriver "github.com/chirino/docstore-registry/internal/registry/driver"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"

	// Import all plugins to trigger init() registration
	_ "github.com/chirino/docstore-registry/internal/plugin/driver/mongo"
	_ "github.com/chirino/docstore-registry/internal/plugin/route/admin"
	_ "github.com/chirino/docstore-registry/internal/plugin/route/connections"
	_ "github.com/chirino/docstore-registry/internal/plugin/route/system"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var readHeaderTimeoutSecs int = 5
	var idleTimeout string
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the connection registry HTTP server",
		Flags: flags(&cfg, &readHeaderTimeoutSecs, &idleTimeout),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := cfg.ApplyEnv(); err != nil {
				return err
			}
			if idleTimeout != "" {
				d, err := config.ParseDurationOrZero(idleTimeout)
				if err != nil {
					return fmt.Errorf("invalid --idle-timeout: %w", err)
				}
				cfg.IdleTimeout = d
			}
			cfg.Listener.ReadHeaderTimeout = time.Duration(readHeaderTimeoutSecs) * time.Second
			cfg.ManagementListener.ReadHeaderTimeout = cfg.Listener.ReadHeaderTimeout
			cfg.ManagementListenerEnabled = cmd.IsSet("management-port")
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

func flags(cfg *config.Config, readHeaderTimeoutSecs *int, idleTimeout *string) []cli.Flag {
	return []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "mode",
			Category:    "Server:",
			Sources:     cli.EnvVars("DOCSTORE_REGISTRY_MODE"),
			Destination: &cfg.Mode,
			Value:       cfg.Mode,
			Usage:       "Security mode (prod|testing); testing trusts the X-Client-ID header",
		},
		&cli.StringFlag{
			Name:        "tls-cert-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("DOCSTORE_REGISTRY_TLS_CERT_FILE"),
			Destination: &cfg.Listener.TLSCertFile,
			Usage:       "TLS certificate file for single-port TLS mode",
		},
		&cli.StringFlag{
			Name:        "tls-key-file",
			Category:    "Server:",
			Sources:     cli.EnvVars("DOCSTORE_REGISTRY_TLS_KEY_FILE"),
			Destination: &cfg.Listener.TLSKeyFile,
			Usage:       "TLS private key file for single-port TLS mode",
		},
		&cli.IntFlag{
			Name:        "read-header-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("DOCSTORE_REGISTRY_READ_HEADER_TIMEOUT_SECONDS"),
			Destination: readHeaderTimeoutSecs,
			Value:       *readHeaderTimeoutSecs,
			Usage:       "HTTP read header timeout in seconds",
		},
		&cli.BoolFlag{
			Name:        "management-access-log",
			Category:    "Server:",
			Sources:     cli.EnvVars("DOCSTORE_REGISTRY_MANAGEMENT_ACCESS_LOG"),
			Destination: &cfg.ManagementAccessLog,
			Usage:       "Enable HTTP access logging for management endpoints (/health, /ready, /metrics)",
		},

		// ── Network Listener ──────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("DOCSTORE_REGISTRY_PORT"),
			Destination: &cfg.Listener.Port,
			Value:       cfg.Listener.Port,
			Usage:       "HTTP server port",
		},
		&cli.BoolFlag{
			Name:        "plain-text",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("DOCSTORE_REGISTRY_PLAIN_TEXT"),
			Destination: &cfg.Listener.EnablePlainText,
			Value:       cfg.Listener.EnablePlainText,
			Usage:       "Enable plaintext HTTP/1.1 + h2c",
		},
		&cli.BoolFlag{
			Name:        "tls",
			Category:    "Network Listener:",
			Sources:     cli.EnvVars("DOCSTORE_REGISTRY_TLS"),
			Destination: &cfg.Listener.EnableTLS,
			Value:       cfg.Listener.EnableTLS,
			Usage:       "Enable TLS HTTP/1.1 + HTTP/2",
		},

		// ── Management Network Listener ───────────────────────────
		&cli.IntFlag{
			Name:        "management-port",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("DOCSTORE_REGISTRY_MANAGEMENT_PORT"),
			Destination: &cfg.ManagementListener.Port,
			Value:       cfg.ManagementListener.Port,
			Usage:       "Dedicated port for health and metrics (0 = OS-assigned random port); when unset, served on the main port",
		},
		&cli.BoolFlag{
			Name:        "management-plain-text",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("DOCSTORE_REGISTRY_MANAGEMENT_PLAIN_TEXT"),
			Destination: &cfg.ManagementListener.EnablePlainText,
			Value:       cfg.ManagementListener.EnablePlainText,
			Usage:       "Enable plaintext HTTP for management server",
		},
		&cli.BoolFlag{
			Name:        "management-tls",
			Category:    "Management Network Listener:",
			Sources:     cli.EnvVars("DOCSTORE_REGISTRY_MANAGEMENT_TLS"),
			Destination: &cfg.ManagementListener.EnableTLS,
			Value:       cfg.ManagementListener.EnableTLS,
			Usage:       "Enable TLS for management server",
		},

		// ── Driver ────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "driver-kind",
			Category:    "Driver:",
			Sources:     cli.EnvVars("DOCSTORE_REGISTRY_DRIVER_KIND"),
			Destination: &cfg.DriverKind,
			Value:       cfg.DriverKind,
			Usage:       "Document-store driver (" + strings.Join(registrydriver.Names(), "|") + ")",
		},
		&cli.DurationFlag{
			Name:        "connect-timeout",
			Category:    "Driver:",
			Sources:     cli.EnvVars("DOCSTORE_REGISTRY_CONNECT_TIMEOUT"),
			Destination: &cfg.ConnectTimeout,
			Value:       cfg.ConnectTimeout,
			Usage:       "Bound on the driver handshake and server selection",
		},
		&cli.BoolFlag{
			Name:        "ping-on-connect",
			Category:    "Driver:",
			Sources:     cli.EnvVars("DOCSTORE_REGISTRY_PING_ON_CONNECT"),
			Destination: &cfg.PingOnConnect,
			Value:       cfg.PingOnConnect,
			Usage:       "Verify the endpoint answers before a connection id is issued",
		},
		&cli.IntFlag{
			Name:        "max-pool-size",
			Category:    "Driver:",
			Sources:     cli.EnvVars("DOCSTORE_REGISTRY_MAX_POOL_SIZE"),
			Destination: &cfg.MaxPoolSize,
			Value:       cfg.MaxPoolSize,
			Usage:       "Maximum pooled sockets per client handle",
		},
		&cli.StringFlag{
			Name:        "idle-timeout",
			Category:    "Driver:",
			Sources:     cli.EnvVars("DOCSTORE_REGISTRY_IDLE_TIMEOUT"),
			Destination: idleTimeout,
			Usage:       "Close connections unused for this long (e.g. 30m or PT30M); unset keeps them until removed",
		},

		// ── Replicas ──────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "directory-redis-url",
			Category:    "Replicas:",
			Sources:     cli.EnvVars("DOCSTORE_REGISTRY_DIRECTORY_REDIS_URL"),
			Destination: &cfg.DirectoryRedisURL,
			Usage:       "Redis URL used to publish which replica holds each connection (e.g. redis://localhost:6379/0)",
		},
		&cli.StringFlag{
			Name:        "advertise-address",
			Category:    "Replicas:",
			Sources:     cli.EnvVars("DOCSTORE_REGISTRY_ADVERTISE_ADDRESS"),
			Destination: &cfg.AdvertiseAddress,
			Usage:       "Address other replicas report for connections held here (defaults to hostname:port)",
		},
		&cli.DurationFlag{
			Name:        "directory-ttl",
			Category:    "Replicas:",
			Sources:     cli.EnvVars("DOCSTORE_REGISTRY_DIRECTORY_TTL"),
			Destination: &cfg.DirectoryTTL,
			Value:       cfg.DirectoryTTL,
			Usage:       "Expiry of published connection entries; refreshed every third of it while the replica runs",
		},

		// ── Authorization ─────────────────────────────────────────
		&cli.StringFlag{
			Name:        "service-group",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("DOCSTORE_REGISTRY_SERVICE_GROUP"),
			Destination: &cfg.ServiceGroup,
			Value:       cfg.ServiceGroup,
			Usage:       "Group whose members may create connections without the admin role",
		},
		&cli.StringFlag{
			Name:        "authz-policy-file",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("DOCSTORE_REGISTRY_AUTHZ_POLICY_FILE"),
			Destination: &cfg.AuthzPolicyFile,
			Usage:       "Rego policy (package docstore.authz) replacing the built-in admin/group gate",
		},
		&cli.StringFlag{
			Name:        "oidc-issuer",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("DOCSTORE_REGISTRY_OIDC_ISSUER"),
			Destination: &cfg.OIDCIssuer,
			Usage:       "OIDC issuer URL (enables OIDC auth)",
		},
		&cli.StringFlag{
			Name:        "oidc-discovery-url",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("DOCSTORE_REGISTRY_OIDC_DISCOVERY_URL"),
			Destination: &cfg.OIDCDiscoveryURL,
			Usage:       "OIDC discovery URL (internal URL when issuer is not directly reachable)",
		},
		&cli.StringFlag{
			Name:        "oidc-groups-claim",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("DOCSTORE_REGISTRY_OIDC_GROUPS_CLAIM"),
			Destination: &cfg.OIDCGroupsClaim,
			Value:       cfg.OIDCGroupsClaim,
			Usage:       "JWT claim holding the caller's group memberships",
		},
		&cli.StringFlag{
			Name:        "roles-admin-oidc-role",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("DOCSTORE_REGISTRY_ROLES_ADMIN_OIDC_ROLE"),
			Destination: &cfg.AdminOIDCRole,
			Value:       cfg.AdminOIDCRole,
			Usage:       "OIDC role name that maps to admin permissions",
		},
		&cli.StringFlag{
			Name:        "roles-admin-users",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("DOCSTORE_REGISTRY_ROLES_ADMIN_USERS"),
			Destination: &cfg.AdminUsers,
			Usage:       "Comma-separated user IDs with admin permissions",
		},
		&cli.StringFlag{
			Name:        "roles-admin-clients",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("DOCSTORE_REGISTRY_ROLES_ADMIN_CLIENTS"),
			Destination: &cfg.AdminClients,
			Usage:       "Comma-separated API client IDs with admin permissions",
		},
		&cli.StringFlag{
			Name:        "service-group-users",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("DOCSTORE_REGISTRY_SERVICE_GROUP_USERS"),
			Destination: &cfg.ServiceGroupUsers,
			Usage:       "Comma-separated user IDs placed in the service group",
		},
		&cli.StringFlag{
			Name:        "service-group-clients",
			Category:    "Authorization:",
			Sources:     cli.EnvVars("DOCSTORE_REGISTRY_SERVICE_GROUP_CLIENTS"),
			Destination: &cfg.ServiceGroupClients,
			Usage:       "Comma-separated API client IDs placed in the service group",
		},

		// ── Monitoring ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "prometheus-url",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("DOCSTORE_REGISTRY_PROMETHEUS_URL"),
			Destination: &cfg.PrometheusURL,
			Usage:       "Prometheus base URL for admin stats (e.g. http://prometheus:9090)",
		},
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("DOCSTORE_REGISTRY_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       cfg.MetricsLabels,
			Usage:       "Comma-separated key=value pairs added as constant labels to all Prometheus metrics. Supports ${VAR} expansion.",
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeout)*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}

func maxBodySizeMiddleware(maxBodySize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBodySize > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
		}
		c.Next()
	}
}
