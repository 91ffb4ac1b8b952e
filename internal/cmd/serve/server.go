package serve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/chirino/docstore-registry/internal/config"
	"github.com/chirino/docstore-registry/internal/connections"
	drivermetrics "github.com/chirino/docstore-registry/internal/plugin/driver/metrics"
	routesystem "github.com/chirino/docstore-registry/internal/plugin/route/system"
	registrydriver "github.com/chirino/docstore-registry/internal/registry/driver"
	registryroute "github.com/chirino/docstore-registry/internal/registry/route"
	"github.com/chirino/docstore-registry/internal/security"
	"github.com/chirino/docstore-registry/internal/service"
	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config         *config.Config
	Registry       *connections.Registry
	Directory      connections.Directory
	Router         *gin.Engine
	Running        *RunningServers
	Management     *RunningServers
	stopBackground context.CancelFunc
}

// Shutdown stops the listeners and then closes every registered connection.
func (s *Server) Shutdown(ctx context.Context) error {
	routesystem.MarkNotReady()
	s.stopBackground()
	var errs []error
	if s.Management != nil {
		errs = append(errs, s.Management.Close(ctx))
	}
	errs = append(errs, s.Running.Close(ctx))
	errs = append(errs, s.Registry.Close(ctx))
	errs = append(errs, s.Directory.Close())
	return errors.Join(errs...)
}

// NewAuthorizer returns the connect gate: the Rego policy when a policy file
// is configured, the built-in admin/service-group check otherwise.
func NewAuthorizer(ctx context.Context, cfg *config.Config) (connections.Authorizer, error) {
	gate := security.NewGate(cfg.ServiceGroup)
	if cfg.AuthzPolicyFile == "" {
		return gate, nil
	}
	policy, err := security.NewPolicyGate(ctx, cfg.AuthzPolicyFile, gate)
	if err != nil {
		return nil, fmt.Errorf("failed to load authorization policy: %w", err)
	}
	return policy, nil
}

// NewDriver loads the configured driver plugin and wraps it with latency metrics.
func NewDriver(ctx context.Context, cfg *config.Config) (registrydriver.Driver, error) {
	loader, err := registrydriver.Select(cfg.DriverKind)
	if err != nil {
		return nil, err
	}
	maxPool := uint64(0)
	if cfg.MaxPoolSize > 0 {
		maxPool = uint64(cfg.MaxPoolSize)
	}
	d, err := loader(ctx, registrydriver.Options{
		ConnectTimeout: cfg.ConnectTimeout,
		PingOnConnect:  cfg.PingOnConnect,
		MaxPoolSize:    maxPool,
		AppName:        cfg.AppName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize driver: %w", err)
	}
	return drivermetrics.Wrap(d), nil
}

func advertiseAddress(cfg *config.Config) string {
	if cfg.AdvertiseAddress != "" {
		return cfg.AdvertiseAddress
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return net.JoinHostPort(host, strconv.Itoa(cfg.Listener.Port))
}

// StartServer initializes all subsystems and starts HTTP on a single port.
// Use cfg.Listener.Port=0 for a random port. Actual port: Server.Running.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting docstore registry",
		"httpPort", cfg.Listener.Port,
		"driver", cfg.DriverKind,
		"serviceGroup", cfg.ServiceGroup,
		"idleTimeout", cfg.IdleTimeout,
	)

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	d, err := NewDriver(ctx, cfg)
	if err != nil {
		return nil, err
	}
	authz, err := NewAuthorizer(ctx, cfg)
	if err != nil {
		return nil, err
	}
	dir, err := connections.NewDirectory(ctx, cfg.DirectoryRedisURL, cfg.DirectoryTTL)
	if err != nil {
		return nil, err
	}
	reg := connections.New(d, authz, connections.WithDirectory(dir, advertiseAddress(cfg)))

	// Set up gin
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		router.Use(security.AccessLogMiddleware())
	} else {
		router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(security.MetricsMiddleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	if cfg.CORSEnabled {
		router.Use(corsMiddleware(cfg.CORSOrigins))
	}

	deps := registryroute.Deps{
		Config:     cfg,
		Registry:   reg,
		Directory:  dir,
		Authorizer: authz,
		Auth:       security.AuthMiddleware(security.NewTokenResolver(cfg)),
	}
	mounted, err := registryroute.Mount(router, registryroute.RouteTypeMain, deps)
	if err != nil {
		_ = dir.Close()
		return nil, fmt.Errorf("failed to load routes: %w", err)
	}
	log.Debug("Route plugins mounted", "plugins", mounted)

	// Mount management route plugins. If a dedicated management port is configured,
	// run them on a bare gin engine served by the management listener.
	var mgmt *RunningServers
	if cfg.ManagementListenerEnabled {
		mgmtRouter := gin.New()
		mgmtRouter.Use(gin.Recovery())
		if cfg.ManagementAccessLog {
			mgmtRouter.Use(security.AccessLogMiddleware())
		}
		if _, err := registryroute.Mount(mgmtRouter, registryroute.RouteTypeManagement, deps); err != nil {
			_ = dir.Close()
			return nil, fmt.Errorf("failed to load management routes: %w", err)
		}
		// Management listener shares TLS cert/key with the main listener.
		mgmtCfg := cfg.ManagementListener
		mgmtCfg.TLSCertFile = cfg.Listener.TLSCertFile
		mgmtCfg.TLSKeyFile = cfg.Listener.TLSKeyFile
		mgmt, err = StartListener("management", mgmtCfg, mgmtRouter, nil)
		if err != nil {
			_ = dir.Close()
			return nil, fmt.Errorf("failed to start management server: %w", err)
		}
		log.Info("Management server listening", "port", mgmt.Port)
	} else {
		if _, err := registryroute.Mount(router, registryroute.RouteTypeManagement, deps); err != nil {
			_ = dir.Close()
			return nil, fmt.Errorf("failed to load management routes: %w", err)
		}
	}

	grpcServer := grpc.NewServer()
	routesystem.NewHealthServer(deps).Register(grpcServer)

	running, err := StartListener("main", cfg.Listener, router, grpcServer)
	if err != nil {
		if mgmt != nil {
			_ = mgmt.Close(context.Background())
		}
		_ = dir.Close()
		return nil, err
	}

	bgCtx, stopBackground := context.WithCancel(context.WithoutCancel(ctx))
	if cfg.IdleReaperEnabled() {
		go service.NewIdleReaper(reg, cfg.IdleCheckInterval, cfg.IdleTimeout).Start(bgCtx)
	}
	if dir.Available() && cfg.DirectoryTTL > 0 {
		go service.NewDirectoryRefresher(reg, cfg.DirectoryTTL).Start(bgCtx)
	}

	log.Info("Server listening",
		"port", running.Port,
		"plaintext", cfg.Listener.EnablePlainText,
		"tls", cfg.Listener.EnableTLS,
	)

	routesystem.MarkReady()
	return &Server{
		Config:         cfg,
		Registry:       reg,
		Directory:      dir,
		Router:         router,
		Running:        running,
		Management:     mgmt,
		stopBackground: stopBackground,
	}, nil
}
