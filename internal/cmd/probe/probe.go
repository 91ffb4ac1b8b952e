package probe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/docstore-registry/internal/cmd/serve"
	"github.com/chirino/docstore-registry/internal/config"
	"github.com/chirino/docstore-registry/internal/connections"
	registrydriver "github.com/chirino/docstore-registry/internal/registry/driver"
	"github.com/chirino/docstore-registry/internal/security"
	"github.com/urfave/cli/v3"
)

// Command returns the probe sub-command. It runs a single create, ping,
// list and remove cycle through a fresh registry and reports the outcome.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var (
		url    string
		user   string
		roles  []string
		groups []string
	)
	return &cli.Command{
		Name:  "probe",
		Usage: "Connect to a document store through the registry and list its databases",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "url",
				Sources:     cli.EnvVars("DOCSTORE_REGISTRY_PROBE_URL"),
				Destination: &url,
				Required:    true,
				Usage:       "Connection URL (dbstore://host:port or mongodb://...)",
			},
			&cli.StringFlag{
				Name:        "user",
				Destination: &user,
				Value:       "probe",
				Usage:       "User id presented to the authorization gate",
			},
			&cli.StringSliceFlag{
				Name:        "role",
				Destination: &roles,
				Value:       []string{security.RoleAdmin},
				Usage:       "Roles held by the probing user",
			},
			&cli.StringSliceFlag{
				Name:        "group",
				Destination: &groups,
				Usage:       "Groups the probing user belongs to",
			},
			&cli.StringFlag{
				Name:        "driver-kind",
				Sources:     cli.EnvVars("DOCSTORE_REGISTRY_DRIVER_KIND"),
				Destination: &cfg.DriverKind,
				Value:       cfg.DriverKind,
				Usage:       "Document-store driver (" + strings.Join(registrydriver.Names(), "|") + ")",
			},
			&cli.StringFlag{
				Name:        "service-group",
				Sources:     cli.EnvVars("DOCSTORE_REGISTRY_SERVICE_GROUP"),
				Destination: &cfg.ServiceGroup,
				Value:       cfg.ServiceGroup,
				Usage:       "Group whose members may create connections without the admin role",
			},
			&cli.DurationFlag{
				Name:        "connect-timeout",
				Sources:     cli.EnvVars("DOCSTORE_REGISTRY_CONNECT_TIMEOUT"),
				Destination: &cfg.ConnectTimeout,
				Value:       5 * time.Second,
				Usage:       "Bound on the driver handshake and server selection",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			caller := security.NewIdentity(user, roles, groups)
			return run(ctx, cmd, &cfg, url, caller)
		},
	}
}

func run(ctx context.Context, cmd *cli.Command, cfg *config.Config, url string, caller security.Identity) error {
	d, err := serve.NewDriver(ctx, cfg)
	if err != nil {
		return err
	}
	reg := connections.New(d, security.NewGate(cfg.ServiceGroup))
	defer func() {
		if err := reg.Close(context.WithoutCancel(ctx)); err != nil {
			log.Warn("Probe cleanup failed", "err", err)
		}
	}()

	id, err := reg.Create(ctx, url, caller)
	if err != nil {
		return failure(err)
	}
	h, err := reg.Lookup(id)
	if err != nil {
		return failure(err)
	}
	start := time.Now()
	if err := h.Ping(ctx); err != nil {
		return failure(err)
	}
	rtt := time.Since(start)
	names, err := h.ListDatabaseNames(ctx)
	if err != nil {
		return failure(err)
	}

	out := cmd.Root().Writer
	fmt.Fprintf(out, "connection: %s\n", id)
	fmt.Fprintf(out, "url:        %s\n", h.URL())
	fmt.Fprintf(out, "ping:       %s\n", rtt.Round(time.Microsecond))
	fmt.Fprintf(out, "databases:  %s\n", strings.Join(names, ", "))

	return failureOrNil(reg.Remove(ctx, id))
}

func failure(err error) error {
	return fmt.Errorf("probe failed [%s]: %w", registrydriver.KindOf(err), err)
}

func failureOrNil(err error) error {
	if err == nil {
		return nil
	}
	return failure(err)
}
