package mongo

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/charmbracelet/log"
	registrydriver "github.com/chirino/docstore-registry/internal/registry/driver"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/x/mongo/driver/auth"
	"go.mongodb.org/mongo-driver/v2/x/mongo/driver/connstring"
	"go.mongodb.org/mongo-driver/v2/x/mongo/driver/topology"
)

func init() {
	registrydriver.Register(registrydriver.Plugin{
		Name: "mongo",
		Loader: func(ctx context.Context, opts registrydriver.Options) (registrydriver.Driver, error) {
			return New(opts), nil
		},
	})
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

// schemeAliases maps accepted URL schemes to the driver's native ones.
var schemeAliases = map[string]string{
	"dbstore":     "mongodb",
	"dbstore+srv": "mongodb+srv",
	"mongodb":     "mongodb",
	"mongodb+srv": "mongodb+srv",
}

// Driver connects to MongoDB deployments.
type Driver struct {
	opts registrydriver.Options
}

// New returns a MongoDB driver using opts.
func New(opts registrydriver.Options) *Driver {
	return &Driver{opts: opts}
}

func (d *Driver) Name() string { return "mongo" }

// Connect builds a client for rawURL and, when PingOnConnect is set, verifies the
// deployment is reachable before returning.
func (d *Driver) Connect(ctx context.Context, rawURL string) (registrydriver.Handle, error) {
	uri, redacted, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, registrydriver.Protocol(err)
	}

	clientOpts := options.Client().ApplyURI(uri)
	if d.opts.ConnectTimeout > 0 {
		clientOpts.SetConnectTimeout(d.opts.ConnectTimeout)
		clientOpts.SetServerSelectionTimeout(d.opts.ConnectTimeout)
	}
	if d.opts.MaxPoolSize > 0 {
		clientOpts.SetMaxPoolSize(d.opts.MaxPoolSize)
	}
	if d.opts.AppName != "" {
		clientOpts.SetAppName(d.opts.AppName)
	}

	client, err := mongo.Connect(clientOpts)
	if err != nil {
		return nil, classifyConnectError(err)
	}
	log.Debug("MongoDB client constructed", "url", redacted)

	h := &Handle{client: client, url: redacted}
	if d.opts.PingOnConnect {
		if err := client.Ping(ctx, nil); err != nil {
			_ = client.Disconnect(context.WithoutCancel(ctx))
			return nil, classifyError(err)
		}
	}
	return h, nil
}

// NormalizeURL rewrites alias schemes to mongodb:// and returns the driver URI
// together with a credential-free form suitable for logs and API responses.
// mongodb:// URIs are validated with the driver's connection string parser.
// mongodb+srv:// URIs are left to Connect, since parsing them resolves DNS.
func NormalizeURL(rawURL string) (uri string, redacted string, err error) {
	raw := strings.TrimSpace(rawURL)
	if raw == "" {
		return "", "", errors.New("empty connection url")
	}
	rawScheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return "", "", errors.New("malformed connection url: missing scheme")
	}
	scheme, ok := schemeAliases[strings.ToLower(rawScheme)]
	if !ok {
		return "", "", fmt.Errorf("unsupported scheme %q; expected mongodb:// or dbstore://", rawScheme)
	}
	uri = scheme + "://" + rest

	userInfo, hosts, hasUserInfo := splitUserInfo(rest)
	if scheme == connstring.SchemeMongoDB {
		if _, err := connstring.ParseAndValidate(uri); err != nil {
			return "", "", fmt.Errorf("malformed connection url: %w", err)
		}
	} else if i := strings.IndexAny(hosts, "/?"); i == 0 || hosts == "" {
		return "", "", errors.New("connection url has no host")
	}

	redacted = uri
	if user, _, hasPassword := strings.Cut(userInfo, ":"); hasUserInfo && hasPassword {
		redacted = scheme + "://" + user + ":xxxxx@" + hosts
	}
	return uri, redacted, nil
}

// splitUserInfo separates credentials from the rest of the URI at the first
// "@", as the driver's connection string parser does.
func splitUserInfo(rest string) (userInfo, hosts string, ok bool) {
	at := strings.Index(rest, "@")
	if at < 0 || strings.Contains(rest[:at], "/") {
		return "", rest, false
	}
	return rest[:at], rest[at+1:], true
}

// Handle wraps a *mongo.Client.
type Handle struct {
	client *mongo.Client
	url    string
}

// Client exposes the underlying driver client to downstream operations.
func (h *Handle) Client() *mongo.Client { return h.client }

// ClientOf returns the driver client behind a registry handle, looking
// through decorators such as the latency metrics wrapper.
func ClientOf(h registrydriver.Handle) (*mongo.Client, bool) {
	mh, ok := registrydriver.Unwrap(h).(*Handle)
	if !ok {
		return nil, false
	}
	return mh.client, true
}

func (h *Handle) URL() string { return h.url }

func (h *Handle) Ping(ctx context.Context) error {
	if err := h.client.Ping(ctx, nil); err != nil {
		return classifyError(err)
	}
	return nil
}

func (h *Handle) ListDatabaseNames(ctx context.Context) ([]string, error) {
	names, err := h.client.ListDatabaseNames(ctx, bson.D{})
	if err != nil {
		return nil, classifyError(err)
	}
	return names, nil
}

func (h *Handle) ListCollectionNames(ctx context.Context, database string) ([]string, error) {
	names, err := h.client.Database(database).ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, classifyError(err)
	}
	return names, nil
}

func (h *Handle) Close(ctx context.Context) error {
	if err := h.client.Disconnect(ctx); err != nil && !errors.Is(err, mongo.ErrClientDisconnected) {
		return classifyError(err)
	}
	return nil
}

// classifyConnectError maps mongo.Connect failures. Connect does no network I/O
// except SRV/TXT lookups for mongodb+srv URLs, so anything but a DNS failure is
// a configuration problem.
func classifyConnectError(err error) error {
	if isDNSFailure(err) {
		return registrydriver.Unreachable(err)
	}
	return registrydriver.Protocol(err)
}

// classifyError maps failures from operations against a live deployment.
// Authentication failures surface wrapped in connection and server selection
// errors, so they are matched first.
func classifyError(err error) error {
	var authErr *auth.Error
	var serverErr mongo.ServerError
	var opErr *net.OpError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &authErr):
		return registrydriver.Protocol(err)
	case isDNSFailure(err),
		mongo.IsTimeout(err),
		mongo.IsNetworkError(err),
		errors.As(err, &opErr),
		errors.As(err, &topology.ServerSelectionError{}),
		errors.Is(err, context.DeadlineExceeded):
		return registrydriver.Unreachable(err)
	case errors.As(err, &serverErr):
		return registrydriver.Protocol(err)
	default:
		return registrydriver.Unknown(err)
	}
}

func isDNSFailure(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
