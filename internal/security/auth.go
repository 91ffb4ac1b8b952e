package security

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/docstore-registry/internal/config"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyIdentity is the gin context key for the resolved caller Identity.
	ContextKeyIdentity = "identity"
)

const (
	RoleAdmin = "admin"
)

// Identity is the caller context handed to the authorization gate. It is
// computed once per request and never mutated afterwards.
type Identity struct {
	UserID   string
	ClientID string
	Roles    map[string]bool
	Groups   map[string]bool
}

// HasRole returns true if the caller holds the given role.
func (id Identity) HasRole(role string) bool {
	return id.Roles[role]
}

// HasGroup returns true if the caller is a member of the given group.
func (id Identity) HasGroup(group string) bool {
	return id.Groups[group]
}

// IsAdmin returns true if the caller holds the admin role.
func (id Identity) IsAdmin() bool {
	return id.Roles[RoleAdmin]
}

// NewIdentity builds an Identity from plain role and group lists.
func NewIdentity(userID string, roles []string, groups []string) Identity {
	id := Identity{UserID: userID, Roles: map[string]bool{}, Groups: map[string]bool{}}
	for _, r := range roles {
		if r = strings.TrimSpace(r); r != "" {
			id.Roles[r] = true
		}
	}
	for _, g := range groups {
		if g = strings.TrimSpace(g); g != "" {
			id.Groups[g] = true
		}
	}
	return id
}

// TokenResolver resolves bearer tokens to caller identities. It is initialized
// once at startup and shared by all requests.
type TokenResolver struct {
	verifier            *oidc.IDTokenVerifier
	apiKeys             map[string]string
	adminOIDCRole       string
	groupsClaim         string
	serviceGroup        string
	adminUsers          map[string]bool
	adminClients        map[string]bool
	serviceGroupUsers   map[string]bool
	serviceGroupClients map[string]bool
	testingMode         bool
}

// NewTokenResolver creates a TokenResolver from the application config. It performs
// one-time OIDC provider discovery if OIDCIssuer is configured.
func NewTokenResolver(cfg *config.Config) *TokenResolver {
	var verifier *oidc.IDTokenVerifier
	oidcIssuer := cfg.OIDCIssuer

	if oidcIssuer != "" {
		ctx := context.Background()
		expectedIssuer := oidcIssuer
		discoveryURL := cfg.OIDCDiscoveryURL
		if discoveryURL != "" && discoveryURL != oidcIssuer {
			// NewProvider fetches from its issuer arg, so pass the discovery URL there and
			// let InsecureIssuerURLContext accept the mismatched issuer in the document.
			ctx = oidc.InsecureIssuerURLContext(ctx, oidcIssuer)
			oidcIssuer = discoveryURL
		}
		provider, err := oidc.NewProvider(ctx, oidcIssuer)
		if err != nil {
			log.Error("Failed to initialize OIDC provider; falling back to API key auth", "issuer", oidcIssuer, "err", err)
		} else {
			var providerClaims struct {
				JWKSURI string `json:"jwks_uri"`
			}
			if expectedIssuer != oidcIssuer {
				if err := provider.Claims(&providerClaims); err == nil && providerClaims.JWKSURI != "" {
					keySet := oidc.NewRemoteKeySet(ctx, providerClaims.JWKSURI)
					verifier = oidc.NewVerifier(expectedIssuer, keySet, &oidc.Config{
						SkipClientIDCheck: true,
					})
				}
			}
			if verifier == nil {
				verifier = provider.Verifier(&oidc.Config{
					SkipClientIDCheck: true,
				})
			}
			log.Info("OIDC auth enabled", "issuer", expectedIssuer)
		}
	}

	adminOIDCRole := strings.TrimSpace(cfg.AdminOIDCRole)
	if adminOIDCRole == "" {
		adminOIDCRole = RoleAdmin
	}
	groupsClaim := strings.TrimSpace(cfg.OIDCGroupsClaim)
	if groupsClaim == "" {
		groupsClaim = "groups"
	}

	return &TokenResolver{
		verifier:            verifier,
		apiKeys:             cfg.APIKeys,
		adminOIDCRole:       adminOIDCRole,
		groupsClaim:         groupsClaim,
		serviceGroup:        strings.TrimSpace(cfg.ServiceGroup),
		adminUsers:          splitCSV(cfg.AdminUsers),
		adminClients:        splitCSV(cfg.AdminClients),
		serviceGroupUsers:   splitCSV(cfg.ServiceGroupUsers),
		serviceGroupClients: splitCSV(cfg.ServiceGroupClients),
		testingMode:         cfg.Mode == config.ModeTesting,
	}
}

var (
	errInvalidJWT      = errors.New("invalid JWT")
	errMissingIdentity = errors.New("JWT missing identity claims")
	errMissingToken    = errors.New("missing bearer token")
)

// Resolve resolves a bearer token (and optional API key / client ID header) into a caller Identity.
// bearerToken is the raw token value (without the "Bearer " prefix).
func (r *TokenResolver) Resolve(ctx context.Context, bearerToken, apiKey, clientIDHeader string) (Identity, error) {
	id := Identity{Roles: map[string]bool{}, Groups: map[string]bool{}}
	apiKeyAuth := true

	bearerToken = strings.TrimSpace(bearerToken)
	if bearerToken == "" {
		return Identity{}, errMissingToken
	}

	if xAPIKey := strings.TrimSpace(apiKey); xAPIKey != "" {
		if resolved, ok := r.apiKeys[xAPIKey]; ok {
			id.ClientID = resolved
		} else {
			log.Warn("Received invalid API key")
		}
	}

	// X-Client-ID header: only accepted in testing mode.
	if r.testingMode {
		if hdr := strings.TrimSpace(clientIDHeader); hdr != "" && id.ClientID == "" {
			id.ClientID = hdr
		}
	}

	if r.verifier != nil && strings.Count(bearerToken, ".") >= 2 {
		idToken, err := r.verifier.Verify(ctx, bearerToken)
		if err != nil {
			return Identity{}, errors.Join(errInvalidJWT, err)
		}

		// Prefer "preferred_username", then "upn", then "sub".
		var claims struct {
			Sub               string `json:"sub"`
			PreferredUsername string `json:"preferred_username"`
			UPN               string `json:"upn"`
		}
		if err := idToken.Claims(&claims); err != nil {
			return Identity{}, errors.Join(errInvalidJWT, err)
		}
		id.UserID = claims.PreferredUsername
		if id.UserID == "" {
			id.UserID = claims.UPN
		}
		if id.UserID == "" {
			id.UserID = claims.Sub
		}
		if id.UserID == "" {
			return Identity{}, errMissingIdentity
		}

		var rawClaims map[string]any
		if err := idToken.Claims(&rawClaims); err == nil {
			if extractTokenRoles(rawClaims)[r.adminOIDCRole] {
				id.Roles[RoleAdmin] = true
			}
			for _, g := range toStringSlice(rawClaims[r.groupsClaim]) {
				if g = strings.Trim(strings.TrimSpace(g), "/"); g != "" {
					id.Groups[g] = true
				}
			}
		}
		apiKeyAuth = false
	} else {
		// API key mode: treat the token as the user ID directly.
		id.UserID = bearerToken
	}

	if r.adminUsers[id.UserID] {
		id.Roles[RoleAdmin] = true
	}
	if r.serviceGroup != "" && r.serviceGroupUsers[id.UserID] {
		id.Groups[r.serviceGroup] = true
	}
	if apiKeyAuth && id.ClientID != "" {
		if r.adminClients[id.ClientID] {
			id.Roles[RoleAdmin] = true
		}
		if r.serviceGroup != "" && r.serviceGroupClients[id.ClientID] {
			id.Groups[r.serviceGroup] = true
		}
	}

	return id, nil
}

// --- Gin HTTP middleware ---

// GetIdentity returns the resolved caller Identity from the gin context.
func GetIdentity(c *gin.Context) Identity {
	v, _ := c.Get(ContextKeyIdentity)
	id, _ := v.(Identity)
	return id
}

// AuthMiddleware returns a gin middleware that resolves the caller identity from the
// Authorization header using the provided TokenResolver.
func AuthMiddleware(resolver *TokenResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			log.Info("Auth rejected: missing Authorization header", "method", c.Request.Method, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing Authorization header"})
			return
		}

		token := strings.TrimPrefix(auth, "Bearer ")
		if token == auth {
			log.Info("Auth rejected: expected Bearer token", "method", c.Request.Method, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid Authorization header; expected Bearer token"})
			return
		}

		id, err := resolver.Resolve(
			c.Request.Context(),
			token,
			c.GetHeader("X-API-Key"),
			c.GetHeader("X-Client-ID"),
		)
		if err != nil {
			log.Info("Auth rejected", "method", c.Request.Method, "path", c.Request.URL.Path, "err", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		c.Set(ContextKeyIdentity, id)
		c.Next()
	}
}

// RequireAdminRole requires the caller to have admin role.
func RequireAdminRole() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !GetIdentity(c).IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": "forbidden", "error": "forbidden"})
			return
		}
		c.Next()
	}
}

// --- helpers ---

func splitCSV(raw string) map[string]bool {
	result := map[string]bool{}
	for _, part := range strings.Split(raw, ",") {
		item := strings.TrimSpace(part)
		if item == "" {
			continue
		}
		result[item] = true
	}
	return result
}

func extractTokenRoles(claims map[string]any) map[string]bool {
	result := map[string]bool{}
	addList := func(values []string) {
		for _, v := range values {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			result[v] = true
		}
	}

	addList(toStringSlice(claims["roles"]))

	// RFC 8693 / OAuth style scope claim.
	if scope, ok := claims["scope"].(string); ok {
		addList(strings.Fields(scope))
	}

	// Keycloak-style realm_access.roles.
	if realm, ok := claims["realm_access"].(map[string]any); ok {
		addList(toStringSlice(realm["roles"]))
	}

	return result
}

func toStringSlice(value any) []string {
	switch v := value.(type) {
	case nil:
		return nil
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	default:
		var out []string
		if data, err := json.Marshal(v); err == nil {
			_ = json.Unmarshal(data, &out)
		}
		return out
	}
}
