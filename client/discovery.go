package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/mcp-oauth-dcr/internal/util"
)

const (
	// DefaultMetadataCacheTTL is how long discovered metadata is reused
	DefaultMetadataCacheTTL = 30 * time.Minute

	metadataPath = "/.well-known/oauth-authorization-server"

	// maxMetadataBytes bounds the metadata document read from the server
	maxMetadataBytes = 1 << 20
)

// Metadata is the subset of RFC 8414 authorization server metadata the
// client uses
type Metadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
}

// DefaultMetadata returns the endpoint layout assumed when a server does
// not publish metadata
func DefaultMetadata(issuer string) *Metadata {
	issuer = strings.TrimSuffix(issuer, "/")
	return &Metadata{
		Issuer:                        issuer,
		AuthorizationEndpoint:         issuer + "/oauth/authorize",
		TokenEndpoint:                 issuer + "/oauth/token",
		RegistrationEndpoint:          issuer + "/oauth/register",
		CodeChallengeMethodsSupported: []string{"S256"},
	}
}

// Discoverer fetches and caches authorization server metadata per issuer.
// Concurrent lookups for the same issuer share one request.
type Discoverer struct {
	httpClient *http.Client
	logger     *slog.Logger
	cache      *ttlcache.Cache[string, *Metadata]
	group      singleflight.Group
}

// NewDiscoverer creates a Discoverer. A ttl of zero selects
// DefaultMetadataCacheTTL.
func NewDiscoverer(httpClient *http.Client, ttl time.Duration, logger *slog.Logger) *Discoverer {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	if ttl <= 0 {
		ttl = DefaultMetadataCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Discoverer{
		httpClient: httpClient,
		logger:     logger,
		cache: ttlcache.New(
			ttlcache.WithTTL[string, *Metadata](ttl),
			ttlcache.WithDisableTouchOnHit[string, *Metadata](),
		),
	}
}

// Discover returns the metadata of issuer. When the well-known document
// cannot be fetched the default endpoint layout is returned and not cached,
// so the next call tries again.
func (d *Discoverer) Discover(ctx context.Context, issuer string) (*Metadata, error) {
	issuer = strings.TrimSuffix(issuer, "/")

	if item := d.cache.Get(issuer); item != nil {
		return item.Value(), nil
	}

	v, err, _ := d.group.Do(issuer, func() (any, error) {
		if item := d.cache.Get(issuer); item != nil {
			return item.Value(), nil
		}

		metadata, err := d.fetch(ctx, issuer)
		if err != nil {
			d.logger.Warn("Metadata discovery failed, using default endpoint locations",
				"issuer", issuer,
				"error", err)
			return DefaultMetadata(issuer), nil
		}

		d.cache.Set(issuer, metadata, ttlcache.DefaultTTL)
		d.logger.Debug("Cached authorization server metadata",
			"issuer", issuer,
			"authorization_endpoint", metadata.AuthorizationEndpoint,
			"token_endpoint", metadata.TokenEndpoint)
		return metadata, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Metadata), nil
}

// Invalidate drops the cached metadata of issuer
func (d *Discoverer) Invalidate(issuer string) {
	d.cache.Delete(strings.TrimSuffix(issuer, "/"))
}

func (d *Discoverer) fetch(ctx context.Context, issuer string) (*Metadata, error) {
	metadataURL := issuer + metadataPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "GET", URL: metadataURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata request failed with status %d", resp.StatusCode)
	}

	var metadata Metadata
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxMetadataBytes)).Decode(&metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if metadata.AuthorizationEndpoint == "" || metadata.TokenEndpoint == "" {
		return nil, fmt.Errorf("metadata is missing authorization or token endpoint")
	}
	// RFC 8414 Section 3.3: a document naming another issuer is not used
	if util.NormalizeURL(metadata.Issuer) != util.NormalizeURL(issuer) {
		return nil, fmt.Errorf("metadata issuer %q does not match %q", metadata.Issuer, issuer)
	}
	return &metadata, nil
}
