// Package auth resolves principals to identities and enforces
// capability checks in front of every operation.
package auth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"

	"github.com/querypilot/querypilot/internal/db"
	"github.com/querypilot/querypilot/pkg/models"
)

// Resolver maps a chat-platform principal to an identity. Resolve
// returns nil, nil when no mapping exists; an error means the backing
// resolver itself is unavailable.
type Resolver interface {
	Resolve(ctx context.Context, principal models.Principal) (*models.Identity, error)
}

// LocalResolver reads identities from the user_mappings table. It is
// the default and only source of truth once a mapping is written.
type LocalResolver struct {
	mappings *db.MappingStore
}

// NewLocalResolver creates a resolver over the mapping store.
func NewLocalResolver(mappings *db.MappingStore) *LocalResolver {
	return &LocalResolver{mappings: mappings}
}

// Resolve implements Resolver.
func (r *LocalResolver) Resolve(ctx context.Context, principal models.Principal) (*models.Identity, error) {
	return r.mappings.Get(ctx, principal)
}

// DirectoryResolver asks an external user-mapping service for
// identities, falling back to the local store when the directory has
// never seen the principal. Directory hits are written through to the
// local store so later lookups survive a directory outage.
type DirectoryResolver struct {
	baseURL  string
	apiKey   string
	client   *http.Client
	mappings *db.MappingStore
}

// NewDirectoryResolver creates a directory-backed resolver.
func NewDirectoryResolver(baseURL, apiKey string, timeout time.Duration, mappings *db.MappingStore) *DirectoryResolver {
	return &DirectoryResolver{
		baseURL:  baseURL,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
		mappings: mappings,
	}
}

// Resolve implements Resolver.
func (r *DirectoryResolver) Resolve(ctx context.Context, principal models.Principal) (*models.Identity, error) {
	local, err := r.mappings.Get(ctx, principal)
	if err != nil {
		return nil, err
	}
	if local != nil {
		return local, nil
	}

	identity, err := r.lookup(ctx, principal)
	if err != nil {
		return nil, err
	}
	if identity == nil {
		return nil, nil
	}

	// Best-effort write-through; a failed cache write does not fail
	// the resolution.
	_ = r.mappings.Upsert(ctx, identity)
	return identity, nil
}

func (r *DirectoryResolver) lookup(ctx context.Context, principal models.Principal) (*models.Identity, error) {
	endpoint := fmt.Sprintf("%s/v1/users/%s", r.baseURL, url.PathEscape(string(principal)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory lookup for %s: %w", principal, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return nil, nil
	default:
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("directory lookup for %s: unexpected status %d", principal, resp.StatusCode)
	}

	var identity models.Identity
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		return nil, fmt.Errorf("directory lookup for %s: decode: %w", principal, err)
	}
	if identity.Principal == "" {
		identity.Principal = principal
	}
	return &identity, nil
}
