package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/querypilot/querypilot/internal/audit"
	"github.com/querypilot/querypilot/pkg/models"
)

var (
	// ErrIdentityNotFound means the principal has no mapping anywhere.
	ErrIdentityNotFound = errors.New("identity not found")
	// ErrResolverUnavailable means identity could not be determined at
	// all. Callers must fail closed on it.
	ErrResolverUnavailable = errors.New("identity resolver unavailable")
)

// DeniedError is returned when a known identity lacks the required
// capability.
type DeniedError struct {
	Principal  models.Principal
	Capability models.Capability
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("principal %s denied: missing capability %s", e.Principal, e.Capability)
}

// Granter is the subset of the mapping store Grant needs.
type Granter interface {
	Upsert(ctx context.Context, identity *models.Identity) error
}

// Guard performs capability checks and audits the outcomes that
// matter: denials always, grants on role changes.
type Guard struct {
	resolver Resolver
	mappings Granter
	audit    *audit.Logger
}

// NewGuard creates a permission guard.
func NewGuard(resolver Resolver, mappings Granter, auditLog *audit.Logger) *Guard {
	return &Guard{resolver: resolver, mappings: mappings, audit: auditLog}
}

// Authorize resolves the principal and checks the capability. Unknown
// principals and resolver outages both deny; an outage is reported as
// ErrResolverUnavailable so callers can distinguish "no" from "could
// not ask".
func (g *Guard) Authorize(ctx context.Context, principal models.Principal, capability models.Capability) (*models.Identity, error) {
	identity, err := g.resolver.Resolve(ctx, principal)
	if err != nil {
		log.Warn().
			Err(err).
			Str("principal", string(principal)).
			Msg("Identity resolution failed, denying")
		return nil, fmt.Errorf("%w: %v", ErrResolverUnavailable, err)
	}
	if identity == nil || !identity.Active {
		g.audit.Security(ctx, "identity_not_found", principal, models.SeverityWarning, map[string]any{
			"capability": string(capability),
		})
		return nil, ErrIdentityNotFound
	}
	if !identity.Has(capability) {
		g.audit.Security(ctx, "permission_denied", principal, models.SeverityWarning, map[string]any{
			"capability": string(capability),
			"roles":      identity.Roles,
		})
		return nil, &DeniedError{Principal: principal, Capability: capability}
	}
	return identity, nil
}

// Grant assigns roles to a principal on behalf of an operator and
// audits the change.
func (g *Guard) Grant(ctx context.Context, grantedBy models.Principal, identity *models.Identity) error {
	if err := g.mappings.Upsert(ctx, identity); err != nil {
		return err
	}
	g.audit.Security(ctx, "user_granted", grantedBy, models.SeverityInfo, map[string]any{
		"target": string(identity.Principal),
		"roles":  identity.Roles,
		"active": identity.Active,
	})
	return nil
}
