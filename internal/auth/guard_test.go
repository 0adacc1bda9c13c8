package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"github.com/querypilot/querypilot/internal/audit"
	"github.com/querypilot/querypilot/internal/db"
	"github.com/querypilot/querypilot/pkg/models"
)

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "querypilot_auth_test_*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := db.NewStore(db.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(tmpDir, "test.db"),
		MaxConns: 4,
		LogLevel: logger.Silent,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestGuard(t *testing.T, store *db.Store) (*Guard, *audit.Logger) {
	t.Helper()
	auditLog := audit.NewLogger(db.NewAuditStore(store))
	mappings := db.NewMappingStore(store)
	return NewGuard(NewLocalResolver(mappings), mappings, auditLog), auditLog
}

func seedIdentity(t *testing.T, store *db.Store, principal models.Principal, roles ...models.Role) {
	t.Helper()
	err := db.NewMappingStore(store).Upsert(context.Background(), &models.Identity{
		Principal: principal,
		Roles:     roles,
		Active:    true,
	})
	require.NoError(t, err)
}

func TestAuthorize_AnalystCanExecute(t *testing.T) {
	store := newTestStore(t)
	guard, _ := newTestGuard(t, store)
	seedIdentity(t, store, "U_analyst", models.RoleAnalyst)

	identity, err := guard.Authorize(context.Background(), "U_analyst", models.CapabilityQueryExecute)
	require.NoError(t, err)
	assert.True(t, identity.Has(models.CapabilityQueryHistory))
	assert.False(t, identity.Has(models.CapabilityUserAdmin))
}

func TestAuthorize_ViewerDeniedExecute(t *testing.T) {
	store := newTestStore(t)
	guard, auditLog := newTestGuard(t, store)
	seedIdentity(t, store, "U_viewer", models.RoleViewer)

	_, err := guard.Authorize(context.Background(), "U_viewer", models.CapabilityQueryExecute)
	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, models.CapabilityQueryExecute, denied.Capability)

	entries, err := auditLog.Search(context.Background(), db.AuditFilter{EventType: "permission_denied"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.Principal("U_viewer"), entries[0].Principal)
}

func TestAuthorize_AdminImpliesAll(t *testing.T) {
	store := newTestStore(t)
	guard, _ := newTestGuard(t, store)
	seedIdentity(t, store, "U_admin", models.RoleAdmin)

	for _, c := range []models.Capability{
		models.CapabilityQueryExecute,
		models.CapabilityUserAdmin,
		models.CapabilityAuditView,
	} {
		_, err := guard.Authorize(context.Background(), "U_admin", c)
		assert.NoError(t, err, "capability %s", c)
	}
}

func TestAuthorize_UnknownPrincipal(t *testing.T) {
	store := newTestStore(t)
	guard, auditLog := newTestGuard(t, store)

	_, err := guard.Authorize(context.Background(), "U_missing", models.CapabilityQueryExecute)
	assert.ErrorIs(t, err, ErrIdentityNotFound)

	entries, err := auditLog.Search(context.Background(), db.AuditFilter{EventType: "identity_not_found"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAuthorize_InactiveIdentityDenied(t *testing.T) {
	store := newTestStore(t)
	guard, _ := newTestGuard(t, store)
	err := db.NewMappingStore(store).Upsert(context.Background(), &models.Identity{
		Principal: "U_gone",
		Roles:     []models.Role{models.RoleAdmin},
		Active:    false,
	})
	require.NoError(t, err)

	_, err = guard.Authorize(context.Background(), "U_gone", models.CapabilityQueryHistory)
	assert.ErrorIs(t, err, ErrIdentityNotFound)
}

type failingResolver struct{}

func (failingResolver) Resolve(context.Context, models.Principal) (*models.Identity, error) {
	return nil, errors.New("directory down")
}

func TestAuthorize_ResolverOutageFailsClosed(t *testing.T) {
	store := newTestStore(t)
	auditLog := audit.NewLogger(db.NewAuditStore(store))
	guard := NewGuard(failingResolver{}, db.NewMappingStore(store), auditLog)

	_, err := guard.Authorize(context.Background(), "U1", models.CapabilityQueryExecute)
	assert.ErrorIs(t, err, ErrResolverUnavailable)
}

func TestGrant_UpsertsAndAudits(t *testing.T) {
	store := newTestStore(t)
	guard, auditLog := newTestGuard(t, store)

	err := guard.Grant(context.Background(), "admin1", &models.Identity{
		Principal: "U_new",
		Roles:     []models.Role{models.RoleAnalyst},
		Active:    true,
	})
	require.NoError(t, err)

	identity, err := guard.Authorize(context.Background(), "U_new", models.CapabilityQueryExecute)
	require.NoError(t, err)
	assert.Equal(t, models.Principal("U_new"), identity.Principal)

	entries, err := auditLog.Search(context.Background(), db.AuditFilter{EventType: "user_granted"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.Principal("admin1"), entries[0].Principal)
	assert.Equal(t, "U_new", entries[0].Payload["target"])
}

func TestGrant_DeactivationRevokesAccess(t *testing.T) {
	store := newTestStore(t)
	guard, _ := newTestGuard(t, store)
	mappings := db.NewMappingStore(store)

	err := guard.Grant(context.Background(), "admin1", &models.Identity{
		Principal: "U_left_company",
		Roles:     []models.Role{models.RoleAnalyst},
		Active:    true,
	})
	require.NoError(t, err)
	_, err = guard.Authorize(context.Background(), "U_left_company", models.CapabilityQueryExecute)
	require.NoError(t, err)

	err = guard.Grant(context.Background(), "admin1", &models.Identity{
		Principal: "U_left_company",
		Roles:     []models.Role{models.RoleAnalyst},
		Active:    false,
	})
	require.NoError(t, err)

	identity, err := mappings.Get(context.Background(), "U_left_company")
	require.NoError(t, err)
	require.NotNil(t, identity)
	assert.False(t, identity.Active)

	_, err = guard.Authorize(context.Background(), "U_left_company", models.CapabilityQueryExecute)
	assert.ErrorIs(t, err, ErrIdentityNotFound)
}

func TestDirectoryResolver_WriteThrough(t *testing.T) {
	store := newTestStore(t)

	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		switch r.URL.Path {
		case "/v1/users/U_dir":
			assert.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"principal":"U_dir","email":"dir@example.com","roles":["analyst"],"active":true}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	resolver := NewDirectoryResolver(srv.URL, "sekrit", 2*time.Second, db.NewMappingStore(store))

	identity, err := resolver.Resolve(context.Background(), "U_dir")
	require.NoError(t, err)
	require.NotNil(t, identity)
	assert.True(t, identity.Has(models.CapabilityQueryExecute))

	// Second resolve is served locally without another directory call.
	_, err = resolver.Resolve(context.Background(), "U_dir")
	require.NoError(t, err)
	assert.Equal(t, 1, hits)

	missing, err := resolver.Resolve(context.Background(), "U_nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
