package glconfig

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-posting/internal/accounting/events"
)

type memoryRepo struct {
	configs map[string]Configuration
	nextID  int64
	finds   int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{configs: make(map[string]Configuration)}
}

func scopeKey(code events.Code, companyID int64, branchID *int64) string {
	if branchID == nil {
		return fmt.Sprintf("%s/%d/-", code, companyID)
	}
	return fmt.Sprintf("%s/%d/%d", code, companyID, *branchID)
}

func (r *memoryRepo) FindActive(_ context.Context, code events.Code, companyID int64, branchID *int64) (Configuration, error) {
	r.finds++
	cfg, ok := r.configs[scopeKey(code, companyID, branchID)]
	if !ok || !cfg.IsActive {
		return Configuration{}, ErrNotFound
	}
	return cfg, nil
}

func (r *memoryRepo) Upsert(_ context.Context, cfg Configuration) (int64, error) {
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	key := scopeKey(cfg.EventCode, cfg.CompanyID, cfg.BranchID)
	if existing, ok := r.configs[key]; ok {
		cfg.ID = existing.ID
	} else {
		r.nextID++
		cfg.ID = r.nextID
	}
	r.configs[key] = cfg
	return cfg.ID, nil
}

func int64Ptr(v int64) *int64 { return &v }

func seed(t *testing.T, repo *memoryRepo, branchID *int64, account int64, active bool) {
	t.Helper()
	_, err := repo.Upsert(context.Background(), Configuration{
		EventCode: events.CodeGoodsReceived,
		CompanyID: 1,
		BranchID:  branchID,
		IsActive:  active,
		Mappings:  []Mapping{{Role: "inventory", AccountID: account}, {Role: "grni", AccountID: 2101}},
	})
	require.NoError(t, err)
}

func TestResolvePrefersBranchConfiguration(t *testing.T) {
	repo := newMemoryRepo()
	seed(t, repo, nil, 1400, true)
	seed(t, repo, int64Ptr(4), 1404, true)
	resolver := NewFallbackResolver(repo)

	cfg, err := resolver.Resolve(context.Background(), events.CodeGoodsReceived, 1, int64Ptr(4))
	require.NoError(t, err)
	account, err := cfg.AccountFor("inventory")
	require.NoError(t, err)
	require.Equal(t, int64(1404), account)
}

func TestResolveFallsBackToCompanyWide(t *testing.T) {
	repo := newMemoryRepo()
	seed(t, repo, nil, 1400, true)
	seed(t, repo, int64Ptr(5), 1405, false)
	resolver := NewFallbackResolver(repo)

	for _, branch := range []*int64{int64Ptr(4), int64Ptr(5), nil} {
		cfg, err := resolver.Resolve(context.Background(), events.CodeGoodsReceived, 1, branch)
		require.NoError(t, err)
		account, err := cfg.AccountFor("inventory")
		require.NoError(t, err)
		require.Equal(t, int64(1400), account)
	}
}

func TestResolveMissingConfiguration(t *testing.T) {
	repo := newMemoryRepo()
	seed(t, repo, int64Ptr(4), 1404, true)
	resolver := NewFallbackResolver(repo)

	_, err := resolver.Resolve(context.Background(), events.CodeGoodsReceived, 1, int64Ptr(9))
	require.ErrorIs(t, err, ErrMissingConfiguration)
	var missing *MissingConfigurationError
	require.True(t, errors.As(err, &missing))
	require.Equal(t, int64(9), *missing.BranchID)

	_, err = resolver.Resolve(context.Background(), events.CodeSalesDelivery, 1, int64Ptr(4))
	require.ErrorIs(t, err, ErrMissingConfiguration)
}

func TestResolvePropagatesRepositoryFailures(t *testing.T) {
	boom := errors.New("connection reset")
	resolver := NewFallbackResolver(failingRepo{err: boom})
	_, err := resolver.Resolve(context.Background(), events.CodeGoodsReceived, 1, int64Ptr(4))
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, ErrMissingConfiguration)
}

type failingRepo struct{ err error }

func (f failingRepo) FindActive(context.Context, events.Code, int64, *int64) (Configuration, error) {
	return Configuration{}, f.err
}

func (f failingRepo) Upsert(context.Context, Configuration) (int64, error) { return 0, f.err }

func TestAccountForUnmappedRole(t *testing.T) {
	cfg := Configuration{ID: 3, EventCode: events.CodeGoodsReceived, Mappings: []Mapping{{Role: "inventory", AccountID: 1}}}
	_, err := cfg.AccountFor("freight")
	require.ErrorIs(t, err, ErrUnmappedRole)
	require.Contains(t, err.Error(), "freight")
}

func TestConfigurationValidate(t *testing.T) {
	base := Configuration{EventCode: events.CodeGoodsReceived, CompanyID: 1, Mappings: []Mapping{{Role: "inventory", AccountID: 1}}}
	require.NoError(t, base.Validate())

	dup := base
	dup.Mappings = []Mapping{{Role: "inventory", AccountID: 1}, {Role: "inventory", AccountID: 2}}
	require.ErrorIs(t, dup.Validate(), ErrInvalidConfiguration)

	unknown := base
	unknown.EventCode = "purchase.unknown"
	require.ErrorIs(t, unknown.Validate(), ErrInvalidConfiguration)

	noAccount := base
	noAccount.Mappings = []Mapping{{Role: "inventory"}}
	require.ErrorIs(t, noAccount.Validate(), ErrInvalidConfiguration)
}
