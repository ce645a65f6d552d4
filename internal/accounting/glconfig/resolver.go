package glconfig

import (
	"context"
	"errors"

	"github.com/odyssey-erp/odyssey-posting/internal/accounting/events"
)

// FallbackResolver applies the branch then company-wide lookup order against a
// Repository. It never falls back past the company-wide row.
type FallbackResolver struct {
	repo Repository
}

// NewFallbackResolver constructs a FallbackResolver.
func NewFallbackResolver(repo Repository) *FallbackResolver {
	return &FallbackResolver{repo: repo}
}

// Resolve implements Resolver.
func (r *FallbackResolver) Resolve(ctx context.Context, code events.Code, companyID int64, branchID *int64) (Configuration, error) {
	if branchID != nil {
		cfg, err := r.repo.FindActive(ctx, code, companyID, branchID)
		switch {
		case err == nil:
			return cfg, nil
		case !errors.Is(err, ErrNotFound):
			return Configuration{}, err
		}
	}
	cfg, err := r.repo.FindActive(ctx, code, companyID, nil)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Configuration{}, &MissingConfigurationError{Code: code, CompanyID: companyID, BranchID: branchID}
		}
		return Configuration{}, err
	}
	return cfg, nil
}
