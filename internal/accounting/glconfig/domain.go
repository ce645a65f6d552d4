package glconfig

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/odyssey-erp/odyssey-posting/internal/accounting/events"
)

var (
	// ErrMissingConfiguration indicates neither a branch nor a company-wide
	// configuration is active for an event code.
	ErrMissingConfiguration = errors.New("glconfig: missing ledger configuration")
	// ErrUnmappedRole indicates the resolved configuration has no account for a role.
	ErrUnmappedRole = errors.New("glconfig: unmapped role")
	// ErrNotFound is returned by repositories for an exact-scope miss.
	ErrNotFound = errors.New("glconfig: configuration not found")
	// ErrInvalidConfiguration flags malformed configuration input.
	ErrInvalidConfiguration = errors.New("glconfig: invalid configuration")
)

// Mapping binds an abstract role to a concrete ledger account.
type Mapping struct {
	Role      string `json:"role"`
	AccountID int64  `json:"account_id"`
}

// Configuration is the GL event configuration for one scope.
type Configuration struct {
	ID          int64       `json:"id"`
	EventCode   events.Code `json:"event_code"`
	CompanyID   int64       `json:"company_id"`
	BranchID    *int64      `json:"branch_id"`
	IsActive    bool        `json:"is_active"`
	Description string      `json:"description,omitempty"`
	Mappings    []Mapping   `json:"mappings"`
}

// AccountFor returns the account mapped to role.
func (c Configuration) AccountFor(role string) (int64, error) {
	for _, m := range c.Mappings {
		if m.Role == role {
			return m.AccountID, nil
		}
	}
	return 0, &UnmappedRoleError{Code: c.EventCode, ConfigurationID: c.ID, Role: role}
}

// Validate checks the configuration before it is stored.
func (c Configuration) Validate() error {
	if !c.EventCode.IsValid() {
		return fmt.Errorf("%w: unknown event code %q", ErrInvalidConfiguration, c.EventCode)
	}
	if c.CompanyID <= 0 {
		return fmt.Errorf("%w: company_id required", ErrInvalidConfiguration)
	}
	if c.BranchID != nil && *c.BranchID <= 0 {
		return fmt.Errorf("%w: branch_id must be positive", ErrInvalidConfiguration)
	}
	if len(c.Mappings) == 0 {
		return fmt.Errorf("%w: %s has no role mappings", ErrInvalidConfiguration, c.EventCode)
	}
	seen := make(map[string]struct{}, len(c.Mappings))
	for _, m := range c.Mappings {
		role := strings.TrimSpace(m.Role)
		if role == "" {
			return fmt.Errorf("%w: empty role", ErrInvalidConfiguration)
		}
		if _, dup := seen[role]; dup {
			return fmt.Errorf("%w: role %q mapped twice", ErrInvalidConfiguration, role)
		}
		seen[role] = struct{}{}
		if m.AccountID <= 0 {
			return fmt.Errorf("%w: role %q needs an account", ErrInvalidConfiguration, role)
		}
	}
	return nil
}

// MissingConfigurationError reports the scope that failed to resolve.
type MissingConfigurationError struct {
	Code      events.Code
	CompanyID int64
	BranchID  *int64
}

func (e *MissingConfigurationError) Error() string {
	branch := "none"
	if e.BranchID != nil {
		branch = fmt.Sprint(*e.BranchID)
	}
	return fmt.Sprintf("glconfig: no active configuration for %s (company %d, branch %s)", e.Code, e.CompanyID, branch)
}

// Unwrap exposes ErrMissingConfiguration.
func (e *MissingConfigurationError) Unwrap() error {
	return ErrMissingConfiguration
}

// UnmappedRoleError reports a role absent from a resolved configuration.
type UnmappedRoleError struct {
	Code            events.Code
	ConfigurationID int64
	Role            string
}

func (e *UnmappedRoleError) Error() string {
	return fmt.Sprintf("glconfig: role %q is not mapped in configuration %d (%s)", e.Role, e.ConfigurationID, e.Code)
}

// Unwrap exposes ErrUnmappedRole.
func (e *UnmappedRoleError) Unwrap() error {
	return ErrUnmappedRole
}

// Repository loads and stores configurations.
type Repository interface {
	// FindActive matches the scope exactly; a nil branch matches only
	// company-wide rows. Misses return ErrNotFound.
	FindActive(ctx context.Context, code events.Code, companyID int64, branchID *int64) (Configuration, error)
	Upsert(ctx context.Context, cfg Configuration) (int64, error)
}

// Resolver finds the configuration governing an event.
type Resolver interface {
	Resolve(ctx context.Context, code events.Code, companyID int64, branchID *int64) (Configuration, error)
}
