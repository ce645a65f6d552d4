package rbac

import (
	"context"
	"fmt"
	"strings"

	"github.com/odyssey-erp/odyssey-posting/internal/platform/db"
	"github.com/odyssey-erp/odyssey-posting/internal/workflow"
)

// PermissionSource lists the permission names granted to a user.
type PermissionSource interface {
	EffectivePermissions(ctx context.Context, userID int64) ([]string, error)
}

// Service resolves effective permissions from user_roles and role_permissions.
type Service struct {
	pool db.Querier
}

// NewService constructs a Service backed by the provided pool.
func NewService(pool db.Querier) *Service {
	return &Service{pool: pool}
}

// EffectivePermissions returns deduplicated permission names for a user.
func (s *Service) EffectivePermissions(ctx context.Context, userID int64) ([]string, error) {
	rows, err := db.Conn(ctx, s.pool).Query(ctx, `SELECT DISTINCT p.name
FROM user_roles ur
JOIN role_permissions rp ON rp.role_id = ur.role_id
JOIN permissions p ON p.id = rp.permission_id
WHERE ur.user_id = $1
ORDER BY p.name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		perms = append(perms, name)
	}
	return perms, rows.Err()
}

// Authorizer checks workflow abilities against a PermissionSource. It
// implements workflow.Authorizer.
type Authorizer struct {
	source PermissionSource
}

// NewAuthorizer constructs an Authorizer.
func NewAuthorizer(source PermissionSource) *Authorizer {
	return &Authorizer{source: source}
}

// Authorize returns an error wrapping workflow.ErrForbidden unless the user
// holds ability or SuperPermission.
func (a *Authorizer) Authorize(ctx context.Context, userID int64, ability string) error {
	required := normalizePermissions([]string{ability})
	if len(required) == 0 {
		return nil
	}
	granted, err := a.source.EffectivePermissions(ctx, userID)
	if err != nil {
		return fmt.Errorf("rbac: load permissions for user %d: %w", userID, err)
	}
	if hasAnyPermission(granted, append(required, SuperPermission)) {
		return nil
	}
	return fmt.Errorf("%w: user %d lacks %s", workflow.ErrForbidden, userID, strings.Join(required, ","))
}
