package rbac

// SuperPermission grants every ability, e.g. to an administrator role.
// Ability names such as "purchase_order.approve" are plain permission rows.
const SuperPermission = "*"
