package postgres

import (
	"github.com/gazzadownunder/fastmcp-oauth/pkg/errors"
)

// Delegation roles carried in the delegation token's roles claim. The admin
// role is a superset of sql-admin: destructive commands (DROP, TRUNCATE) and
// anything unclassified require it exclusively.
const (
	RoleRead     = "sql-read"
	RoleWrite    = "sql-write"
	RoleSQLAdmin = "sql-admin"
	RoleAdmin    = "admin"
)

var kindsByRole = map[string]map[CommandKind]bool{
	RoleRead: {
		CommandSelect: true,
	},
	RoleWrite: {
		CommandSelect: true,
		CommandInsert: true,
		CommandUpdate: true,
		CommandDelete: true,
	},
	RoleSQLAdmin: {
		CommandSelect: true,
		CommandInsert: true,
		CommandUpdate: true,
		CommandDelete: true,
		CommandCreate: true,
	},
	RoleAdmin: {
		CommandSelect:   true,
		CommandInsert:   true,
		CommandUpdate:   true,
		CommandDelete:   true,
		CommandCreate:   true,
		CommandDrop:     true,
		CommandTruncate: true,
		CommandOther:    true,
	},
}

// authorize checks the caller's delegated roles against the command kind.
// The message names the command, never the roles: it must not reveal which
// roles exist, which the caller holds, or which one would have sufficed.
func authorize(roles []string, kind CommandKind) error {
	for _, role := range roles {
		if kindsByRole[role][kind] {
			return nil
		}
	}
	return errors.Newf(errors.ErrInsufficientPermissions,
		"Insufficient permissions to execute %s", kind)
}
