package authz

// Role is a position in the SuperAdmin ⊃ Admin ⊃ Share lattice.
type Role int

const (
	RoleShare Role = iota
	RoleAdmin
	RoleSuperAdmin
)

func (r Role) String() string {
	switch r {
	case RoleShare:
		return "share"
	case RoleAdmin:
		return "admin"
	case RoleSuperAdmin:
		return "super_admin"
	default:
		return "unknown"
	}
}

// Operation names an authorization-matrix column (§4.4). Values are
// snake_case command names (the wire type values are their kebab-case
// counterparts), so audit entries can name the offending command directly.
type Operation string

const (
	OpListInstances        Operation = "list_instances"
	OpAttach               Operation = "attach"
	OpDetach               Operation = "detach"
	OpPTYInput             Operation = "pty_input"
	OpResize               Operation = "resize"
	OpCreateInstance       Operation = "create_instance"
	OpCloseInstance        Operation = "close_instance"
	OpForceCloseInstance   Operation = "force_close_instance"
	OpForceDisconnectAgent Operation = "force_disconnect_agent"
	OpDeleteAgent          Operation = "delete_agent"
	OpAdminStats           Operation = "admin_stats"
	OpAuditLogs            Operation = "audit_logs"
	OpTagCRUD              Operation = "tag_crud"
	OpSelectWorkingAgent   Operation = "select_working_agent"
	OpClearWorkingAgent    Operation = "clear_working_agent"
)

// minRole is the lowest role permitted to invoke each operation. Anything
// absent from this table is refused for every role, SuperAdmin included:
// absence is a bug, not an implicit allow, so Allowed treats a missing
// entry as a denial.
var minRole = map[Operation]Role{
	OpListInstances:        RoleShare,
	OpAttach:               RoleShare,
	OpDetach:               RoleShare,
	OpPTYInput:             RoleShare,
	OpResize:               RoleShare,
	OpCreateInstance:       RoleAdmin,
	OpCloseInstance:        RoleAdmin,
	OpTagCRUD:              RoleAdmin,
	OpForceCloseInstance:   RoleSuperAdmin,
	OpForceDisconnectAgent: RoleSuperAdmin,
	OpDeleteAgent:          RoleSuperAdmin,
	OpAdminStats:           RoleSuperAdmin,
	OpAuditLogs:            RoleSuperAdmin,
	OpSelectWorkingAgent:   RoleSuperAdmin,
	OpClearWorkingAgent:    RoleSuperAdmin,
}

// Allowed reports whether role may invoke op at all, per the lattice. It
// does not check instance/agent scoping (own-agent vs any-agent, working-
// agent binding) — that is the caller's responsibility once the operation
// is known to be permitted for the role, since scoping needs the caller's
// bound Agent Record and, for SuperAdmin, the session's working-agent
// selection.
func Allowed(role Role, op Operation) bool {
	required, ok := minRole[op]
	if !ok {
		return false
	}
	return role >= required
}
