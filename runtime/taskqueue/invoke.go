package taskqueue

import "fmt"

type (
	// InvokeFrom identifies the surface a generation request came from. It
	// selects the authorization namespace of the task owner.
	InvokeFrom string

	// Role is the authorization namespace derived from InvokeFrom.
	Role string
)

const (
	InvokeFromServiceAPI InvokeFrom = "service-api"
	InvokeFromWebApp     InvokeFrom = "web-app"
	InvokeFromExplore    InvokeFrom = "explore"
	InvokeFromDebugger   InvokeFrom = "debugger"
)

const (
	// RoleAccount covers operator consoles (explore, debugger).
	RoleAccount Role = "account"
	// RoleEndUser covers every other surface.
	RoleEndUser Role = "end-user"
)

// ParseInvokeFrom validates s.
func ParseInvokeFrom(s string) (InvokeFrom, error) {
	switch v := InvokeFrom(s); v {
	case InvokeFromServiceAPI, InvokeFromWebApp, InvokeFromExplore, InvokeFromDebugger:
		return v, nil
	}
	return "", fmt.Errorf("unknown invoke_from %q", s)
}

// ResolveRole maps explore and debugger to RoleAccount and everything else to
// RoleEndUser.
func ResolveRole(from InvokeFrom) Role {
	switch from {
	case InvokeFromExplore, InvokeFromDebugger:
		return RoleAccount
	default:
		return RoleEndUser
	}
}

// Owner returns the owner fingerprint "{role}-{user_id}" recorded for a task.
func Owner(from InvokeFrom, userID string) string {
	return string(ResolveRole(from)) + "-" + userID
}
