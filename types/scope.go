package types

import "fmt"

// Mode selects which compiled subgraph variant of a task is addressed.
type Mode string

const (
	// ModeTrain addresses the training variant of a task.
	ModeTrain Mode = "TRAIN"
	// ModeEval addresses the evaluation variant of a task.
	ModeEval Mode = "EVAL"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeTrain || m == ModeEval
}

// TaskScope identifies exactly one compiled subgraph variant of a task.
// The empty task name is the single-task ("default") scope. TaskScope is a
// value type: it is comparable and usable as a map key.
type TaskScope struct {
	Mode Mode
	Task string
}

// String renders the scope for diagnostics.
func (s TaskScope) String() string {
	if s.Task == "" {
		return fmt.Sprintf("%s/<default>", s.Mode)
	}
	return fmt.Sprintf("%s/%s", s.Mode, s.Task)
}

// Role is the fixed part a party plays in the federated protocol.
type Role string

const (
	RoleLeader   Role = "leader"
	RoleFollower Role = "follower"
)

// Valid reports whether r is one of the two federated roles.
func (r Role) Valid() bool {
	return r == RoleLeader || r == RoleFollower
}

// Peer returns the opposite role.
func (r Role) Peer() Role {
	if r == RoleLeader {
		return RoleFollower
	}
	return RoleLeader
}
