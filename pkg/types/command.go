package types

import "fmt"

// Role identifies the process tier a command belongs to.
type Role string

const (
	// RoleNone marks commands that do not start a role process (cleanup, copies).
	RoleNone Role = ""
	// RoleMaster coordinates global job metadata.
	RoleMaster Role = "master"
	// RoleServer serves the shared model state.
	RoleServer Role = "server"
	// RoleAgent supervises the worker process on a node.
	RoleAgent Role = "agent"
	// RoleWorker is the compute job instance.
	RoleWorker Role = "worker"
)

// Phase identifies one stage of the deployment pipeline.
type Phase string

const (
	PhaseCleanup   Phase = "cleanup"
	PhaseArtifacts Phase = "artifacts"
	PhaseData      Phase = "data"
	PhaseMaster    Phase = "master"
	PhaseServer    Phase = "server"
	PhaseAgents    Phase = "agents"
	PhaseWorkers   Phase = "workers"
)

// Phases 按固定顺序列出全部阶段，顺序不可调整
var Phases = []Phase{
	PhaseCleanup,
	PhaseArtifacts,
	PhaseData,
	PhaseMaster,
	PhaseServer,
	PhaseAgents,
	PhaseWorkers,
}

// Command is one fully rendered shell invocation. It is immutable once built.
type Command struct {
	Phase Phase  `json:"phase" yaml:"phase"`
	Role  Role   `json:"role,omitempty" yaml:"role,omitempty"`
	Node  string `json:"node" yaml:"node"`
	Line  string `json:"line" yaml:"line"`
}

// String 返回便于日志输出的描述
func (c Command) String() string {
	if c.Role != RoleNone {
		return fmt.Sprintf("%s/%s@%s", c.Phase, c.Role, c.Node)
	}
	return fmt.Sprintf("%s@%s", c.Phase, c.Node)
}
