package sequencer

import (
	"time"

	"yqhp/deployer/pkg/types"
)

// State is the lifecycle state of one deployment run.
type State string

const (
	StateIdle                  State = "idle"
	StateCleaning              State = "cleaning"
	StateDistributingArtifacts State = "distributing_artifacts"
	StateDistributingData      State = "distributing_data"
	StateStartingMaster        State = "starting_master"
	StateStartingServer        State = "starting_server"
	StateStartingAgents        State = "starting_agents"
	StateStartingWorkers       State = "starting_workers"
	// StateRunning 所有角色已启动，没有回滚
	StateRunning State = "running"
	// StateFailed 运行提前终止，可从任意非终态进入
	StateFailed State = "failed"
)

// order 为正常推进的状态序列
var order = []State{
	StateIdle,
	StateCleaning,
	StateDistributingArtifacts,
	StateDistributingData,
	StateStartingMaster,
	StateStartingServer,
	StateStartingAgents,
	StateStartingWorkers,
	StateRunning,
}

// phaseStates maps each phase to the state the run is in while executing it.
var phaseStates = map[types.Phase]State{
	types.PhaseCleanup:   StateCleaning,
	types.PhaseArtifacts: StateDistributingArtifacts,
	types.PhaseData:      StateDistributingData,
	types.PhaseMaster:    StateStartingMaster,
	types.PhaseServer:    StateStartingServer,
	types.PhaseAgents:    StateStartingAgents,
	types.PhaseWorkers:   StateStartingWorkers,
}

// StateOf returns the state the run is in while executing phase.
func StateOf(phase types.Phase) State {
	return phaseStates[phase]
}

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateRunning || s == StateFailed
}

// CanTransitionTo reports whether moving from s to next is allowed: one step
// forward along the fixed order, or to Failed from any non-terminal state.
func (s State) CanTransitionTo(next State) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StateFailed {
		return true
	}
	for i := 0; i < len(order)-1; i++ {
		if order[i] == s {
			return order[i+1] == next
		}
	}
	return false
}

// Transition records one state change.
type Transition struct {
	From  State       `json:"from"`
	To    State       `json:"to"`
	Phase types.Phase `json:"phase,omitempty"`
	At    time.Time   `json:"at"`
}

// Observer is notified synchronously of every state transition.
type Observer func(Transition)
