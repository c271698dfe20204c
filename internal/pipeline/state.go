package pipeline

import (
	"fmt"

	"stackyn/builder/internal/domain"
	pipelineerrors "stackyn/builder/internal/errors"
)

// transitions lists the states reachable from each non-terminal state
var transitions = map[domain.PipelineState][]domain.PipelineState{
	domain.StateIdle:                   {domain.StateSynthesizingDescriptor, domain.StateFailed},
	domain.StateSynthesizingDescriptor: {domain.StateBuilding, domain.StateFailed},
	domain.StateBuilding:               {domain.StateTagging, domain.StateFailed},
	domain.StateTagging:                {domain.StatePushing, domain.StateFailed},
	domain.StatePushing:                {domain.StateSucceeded, domain.StateFailed},
}

// stateMachine tracks the state of one run
type stateMachine struct {
	state domain.PipelineState
}

func newStateMachine() *stateMachine {
	return &stateMachine{state: domain.StateIdle}
}

// advance moves to next if the transition is allowed
func (m *stateMachine) advance(next domain.PipelineState) error {
	for _, allowed := range transitions[m.state] {
		if allowed == next {
			m.state = next
			return nil
		}
	}
	return pipelineerrors.New(pipelineerrors.ErrorCodeInternal,
		fmt.Sprintf("invalid state transition %s -> %s", m.state, next))
}

func (m *stateMachine) current() domain.PipelineState {
	return m.state
}
