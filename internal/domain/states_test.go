package domain

import "testing"

func TestValidTaskTransitions(t *testing.T) {
	valid := [][2]TaskState{
		{TaskStateCreated, TaskStateScriptGenerated},
		{TaskStateScriptGenerated, TaskStateRunning},
		{TaskStateRunning, TaskStateSucceeded},
		{TaskStateRunning, TaskStateFailed},
		{TaskStateRunning, TaskStateTimedOut},
		{TaskStateRunning, TaskStateCancelled},
	}
	for _, tr := range valid {
		if !ValidTaskTransition(tr[0], tr[1]) {
			t.Errorf("expected %s -> %s to be valid", tr[0], tr[1])
		}
	}

	invalid := [][2]TaskState{
		{TaskStateCreated, TaskStateRunning},
		{TaskStateCreated, TaskStateCancelled},
		{TaskStateScriptGenerated, TaskStateSucceeded},
		{TaskStateScriptGenerated, TaskStateCancelled},
		{TaskStateSucceeded, TaskStateRunning},
		{TaskStateFailed, TaskStateCreated},
		{TaskStateCancelled, TaskStateRunning},
		{TaskStateRunning, TaskStateCreated},
		{TaskStateRunning, TaskStateRunning},
	}
	for _, tr := range invalid {
		if ValidTaskTransition(tr[0], tr[1]) {
			t.Errorf("expected %s -> %s to be invalid", tr[0], tr[1])
		}
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []TaskState{TaskStateSucceeded, TaskStateFailed, TaskStateTimedOut, TaskStateCancelled} {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []TaskState{TaskStateCreated, TaskStateScriptGenerated, TaskStateRunning} {
		if s.Terminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}
