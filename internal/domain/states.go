package domain

// taskStateTransitions is the full lifecycle graph. Transitions are
// monotonic: terminal states have no successors and nothing transitions
// backwards. Cancelled is reachable only from Running.
var taskStateTransitions = map[TaskState][]TaskState{
	TaskStateCreated:         {TaskStateScriptGenerated},
	TaskStateScriptGenerated: {TaskStateRunning},
	TaskStateRunning:         {TaskStateSucceeded, TaskStateFailed, TaskStateTimedOut, TaskStateCancelled},
	TaskStateSucceeded:       {},
	TaskStateFailed:          {},
	TaskStateTimedOut:        {},
	TaskStateCancelled:       {},
}

func ValidTaskTransition(src, dst TaskState) bool {
	for _, s := range taskStateTransitions[src] {
		if s == dst {
			return true
		}
	}
	return false
}

// Terminal reports whether the state ends the record's lifecycle.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateSucceeded, TaskStateFailed, TaskStateTimedOut, TaskStateCancelled:
		return true
	}
	return false
}

func AllTaskStates() []TaskState {
	return []TaskState{
		TaskStateCreated,
		TaskStateScriptGenerated,
		TaskStateRunning,
		TaskStateSucceeded,
		TaskStateFailed,
		TaskStateTimedOut,
		TaskStateCancelled,
	}
}
