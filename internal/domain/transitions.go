package domain

// IsTerminal reports whether s is an absorbing task state.
func IsTerminal(s TaskStatus) bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from→to is a legal task transition.
//
//	pending → running | cancelled | failed (enqueue failure, retry budget exhausted)
//	running → completed | failed | cancelled | pending (reclaim / retry nack)
//
// Terminal states are write-once; same-state transitions are rejected so
// duplicate terminal writes surface as no-ops.
func CanTransition(from, to TaskStatus) bool {
	if IsTerminal(from) {
		return false
	}
	switch from {
	case TaskPending:
		return to == TaskRunning || to == TaskCancelled || to == TaskFailed
	case TaskRunning:
		return to == TaskCompleted || to == TaskFailed || to == TaskCancelled || to == TaskPending
	}
	return false
}

// BatchStatusFor derives the batch status from its counters once no task is
// pending or running. partial_success means a mix of completed and
// failed/cancelled outcomes.
func BatchStatusFor(b Batch) BatchStatus {
	if b.PendingCount > 0 || b.RunningCount > 0 {
		if b.RunningCount > 0 || b.CompletedCount+b.FailedCount+b.CancelledCount > 0 {
			return BatchProcessing
		}
		return BatchPending
	}
	switch {
	case b.CompletedCount == b.TotalTasks:
		return BatchCompleted
	case b.CompletedCount > 0:
		return BatchPartialSuccess
	case b.CancelledCount == b.TotalTasks:
		return BatchCancelled
	default:
		return BatchFailed
	}
}
