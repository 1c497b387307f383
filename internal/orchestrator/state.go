package orchestrator

type State string

const (
	StateIdle          State = "idle"
	StateEvaluating    State = "evaluating"
	StateNeedsApproval State = "needs_approval"
	StateReadyToAct    State = "ready_to_act"
	StateApproving     State = "approving"
	StateActing        State = "acting"
	// StateSettling means the action call was accepted by the network and
	// awaits inclusion.
	StateSettling  State = "settling"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)
