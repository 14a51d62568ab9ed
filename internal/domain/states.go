package domain

type TaskState string

const (
	TaskCreated      TaskState = "Created"
	TaskStarted      TaskState = "Started"
	TaskCheckpointed TaskState = "Checkpointed"
	TaskVerifying    TaskState = "Verifying"
	TaskCompleted    TaskState = "Completed"
	TaskFailed       TaskState = "Failed"
	TaskAborted      TaskState = "Aborted"
	TaskClosed       TaskState = "Closed"
)

type FlowState string

const (
	FlowCreated   FlowState = "Created"
	FlowRunning   FlowState = "Running"
	FlowPaused    FlowState = "Paused"
	FlowCompleted FlowState = "Completed"
	FlowFailed    FlowState = "Failed"
	FlowAborted   FlowState = "Aborted"
)

// Terminal reports whether no further transitions are possible.
func (s FlowState) Terminal() bool {
	return s == FlowCompleted || s == FlowFailed || s == FlowAborted
}

type AttemptState string

const (
	AttemptPending    AttemptState = "Pending"
	AttemptDispatched AttemptState = "Dispatched"
	AttemptRunning    AttemptState = "Running"
	AttemptFinished   AttemptState = "Finished"
	AttemptAborted    AttemptState = "Aborted"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "Success"
	OutcomeFailure Outcome = "Failure"
	OutcomeAborted Outcome = "Aborted"
)

type MergeState string

const (
	MergePrepared MergeState = "Prepared"
	MergeApproved MergeState = "Approved"
	MergeExecuted MergeState = "Executed"
	MergeRejected MergeState = "Rejected"
)

// SchedStatus is the per-task status a flow derives for scheduling.
type SchedStatus string

const (
	SchedBlocked      SchedStatus = "Blocked"
	SchedReady        SchedStatus = "Ready"
	SchedInAttempt    SchedStatus = "InAttempt"
	SchedCheckpointed SchedStatus = "Checkpointed"
	SchedVerifying    SchedStatus = "Verifying"
	SchedDone         SchedStatus = "Done"
	SchedFailed       SchedStatus = "Failed"
)

type RetryMode string

const (
	ModeInitial  RetryMode = "initial"
	ModeContinue RetryMode = "continue"
	ModeClean    RetryMode = "clean"
)

var taskTransitions = map[TaskState]map[TaskState]struct{}{
	TaskCreated: {
		TaskStarted: {},
		TaskClosed:  {},
	},
	TaskStarted: {
		TaskCheckpointed: {},
		TaskCompleted:    {},
		TaskFailed:       {},
		TaskAborted:      {},
	},
	// Checkpointed -> Completed is taken only by checkpoint-exempt tasks.
	TaskCheckpointed: {
		TaskVerifying: {},
		TaskCompleted: {},
		TaskFailed:    {},
		TaskAborted:   {},
	},
	TaskVerifying: {
		TaskCompleted: {},
		TaskFailed:    {},
		TaskAborted:   {},
	},
	TaskCompleted: {
		TaskClosed: {},
	},
	TaskFailed: {
		TaskStarted: {},
		TaskClosed:  {},
	},
	TaskAborted: {
		TaskStarted: {},
		TaskClosed:  {},
	},
	TaskClosed: {},
}

var flowTransitions = map[FlowState]map[FlowState]struct{}{
	FlowCreated: {
		FlowRunning: {},
		FlowAborted: {},
	},
	FlowRunning: {
		FlowPaused:    {},
		FlowCompleted: {},
		FlowFailed:    {},
		FlowAborted:   {},
	},
	FlowPaused: {
		FlowRunning:   {},
		FlowCompleted: {},
		FlowFailed:    {},
		FlowAborted:   {},
	},
	FlowCompleted: {},
	FlowFailed:    {},
	FlowAborted:   {},
}

var attemptTransitions = map[AttemptState]map[AttemptState]struct{}{
	AttemptPending: {
		AttemptDispatched: {},
		AttemptAborted:    {},
	},
	AttemptDispatched: {
		AttemptRunning:  {},
		AttemptFinished: {},
		AttemptAborted:  {},
	},
	AttemptRunning: {
		AttemptFinished: {},
		AttemptAborted:  {},
	},
	AttemptFinished: {},
	AttemptAborted:  {},
}

var mergeTransitions = map[MergeState]map[MergeState]struct{}{
	MergePrepared: {
		MergeApproved: {},
		MergeRejected: {},
	},
	MergeApproved: {
		MergeExecuted: {},
		MergeRejected: {},
	},
	MergeExecuted: {},
	MergeRejected: {},
}

func CanTransitionTask(from, to TaskState) bool {
	_, ok := taskTransitions[from][to]
	return ok
}

func CanTransitionFlow(from, to FlowState) bool {
	_, ok := flowTransitions[from][to]
	return ok
}

func CanTransitionAttempt(from, to AttemptState) bool {
	_, ok := attemptTransitions[from][to]
	return ok
}

func CanTransitionMerge(from, to MergeState) bool {
	_, ok := mergeTransitions[from][to]
	return ok
}

// ValidateTaskTransition returns an InvalidTransition error when from -> to is not allowed.
func ValidateTaskTransition(id string, from, to TaskState) error {
	if !CanTransitionTask(from, to) {
		return InvalidTransition(AggTask, id, from, to)
	}
	return nil
}

func ValidateFlowTransition(id string, from, to FlowState) error {
	if !CanTransitionFlow(from, to) {
		return InvalidTransition(AggFlow, id, from, to)
	}
	return nil
}

func ValidateMergeTransition(id string, from, to MergeState) error {
	if !CanTransitionMerge(from, to) {
		return InvalidTransition(AggMerge, id, from, to)
	}
	return nil
}
