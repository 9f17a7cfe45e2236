package lifecycle

// Execution machine states.
const (
	ExecPending   State = "pending"
	ExecQueued    State = "queued"
	ExecRunning   State = "running"
	ExecSucceeded State = "succeeded"
	ExecFailed    State = "failed"
	ExecTimeout   State = "timeout"
	ExecPaused    State = "paused"
	ExecCancelled State = "cancelled"
)

// NewExecutionMachine returns the machine governing tool execution attempts.
// failed and timeout may re-queue for retry; succeeded and cancelled are
// terminal.
func NewExecutionMachine() *Machine {
	return NewMachine("execution", ExecPending,
		map[State][]State{
			ExecPending: {ExecQueued, ExecCancelled},
			ExecQueued:  {ExecRunning, ExecCancelled},
			ExecRunning: {ExecSucceeded, ExecFailed, ExecTimeout, ExecPaused, ExecCancelled},
			ExecFailed:  {ExecQueued},
			ExecTimeout: {ExecQueued},
			ExecPaused:  {ExecRunning, ExecCancelled},
		},
		[]State{ExecSucceeded, ExecCancelled},
	)
}

// Junction machine states.
const (
	JunctionDetected   State = "detected"
	JunctionValidating State = "validating"
	JunctionAwaiting   State = "awaiting_decision"
	JunctionExecuting  State = "executing"
	JunctionResolved   State = "resolved"
	JunctionBlocked    State = "blocked"
	JunctionExpired    State = "expired"
	JunctionFailed     State = "failed"
)

// NewJunctionMachine returns the machine governing decision junctions.
// blocked and failed junctions may return to awaiting_decision or expire;
// resolved and expired are terminal.
func NewJunctionMachine() *Machine {
	return NewMachine("junction", JunctionDetected,
		map[State][]State{
			JunctionDetected:   {JunctionValidating, JunctionExpired},
			JunctionValidating: {JunctionAwaiting, JunctionBlocked, JunctionExpired},
			JunctionAwaiting:   {JunctionExecuting, JunctionExpired, JunctionBlocked},
			JunctionExecuting:  {JunctionResolved, JunctionFailed},
			JunctionBlocked:    {JunctionAwaiting, JunctionExpired},
			JunctionFailed:     {JunctionAwaiting, JunctionExpired},
		},
		[]State{JunctionResolved, JunctionExpired},
	)
}
