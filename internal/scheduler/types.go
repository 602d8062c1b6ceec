package scheduler

import "time"

// TaskType identifies which queue/worker family a task instance belongs to.
type TaskType string

const (
	TaskTally        TaskType = "TALLY_CREATION"
	TaskPartial      TaskType = "PARTIAL_DECRYPTION"
	TaskCompensated  TaskType = "COMPENSATED_DECRYPTION"
	TaskCombine      TaskType = "COMBINE_DECRYPTION"
)

// ChunkState is a chunk descriptor's position in the §4.7 state machine.
type ChunkState string

const (
	StatePending    ChunkState = "PENDING"
	StateQueued     ChunkState = "QUEUED"
	StateProcessing ChunkState = "PROCESSING"
	StateCompleted  ChunkState = "COMPLETED"
	StateFailed     ChunkState = "FAILED"
)

// IsTerminal reports whether s is COMPLETED or FAILED. It does not look at
// the attempt count: a FAILED chunk still waiting out its retry backoff
// also reports true until scheduleRetry moves it back to PENDING, so a task
// instance whose unfinished chunks are all in that state is not active
// until the reset.
func (s ChunkState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ChunkDescriptor is one in-memory unit of work within a task instance.
type ChunkDescriptor struct {
	ChunkID      string
	Sequence     int
	State        ChunkState
	AttemptCount int
	Payload      []byte
	LastError    string

	CreatedAt    time.Time
	QueuedAt     time.Time
	ProcessingAt time.Time
	CompletedAt  time.Time
}

// TaskInstance is a single admin-initiated unit of work composed of many
// chunks (spec §3, §4.7).
type TaskInstance struct {
	TaskInstanceID string
	TaskType       TaskType
	ElectionID     string
	GuardianIDs    []string
	Chunks         []*ChunkDescriptor

	RegisteredAt time.Time
}

// active reports whether t has at least one non-terminal chunk.
func (t *TaskInstance) active() bool {
	for _, c := range t.Chunks {
		if !c.State.IsTerminal() {
			return true
		}
	}
	return false
}

// queuedCount returns the number of chunks currently in QUEUED.
func (t *TaskInstance) queuedCount() int {
	n := 0
	for _, c := range t.Chunks {
		if c.State == StateQueued {
			n++
		}
	}
	return n
}

// firstPending returns the lowest-sequence PENDING chunk, or nil.
func (t *TaskInstance) firstPending() *ChunkDescriptor {
	var best *ChunkDescriptor
	for _, c := range t.Chunks {
		if c.State != StatePending {
			continue
		}
		if best == nil || c.Sequence < best.Sequence {
			best = c
		}
	}
	return best
}

// Progress is a read-only snapshot of a task instance's chunk states.
type Progress struct {
	TaskInstanceID string
	TaskType       TaskType
	ElectionID     string
	Total          int
	Pending        int
	Queued         int
	Processing     int
	Completed      int
	Failed         int
}

func (t *TaskInstance) snapshot() Progress {
	p := Progress{TaskInstanceID: t.TaskInstanceID, TaskType: t.TaskType, ElectionID: t.ElectionID, Total: len(t.Chunks)}
	for _, c := range t.Chunks {
		switch c.State {
		case StatePending:
			p.Pending++
		case StateQueued:
			p.Queued++
		case StateProcessing:
			p.Processing++
		case StateCompleted:
			p.Completed++
		case StateFailed:
			p.Failed++
		}
	}
	return p
}

// SystemStats aggregates progress across every registered task instance.
type SystemStats struct {
	TaskInstances int
	Active        int
	TotalChunks   int
	Completed     int
	Failed        int
}
