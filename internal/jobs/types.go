package jobs

// TaskFlushQueue drains the agent's mutation queue
const TaskFlushQueue = "flush-queue"

// QueueSync is the asynq queue flush tasks run on
const QueueSync = "sync"

type FlushPayload struct {
	Reason      string `json:"reason,omitempty"`
	RequestedAt int64  `json:"requested_at"`
}
