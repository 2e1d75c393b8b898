package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/surveysync/pkg/agentclient"
)

// MessageFlushQueue is what the worker posts to the agent
const MessageFlushQueue = "flush-queue"

// ErrFlushIncomplete makes asynq retry the task
var ErrFlushIncomplete = errors.New("jobs: flush incomplete")

// Enqueuer is the part of *asynq.Client the registrar uses
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TaskInspector is the part of *asynq.Inspector the registrar uses to find
// a flush task whose retries ran out
type TaskInspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
}

// NewFlushTask builds a flush-queue task
func NewFlushTask(p FlushPayload) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal flush payload: %w", err)
	}
	return asynq.NewTask(TaskFlushQueue, payload), nil
}

// Registrar registers the deferred flush with asynq. At most one flush task
// is pending at a time: the fixed task id makes repeat registrations no-ops.
// An archived task still holds the id, so it is deleted and enqueued again.
type Registrar struct {
	client   Enqueuer
	tasks    TaskInspector
	logger   zerolog.Logger
	maxRetry int
	now      func() time.Time
}

// NewRegistrar returns a registrar enqueueing through client
func NewRegistrar(client Enqueuer, tasks TaskInspector, logger zerolog.Logger) *Registrar {
	return &Registrar{client: client, tasks: tasks, logger: logger, maxRetry: 10, now: time.Now}
}

// RegisterFlush enqueues the flush task. An already pending registration is
// not an error.
func (r *Registrar) RegisterFlush(ctx context.Context) error {
	info, err := r.enqueue(ctx)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		live, cerr := r.releaseArchived()
		if cerr != nil {
			return cerr
		}
		if live {
			r.logger.Debug().Msg("flush task already registered")
			return nil
		}
		info, err = r.enqueue(ctx)
	}
	if err != nil {
		return fmt.Errorf("enqueue flush task: %w", err)
	}
	r.logger.Info().Str("id", info.ID).Str("queue", info.Queue).Int("max_retry", info.MaxRetry).Msg("flush task enqueued")
	return nil
}

func (r *Registrar) enqueue(ctx context.Context) (*asynq.TaskInfo, error) {
	task, err := NewFlushTask(FlushPayload{Reason: "reconnect", RequestedAt: r.now().UnixMilli()})
	if err != nil {
		return nil, err
	}
	return r.client.EnqueueContext(ctx, task,
		asynq.TaskID(TaskFlushQueue),
		asynq.Queue(QueueSync),
		asynq.MaxRetry(r.maxRetry),
		asynq.Timeout(5*time.Minute),
	)
}

// releaseArchived reports whether the task holding the flush id will still
// run. An archived one is deleted so the id can be reused.
func (r *Registrar) releaseArchived() (bool, error) {
	info, err := r.tasks.GetTaskInfo(QueueSync, TaskFlushQueue)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("inspect flush task: %w", err)
	}
	if info.State != asynq.TaskStateArchived && info.State != asynq.TaskStateCompleted {
		return true, nil
	}
	if err := r.tasks.DeleteTask(QueueSync, TaskFlushQueue); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
		return false, fmt.Errorf("delete %s flush task: %w", info.State, err)
	}
	r.logger.Info().Str("state", info.State.String()).Str("last_err", info.LastErr).Msg("released stale flush task")
	return false, nil
}

// MessagePoster delivers a message to the agent
type MessagePoster interface {
	PostMessage(ctx context.Context, msg string) (agentclient.FlushResult, error)
}

// NewFlushHandler returns the worker's flush-queue handler. It fails while
// the agent reports mutations still pending, so asynq retries with backoff.
func NewFlushHandler(poster MessagePoster, logger zerolog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var p FlushPayload
		if len(t.Payload()) > 0 {
			if err := json.Unmarshal(t.Payload(), &p); err != nil {
				logger.Error().Err(err).Msg("bad flush payload")
				return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
			}
		}

		start := time.Now()
		res, err := poster.PostMessage(ctx, MessageFlushQueue)
		if err != nil {
			logger.Warn().Err(err).Str("reason", p.Reason).Msg("flush request failed")
			return fmt.Errorf("post flush message: %w", err)
		}
		if !res.Complete {
			logger.Warn().
				Int("replayed", res.Replayed).
				Int("pending", res.Pending).
				Bool("skipped", res.Skipped).
				Dur("duration", time.Since(start)).
				Msg("flush incomplete, will retry")
			return fmt.Errorf("%w: %d pending", ErrFlushIncomplete, res.Pending)
		}
		logger.Info().Int("replayed", res.Replayed).Dur("duration", time.Since(start)).Msg("flush done")
		return nil
	}
}
