package agent

import "context"

// Task is the pending completion of a dispatched event. The host keeps the
// agent alive until every task finished.
type Task struct {
	done chan struct{}
	out  Outcome
	err  error
}

func newTask() *Task {
	return &Task{done: make(chan struct{})}
}

func (t *Task) finish(out Outcome, err error) {
	t.out = out
	t.err = err
	close(t.done)
}

// Done is closed when the handler returns
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Result returns the outcome. It is only meaningful after Done is closed.
func (t *Task) Result() (Outcome, error) {
	return t.out, t.err
}

// Wait blocks until the task finishes or ctx ends
func (t *Task) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-t.done:
		return t.out, t.err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
