package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/kernelbridge/internal/jupyter"
	"github.com/danmuck/kernelbridge/internal/observability"
	"github.com/danmuck/kernelbridge/internal/router"
)

var (
	ErrUnknownSession   = errors.New("session: unknown session")
	ErrDuplicateSession = errors.New("session: duplicate session id")
)

// DefaultRegistry is the process-wide session registry.
var DefaultRegistry = NewRegistry()

// Task is the running router of one session.
type Task struct {
	sessionID string
	info      jupyter.ConnectionInfo
	startedAt time.Time
	router    *router.Router
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
}

// TaskInfo is a read-only view of a task for listings.
type TaskInfo struct {
	SessionID  string       `json:"session_id"`
	KernelName string       `json:"kernel_name,omitempty"`
	Transport  string       `json:"transport"`
	IP         string       `json:"ip"`
	StartedAt  time.Time    `json:"started_at"`
	Stats      router.Stats `json:"stats"`
}

func (t *Task) SessionID() string {
	return t.sessionID
}

// Done is closed once the router has released its resources.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the router exit error. It is nil while the task runs.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task exits or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return t.err
	}
}

// Cancel stops the router. It returns immediately; use Wait to join.
func (t *Task) Cancel() {
	t.cancel()
}

func (t *Task) Info() TaskInfo {
	return TaskInfo{
		SessionID:  t.sessionID,
		KernelName: t.info.KernelName,
		Transport:  t.info.Transport,
		IP:         t.info.IP,
		StartedAt:  t.startedAt,
		Stats:      t.router.Stats(),
	}
}

// Registry owns the tasks of every live session.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*Task)}
}

// Start runs rt in the background under the registry. The task removes
// itself when the router exits.
func (r *Registry) Start(info jupyter.ConnectionInfo, rt *router.Router) (*Task, error) {
	ctx, cancel := context.WithCancel(context.Background())
	task := &Task{
		sessionID: rt.SessionID(),
		info:      info,
		startedAt: time.Now().UTC(),
		router:    rt,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	if _, exists := r.tasks[task.sessionID]; exists {
		r.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, task.sessionID)
	}
	r.tasks[task.sessionID] = task
	r.mu.Unlock()

	observability.SessionStarted()
	go func() {
		task.err = rt.Run(ctx)
		cancel()
		r.mu.Lock()
		delete(r.tasks, task.sessionID)
		r.mu.Unlock()
		observability.SessionEnded()
		close(task.done)
	}()
	return task, nil
}

func (r *Registry) Get(sessionID string) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[sessionID]
	return t, ok
}

// List returns running tasks ordered by start time.
func (r *Registry) List() []TaskInfo {
	r.mu.RLock()
	tasks := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.RUnlock()

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].startedAt.Equal(tasks[j].startedAt) {
			return tasks[i].sessionID < tasks[j].sessionID
		}
		return tasks[i].startedAt.Before(tasks[j].startedAt)
	})
	out := make([]TaskInfo, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Info())
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// Wait joins the task for sessionID while it is registered. Finished tasks are
// dropped, so callers that must observe the exit error join Handle.Task instead.
func (r *Registry) Wait(ctx context.Context, sessionID string) error {
	t, ok := r.Get(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return t.Wait(ctx)
}

// Cancel stops the router for sessionID without waiting for it.
func (r *Registry) Cancel(sessionID string) error {
	t, ok := r.Get(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	t.Cancel()
	return nil
}

// Shutdown cancels every task and waits for all of them to exit.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	tasks := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.RUnlock()

	for _, t := range tasks {
		t.Cancel()
	}
	for _, t := range tasks {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.done:
		}
	}
	return nil
}
