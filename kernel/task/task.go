// Package task holds the unit of work an agent is solving and the ordered call
// history its tools append to.
package task

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/OnslaughtSnail/patchproxy/kernel/session"
	"github.com/OnslaughtSnail/patchproxy/kernel/session/inmemory"
)

// DefaultAppName namespaces persisted histories when Config.AppName is empty.
const DefaultAppName = "patchproxy"

// Config builds a Task.
type Config struct {
	// ID identifies the task; a random one is generated when empty. Reusing an
	// ID against a persistent store resumes that task's newest context.
	ID      string
	AppName string
	// Store persists call records. Nil keeps history in memory only.
	Store  session.Store
	Logger *zap.Logger
}

// Task owns exactly one current Context at a time.
type Task struct {
	id      string
	appName string
	store   session.Store
	logger  *zap.Logger

	mu       sync.Mutex
	contexts []*Context
}

// New creates a task and its first context, or hydrates the newest context
// already persisted for cfg.ID.
func New(ctx context.Context, cfg Config) (*Task, error) {
	id := strings.TrimSpace(cfg.ID)
	if id == "" {
		id = uuid.NewString()
	}
	appName := strings.TrimSpace(cfg.AppName)
	if appName == "" {
		appName = DefaultAppName
	}
	store := cfg.Store
	if store == nil {
		store = inmemory.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Task{
		id:      id,
		appName: appName,
		store:   store,
		logger:  logger.With(zap.String("task", id)),
	}

	existing, err := store.ListContexts(ctx, appName, id)
	if err != nil {
		return nil, fmt.Errorf("task: list contexts: %w", err)
	}
	for _, sess := range existing {
		calls, err := store.ListCalls(ctx, sess)
		if err != nil {
			return nil, fmt.Errorf("task: load calls of %s: %w", sess.ID, err)
		}
		t.contexts = append(t.contexts, &Context{task: t, sess: sess, calls: calls})
	}
	if len(t.contexts) == 0 {
		if _, err := t.SwitchContext(ctx); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Task) ID() string {
	return t.id
}

func (t *Task) AppName() string {
	return t.appName
}

// CurrentContext returns the context that receives new call records.
func (t *Task) CurrentContext() *Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.contexts) == 0 {
		return nil
	}
	return t.contexts[len(t.contexts)-1]
}

// SwitchContext starts a fresh context and makes it current. Earlier contexts
// keep their history.
func (t *Task) SwitchContext(ctx context.Context) (*Context, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	index := len(t.contexts)
	sess, err := t.store.GetOrCreate(ctx, &session.Session{
		AppName: t.appName,
		TaskID:  t.id,
		ID:      contextID(index),
	})
	if err != nil {
		return nil, fmt.Errorf("task: create context: %w", err)
	}
	c := &Context{task: t, sess: sess}
	t.contexts = append(t.contexts, c)
	t.logger.Debug("context started", zap.String("context", sess.ID))
	return c, nil
}

// Contexts returns all contexts in creation order.
func (t *Task) Contexts() []*Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Context(nil), t.contexts...)
}

func contextID(index int) string {
	return fmt.Sprintf("c%03d", index)
}
