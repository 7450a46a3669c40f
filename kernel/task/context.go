package task

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/OnslaughtSnail/patchproxy/kernel/session"
)

// Context accumulates the append-only call history of one phase of a task.
type Context struct {
	task *Task
	sess *session.Session

	mu    sync.Mutex
	calls []*session.CallRecord
}

func (c *Context) ID() string {
	return c.sess.ID
}

// Session returns the store key of this context.
func (c *Context) Session() session.Session {
	return *c.sess
}

// AddToolCall appends one call record. The in-memory history is always
// updated; a store failure is logged and does not surface to the caller.
func (c *Context) AddToolCall(tool string, arguments map[string]any, result string) {
	args := make(map[string]any, len(arguments))
	maps.Copy(args, arguments)

	c.mu.Lock()
	rec := &session.CallRecord{
		ID:        uuid.NewString(),
		TaskID:    c.sess.TaskID,
		ContextID: c.sess.ID,
		Seq:       len(c.calls) + 1,
		Tool:      tool,
		Arguments: args,
		Result:    result,
		Time:      time.Now(),
	}
	c.calls = append(c.calls, rec)
	c.mu.Unlock()

	if err := c.task.store.AppendCall(context.Background(), c.sess, rec.Clone()); err != nil {
		c.task.logger.Warn("persist tool call failed",
			zap.String("context", c.sess.ID),
			zap.String("tool", tool),
			zap.Int("seq", rec.Seq),
			zap.Error(err))
	}
}

// ToolCalls returns a copy of the history in call order.
func (c *Context) ToolCalls() []*session.CallRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*session.CallRecord, 0, len(c.calls))
	for _, rec := range c.calls {
		out = append(out, rec.Clone())
	}
	return out
}

// Len returns the number of recorded calls.
func (c *Context) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}
