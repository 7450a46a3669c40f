package session

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"
	"strings"
	"time"
)

var ErrSessionNotFound = errors.New("session: not found")

// Session identifies one call-history context of one task.
type Session struct {
	AppName   string    `json:"app_name"`
	TaskID    string    `json:"task_id"`
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// CallRecord is the persisted audit entry for one tool invocation.
type CallRecord struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"task_id"`
	ContextID string         `json:"context_id"`
	Seq       int            `json:"seq"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
	Result    string         `json:"result"`
	Time      time.Time      `json:"time"`
}

// Clone returns a copy whose argument map is not shared with r.
func (r *CallRecord) Clone() *CallRecord {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Arguments != nil {
		cp.Arguments = make(map[string]any, len(r.Arguments))
		maps.Copy(cp.Arguments, r.Arguments)
	}
	return &cp
}

// Store provides append-only call history persistence.
type Store interface {
	GetOrCreate(context.Context, *Session) (*Session, error)
	AppendCall(context.Context, *Session, *CallRecord) error
	ListCalls(context.Context, *Session) ([]*CallRecord, error)
	// ListContexts returns the sessions of one task in creation order.
	ListContexts(ctx context.Context, appName, taskID string) ([]*Session, error)
}

// Iterator returns a sequence over call records.
func Iterator(records []*CallRecord) iter.Seq2[int, *CallRecord] {
	return func(yield func(int, *CallRecord) bool) {
		for i, rec := range records {
			if rec == nil {
				continue
			}
			if !yield(i, rec) {
				return
			}
		}
	}
}

// Validate checks that all identifying fields are present.
func Validate(s *Session) error {
	if s == nil || strings.TrimSpace(s.AppName) == "" || strings.TrimSpace(s.TaskID) == "" || strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("session: app_name, task_id and context id are required")
	}
	return nil
}
