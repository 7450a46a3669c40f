package inmemory

import (
	"context"
	"fmt"
	"sync"

	"github.com/OnslaughtSnail/patchproxy/kernel/session"
)

type key struct {
	app, task, id string
}

type entry struct {
	session *session.Session
	calls   []*session.CallRecord
}

// Store is a thread-safe in-memory call history store.
type Store struct {
	mu    sync.RWMutex
	data  map[key]*entry
	order []key
}

func New() *Store {
	return &Store{data: make(map[key]*entry)}
}

func makeKey(s *session.Session) (key, error) {
	if err := session.Validate(s); err != nil {
		return key{}, err
	}
	return key{app: s.AppName, task: s.TaskID, id: s.ID}, nil
}

func (s *Store) GetOrCreate(ctx context.Context, req *session.Session) (*session.Session, error) {
	_ = ctx
	k, err := makeKey(req)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.data[k]; ok {
		cp := *e.session
		return &cp, nil
	}
	cp := *req
	s.data[k] = &entry{session: &cp}
	s.order = append(s.order, k)
	out := cp
	return &out, nil
}

func (s *Store) AppendCall(ctx context.Context, req *session.Session, rec *session.CallRecord) error {
	_ = ctx
	if rec == nil {
		return fmt.Errorf("session: call record is nil")
	}
	k, err := makeKey(req)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[k]
	if !ok {
		return session.ErrSessionNotFound
	}
	e.calls = append(e.calls, rec.Clone())
	return nil
}

func (s *Store) ListCalls(ctx context.Context, req *session.Session) ([]*session.CallRecord, error) {
	_ = ctx
	k, err := makeKey(req)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[k]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	out := make([]*session.CallRecord, 0, len(e.calls))
	for _, rec := range e.calls {
		out = append(out, rec.Clone())
	}
	return out, nil
}

func (s *Store) ListContexts(ctx context.Context, appName, taskID string) ([]*session.Session, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*session.Session{}
	for _, k := range s.order {
		if k.app != appName || k.task != taskID {
			continue
		}
		cp := *s.data[k].session
		out = append(out, &cp)
	}
	return out, nil
}
