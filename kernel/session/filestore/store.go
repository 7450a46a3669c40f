package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/OnslaughtSnail/patchproxy/kernel/session"
)

const (
	metaFile  = "meta.json"
	callsFile = "calls.jsonl"
)

// Store persists call records to jsonl files on local disk, one directory per
// context: <root>/<app>/<task>/<context>/calls.jsonl.
type Store struct {
	root string
	mu   sync.Mutex
}

func New(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("filestore: root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root}, nil
}

func (s *Store) GetOrCreate(ctx context.Context, req *session.Session) (*session.Session, error) {
	_ = ctx
	dir, err := s.sessionDir(req)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	metaPath := filepath.Join(dir, metaFile)
	if existing, err := readMeta(metaPath); err == nil {
		return existing, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	cp := *req
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	raw, _ := json.MarshalIndent(&cp, "", "  ")
	if err := os.WriteFile(metaPath, raw, 0o644); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *Store) AppendCall(ctx context.Context, req *session.Session, rec *session.CallRecord) error {
	_ = ctx
	if rec == nil {
		return fmt.Errorf("filestore: call record is nil")
	}
	dir, err := s.sessionDir(req)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(filepath.Join(dir, metaFile)); errors.Is(err, os.ErrNotExist) {
		return session.ErrSessionNotFound
	}
	f, err := os.OpenFile(filepath.Join(dir, callsFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("filestore: encode call: %w", err)
	}
	_, err = f.Write(append(raw, '\n'))
	return err
}

func (s *Store) ListCalls(ctx context.Context, req *session.Session) ([]*session.CallRecord, error) {
	_ = ctx
	dir, err := s.sessionDir(req)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(dir, callsFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := []*session.CallRecord{}
	dec := json.NewDecoder(f)
	for {
		rec := &session.CallRecord{}
		if err := dec.Decode(rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("filestore: decode calls: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) ListContexts(ctx context.Context, appName, taskID string) ([]*session.Session, error) {
	_ = ctx
	if err := validatePathComponent("app_name", appName); err != nil {
		return nil, err
	}
	if err := validatePathComponent("task_id", taskID); err != nil {
		return nil, err
	}
	taskDir := filepath.Join(s.root, appName, taskID)
	entries, err := os.ReadDir(taskDir)
	if errors.Is(err, os.ErrNotExist) {
		return []*session.Session{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]*session.Session, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := readMeta(filepath.Join(taskDir, entry.Name(), metaFile))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		out = append(out, meta)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func readMeta(path string) (*session.Session, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	out := &session.Session{}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("filestore: decode %s: %w", path, err)
	}
	return out, nil
}

func (s *Store) sessionDir(req *session.Session) (string, error) {
	if req == nil {
		return "", fmt.Errorf("filestore: invalid session")
	}
	if err := validatePathComponent("app_name", req.AppName); err != nil {
		return "", err
	}
	if err := validatePathComponent("task_id", req.TaskID); err != nil {
		return "", err
	}
	if err := validatePathComponent("context_id", req.ID); err != nil {
		return "", err
	}
	return filepath.Join(s.root, req.AppName, req.TaskID, req.ID), nil
}

func validatePathComponent(name, value string) error {
	value = strings.TrimSpace(value)
	if value == "" || value == "." || value == ".." {
		return fmt.Errorf("filestore: invalid %s", name)
	}
	if strings.ContainsAny(value, `/\`) || filepath.Clean(value) != value {
		return fmt.Errorf("filestore: invalid %s", name)
	}
	return nil
}
