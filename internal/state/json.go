// Package state provides durable workflow registries backed by a JSON file
// or a SQLite database.
package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/mvidalgarcia/taskdock/internal/core"
)

// maxEventTail bounds the per-workflow audit tail kept in the record.
const maxEventTail = 200

// JSONStore implements core.StateStore with a single JSON file. The whole
// registry is held in memory and rewritten atomically on every mutation.
type JSONStore struct {
	path       string
	backupPath string

	mu        sync.Mutex
	workflows map[core.WorkflowID]*core.ExecutionContext
	loaded    bool
}

// NewJSONStore creates a JSON-file store. The file is read lazily on first
// use; call Load to hydrate eagerly.
func NewJSONStore(path string) *JSONStore {
	return &JSONStore{
		path:       path,
		backupPath: path + ".bak",
		workflows:  make(map[core.WorkflowID]*core.ExecutionContext),
	}
}

// registryEnvelope wraps the registry with integrity metadata.
type registryEnvelope struct {
	Version   int                                        `json:"version"`
	Checksum  string                                     `json:"checksum"`
	UpdatedAt time.Time                                  `json:"updated_at"`
	Workflows map[core.WorkflowID]*core.ExecutionContext `json:"workflows"`
}

// Load hydrates the in-memory registry from disk. A missing file yields an
// empty registry. A corrupted file falls back to the backup.
func (s *JSONStore) Load(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *JSONStore) loadLocked() error {
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		s.workflows = make(map[core.WorkflowID]*core.ExecutionContext)
		s.loaded = true
		return nil
	}

	workflows, err := loadRegistry(s.path)
	if err != nil {
		backupWorkflows, backupErr := loadRegistry(s.backupPath)
		if backupErr != nil {
			return core.ErrState("STATE_CORRUPTED",
				fmt.Sprintf("loading state: %v (backup also failed: %v)", err, backupErr))
		}
		workflows = backupWorkflows
	}

	s.workflows = workflows
	s.loaded = true
	return nil
}

func loadRegistry(path string) (map[core.WorkflowID]*core.ExecutionContext, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}

	var envelope registryEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("unmarshaling envelope: %w", err)
	}

	payload, err := marshalWorkflows(envelope.Workflows)
	if err != nil {
		return nil, fmt.Errorf("marshaling workflows for checksum: %w", err)
	}
	hash := sha256.Sum256(payload)
	if hex.EncodeToString(hash[:]) != envelope.Checksum {
		return nil, fmt.Errorf("checksum mismatch")
	}

	if envelope.Workflows == nil {
		envelope.Workflows = make(map[core.WorkflowID]*core.ExecutionContext)
	}
	return envelope.Workflows, nil
}

// marshalWorkflows serializes records in a stable key order so checksums
// are reproducible.
func marshalWorkflows(workflows map[core.WorkflowID]*core.ExecutionContext) ([]byte, error) {
	ids := make([]string, 0, len(workflows))
	for id := range workflows {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)

	ordered := make([]*core.ExecutionContext, 0, len(ids))
	for _, id := range ids {
		ordered = append(ordered, workflows[core.WorkflowID(id)])
	}
	return json.Marshal(ordered)
}

// persistLocked writes the registry to disk atomically, keeping a backup of
// the previous version.
func (s *JSONStore) persistLocked() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	if prev, err := os.ReadFile(s.path); err == nil {
		if err := atomicWriteFile(s.backupPath, prev, 0o644); err != nil {
			return fmt.Errorf("writing backup: %w", err)
		}
	}

	payload, err := marshalWorkflows(s.workflows)
	if err != nil {
		return fmt.Errorf("marshaling workflows: %w", err)
	}
	hash := sha256.Sum256(payload)

	envelope := registryEnvelope{
		Version:   1,
		Checksum:  hex.EncodeToString(hash[:]),
		UpdatedAt: time.Now(),
		Workflows: s.workflows,
	}

	data, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}

	if err := atomicWriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	return nil
}

func (s *JSONStore) ensureLoadedLocked() error {
	if s.loaded {
		return nil
	}
	return s.loadLocked()
}

// Clear wipes all records.
func (s *JSONStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.workflows = make(map[core.WorkflowID]*core.ExecutionContext)
	s.loaded = true
	return s.persistLocked()
}

// Register performs admission and registration as one atomic step under the
// store lock: capacity, per-task exclusivity, ID assignment, and the durable
// write all happen before any other caller can observe the record.
func (s *JSONStore) Register(_ context.Context, rec *core.ExecutionContext, maxConcurrent int) (core.WorkflowID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoadedLocked(); err != nil {
		return "", err
	}

	if maxConcurrent > 0 {
		// Pending records hold a slot too: admission happens before the
		// manager promotes the record, and the slot must be reserved from
		// the moment Register returns.
		active := 0
		for _, wf := range s.workflows {
			switch wf.Status {
			case core.WorkflowStatusPending, core.WorkflowStatusInitializing, core.WorkflowStatusRunning:
				active++
			}
		}
		if active >= maxConcurrent {
			return "", core.ErrMaxConcurrentWorkflows(maxConcurrent)
		}
	}

	for _, wf := range s.workflows {
		if wf.TaskID == rec.TaskID && wf.IsActive() {
			return "", core.ErrTaskAlreadyExecuting(rec.TaskID, wf.ID)
		}
	}

	id := newWorkflowID(rec.TaskID)
	for _, exists := s.workflows[id]; exists; _, exists = s.workflows[id] {
		id = newWorkflowID(rec.TaskID)
	}

	stored := rec.Clone()
	stored.ID = id
	now := time.Now()
	if stored.StartedAt.IsZero() {
		stored.StartedAt = now
	}
	stored.LastActivity = now

	s.workflows[id] = stored
	if err := s.persistLocked(); err != nil {
		delete(s.workflows, id)
		return "", err
	}

	rec.ID = id
	rec.StartedAt = stored.StartedAt
	rec.LastActivity = stored.LastActivity
	return id, nil
}

// Update merges fields into the record and refreshes its activity timestamp.
func (s *JSONStore) Update(_ context.Context, id core.WorkflowID, update core.ContextUpdate) (*core.ExecutionContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoadedLocked(); err != nil {
		return nil, err
	}

	wf, ok := s.workflows[id]
	if !ok {
		return nil, core.ErrWorkflowNotFound(id)
	}

	updated := wf.Clone()
	update.Apply(updated)
	updated.LastActivity = time.Now()

	s.workflows[id] = updated
	if err := s.persistLocked(); err != nil {
		s.workflows[id] = wf
		return nil, err
	}

	return updated.Clone(), nil
}

// UpdateStatus transitions only the status field.
func (s *JSONStore) UpdateStatus(ctx context.Context, id core.WorkflowID, status core.WorkflowStatus) error {
	_, err := s.Update(ctx, id, core.StatusUpdate(status))
	return err
}

// Unregister deletes the record.
func (s *JSONStore) Unregister(_ context.Context, id core.WorkflowID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoadedLocked(); err != nil {
		return err
	}

	wf, ok := s.workflows[id]
	if !ok {
		return core.ErrWorkflowNotFound(id)
	}

	delete(s.workflows, id)
	if err := s.persistLocked(); err != nil {
		s.workflows[id] = wf
		return err
	}
	return nil
}

// RecordEvent appends to the workflow's audit tail, trimming the oldest
// entries past the cap. Events against unknown workflows are dropped.
func (s *JSONStore) RecordEvent(_ context.Context, ev core.WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoadedLocked(); err != nil {
		return err
	}

	wf, ok := s.workflows[ev.WorkflowID]
	if !ok {
		return nil
	}

	updated := wf.Clone()
	updated.Events = append(updated.Events, ev)
	if len(updated.Events) > maxEventTail {
		updated.Events = updated.Events[len(updated.Events)-maxEventTail:]
	}
	updated.LastActivity = time.Now()

	s.workflows[ev.WorkflowID] = updated
	if err := s.persistLocked(); err != nil {
		s.workflows[ev.WorkflowID] = wf
		return err
	}
	return nil
}

// Get returns the record by workflow ID.
func (s *JSONStore) Get(_ context.Context, id core.WorkflowID) (*core.ExecutionContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoadedLocked(); err != nil {
		return nil, err
	}

	wf, ok := s.workflows[id]
	if !ok {
		return nil, core.ErrWorkflowNotFound(id)
	}
	return wf.Clone(), nil
}

// GetByTask returns the task's active record, or the most recent record when
// none is active.
func (s *JSONStore) GetByTask(_ context.Context, taskID string) (*core.ExecutionContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoadedLocked(); err != nil {
		return nil, err
	}

	var newest *core.ExecutionContext
	for _, wf := range s.workflows {
		if wf.TaskID != taskID {
			continue
		}
		if wf.IsActive() {
			return wf.Clone(), nil
		}
		if newest == nil || wf.StartedAt.After(newest.StartedAt) {
			newest = wf
		}
	}
	if newest == nil {
		return nil, core.ErrWorkflow("WORKFLOW_NOT_FOUND",
			fmt.Sprintf("no workflow for task %s", taskID), "", taskID)
	}
	return newest.Clone(), nil
}

// List returns all records ordered by start time.
func (s *JSONStore) List(_ context.Context) ([]*core.ExecutionContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoadedLocked(); err != nil {
		return nil, err
	}
	return s.listLocked(func(*core.ExecutionContext) bool { return true }), nil
}

// ListByStatus returns records with the given status ordered by start time.
func (s *JSONStore) ListByStatus(_ context.Context, status core.WorkflowStatus) ([]*core.ExecutionContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoadedLocked(); err != nil {
		return nil, err
	}
	return s.listLocked(func(wf *core.ExecutionContext) bool { return wf.Status == status }), nil
}

func (s *JSONStore) listLocked(match func(*core.ExecutionContext) bool) []*core.ExecutionContext {
	out := make([]*core.ExecutionContext, 0, len(s.workflows))
	for _, wf := range s.workflows {
		if match(wf) {
			out = append(out, wf.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// HasActive reports whether the task has a non-terminal workflow.
func (s *JSONStore) HasActive(_ context.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoadedLocked(); err != nil {
		return false, err
	}

	for _, wf := range s.workflows {
		if wf.TaskID == taskID && wf.IsActive() {
			return true, nil
		}
	}
	return false, nil
}

// RunningCount returns the number of workflows counting against capacity.
func (s *JSONStore) RunningCount(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoadedLocked(); err != nil {
		return 0, err
	}

	count := 0
	for _, wf := range s.workflows {
		switch wf.Status {
		case core.WorkflowStatusInitializing, core.WorkflowStatusRunning:
			count++
		}
	}
	return count, nil
}

// Path returns the state file path.
func (s *JSONStore) Path() string {
	return s.path
}

// Close is a no-op for the JSON store.
func (s *JSONStore) Close() error {
	return nil
}

var _ core.StateStore = (*JSONStore)(nil)
