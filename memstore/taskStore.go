package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/production_backend/models"
	"gorm.io/gorm"
)

// TaskStore hands out deep copies so callers never share task state.
type TaskStore struct {
	mu       sync.RWMutex
	tasks    map[int]*models.ManufacturingTask
	nextId   int
	nextRow  int
	archived map[int]*models.ManufacturingTask
}

var _ models.TaskStore = (*TaskStore)(nil)

func NewTaskStore() *TaskStore {
	return &TaskStore{
		tasks:    make(map[int]*models.ManufacturingTask),
		archived: make(map[int]*models.ManufacturingTask),
	}
}

func (s *TaskStore) CreateTask(ctx context.Context, task *models.ManufacturingTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextId++
	task.ID = s.nextId
	task.Version = 1
	now := time.Now()
	task.CreatedAt = now
	task.UpdatedAt = now
	s.assignRowIds(task)
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *TaskStore) GetTask(ctx context.Context, id int) (*models.ManufacturingTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, &models.NotFoundError{Resource: "task", Id: id}
	}
	return t.Clone(), nil
}

func (s *TaskStore) ListTasks(ctx context.Context) ([]*models.ManufacturingTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.ManufacturingTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *TaskStore) SaveTask(ctx context.Context, task *models.ManufacturingTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.tasks[task.ID]
	if !ok {
		return &models.NotFoundError{Resource: "task", Id: task.ID}
	}
	if current.Version != task.Version {
		return &models.ConcurrencyConflictError{Resource: "task", Key: fmt.Sprint(task.ID)}
	}
	task.Version++
	task.UpdatedAt = time.Now()
	s.assignRowIds(task)
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *TaskStore) ArchiveTask(ctx context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return &models.NotFoundError{Resource: "task", Id: id}
	}
	t.DeletedAt = gorm.DeletedAt{Time: time.Now(), Valid: true}
	s.archived[id] = t
	delete(s.tasks, id)
	return nil
}

// Archived returns an archived task, for audit reads.
func (s *TaskStore) Archived(id int) (*models.ManufacturingTask, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.archived[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// assignRowIds gives child rows ids the way an autoincrement column would.
func (s *TaskStore) assignRowIds(task *models.ManufacturingTask) {
	next := func() int {
		s.nextRow++
		return s.nextRow
	}
	now := time.Now()
	for i := range task.Materials {
		task.Materials[i].TaskId = task.ID
		task.Materials[i].SeqNo = i
		if task.Materials[i].ID == 0 {
			task.Materials[i].ID = next()
		}
	}
	for i := range task.Allocations {
		task.Allocations[i].TaskId = task.ID
		if task.Allocations[i].ID == 0 {
			task.Allocations[i].ID = next()
		}
		if task.Allocations[i].CreatedAt.IsZero() {
			task.Allocations[i].CreatedAt = now
		}
	}
	for i := range task.Consumptions {
		task.Consumptions[i].TaskId = task.ID
		if task.Consumptions[i].ID == 0 {
			task.Consumptions[i].ID = next()
		}
		if task.Consumptions[i].CreatedAt.IsZero() {
			task.Consumptions[i].CreatedAt = now
		}
	}
	for i := range task.CostLedger {
		task.CostLedger[i].TaskId = task.ID
		if task.CostLedger[i].ID == 0 {
			task.CostLedger[i].ID = next()
		}
		if task.CostLedger[i].CreatedAt.IsZero() {
			task.CostLedger[i].CreatedAt = now
		}
	}
}
