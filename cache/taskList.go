// Package cache holds the read-through task list cache used by the
// change coalescer.
package cache

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/production_backend/models"
)

// TaskListCache caches the full task collection.
//
// Patch replaces the cached task with the given id (a nil task removes it)
// and Add appends a new task. Both report false when nothing is cached or,
// for Patch, the id is not in the cached list; callers then Invalidate.
type TaskListCache interface {
	Get(ctx context.Context) ([]*models.ManufacturingTask, bool, error)
	Put(ctx context.Context, tasks []*models.ManufacturingTask) error
	Patch(ctx context.Context, id int, task *models.ManufacturingTask) (bool, error)
	Add(ctx context.Context, task *models.ManufacturingTask) (bool, error)
	Invalidate(ctx context.Context) error
}

const taskListKey = "tasks"

type MemoryTaskListCache struct {
	store *TTLCache[string, []*models.ManufacturingTask]
	ttl   time.Duration
}

var _ TaskListCache = (*MemoryTaskListCache)(nil)

func NewMemoryTaskListCache(ttl time.Duration) *MemoryTaskListCache {
	return &MemoryTaskListCache{
		store: NewTTLCache[string, []*models.ManufacturingTask](),
		ttl:   ttl,
	}
}

func (c *MemoryTaskListCache) Get(ctx context.Context) ([]*models.ManufacturingTask, bool, error) {
	tasks, ok := c.store.Get(taskListKey)
	if !ok {
		return nil, false, nil
	}
	return cloneTasks(tasks), true, nil
}

func (c *MemoryTaskListCache) Put(ctx context.Context, tasks []*models.ManufacturingTask) error {
	c.store.Set(taskListKey, cloneTasks(tasks), c.ttl)
	return nil
}

func (c *MemoryTaskListCache) Patch(ctx context.Context, id int, task *models.ManufacturingTask) (bool, error) {
	replacement := task.Clone()
	ok := c.store.Update(taskListKey, func(tasks []*models.ManufacturingTask) ([]*models.ManufacturingTask, bool) {
		return patchTasks(tasks, id, replacement)
	})
	return ok, nil
}

func (c *MemoryTaskListCache) Add(ctx context.Context, task *models.ManufacturingTask) (bool, error) {
	added := task.Clone()
	ok := c.store.Update(taskListKey, func(tasks []*models.ManufacturingTask) ([]*models.ManufacturingTask, bool) {
		next := make([]*models.ManufacturingTask, 0, len(tasks)+1)
		next = append(next, tasks...)
		return append(next, added), true
	})
	return ok, nil
}

func (c *MemoryTaskListCache) Invalidate(ctx context.Context) error {
	c.store.Delete(taskListKey)
	return nil
}

// patchTasks returns a new slice with id replaced, or removed when task is nil.
func patchTasks(tasks []*models.ManufacturingTask, id int, task *models.ManufacturingTask) ([]*models.ManufacturingTask, bool) {
	idx := -1
	for i, t := range tasks {
		if t.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return tasks, false
	}
	next := make([]*models.ManufacturingTask, 0, len(tasks))
	next = append(next, tasks[:idx]...)
	if task != nil {
		next = append(next, task)
	}
	next = append(next, tasks[idx+1:]...)
	return next, true
}

func cloneTasks(tasks []*models.ManufacturingTask) []*models.ManufacturingTask {
	out := make([]*models.ManufacturingTask, len(tasks))
	for i, t := range tasks {
		out[i] = t.Clone()
	}
	return out
}
