package store

import (
	"context"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/rendis/conductor/pkg/schema"
)

// CacheConfig sizes the metadata cache.
type CacheConfig struct {
	Size int
	TTL  time.Duration
}

// CachedMetadataStore is a read-through TTL cache in front of a MetadataStore.
// Definitions are read on every decide and poll, so one instance is built at
// startup and shared; writes through it invalidate the affected keys.
type CachedMetadataStore struct {
	next      MetadataStore
	taskDefs  *expirable.LRU[string, *schema.TaskDef]
	workflows *expirable.LRU[string, *schema.WorkflowDef]
}

var _ MetadataStore = (*CachedMetadataStore)(nil)

// NewCachedMetadataStore wraps next with an LRU cache. Zero values fall back to 1024 entries and 1 minute.
func NewCachedMetadataStore(next MetadataStore, cfg CacheConfig) *CachedMetadataStore {
	if cfg.Size <= 0 {
		cfg.Size = 1024
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Minute
	}
	return &CachedMetadataStore{
		next:      next,
		taskDefs:  expirable.NewLRU[string, *schema.TaskDef](cfg.Size, nil, cfg.TTL),
		workflows: expirable.NewLRU[string, *schema.WorkflowDef](cfg.Size, nil, cfg.TTL),
	}
}

func workflowKey(name string, version int) string {
	return name + "@" + strconv.Itoa(version)
}

func (c *CachedMetadataStore) RegisterTaskDef(ctx context.Context, def *schema.TaskDef) error {
	if err := c.next.RegisterTaskDef(ctx, def); err != nil {
		return err
	}
	c.taskDefs.Remove(def.Name)
	return nil
}

func (c *CachedMetadataStore) GetTaskDef(ctx context.Context, name string) (*schema.TaskDef, error) {
	if def, ok := c.taskDefs.Get(name); ok {
		return def, nil
	}
	def, err := c.next.GetTaskDef(ctx, name)
	if err != nil {
		return nil, err
	}
	c.taskDefs.Add(name, def)
	return def, nil
}

// ListTaskDefs is not cached.
func (c *CachedMetadataStore) ListTaskDefs(ctx context.Context) ([]*schema.TaskDef, error) {
	return c.next.ListTaskDefs(ctx)
}

func (c *CachedMetadataStore) RegisterWorkflowDef(ctx context.Context, def *schema.WorkflowDef) error {
	if err := c.next.RegisterWorkflowDef(ctx, def); err != nil {
		return err
	}
	// A new version changes what "latest" resolves to.
	c.workflows.Remove(workflowKey(def.Name, 0))
	return nil
}

// GetWorkflowDef caches pinned versions for the full TTL; version 0 ("latest")
// is cached under its own key and dropped whenever a new version is registered.
func (c *CachedMetadataStore) GetWorkflowDef(ctx context.Context, name string, version int) (*schema.WorkflowDef, error) {
	key := workflowKey(name, version)
	if def, ok := c.workflows.Get(key); ok {
		return def, nil
	}
	def, err := c.next.GetWorkflowDef(ctx, name, version)
	if err != nil {
		return nil, err
	}
	c.workflows.Add(key, def)
	if version == 0 {
		c.workflows.Add(workflowKey(name, def.Version), def)
	}
	return def, nil
}

// InvalidateTaskDef drops one cached task definition.
func (c *CachedMetadataStore) InvalidateTaskDef(name string) {
	c.taskDefs.Remove(name)
}

// InvalidateWorkflowDef drops every cached version of a workflow definition.
func (c *CachedMetadataStore) InvalidateWorkflowDef(name string) {
	prefix := name + "@"
	for _, k := range c.workflows.Keys() {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			c.workflows.Remove(k)
		}
	}
}

// Purge empties the cache.
func (c *CachedMetadataStore) Purge() {
	c.taskDefs.Purge()
	c.workflows.Purge()
}
