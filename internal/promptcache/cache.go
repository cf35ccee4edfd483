package promptcache

import (
	"sort"
	"strings"
	"sync"
)

// ToolSchema is the provider-facing form of one tool definition.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Stats counts one cache's traffic. HitRate is hits/(hits+misses), zero
// before the first request.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

// CacheStats groups the per-cache stats.
type CacheStats struct {
	SystemPrompts Stats `json:"system_prompts"`
	ToolSchemas   Stats `json:"tool_schemas"`
}

// Cache memoizes system-prompt assembly per agent identity and tool-schema
// conversion per exact tool-name set. Both computations are pure, so
// entries never expire; invalidation is explicit.
type Cache struct {
	mu sync.RWMutex

	prompts      map[string]string
	promptHits   uint64
	promptMisses uint64

	schemas      map[string][]ToolSchema
	schemaHits   uint64
	schemaMisses uint64
}

func NewCache() *Cache {
	return &Cache{
		prompts: make(map[string]string),
		schemas: make(map[string][]ToolSchema),
	}
}

// GetSystemPrompt returns the cached prompt for the agent, calling build on
// the first request. Build errors are not cached.
func (c *Cache) GetSystemPrompt(agentID string, build func() (string, error)) (string, error) {
	c.mu.RLock()
	prompt, ok := c.prompts[agentID]
	c.mu.RUnlock()
	if ok {
		c.mu.Lock()
		c.promptHits++
		c.mu.Unlock()
		return prompt, nil
	}

	prompt, err := build()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.promptMisses++
	if err != nil {
		return "", err
	}
	c.prompts[agentID] = prompt
	return prompt, nil
}

// GetToolSchemas returns the cached conversion for the tool-name set,
// calling convert on the first request. The key is the set of names:
// ordering never matters, but a set differing by one tool is a miss.
func (c *Cache) GetToolSchemas(toolNames []string, convert func() ([]ToolSchema, error)) ([]ToolSchema, error) {
	key := toolSetKey(toolNames)

	c.mu.RLock()
	schemas, ok := c.schemas[key]
	c.mu.RUnlock()
	if ok {
		c.mu.Lock()
		c.schemaHits++
		c.mu.Unlock()
		return schemas, nil
	}

	schemas, err := convert()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.schemaMisses++
	if err != nil {
		return nil, err
	}
	c.schemas[key] = schemas
	return schemas, nil
}

// InvalidateSystemPrompts drops the named agents' prompts, or every prompt
// when called with no arguments.
func (c *Cache) InvalidateSystemPrompts(agentIDs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(agentIDs) == 0 {
		c.prompts = make(map[string]string)
		return
	}
	for _, id := range agentIDs {
		delete(c.prompts, id)
	}
}

// InvalidateToolSchemas drops the named tool sets, or every set when called
// with no arguments.
func (c *Cache) InvalidateToolSchemas(toolSets ...[]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(toolSets) == 0 {
		c.schemas = make(map[string][]ToolSchema)
		return
	}
	for _, names := range toolSets {
		delete(c.schemas, toolSetKey(names))
	}
}

// Invalidate clears both caches.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = make(map[string]string)
	c.schemas = make(map[string][]ToolSchema)
}

func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return CacheStats{
		SystemPrompts: Stats{
			Hits:    c.promptHits,
			Misses:  c.promptMisses,
			Size:    len(c.prompts),
			HitRate: hitRate(c.promptHits, c.promptMisses),
		},
		ToolSchemas: Stats{
			Hits:    c.schemaHits,
			Misses:  c.schemaMisses,
			Size:    len(c.schemas),
			HitRate: hitRate(c.schemaHits, c.schemaMisses),
		},
	}
}

func hitRate(hits, misses uint64) float64 {
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

// toolSetKey canonicalizes a tool-name list into an order-insensitive key.
func toolSetKey(toolNames []string) string {
	names := make([]string, len(toolNames))
	copy(names, toolNames)
	sort.Strings(names)
	return strings.Join(names, "\x1f")
}
