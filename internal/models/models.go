// Package models maps model identifiers to context-window limits and pricing.
package models

import (
	"sort"
	"strings"
	"sync"

	"loom/internal/llm/core"
)

// DefaultContextWindow is the conservative fallback for unknown models.
const DefaultContextWindow = 8192

// Info describes the limits of one model or model family.
type Info struct {
	ID            string
	Family        string
	ContextWindow int
	MaxOutput     int
	Pricing       core.ModelPricing
}

// Table resolves model identifiers to limits. A table is seeded with builtin
// entries and can be extended per session via Register.
type Table struct {
	mu      sync.RWMutex
	entries map[string]Info
}

// builtin entries are keyed by lowercase id prefix. Local model ids follow the
// Ollama convention of family:size tags, so "llama3.1:8b" resolves via the
// "llama3.1" entry. Local models carry zero pricing.
var builtin = []Info{
	{ID: "llama3.2", Family: "llama", ContextWindow: 131072, MaxOutput: 8192},
	{ID: "llama3.1", Family: "llama", ContextWindow: 131072, MaxOutput: 8192},
	{ID: "llama3", Family: "llama", ContextWindow: 8192, MaxOutput: 4096},
	{ID: "llama2", Family: "llama", ContextWindow: 4096, MaxOutput: 2048},
	{ID: "qwen3", Family: "qwen", ContextWindow: 40960, MaxOutput: 8192},
	{ID: "qwen2.5-coder", Family: "qwen", ContextWindow: 32768, MaxOutput: 8192},
	{ID: "qwen2.5", Family: "qwen", ContextWindow: 32768, MaxOutput: 8192},
	{ID: "mistral-nemo", Family: "mistral", ContextWindow: 131072, MaxOutput: 8192},
	{ID: "mistral", Family: "mistral", ContextWindow: 32768, MaxOutput: 8192},
	{ID: "mixtral", Family: "mistral", ContextWindow: 32768, MaxOutput: 8192},
	{ID: "gemma3", Family: "gemma", ContextWindow: 131072, MaxOutput: 8192},
	{ID: "gemma2", Family: "gemma", ContextWindow: 8192, MaxOutput: 4096},
	{ID: "deepseek-r1", Family: "deepseek", ContextWindow: 131072, MaxOutput: 32768},
	{ID: "gpt-oss", Family: "gpt-oss", ContextWindow: 131072, MaxOutput: 32768},
	{ID: "phi4", Family: "phi", ContextWindow: 16384, MaxOutput: 8192},
	{ID: "llava", Family: "llava", ContextWindow: 32768, MaxOutput: 4096},
	{
		ID: "claude-opus-4", Family: "claude", ContextWindow: 200000, MaxOutput: 32000,
		Pricing: core.ModelPricing{InputPerMTokUSD: 15, OutputPerMTokUSD: 75, CacheReadPerMTokUSD: 1.5, CacheWritePerMTokUSD: 18.75},
	},
	{
		ID: "claude-sonnet-4", Family: "claude", ContextWindow: 200000, MaxOutput: 64000,
		Pricing: core.ModelPricing{InputPerMTokUSD: 3, OutputPerMTokUSD: 15, CacheReadPerMTokUSD: 0.3, CacheWritePerMTokUSD: 3.75},
	},
	{
		ID: "claude-3-5-haiku", Family: "claude", ContextWindow: 200000, MaxOutput: 8192,
		Pricing: core.ModelPricing{InputPerMTokUSD: 0.8, OutputPerMTokUSD: 4, CacheReadPerMTokUSD: 0.08, CacheWritePerMTokUSD: 1},
	},
}

// NewTable returns a table seeded with the builtin entries.
func NewTable() *Table {
	entries := make(map[string]Info, len(builtin))
	for _, info := range builtin {
		entries[strings.ToLower(info.ID)] = info
	}
	return &Table{entries: entries}
}

// Register adds or replaces an entry. Zero limits fall back to defaults on lookup.
func (t *Table) Register(info Info) {
	if strings.TrimSpace(info.ID) == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[strings.ToLower(info.ID)] = info
}

// Lookup resolves a model identifier. Resolution order: exact id, longest
// matching id prefix, family substring, then a default-window entry.
func (t *Table) Lookup(model string) Info {
	key := normalize(model)

	t.mu.RLock()
	defer t.mu.RUnlock()

	if info, ok := t.entries[key]; ok {
		return withDefaults(info)
	}

	if info, ok := t.longestPrefixLocked(key); ok {
		return withDefaults(info)
	}

	// Family fallback scans ids in sorted order so resolution is deterministic
	// when several entries share a family.
	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		info := t.entries[id]
		if info.Family != "" && strings.Contains(key, strings.ToLower(info.Family)) {
			return withDefaults(info)
		}
	}

	return Info{ID: model, ContextWindow: DefaultContextWindow, MaxOutput: DefaultContextWindow / 2}
}

// ContextWindow returns the resolved context-window size for a model.
func (t *Table) ContextWindow(model string) int {
	return t.Lookup(model).ContextWindow
}

func (t *Table) longestPrefixLocked(key string) (Info, bool) {
	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return len(ids[i]) > len(ids[j]) })

	for _, id := range ids {
		if strings.HasPrefix(key, id) {
			return t.entries[id], true
		}
	}
	return Info{}, false
}

// normalize canonicalizes a model id for matching; Ollama-style size tags
// ("llama3.1:8b") fall out through the longest-prefix match instead.
func normalize(model string) string {
	return strings.ToLower(strings.TrimSpace(model))
}

func withDefaults(info Info) Info {
	if info.ContextWindow <= 0 {
		info.ContextWindow = DefaultContextWindow
	}
	if info.MaxOutput <= 0 {
		info.MaxOutput = info.ContextWindow / 2
	}
	return info
}
