// Package pool tracks flows that are warm in memory (ActivePool) and flows
// whose triggers are listening for events (DeployedPool).
package pool

import (
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/dshills/flowrun/flow"
)

// questionRef is the run variable a chat request injects.
const questionRef = "{{question}}"

// ActiveEntry is the cached state of a flow's last run.
type ActiveEntry struct {
	Flow flow.Flow

	// StartingNodeIDs and EndNodeIDs are the boundaries of the cached run.
	StartingNodeIDs []string
	EndNodeIDs      []string

	// Outputs are the node outputs of the cached run.
	Outputs flow.Results

	// OverrideConfig is the per-request configuration the run used.
	OverrideConfig map[string]any

	// InSync is false once the flow definition changed after caching.
	InSync bool

	UpdatedAt time.Time
}

// ActivePool caches flows between chat requests so unchanged upstream nodes
// need not run again. It is safe for concurrent use.
type ActivePool struct {
	mu      sync.RWMutex
	entries map[string]ActiveEntry
}

// NewActivePool creates an empty pool.
func NewActivePool() *ActivePool {
	return &ActivePool{entries: make(map[string]ActiveEntry)}
}

// Add caches entry under flowID, replacing any previous entry. The entry is
// marked in sync.
func (p *ActivePool) Add(flowID string, entry ActiveEntry) {
	entry.InSync = true
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now()
	}
	p.mu.Lock()
	p.entries[flowID] = entry
	p.mu.Unlock()
}

// Get returns the entry of flowID.
func (p *ActivePool) Get(flowID string) (ActiveEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[flowID]
	return e, ok
}

// Remove drops the entry of flowID.
func (p *ActivePool) Remove(flowID string) {
	p.mu.Lock()
	delete(p.entries, flowID)
	p.mu.Unlock()
}

// Invalidate marks the entry of flowID out of sync. It is called when the
// flow definition is edited.
func (p *ActivePool) Invalidate(flowID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[flowID]; ok {
		e.InSync = false
		p.entries[flowID] = e
	}
}

// Len returns the number of cached flows.
func (p *ActivePool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Reusable returns the entry of flowID when it can serve a request with the
// given override configuration: it exists, is in sync, was built with an
// equal override and its starting nodes do not read the request question.
func (p *ActivePool) Reusable(flowID string, override map[string]any) (ActiveEntry, bool) {
	e, ok := p.Get(flowID)
	if !ok || !e.InSync {
		return ActiveEntry{}, false
	}
	if !sameOverride(e.OverrideConfig, override) {
		return ActiveEntry{}, false
	}
	if DependsOnInput(e.Flow, e.StartingNodeIDs) {
		return ActiveEntry{}, false
	}
	return e, true
}

func sameOverride(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

// DependsOnInput reports whether any of the given starting nodes references
// the request question in its inputs.
func DependsOnInput(f flow.Flow, startingNodeIDs []string) bool {
	for _, id := range startingNodeIDs {
		n, ok := f.Node(id)
		if !ok {
			continue
		}
		if referencesQuestion(n.Data.Inputs) {
			return true
		}
	}
	return false
}

func referencesQuestion(v any) bool {
	switch val := v.(type) {
	case string:
		return strings.Contains(val, questionRef)
	case map[string]any:
		for _, item := range val {
			if referencesQuestion(item) {
				return true
			}
		}
	case []any:
		for _, item := range val {
			if referencesQuestion(item) {
				return true
			}
		}
	}
	return false
}
