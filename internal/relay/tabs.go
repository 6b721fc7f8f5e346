// internal/relay/tabs.go
package relay

import (
	"sort"
	"sync"

	"github.com/xkilldash9x/webext-auto/api/schemas"
)

// TabRegistry assigns stable numeric tab ids to browser targets and tracks which
// tabs have a content context under extension control.
type TabRegistry struct {
	mu         sync.RWMutex
	nextID     int64
	byTarget   map[string]int64
	tabs       map[int64]schemas.TabInfo
	registered map[int64]bool
}

// NewTabRegistry returns an empty registry. Ids start at 1 so zero can mean "no tab".
func NewTabRegistry() *TabRegistry {
	return &TabRegistry{
		byTarget:   make(map[string]int64),
		tabs:       make(map[int64]schemas.TabInfo),
		registered: make(map[int64]bool),
	}
}

// Assign returns the tab id for targetID, allocating one on first sight.
func (t *TabRegistry) Assign(targetID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.byTarget[targetID]; ok {
		return id
	}
	t.nextID++
	id := t.nextID
	t.byTarget[targetID] = id
	t.tabs[id] = schemas.TabInfo{ID: id, TargetID: targetID}
	return id
}

// LookupTarget returns the tab id already assigned to targetID.
func (t *TabRegistry) LookupTarget(targetID string) (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byTarget[targetID]
	return id, ok
}

// Lookup returns what is known about a tab.
func (t *TabRegistry) Lookup(id int64) (schemas.TabInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info, ok := t.tabs[id]
	return info, ok
}

// Update merges the url and title of a known tab. Unknown tabs are ignored.
func (t *TabRegistry) Update(id int64, url, title string) (schemas.TabInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.tabs[id]
	if !ok {
		return schemas.TabInfo{}, false
	}
	if url != "" {
		info.URL = url
	}
	if title != "" {
		info.Title = title
	}
	t.tabs[id] = info
	return info, true
}

// Register marks a tab as controlled by the extension.
func (t *TabRegistry) Register(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.tabs[id]; ok {
		t.registered[id] = true
	}
}

// Unregister clears the controlled mark without forgetting the tab.
func (t *TabRegistry) Unregister(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.registered, id)
}

// IsRegistered reports whether a tab is controlled by the extension.
func (t *TabRegistry) IsRegistered(id int64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.registered[id]
}

// Forget drops every trace of a tab, e.g. once its target is destroyed.
func (t *TabRegistry) Forget(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if info, ok := t.tabs[id]; ok {
		delete(t.byTarget, info.TargetID)
	}
	delete(t.tabs, id)
	delete(t.registered, id)
}

// Registered lists the controlled tabs ordered by id.
func (t *TabRegistry) Registered() []schemas.TabInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]schemas.TabInfo, 0, len(t.registered))
	for id := range t.registered {
		out = append(out, t.tabs[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RegisteredIDs lists the controlled tab ids ordered by id.
func (t *TabRegistry) RegisteredIDs() []int64 {
	infos := t.Registered()
	ids := make([]int64, len(infos))
	for i, info := range infos {
		ids[i] = info.ID
	}
	return ids
}
