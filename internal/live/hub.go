// Package live re-delivers query results to subscribers whenever a watched table changes.
package live

import "sync"

// Table names a watched table.
type Table string

const (
	TableTreatments Table = "treatments"
	TableDoses      Table = "daily_doses"
)

// AllTables lists every table a repository writes to.
var AllTables = []Table{TableTreatments, TableDoses}

// Hub fans out change signals per table. A watcher's channel holds at most one pending
// signal, so bursts of writes collapse into a single re-evaluation.
type Hub struct {
	mu       sync.Mutex
	nextID   int
	watchers map[Table]map[int]chan struct{}
}

func NewHub() *Hub {
	return &Hub{watchers: make(map[Table]map[int]chan struct{})}
}

// Watch registers interest in tables. The returned func unregisters and must be called once.
func (h *Hub) Watch(tables ...Table) (<-chan struct{}, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan struct{}, 1)
	for _, t := range tables {
		if h.watchers[t] == nil {
			h.watchers[t] = make(map[int]chan struct{})
		}
		h.watchers[t][id] = ch
	}

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, t := range tables {
			delete(h.watchers[t], id)
		}
	}
}

// Publish signals every watcher of the given tables. It never blocks.
func (h *Hub) Publish(tables ...Table) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, t := range tables {
		for _, ch := range h.watchers[t] {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
}

// Watchers returns how many subscriptions currently watch t.
func (h *Hub) Watchers(t Table) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers[t])
}
