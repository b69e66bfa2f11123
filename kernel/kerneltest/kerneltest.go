// Package kerneltest provides in-memory stand-ins for the kernel ring
// buffers and connections table.
package kerneltest

import (
	"sort"
	"sync"

	"github.com/claby2/ebpfcca/kernel"
	"github.com/claby2/ebpfcca/model"
	"github.com/claby2/ebpfcca/stream"
)

// Table is a kernel.Table backed by a map.
type Table struct {
	mu      sync.Mutex
	entries map[model.FlowID]model.ConnectionRecord
	writes  int
	// UpdateErr, when set, is returned by every Update.
	UpdateErr error
}

func NewTable() *Table {
	return &Table{entries: make(map[model.FlowID]model.ConnectionRecord)}
}

// Put plays the kernel's part: it creates or replaces an entry.
func (t *Table) Put(id model.FlowID, rec model.ConnectionRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = rec
}

// Delete plays the kernel tearing the flow down.
func (t *Table) Delete(id model.FlowID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

func (t *Table) Get(id model.FlowID) (model.ConnectionRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.entries[id]
	return rec, ok
}

// Writes counts successful userspace updates.
func (t *Table) Writes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writes
}

func (t *Table) Lookup(id model.FlowID) (model.ConnectionRecord, bool, error) {
	rec, ok := t.Get(id)
	return rec, ok, nil
}

func (t *Table) Update(id model.FlowID, rec model.ConnectionRecord) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.UpdateErr != nil {
		return false, t.UpdateErr
	}
	if _, ok := t.entries[id]; !ok {
		return false, nil
	}
	t.entries[id] = rec
	t.writes++
	return true, nil
}

func (t *Table) Entries() ([]kernel.TableEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	res := make([]kernel.TableEntry, 0, len(t.entries))
	for id, rec := range t.entries {
		res = append(res, kernel.TableEntry{ID: id, Record: rec})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

// Ring is a stream.RecordReader fed by Push.
type Ring struct {
	records   chan []byte
	closeChan chan struct{}
	once      sync.Once
}

func NewRing(depth int) *Ring {
	return &Ring{
		records:   make(chan []byte, depth),
		closeChan: make(chan struct{}),
	}
}

func (r *Ring) Push(raw []byte) {
	r.records <- raw
}

func (r *Ring) Read() ([]byte, error) {
	// drain what was pushed before Close
	select {
	case raw := <-r.records:
		return raw, nil
	default:
	}
	select {
	case raw := <-r.records:
		return raw, nil
	case <-r.closeChan:
		return nil, stream.ErrClosed
	}
}

func (r *Ring) Close() error {
	r.once.Do(func() { close(r.closeChan) })
	return nil
}
