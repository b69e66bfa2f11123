package kernel

import (
	"errors"

	"github.com/cilium/ebpf"

	"github.com/claby2/ebpfcca/model"
)

// Table is the kernel connections table keyed by FlowID.
type Table interface {
	// Lookup reports false when the kernel holds no entry for id.
	Lookup(id model.FlowID) (model.ConnectionRecord, bool, error)
	// Update overwrites an existing entry. It reports false, without
	// creating anything, when the entry is gone.
	Update(id model.FlowID, rec model.ConnectionRecord) (bool, error)
	// Entries lists the whole table.
	Entries() ([]TableEntry, error)
}

type TableEntry struct {
	ID     model.FlowID
	Record model.ConnectionRecord
}

// MapTable is a Table over the pinned `connections` hash map. Keys and
// values use native byte order, which is how cilium/ebpf marshals them.
type MapTable struct {
	m *ebpf.Map
}

func NewMapTable(m *ebpf.Map) *MapTable {
	return &MapTable{m: m}
}

func (t *MapTable) Lookup(id model.FlowID) (model.ConnectionRecord, bool, error) {
	var rec model.ConnectionRecord
	err := t.m.Lookup(uint64(id), &rec)
	if errors.Is(err, ebpf.ErrKeyNotExist) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, err
	}
	return rec, true, nil
}

func (t *MapTable) Update(id model.FlowID, rec model.ConnectionRecord) (bool, error) {
	// UpdateExist keeps a write racing the kernel's delete from
	// resurrecting the entry.
	err := t.m.Update(uint64(id), rec, ebpf.UpdateExist)
	if errors.Is(err, ebpf.ErrKeyNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (t *MapTable) Entries() ([]TableEntry, error) {
	var (
		key uint64
		rec model.ConnectionRecord
	)
	entries := make([]TableEntry, 0)
	it := t.m.Iterate()
	for it.Next(&key, &rec) {
		entries = append(entries, TableEntry{ID: model.FlowID(key), Record: rec})
	}
	return entries, it.Err()
}
