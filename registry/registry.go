// Package registry maps kernel flow identities to userspace connection
// state. One reader/writer lock covers the map and its socket-id index.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/huandu/skiplist"
	"github.com/patrickmn/go-cache"

	"github.com/claby2/ebpfcca/model"
)

const DefaultRetiredTTL = 30 * time.Second

type Registry struct {
	rw       sync.RWMutex
	internal map[model.FlowID]*model.Connection
	// socket id -> FlowID, ordered for listing
	bySID *skiplist.SkipList
	// FlowID -> time of free, only used to classify late arrivals
	retired *cache.Cache
}

func New(retiredTTL time.Duration) *Registry {
	if retiredTTL <= 0 {
		retiredTTL = DefaultRetiredTTL
	}
	return &Registry{
		internal: make(map[model.FlowID]*model.Connection),
		bySID:    skiplist.New(skiplist.Uint32),
		retired:  cache.New(retiredTTL, 2*retiredTTL),
	}
}

// Insert registers conn under id and returns the connection it replaced.
// A kernel address may come back once its previous flow was freed, so an
// existing entry is overwritten rather than rejected.
func (r *Registry) Insert(id model.FlowID, conn *model.Connection) *model.Connection {
	r.rw.Lock()
	defer r.rw.Unlock()

	prev := r.internal[id]
	if prev != nil {
		r.unindex(prev)
	}
	r.internal[id] = conn
	r.bySID.Set(conn.SID(), id)
	r.retired.Delete(key(id))
	return prev
}

// Remove drops id and tombstones it.
func (r *Registry) Remove(id model.FlowID) (*model.Connection, bool) {
	r.rw.Lock()
	defer r.rw.Unlock()

	conn, ok := r.internal[id]
	if !ok {
		return nil, false
	}
	r.remove(id, conn)
	return conn, true
}

// CompareAndRemove drops id only while it still maps to conn, so a free
// that raced a re-create leaves the new connection alone.
func (r *Registry) CompareAndRemove(id model.FlowID, conn *model.Connection) bool {
	r.rw.Lock()
	defer r.rw.Unlock()

	if cur, ok := r.internal[id]; !ok || cur != conn {
		return false
	}
	r.remove(id, conn)
	return true
}

func (r *Registry) remove(id model.FlowID, conn *model.Connection) {
	delete(r.internal, id)
	r.unindex(conn)
	r.retired.SetDefault(key(id), time.Now())
}

func (r *Registry) unindex(conn *model.Connection) {
	sid := conn.SID()
	if ele := r.bySID.Get(sid); ele != nil && ele.Value.(model.FlowID) == conn.ID {
		r.bySID.RemoveElement(ele)
	}
}

// Get returns the live connection. The pointer must not be used to mutate
// state; use Update for that.
func (r *Registry) Get(id model.FlowID) (*model.Connection, bool) {
	r.rw.RLock()
	defer r.rw.RUnlock()

	conn, ok := r.internal[id]
	return conn, ok
}

func (r *Registry) Has(id model.FlowID) bool {
	_, ok := r.Get(id)
	return ok
}

// Update runs fn on the live connection with exclusive access. fn must
// only touch memory.
func (r *Registry) Update(id model.FlowID, fn func(conn *model.Connection)) bool {
	r.rw.Lock()
	defer r.rw.Unlock()

	conn, ok := r.internal[id]
	if !ok {
		return false
	}
	fn(conn)
	return true
}

// IsLive reports whether id is registered with the given instance tag.
func (r *Registry) IsLive(id model.FlowID, tag uuid.UUID) bool {
	conn, ok := r.Get(id)
	return ok && conn.Tag == tag
}

// Retired reports whether id was freed within the tombstone TTL and has not
// been re-created since.
func (r *Registry) Retired(id model.FlowID) bool {
	_, ok := r.retired.Get(key(id))
	return ok
}

func (r *Registry) Identities() []model.FlowID {
	r.rw.RLock()
	defer r.rw.RUnlock()

	res := make([]model.FlowID, len(r.internal))
	i := 0
	for id := range r.internal {
		res[i] = id
		i++
	}
	return res
}

// Connections returns copies of every live connection ordered by socket id.
func (r *Registry) Connections() []model.Connection {
	r.rw.RLock()
	defer r.rw.RUnlock()

	res := make([]model.Connection, 0, len(r.internal))
	for ele := r.bySID.Front(); ele != nil; ele = ele.Next() {
		if conn, ok := r.internal[ele.Value.(model.FlowID)]; ok {
			res = append(res, *conn)
		}
	}
	return res
}

// LookupBySID returns a copy of the connection the algorithm knows as sid.
func (r *Registry) LookupBySID(sid uint32) (model.Connection, bool) {
	r.rw.RLock()
	defer r.rw.RUnlock()

	ele := r.bySID.Get(sid)
	if ele == nil {
		return model.Connection{}, false
	}
	conn, ok := r.internal[ele.Value.(model.FlowID)]
	if !ok {
		return model.Connection{}, false
	}
	return *conn, true
}

func (r *Registry) Len() int {
	r.rw.RLock()
	defer r.rw.RUnlock()

	return len(r.internal)
}

func key(id model.FlowID) string {
	return id.String()
}
