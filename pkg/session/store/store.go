// Package store implements the session-side registration stores: the
// in-memory indexes of publishers, subscribers, and watchers, keyed
// simultaneously by dataInfoId and by client connection identity.
//
// The three stores are structurally identical; Store is generic over the
// record type and Interests, DataStore, and Watchers are its instantiations.
package store

import (
	"hash/fnv"
	"sync"

	"github.com/meshreg/meshreg/internal/logger"
	"github.com/meshreg/meshreg/pkg/model"
)

// shardCount stripes the key space so writers on different dataInfoIds do
// not contend. Must be a power of two is not required; FNV mod is used.
const shardCount = 64

// Record is the surface a registration type exposes to the store.
type Record interface {
	// Reg returns the base registration. The store never mutates it.
	Reg() *model.Registration
}

// Store is a two-index registration store. Index (a) maps
// dataInfoId → registerId → record; index (b) maps
// connectId → dataInfoId → registerId → record. Both indexes are kept in the
// shard owning the dataInfoId and are mutated under the same lock, so they
// can never disagree at a quiescent point.
type Store[T Record] struct {
	name   string
	shards [shardCount]storeShard[T]
}

type storeShard[T Record] struct {
	mu sync.RWMutex
	// byDataInfo: dataInfoId → registerId → record
	byDataInfo map[string]map[string]T
	// byConnect: connectId → dataInfoId → registerId → record, restricted
	// to dataInfoIds owned by this shard
	byConnect map[string]map[string]map[string]T
}

// New builds an empty store. name appears in log lines only.
func New[T Record](name string) *Store[T] {
	s := &Store[T]{name: name}
	for i := range s.shards {
		s.shards[i].byDataInfo = make(map[string]map[string]T)
		s.shards[i].byConnect = make(map[string]map[string]map[string]T)
	}
	return s
}

// Interests is the store of subscribers.
type Interests = Store[*model.Subscriber]

// DataStore is the store of publishers.
type DataStore = Store[*model.Publisher]

// Watchers is the store of watchers.
type Watchers = Store[*model.Watcher]

// NewInterests builds the subscriber store.
func NewInterests() *Interests { return New[*model.Subscriber]("interests") }

// NewDataStore builds the publisher store.
func NewDataStore() *DataStore { return New[*model.Publisher]("dataStore") }

// NewWatchers builds the watcher store.
func NewWatchers() *Watchers { return New[*model.Watcher]("watchers") }

func (s *Store[T]) shard(dataInfoID string) *storeShard[T] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(dataInfoID))
	return &s.shards[h.Sum32()%shardCount]
}

// Add inserts or replaces the record keyed by (dataInfoId, registerId).
//
// When the existing record belongs to a different connection, the new one
// wins only if its registerTimestamp is not older and its version is not
// smaller. A reconnecting client that raced an old connection's traffic must
// not have its fresh registration overwritten by a stale retransmit.
//
// Returns whether the store changed.
func (s *Store[T]) Add(rec T) bool {
	reg := rec.Reg()
	dataInfoID := reg.DataInfoID.String()
	sh := s.shard(dataInfoID)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	regs := sh.byDataInfo[dataInfoID]
	if regs == nil {
		regs = make(map[string]T)
		sh.byDataInfo[dataInfoID] = regs
	}

	if prev, ok := regs[reg.RegisterID]; ok {
		prevReg := prev.Reg()
		if prevReg.ConnectID != reg.ConnectID {
			if reg.RegisterTimestamp < prevReg.RegisterTimestamp || reg.Version < prevReg.Version {
				logger.Debug("stale add ignored",
					"store", s.name,
					logger.KeyDataInfoID, dataInfoID,
					logger.KeyRegisterID, reg.RegisterID,
					logger.KeyConnID, reg.ConnectID.String(),
					logger.KeyVersion, reg.Version)
				return false
			}
			sh.removeConnect(prevReg.ConnectID.String(), dataInfoID, reg.RegisterID)
		}
	}

	regs[reg.RegisterID] = rec
	sh.putConnect(reg.ConnectID.String(), dataInfoID, reg.RegisterID, rec)
	return true
}

// DeleteByID removes the single record keyed by (dataInfoId, registerId).
// Returns the removed record and whether one existed.
func (s *Store[T]) DeleteByID(registerID string, dataInfoID model.DataInfoID) (T, bool) {
	var zero T
	key := dataInfoID.String()
	sh := s.shard(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	regs := sh.byDataInfo[key]
	rec, ok := regs[registerID]
	if !ok {
		return zero, false
	}
	delete(regs, registerID)
	if len(regs) == 0 {
		delete(sh.byDataInfo, key)
	}
	sh.removeConnect(rec.Reg().ConnectID.String(), key, registerID)
	return rec, true
}

// DeleteByConnectID removes every record registered through connectId.
// Idempotent: a second invocation finds nothing and is a no-op.
//
// The dataInfo index entry is removed only if the record currently there
// still carries this connectId. A delayed delete for a dead connection must
// not take out the replacement installed by a reconnect.
func (s *Store[T]) DeleteByConnectID(connectID model.ConnectID) []T {
	conn := connectID.String()
	var removed []T

	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		byData := sh.byConnect[conn]
		for dataInfoID, regs := range byData {
			for registerID := range regs {
				cur, ok := sh.byDataInfo[dataInfoID][registerID]
				if ok && cur.Reg().ConnectID.String() == conn {
					delete(sh.byDataInfo[dataInfoID], registerID)
					if len(sh.byDataInfo[dataInfoID]) == 0 {
						delete(sh.byDataInfo, dataInfoID)
					}
					removed = append(removed, cur)
				}
			}
		}
		delete(sh.byConnect, conn)
		sh.mu.Unlock()
	}
	return removed
}

// QueryByConnectID returns every record registered through connectId, keyed
// by registerId. The result is a snapshot; mutating it does not affect the
// store.
func (s *Store[T]) QueryByConnectID(connectID model.ConnectID) map[string]T {
	conn := connectID.String()
	out := make(map[string]T)

	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, regs := range sh.byConnect[conn] {
			for registerID, rec := range regs {
				out[registerID] = rec
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

// GetDatas returns every record on dataInfoId. The slice is a snapshot.
func (s *Store[T]) GetDatas(dataInfoID model.DataInfoID) []T {
	key := dataInfoID.String()
	sh := s.shard(key)

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	regs := sh.byDataInfo[key]
	out := make([]T, 0, len(regs))
	for _, rec := range regs {
		out = append(out, rec)
	}
	return out
}

// Get returns the record keyed by (dataInfoId, registerId).
func (s *Store[T]) Get(registerID string, dataInfoID model.DataInfoID) (T, bool) {
	key := dataInfoID.String()
	sh := s.shard(key)

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	rec, ok := sh.byDataInfo[key][registerID]
	return rec, ok
}

// DataInfoIDs returns every dataInfoId with at least one record.
func (s *Store[T]) DataInfoIDs() []string {
	var out []string
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for id := range sh.byDataInfo {
			out = append(out, id)
		}
		sh.mu.RUnlock()
	}
	return out
}

// Count returns the total number of records.
func (s *Store[T]) Count() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, regs := range sh.byDataInfo {
			n += len(regs)
		}
		sh.mu.RUnlock()
	}
	return n
}

// putConnect and removeConnect maintain index (b). Callers hold the shard
// write lock.

func (sh *storeShard[T]) putConnect(conn, dataInfoID, registerID string, rec T) {
	byData := sh.byConnect[conn]
	if byData == nil {
		byData = make(map[string]map[string]T)
		sh.byConnect[conn] = byData
	}
	regs := byData[dataInfoID]
	if regs == nil {
		regs = make(map[string]T)
		byData[dataInfoID] = regs
	}
	regs[registerID] = rec
}

func (sh *storeShard[T]) removeConnect(conn, dataInfoID, registerID string) {
	byData := sh.byConnect[conn]
	regs := byData[dataInfoID]
	if regs == nil {
		return
	}
	delete(regs, registerID)
	if len(regs) == 0 {
		delete(byData, dataInfoID)
		if len(byData) == 0 {
			delete(sh.byConnect, conn)
		}
	}
}
