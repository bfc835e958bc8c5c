// Package storage implements the data-tier local datum store: per-slot
// partitions of aggregated publication state, created and dropped as the
// slot manager gains and loses slots.
package storage

import (
	"errors"
	"sync"

	"github.com/meshreg/meshreg/internal/logger"
	"github.com/meshreg/meshreg/pkg/model"
)

// ErrSlotNotAssigned is returned when an operation targets a slot this node
// does not currently hold. Access checks normally reject such traffic before
// it reaches the store.
var ErrSlotNotAssigned = errors.New("slot not assigned to this node")

// LocalDatumStore holds the datums of every slot assigned to this node.
// Partition lifecycle follows slot assignment through AddSlot/RemoveSlot;
// datum mutations come from session writes (leader) and diff sync
// (follower and migrating leader).
type LocalDatumStore struct {
	dataCenter string
	slotCount  int
	clock      VersionClock

	mu    sync.RWMutex
	slots map[int]*partition
}

type partition struct {
	mu     sync.RWMutex
	datums map[string]*model.Datum
}

// NewLocalDatumStore builds an empty store for the given data center.
func NewLocalDatumStore(dataCenter string, slotCount int) *LocalDatumStore {
	if slotCount <= 0 {
		slotCount = model.DefaultSlotCount
	}
	return &LocalDatumStore{
		dataCenter: dataCenter,
		slotCount:  slotCount,
		slots:      make(map[int]*partition),
	}
}

// DataCenter returns the data center this store serves.
func (s *LocalDatumStore) DataCenter() string { return s.dataCenter }

// AddSlot allocates the partition for slotID. No-op if already present.
func (s *LocalDatumStore) AddSlot(slotID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slots[slotID]; !ok {
		s.slots[slotID] = &partition{datums: make(map[string]*model.Datum)}
	}
}

// RemoveSlot drops the partition for slotID and every datum in it.
func (s *LocalDatumStore) RemoveSlot(slotID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.slots, slotID)
}

// HasSlot reports whether the partition for slotID exists.
func (s *LocalDatumStore) HasSlot(slotID int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.slots[slotID]
	return ok
}

func (s *LocalDatumStore) partitionOf(dataInfoID model.DataInfoID) (*partition, int, error) {
	slotID := model.SlotOf(dataInfoID, s.slotCount)
	s.mu.RLock()
	p, ok := s.slots[slotID]
	s.mu.RUnlock()
	if !ok {
		return nil, slotID, ErrSlotNotAssigned
	}
	return p, slotID, nil
}

func (s *LocalDatumStore) partitionByID(slotID int) *partition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.slots[slotID]
}

// Put merges a publisher entry into the datum for its dataInfoId, creating
// the datum on first publish, and bumps the datum version. Returns the
// resulting version and whether the datum changed.
func (s *LocalDatumStore) Put(dataInfoID model.DataInfoID, entry *model.PublisherEntry) (int64, bool, error) {
	p, _, err := s.partitionOf(dataInfoID)
	if err != nil {
		return 0, false, err
	}
	key := dataInfoID.String()

	p.mu.Lock()
	defer p.mu.Unlock()

	d := p.datums[key]
	if d == nil {
		d = model.NewDatum(s.dataCenter, dataInfoID)
		p.datums[key] = d
	}
	if !d.Put(entry) {
		return d.Version, false, nil
	}
	d.Version = s.clock.Next()
	return d.Version, true, nil
}

// Remove drops the entry for registerId from the datum, deleting the datum
// when it empties. Returns the resulting datum version (zero when deleted)
// and whether anything changed.
func (s *LocalDatumStore) Remove(dataInfoID model.DataInfoID, registerID string) (int64, bool, error) {
	p, _, err := s.partitionOf(dataInfoID)
	if err != nil {
		return 0, false, err
	}
	key := dataInfoID.String()

	p.mu.Lock()
	defer p.mu.Unlock()

	d := p.datums[key]
	if d == nil {
		return 0, false, nil
	}
	if !d.Remove(registerID) {
		return d.Version, false, nil
	}
	if d.IsEmpty() {
		delete(p.datums, key)
		return 0, true, nil
	}
	d.Version = s.clock.Next()
	return d.Version, true, nil
}

// Get returns a copy of the datum for dataInfoId, nil if absent.
func (s *LocalDatumStore) Get(dataInfoID model.DataInfoID) *model.Datum {
	p, _, err := s.partitionOf(dataInfoID)
	if err != nil {
		return nil
	}
	key := dataInfoID.String()

	p.mu.RLock()
	defer p.mu.RUnlock()

	if d := p.datums[key]; d != nil {
		return d.Copy()
	}
	return nil
}

// GetBySlot returns copies of every datum in the slot, keyed by rendered
// dataInfoId.
func (s *LocalDatumStore) GetBySlot(slotID int) map[string]*model.Datum {
	p := s.partitionByID(slotID)
	if p == nil {
		return nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]*model.Datum, len(p.datums))
	for key, d := range p.datums {
		out[key] = d.Copy()
	}
	return out
}

// Versions returns the dataInfoId → version digest of the slot, the request
// body of a diff sync.
func (s *LocalDatumStore) Versions(slotID int) map[string]int64 {
	p := s.partitionByID(slotID)
	if p == nil {
		return nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]int64, len(p.datums))
	for key, d := range p.datums {
		out[key] = d.Version
	}
	return out
}

// PutDatum installs a datum received from a peer if it is newer than the
// local copy. The whole datum replaces atomically; diff sync never merges a
// half-applied datum.
func (s *LocalDatumStore) PutDatum(slotID int, datum *model.Datum) bool {
	p := s.partitionByID(slotID)
	if p == nil {
		return false
	}
	key := datum.DataInfoID.String()

	p.mu.Lock()
	defer p.mu.Unlock()

	if cur := p.datums[key]; cur != nil && cur.Version >= datum.Version {
		return false
	}
	p.datums[key] = datum.Copy()
	s.clock.Observe(datum.Version)
	return true
}

// RemoveDatum drops the datum for a rendered dataInfoId, used when a diff
// sync reports a removal.
func (s *LocalDatumStore) RemoveDatum(slotID int, dataInfoID string) bool {
	p := s.partitionByID(slotID)
	if p == nil {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.datums[dataInfoID]; !ok {
		return false
	}
	delete(p.datums, dataInfoID)
	return true
}

// ReconcileSession replaces the portion of a datum contributed by one
// session with the entries that session currently reports. partial carries
// only entries whose connections target sessionIP. Entries from other
// sessions are untouched. Returns whether the datum changed.
func (s *LocalDatumStore) ReconcileSession(slotID int, partial *model.Datum, sessionIP string) bool {
	p := s.partitionByID(slotID)
	if p == nil {
		return false
	}
	key := partial.DataInfoID.String()

	p.mu.Lock()
	defer p.mu.Unlock()

	d := p.datums[key]
	if d == nil {
		if len(partial.Publishers) == 0 {
			return false
		}
		d = model.NewDatum(s.dataCenter, partial.DataInfoID)
		p.datums[key] = d
	}

	changed := false
	for id, e := range d.Publishers {
		if e.ConnectID.TargetAddr != sessionIP {
			continue
		}
		repl, ok := partial.Publishers[id]
		if !ok {
			delete(d.Publishers, id)
			changed = true
		} else if repl.Version > e.Version {
			d.Publishers[id] = repl
			changed = true
		}
	}
	for id, e := range partial.Publishers {
		if _, ok := d.Publishers[id]; !ok {
			d.Publishers[id] = e
			changed = true
		}
	}

	if d.IsEmpty() {
		delete(p.datums, key)
		return changed
	}
	if changed {
		d.Version = s.clock.Next()
	}
	return changed
}

// RemoveSessionEntries drops every entry of the datum contributed by
// sessionIP, used when a sync-session reports the session no longer has
// publishers for the dataInfoId. Returns whether the datum changed.
func (s *LocalDatumStore) RemoveSessionEntries(slotID int, dataInfoID string, sessionIP string) bool {
	p := s.partitionByID(slotID)
	if p == nil {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	d := p.datums[dataInfoID]
	if d == nil {
		return false
	}
	changed := false
	for id, e := range d.Publishers {
		if e.ConnectID.TargetAddr == sessionIP {
			delete(d.Publishers, id)
			changed = true
		}
	}
	if d.IsEmpty() {
		delete(p.datums, dataInfoID)
		return changed
	}
	if changed {
		d.Version = s.clock.Next()
	}
	return changed
}

// BumpVersions advances the version of every datum in the slot. Called once
// when a migration completes so subscribers re-fetch state assembled by the
// new leader.
func (s *LocalDatumStore) BumpVersions(slotID int) {
	p := s.partitionByID(slotID)
	if p == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, d := range p.datums {
		d.Version = s.clock.Next()
	}
	logger.Debug("bumped datum versions after migration",
		logger.KeySlotID, slotID, "datums", len(p.datums))
}

// SlotIDs returns the currently allocated slot ids.
func (s *LocalDatumStore) SlotIDs() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int, 0, len(s.slots))
	for id := range s.slots {
		out = append(out, id)
	}
	return out
}

// Count returns the number of datums held across all slots.
func (s *LocalDatumStore) Count() int {
	s.mu.RLock()
	parts := make([]*partition, 0, len(s.slots))
	for _, p := range s.slots {
		parts = append(parts, p)
	}
	s.mu.RUnlock()

	n := 0
	for _, p := range parts {
		p.mu.RLock()
		n += len(p.datums)
		p.mu.RUnlock()
	}
	return n
}
