package model

import "hash/fnv"

// DefaultSlotCount is the fixed number of hash partitions the key space is
// divided into. Sessions and data nodes must agree on it.
const DefaultSlotCount = 256

// Slot is one hash partition of the key space as assigned by the meta tier:
// a leader data node, follower replicas, and the leader generation.
type Slot struct {
	ID          int
	Leader      string
	Followers   []string
	LeaderEpoch int64
}

// HasFollower reports whether node is among the slot's followers.
func (s *Slot) HasFollower(node string) bool {
	for _, f := range s.Followers {
		if f == node {
			return true
		}
	}
	return false
}

// Copy returns an independent copy of the slot.
func (s *Slot) Copy() *Slot {
	c := *s
	c.Followers = append([]string(nil), s.Followers...)
	return &c
}

// SlotTable is the full placement as computed by the meta tier. Epoch is
// strictly increasing; receivers must reject tables whose epoch is not
// greater than the one they hold.
type SlotTable struct {
	Epoch int64
	Slots map[int]*Slot
}

// Copy returns a deep copy of the table.
func (t *SlotTable) Copy() *SlotTable {
	c := &SlotTable{Epoch: t.Epoch, Slots: make(map[int]*Slot, len(t.Slots))}
	for id, s := range t.Slots {
		c.Slots[id] = s.Copy()
	}
	return c
}

// SlotsOf returns the ids of slots where node is leader and where it is a
// follower.
func (t *SlotTable) SlotsOf(node string) (leaders, followers []int) {
	for id, s := range t.Slots {
		switch {
		case s.Leader == node:
			leaders = append(leaders, id)
		case s.HasFollower(node):
			followers = append(followers, id)
		}
	}
	return leaders, followers
}

// SlotOf maps a DataInfoID to its slot. Every tier uses this same function;
// a session and a data node disagreeing on placement would route writes to
// the wrong replica.
func SlotOf(dataInfoID DataInfoID, slotCount int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(dataInfoID.String()))
	return int(h.Sum32() % uint32(slotCount))
}

// SlotAccess is the verdict of a data node's access check on an incoming
// data RPC, derived from the epoch pair the caller sent.
type SlotAccess int

const (
	// SlotAccessAccept: this node is the slot's migrated leader at the
	// caller's epochs; the RPC proceeds.
	SlotAccessAccept SlotAccess = iota
	// SlotAccessMoved: the slot is not led here (or the caller's table is
	// newer); the caller should refresh its table and re-route.
	SlotAccessMoved
	// SlotAccessMigrating: this node leads the slot but has not finished
	// refilling from the live sessions; writes are premature.
	SlotAccessMigrating
	// SlotAccessMisMatch: the leader epoch the caller holds is not the
	// current one; the caller should refresh and retry.
	SlotAccessMisMatch
)

func (a SlotAccess) String() string {
	switch a {
	case SlotAccessAccept:
		return "Accept"
	case SlotAccessMoved:
		return "Moved"
	case SlotAccessMigrating:
		return "Migrating"
	case SlotAccessMisMatch:
		return "MisMatch"
	default:
		return "Unknown"
	}
}
