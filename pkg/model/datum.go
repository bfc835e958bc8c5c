package model

// PublisherEntry is the slice of a publisher a Datum retains: the payload
// entries plus enough identity to order re-publishes.
type PublisherEntry struct {
	RegisterID        string
	ConnectID         ConnectID
	Version           int64
	RegisterTimestamp int64
	DataList          [][]byte
}

// Datum is the aggregated publication state for (DataCenter, DataInfoID):
// every live publisher entry keyed by registerId, plus a version that
// advances on every mutation. The data-tier leader of the owning slot is the
// authority for a Datum; sessions hold short-lived copies.
type Datum struct {
	DataCenter string
	DataInfoID DataInfoID
	Version    int64
	Publishers map[string]*PublisherEntry
}

// NewDatum builds an empty datum at version zero.
func NewDatum(dataCenter string, dataInfoID DataInfoID) *Datum {
	return &Datum{
		DataCenter: dataCenter,
		DataInfoID: dataInfoID,
		Publishers: make(map[string]*PublisherEntry),
	}
}

// Put merges a publisher entry into the datum. Stale entries (older version
// for the same registerId) are ignored. Returns whether the datum changed.
func (d *Datum) Put(entry *PublisherEntry) bool {
	if prev, ok := d.Publishers[entry.RegisterID]; ok && prev.Version >= entry.Version {
		return false
	}
	d.Publishers[entry.RegisterID] = entry
	return true
}

// Remove drops the entry for registerId. Returns whether an entry was
// removed.
func (d *Datum) Remove(registerID string) bool {
	if _, ok := d.Publishers[registerID]; !ok {
		return false
	}
	delete(d.Publishers, registerID)
	return true
}

// IsEmpty reports whether the datum holds no publisher entries. Empty
// datums are deleted by their owning store.
func (d *Datum) IsEmpty() bool {
	return len(d.Publishers) == 0
}

// Copy returns a deep-enough copy for handing across tier boundaries: the
// publisher map is cloned, entries are shared (entries are never mutated in
// place).
func (d *Datum) Copy() *Datum {
	c := &Datum{
		DataCenter: d.DataCenter,
		DataInfoID: d.DataInfoID,
		Version:    d.Version,
		Publishers: make(map[string]*PublisherEntry, len(d.Publishers)),
	}
	for id, e := range d.Publishers {
		c.Publishers[id] = e
	}
	return c
}
