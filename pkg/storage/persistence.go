package storage

import (
	"encoding/json"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/meshreg/meshreg/internal/logger"
	"github.com/meshreg/meshreg/pkg/model"
)

// Persistence is an optional write-behind snapshot of the local datum store,
// backed by BadgerDB. It exists to make data-node restarts cheap: a restarted
// node reloads its last snapshot instead of starting empty, and the normal
// migration/diff-sync paths reconcile whatever is stale. Registrations are
// never persisted; this holds datums only.
type Persistence struct {
	db *badger.DB

	queue   chan persistOp
	wg      sync.WaitGroup
	once    sync.Once
	closeCh chan struct{}
}

type persistOp struct {
	remove bool
	key    []byte
	datum  *model.Datum
}

// datumSnapshot is the stored form of a datum.
type datumSnapshot struct {
	DataCenter string                        `json:"dataCenter"`
	DataInfoID string                        `json:"dataInfoId"`
	Version    int64                         `json:"version"`
	Publishers map[string]*publisherSnapshot `json:"publishers"`
}

type publisherSnapshot struct {
	RegisterID        string   `json:"registerId"`
	ConnectID         string   `json:"connectId"`
	Version           int64    `json:"version"`
	RegisterTimestamp int64    `json:"registerTimestamp"`
	DataList          [][]byte `json:"dataList,omitempty"`
}

func keyDatum(dataCenter, dataInfoID string) []byte {
	return []byte("datum/" + dataCenter + "/" + dataInfoID)
}

// OpenPersistence opens (or creates) the snapshot database at dir and starts
// the write-behind worker.
func OpenPersistence(dir string) (*Persistence, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open datum snapshot db: %w", err)
	}

	p := &Persistence{
		db:      db,
		queue:   make(chan persistOp, 1024),
		closeCh: make(chan struct{}),
	}
	p.wg.Add(1)
	go p.worker()
	return p, nil
}

// SaveDatum enqueues a snapshot write for the datum. Non-blocking: when the
// queue is full the write is skipped, which only widens the window the next
// sync reconciles.
func (p *Persistence) SaveDatum(d *model.Datum) {
	op := persistOp{key: keyDatum(d.DataCenter, d.DataInfoID.String()), datum: d.Copy()}
	select {
	case p.queue <- op:
	default:
		logger.Warn("datum snapshot queue full, skipping write",
			logger.KeyDataInfoID, d.DataInfoID.String())
	}
}

// DeleteDatum enqueues removal of a datum snapshot.
func (p *Persistence) DeleteDatum(dataCenter string, dataInfoID model.DataInfoID) {
	op := persistOp{remove: true, key: keyDatum(dataCenter, dataInfoID.String())}
	select {
	case p.queue <- op:
	default:
		logger.Warn("datum snapshot queue full, skipping delete",
			logger.KeyDataInfoID, dataInfoID.String())
	}
}

// LoadAll replays every stored datum snapshot into fn. Called once at
// startup before the node joins sync traffic.
func (p *Persistence) LoadAll(fn func(*model.Datum)) error {
	return p.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("datum/")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				d, err := decodeDatumSnapshot(val)
				if err != nil {
					return err
				}
				fn(d)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Close drains pending writes and closes the database. Idempotent.
func (p *Persistence) Close() error {
	var err error
	p.once.Do(func() {
		close(p.closeCh)
		p.wg.Wait()
		err = p.db.Close()
	})
	return err
}

func (p *Persistence) worker() {
	defer p.wg.Done()
	for {
		select {
		case op := <-p.queue:
			p.apply(op)
		case <-p.closeCh:
			for {
				select {
				case op := <-p.queue:
					p.apply(op)
				default:
					return
				}
			}
		}
	}
}

func (p *Persistence) apply(op persistOp) {
	err := p.db.Update(func(txn *badger.Txn) error {
		if op.remove {
			if err := txn.Delete(op.key); err != nil && err != badger.ErrKeyNotFound {
				return err
			}
			return nil
		}
		val, err := encodeDatumSnapshot(op.datum)
		if err != nil {
			return err
		}
		return txn.Set(op.key, val)
	})
	if err != nil {
		logger.Error("datum snapshot write failed", "key", string(op.key), "error", err)
	}
}

func encodeDatumSnapshot(d *model.Datum) ([]byte, error) {
	snap := datumSnapshot{
		DataCenter: d.DataCenter,
		DataInfoID: d.DataInfoID.String(),
		Version:    d.Version,
		Publishers: make(map[string]*publisherSnapshot, len(d.Publishers)),
	}
	for id, e := range d.Publishers {
		snap.Publishers[id] = &publisherSnapshot{
			RegisterID:        e.RegisterID,
			ConnectID:         e.ConnectID.String(),
			Version:           e.Version,
			RegisterTimestamp: e.RegisterTimestamp,
			DataList:          e.DataList,
		}
	}
	return json.Marshal(&snap)
}

func decodeDatumSnapshot(val []byte) (*model.Datum, error) {
	var snap datumSnapshot
	if err := json.Unmarshal(val, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode datum snapshot: %w", err)
	}
	dataInfoID, err := model.ParseDataInfoID(snap.DataInfoID)
	if err != nil {
		return nil, err
	}
	d := &model.Datum{
		DataCenter: snap.DataCenter,
		DataInfoID: dataInfoID,
		Version:    snap.Version,
		Publishers: make(map[string]*model.PublisherEntry, len(snap.Publishers)),
	}
	for id, e := range snap.Publishers {
		connID, err := model.ParseConnectID(e.ConnectID)
		if err != nil {
			return nil, err
		}
		d.Publishers[id] = &model.PublisherEntry{
			RegisterID:        e.RegisterID,
			ConnectID:         connID,
			Version:           e.Version,
			RegisterTimestamp: e.RegisterTimestamp,
			DataList:          e.DataList,
		}
	}
	return d, nil
}
