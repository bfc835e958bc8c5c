// Package data assembles a data node: the local datum store, the slot
// manager, and the RPC handlers every incoming data-tier call runs through.
package data

import (
	"context"
	"time"

	"github.com/meshreg/meshreg/internal/logger"
	"github.com/meshreg/meshreg/pkg/model"
	"github.com/meshreg/meshreg/pkg/slot"
	slotsync "github.com/meshreg/meshreg/pkg/slot/sync"
	"github.com/meshreg/meshreg/pkg/storage"
	"github.com/meshreg/meshreg/pkg/transport"
)

// notifyTimeout bounds one data-change notification to a session.
const notifyTimeout = 3 * time.Second

// Node is one data-tier server.
type Node struct {
	id         string
	dataCenter string

	store       *storage.LocalDatumStore
	manager     *slot.Manager
	sessions    transport.SessionClient
	sessionView slot.SessionSource
	persistence *storage.Persistence

	// recovered holds snapshot datums loaded at startup, applied per slot
	// as assignments arrive and reconciled by normal sync afterwards.
	recovered map[int][]*model.Datum
}

// Options carries the optional collaborators of a node.
type Options struct {
	// Persistence, when set, write-behinds datum snapshots for fast
	// restart.
	Persistence *storage.Persistence
}

// NewNode wires a data node. The caller starts the slot manager.
func NewNode(id, dataCenter string, store *storage.LocalDatumStore, mgr *slot.Manager, sessions transport.SessionClient, view slot.SessionSource, opts Options) *Node {
	n := &Node{
		id:          id,
		dataCenter:  dataCenter,
		store:       store,
		manager:     mgr,
		sessions:    sessions,
		sessionView: view,
		persistence: opts.Persistence,
		recovered:   make(map[int][]*model.Datum),
	}
	if n.persistence != nil {
		n.loadSnapshots()
	}
	mgr.AddListener(n)
	return n
}

// Manager returns the node's slot manager.
func (n *Node) Manager() *slot.Manager { return n.manager }

// Store returns the node's datum store.
func (n *Node) Store() *storage.LocalDatumStore { return n.store }

func (n *Node) loadSnapshots() {
	count := 0
	err := n.persistence.LoadAll(func(d *model.Datum) {
		slotID := n.manager.SlotOf(d.DataInfoID)
		n.recovered[slotID] = append(n.recovered[slotID], d)
		count++
	})
	if err != nil {
		logger.Error("failed to load datum snapshots", "error", err)
		return
	}
	logger.Info("loaded datum snapshots", "datums", count)
}

// OnSlotAdd implements slot.Listener: allocate the partition and replay any
// recovered snapshots into it.
func (n *Node) OnSlotAdd(slotID int) {
	n.store.AddSlot(slotID)
	if datums, ok := n.recovered[slotID]; ok {
		for _, d := range datums {
			n.store.PutDatum(slotID, d)
		}
		delete(n.recovered, slotID)
		logger.Info("replayed recovered datums", logger.KeySlotID, slotID, "datums", len(datums))
	}
}

// OnSlotRemove implements slot.Listener.
func (n *Node) OnSlotRemove(slotID int) {
	n.store.RemoveSlot(slotID)
}

// HandleSyncPublisher implements transport.DataHandler: the write path of
// the data tier.
func (n *Node) HandleSyncPublisher(req *transport.SyncPublisherRequest) *transport.SyncPublisherResponse {
	access := n.manager.CheckSlotAccess(req.SlotID, req.Header.SlotTableEpoch, req.Header.LeaderEpoch)
	if access != model.SlotAccessAccept {
		return &transport.SyncPublisherResponse{Access: access}
	}

	pub := req.Publisher
	var version int64
	var changed bool
	var err error

	if req.Removed {
		version, changed, err = n.store.Remove(pub.DataInfoID, pub.RegisterID)
	} else {
		entry := &model.PublisherEntry{
			RegisterID:        pub.RegisterID,
			ConnectID:         pub.ConnectID,
			Version:           pub.Version,
			RegisterTimestamp: pub.RegisterTimestamp,
			DataList:          pub.DataList,
		}
		version, changed, err = n.store.Put(pub.DataInfoID, entry)
	}
	if err != nil {
		logger.Warn("publisher sync rejected",
			logger.KeyDataInfoID, pub.DataInfoID.String(),
			logger.KeySlotID, req.SlotID, "error", err)
		return &transport.SyncPublisherResponse{Access: model.SlotAccessMoved}
	}

	if changed {
		n.afterDatumChange(pub.DataInfoID, version)
	}
	return &transport.SyncPublisherResponse{Access: model.SlotAccessAccept, Version: version}
}

// afterDatumChange persists the new state and notifies every live session
// so their push pipelines re-fetch.
func (n *Node) afterDatumChange(dataInfoID model.DataInfoID, version int64) {
	if n.persistence != nil {
		if d := n.store.Get(dataInfoID); d != nil {
			n.persistence.SaveDatum(d)
		} else {
			n.persistence.DeleteDatum(n.dataCenter, dataInfoID)
		}
	}

	if n.sessions == nil || n.sessionView == nil {
		return
	}
	live := n.sessionView.LiveSessions()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		for _, sess := range live {
			if err := n.sessions.NotifyDataChange(ctx, sess, n.dataCenter, dataInfoID, version); err != nil {
				logger.Debug("data change notify failed",
					logger.KeySessionIP, sess,
					logger.KeyDataInfoID, dataInfoID.String(), "error", err)
			}
		}
	}()
}

// HandleSyncLeader implements transport.DataHandler: a follower pulling the
// datum diff for one slot.
func (n *Node) HandleSyncLeader(req *transport.DiffSyncRequest) *transport.DiffSyncResponse {
	access := n.manager.CheckSlotAccess(req.SlotID, req.Header.SlotTableEpoch, req.Header.LeaderEpoch)
	if access != model.SlotAccessAccept {
		return &transport.DiffSyncResponse{Access: access}
	}

	updated, removed, hasMore := slotsync.LeaderDiff(n.store, req.SlotID, req.KnownVersions, req.PageSize)
	return &transport.DiffSyncResponse{
		Access:  model.SlotAccessAccept,
		Updated: updated,
		Removed: removed,
		HasMore: hasMore,
	}
}

// HandleGetData implements transport.DataHandler: the read side of the
// push pipeline.
func (n *Node) HandleGetData(req *transport.GetDataRequest) *transport.GetDataResponse {
	access := n.manager.CheckSlotAccess(req.SlotID, req.Header.SlotTableEpoch, req.Header.LeaderEpoch)
	if access != model.SlotAccessAccept {
		return &transport.GetDataResponse{Access: access}
	}

	d := n.store.Get(req.DataInfoID)
	resp := &transport.GetDataResponse{Access: model.SlotAccessAccept, Datum: d}
	if d != nil {
		resp.Version = d.Version
	}
	return resp
}

var _ transport.DataHandler = (*Node)(nil)
var _ slot.Listener = (*Node)(nil)
