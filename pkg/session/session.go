// Package session assembles a session node: the three registration stores,
// the push processor, routing of publisher writes to slot leaders, and the
// handlers the data tier calls back into.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/meshreg/meshreg/internal/logger"
	"github.com/meshreg/meshreg/pkg/model"
	"github.com/meshreg/meshreg/pkg/session/push"
	"github.com/meshreg/meshreg/pkg/session/store"
	"github.com/meshreg/meshreg/pkg/transport"
)

// Config holds the session node settings.
type Config struct {
	// IP is this session's address as data nodes and clients see it; it is
	// the TargetAddr of every ConnectID registered here.
	IP string

	// DataCenter is the local data center name.
	DataCenter string

	// SlotCount must match the data tier's.
	SlotCount int

	// WriteTimeout bounds one sync-publisher call. Default: 3s
	WriteTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.SlotCount <= 0 {
		c.SlotCount = model.DefaultSlotCount
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 3 * time.Second
	}
}

// Manager is one session-tier server.
type Manager struct {
	cfg Config

	interests *store.Interests
	dataStore *store.DataStore
	watchers  *store.Watchers

	processor  *push.Processor
	dataClient transport.DataClient
	pushClient transport.PushClient

	table atomic.Pointer[model.SlotTable]

	// fetchSeq is the session-local monotonic fetch cursor; every data
	// read takes a start and end sequence from it.
	fetchSeq atomic.Int64
}

// NewManager wires a session node.
func NewManager(cfg Config, processor *push.Processor, dataClient transport.DataClient, pushClient transport.PushClient) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:        cfg,
		interests:  store.NewInterests(),
		dataStore:  store.NewDataStore(),
		watchers:   store.NewWatchers(),
		processor:  processor,
		dataClient: dataClient,
		pushClient: pushClient,
	}
}

// Interests exposes the subscriber store.
func (m *Manager) Interests() *store.Interests { return m.interests }

// DataStore exposes the publisher store.
func (m *Manager) DataStore() *store.DataStore { return m.dataStore }

// Watchers exposes the watcher store.
func (m *Manager) Watchers() *store.Watchers { return m.watchers }

// Processor exposes the push processor.
func (m *Manager) Processor() *push.Processor { return m.processor }

// UpdateSlotTable installs a strictly newer slot table for routing.
func (m *Manager) UpdateSlotTable(t *model.SlotTable) bool {
	for {
		cur := m.table.Load()
		if cur != nil && t.Epoch <= cur.Epoch {
			return false
		}
		if m.table.CompareAndSwap(cur, t.Copy()) {
			return true
		}
	}
}

// routeOf resolves the slot and leader for a dataInfoId from the session's
// table view.
func (m *Manager) routeOf(dataInfoID model.DataInfoID) (leader string, slotID int, header transport.EpochHeader, err error) {
	t := m.table.Load()
	if t == nil {
		return "", 0, header, fmt.Errorf("no slot table yet")
	}
	slotID = model.SlotOf(dataInfoID, m.cfg.SlotCount)
	s, ok := t.Slots[slotID]
	if !ok || s.Leader == "" {
		return "", slotID, header, fmt.Errorf("slot %d has no leader at epoch %d", slotID, t.Epoch)
	}
	header = transport.EpochHeader{SlotTableEpoch: t.Epoch, LeaderEpoch: s.LeaderEpoch}
	return s.Leader, slotID, header, nil
}

// RegisterPublisher installs a publisher and forwards it to the owning slot
// leader. A routing or write failure leaves the local store authoritative;
// the leader's periodic sync-session reconciles.
func (m *Manager) RegisterPublisher(pub *model.Publisher) error {
	if !m.dataStore.Add(pub) {
		return nil
	}
	return m.syncPublisher(pub, false)
}

// UnregisterPublisher removes a publisher and forwards the removal.
func (m *Manager) UnregisterPublisher(registerID string, dataInfoID model.DataInfoID) error {
	pub, ok := m.dataStore.DeleteByID(registerID, dataInfoID)
	if !ok {
		return nil
	}
	return m.syncPublisher(pub, true)
}

func (m *Manager) syncPublisher(pub *model.Publisher, removed bool) error {
	leader, slotID, header, err := m.routeOf(pub.DataInfoID)
	if err != nil {
		logger.Warn("publisher sync deferred, no route",
			logger.KeyDataInfoID, pub.DataInfoID.String(), "error", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.WriteTimeout)
	defer cancel()

	req := &transport.SyncPublisherRequest{
		Header:     header,
		SessionIP:  m.cfg.IP,
		DataCenter: m.cfg.DataCenter,
		SlotID:     slotID,
		Publisher:  pub,
		Removed:    removed,
	}
	resp, err := m.dataClient.SyncPublisher(ctx, leader, req)
	if err != nil {
		logger.Warn("publisher sync failed",
			logger.KeyDataInfoID, pub.DataInfoID.String(), "leader", leader, "error", err)
		return err
	}
	if resp.Access != model.SlotAccessAccept {
		// steady-state sync-session repairs whatever this write missed
		logger.Warn("publisher sync rejected",
			logger.KeyDataInfoID, pub.DataInfoID.String(),
			logger.KeySlotID, slotID, "access", resp.Access.String())
	}
	return nil
}

// RegisterSubscriber installs a subscriber and schedules its initial push.
func (m *Manager) RegisterSubscriber(sub *model.Subscriber) {
	if !m.interests.Add(sub) {
		return
	}
	m.fireFetchAndPush(sub.DataInfoID, []*model.Subscriber{sub}, true)
}

// UnregisterSubscriber removes a subscriber.
func (m *Manager) UnregisterSubscriber(registerID string, dataInfoID model.DataInfoID) {
	m.interests.DeleteByID(registerID, dataInfoID)
}

// RegisterWatcher installs a watcher and performs its one-shot
// fetch-and-push, outside the subscriber pipeline: no retries, no version
// bookkeeping.
func (m *Manager) RegisterWatcher(w *model.Watcher) {
	if !m.watchers.Add(w) {
		return
	}
	go m.pushToWatcher(w)
}

func (m *Manager) pushToWatcher(w *model.Watcher) {
	datum, version, _, _, err := m.fetchDatum(w.DataInfoID)
	if err != nil {
		logger.Warn("watcher fetch failed",
			logger.KeyDataInfoID, w.DataInfoID.String(), "error", err)
		return
	}
	obj := &transport.PushObject{
		DataCenter:            m.cfg.DataCenter,
		DataInfoID:            w.DataInfoID,
		Version:               version,
		Entries:               make(map[string][][]byte),
		SubscriberRegisterIDs: []string{w.RegisterID},
	}
	if datum != nil {
		for id, e := range datum.Publishers {
			obj.Entries[id] = e.DataList
		}
	}
	m.pushClient.Push(obj, w.ConnectID.SourceAddr, watcherCallback{registerID: w.RegisterID})
}

type watcherCallback struct{ registerID string }

func (c watcherCallback) OnSuccess() {}
func (c watcherCallback) OnError(err error) {
	logger.Warn("watcher push failed", logger.KeyRegisterID, c.registerID, "error", err)
}

// ClientOff removes every registration of a dead connection and forwards
// publisher removals to their slot leaders.
func (m *Manager) ClientOff(connID model.ConnectID) {
	pubs := m.dataStore.DeleteByConnectID(connID)
	m.interests.DeleteByConnectID(connID)
	m.watchers.DeleteByConnectID(connID)

	for _, pub := range pubs {
		_ = m.syncPublisher(pub, true)
	}
	logger.Info("client off",
		logger.KeyConnID, connID.String(), "publishers", len(pubs))
}

// fetchDatum reads the current datum from the slot leader, spanning the
// read with a fetch-cursor range.
func (m *Manager) fetchDatum(dataInfoID model.DataInfoID) (*model.Datum, int64, int64, int64, error) {
	leader, slotID, header, err := m.routeOf(dataInfoID)
	if err != nil {
		return nil, 0, 0, 0, err
	}

	seqStart := m.fetchSeq.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.WriteTimeout)
	defer cancel()
	resp, err := m.dataClient.GetData(ctx, leader, &transport.GetDataRequest{
		Header:     header,
		SlotID:     slotID,
		DataCenter: m.cfg.DataCenter,
		DataInfoID: dataInfoID,
	})
	if err != nil {
		return nil, 0, 0, 0, err
	}
	if resp.Access != model.SlotAccessAccept {
		return nil, 0, 0, 0, fmt.Errorf("get data for %s: access %s", dataInfoID.String(), resp.Access)
	}

	seqEnd := m.fetchSeq.Add(1)
	return resp.Datum, resp.Version, seqStart, seqEnd, nil
}

// fireFetchAndPush fetches the datum once and fires one push task per
// client address holding the given subscribers.
func (m *Manager) fireFetchAndPush(dataInfoID model.DataInfoID, subs []*model.Subscriber, noDelay bool) {
	datum, version, seqStart, seqEnd, err := m.fetchDatum(dataInfoID)
	if err != nil {
		logger.Warn("fetch for push failed",
			logger.KeyDataInfoID, dataInfoID.String(), "error", err)
		return
	}
	for addr, group := range push.Subscribers(subs) {
		t := push.NewTask(m.cfg.DataCenter, addr, group, datum, version, seqStart, seqEnd, noDelay)
		m.processor.FirePush(t)
	}
}

// HandleDataChange implements transport.SessionHandler: a datum moved; push
// its new state to every subscriber on the key.
func (m *Manager) HandleDataChange(dataCenter string, dataInfoID model.DataInfoID, version int64) {
	if dataCenter != m.cfg.DataCenter {
		return
	}
	subs := m.interests.GetDatas(dataInfoID)
	if len(subs) == 0 {
		return
	}
	m.fireFetchAndPush(dataInfoID, subs, false)
}

// HandleSyncSession implements transport.SessionHandler: a slot leader
// pulling the publisher state this session holds for one slot. The response
// carries session-scoped partial datums; removals are dataInfoIds the
// caller knows that this session has no publishers for.
func (m *Manager) HandleSyncSession(req *transport.DiffSyncRequest) *transport.DiffSyncResponse {
	resp := &transport.DiffSyncResponse{Access: model.SlotAccessAccept}

	keys := m.dataStore.DataInfoIDs()
	sort.Strings(keys)

	present := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		dataInfoID, err := model.ParseDataInfoID(key)
		if err != nil {
			continue
		}
		if model.SlotOf(dataInfoID, m.cfg.SlotCount) != req.SlotID {
			continue
		}
		present[key] = struct{}{}

		d := model.NewDatum(m.cfg.DataCenter, dataInfoID)
		for _, pub := range m.dataStore.GetDatas(dataInfoID) {
			d.Put(&model.PublisherEntry{
				RegisterID:        pub.RegisterID,
				ConnectID:         pub.ConnectID,
				Version:           pub.Version,
				RegisterTimestamp: pub.RegisterTimestamp,
				DataList:          pub.DataList,
			})
		}
		if !d.IsEmpty() {
			resp.Updated = append(resp.Updated, d)
		}
	}

	for key := range req.KnownVersions {
		if _, ok := present[key]; !ok {
			resp.Removed = append(resp.Removed, key)
		}
	}
	return resp
}

var _ transport.SessionHandler = (*Manager)(nil)
