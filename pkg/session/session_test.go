package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshreg/meshreg/pkg/data"
	"github.com/meshreg/meshreg/pkg/executor"
	"github.com/meshreg/meshreg/pkg/meta"
	"github.com/meshreg/meshreg/pkg/model"
	"github.com/meshreg/meshreg/pkg/session/push"
	"github.com/meshreg/meshreg/pkg/slot"
	slotsync "github.com/meshreg/meshreg/pkg/slot/sync"
	"github.com/meshreg/meshreg/pkg/storage"
	"github.com/meshreg/meshreg/pkg/transport"
)

const (
	dataNodeID = "10.0.0.2"
	sessionIP  = "10.0.0.1"
	clientAddr = "1.1.1.1:100"
)

// recordingReceiver collects pushes delivered to a client address.
type recordingReceiver struct {
	mu     sync.Mutex
	pushes []*transport.PushObject
}

func (r *recordingReceiver) HandlePush(obj *transport.PushObject) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = append(r.pushes, obj)
	return nil
}

func (r *recordingReceiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pushes)
}

func (r *recordingReceiver) last() *transport.PushObject {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pushes) == 0 {
		return nil
	}
	return r.pushes[len(r.pushes)-1]
}

type loopbackSessions struct{ fabric *transport.Loopback }

func (s loopbackSessions) LiveSessions() []string { return s.fabric.SessionIPs() }

type tableListenerFunc func(t *model.SlotTable) bool

func (f tableListenerFunc) UpdateSlotTable(t *model.SlotTable) bool { return f(t) }

// cluster is a single-process session+data deployment over loopback.
type cluster struct {
	fabric   *transport.Loopback
	session  *Manager
	dataMgr  *slot.Manager
	receiver *recordingReceiver
}

func newCluster(t *testing.T) *cluster {
	t.Helper()

	fabric := transport.NewLoopback()

	store := storage.NewLocalDatumStore("dc", model.DefaultSlotCount)
	syncer := slotsync.NewSyncer(fabric, store, slotsync.Config{})
	dataMgr := slot.NewManager(dataNodeID, slot.Config{
		LeaderSyncSessionInterval:  50 * time.Millisecond,
		FollowerSyncLeaderInterval: 50 * time.Millisecond,
		WatchdogTick:               10 * time.Millisecond,
		SyncTimeout:                time.Second,
		MigrateExecutor:            executor.Config{Workers: 2, QueueSize: 64},
		SyncSessionExecutor:        executor.Config{Workers: 2, QueueSize: 64},
		SyncLeaderExecutor:         executor.Config{Workers: 2, QueueSize: 64},
	}, store, syncer, loopbackSessions{fabric}, nil, nil)
	node := data.NewNode(dataNodeID, "dc", store, dataMgr, fabric, loopbackSessions{fabric}, data.Options{})

	processor := push.NewProcessor(push.Config{
		Expire:       20 * time.Millisecond,
		WatchdogTick: 10 * time.Millisecond,
		Executor:     executor.Config{Workers: 2, QueueSize: 64},
	}, fabric, nil)
	sess := NewManager(Config{IP: sessionIP, DataCenter: "dc"}, processor, fabric, fabric)

	metaHandler := meta.NewHandler(nil)
	metaHandler.AddListener(dataMgr)
	metaHandler.AddListener(tableListenerFunc(sess.UpdateSlotTable))

	fabric.RegisterDataNode(dataNodeID, node)
	fabric.RegisterSession(sessionIP, sess)

	receiver := &recordingReceiver{}
	fabric.RegisterReceiver(clientAddr, receiver)

	dataMgr.Start()
	processor.Start()
	t.Cleanup(func() {
		processor.Close()
		dataMgr.Close()
	})

	// one table: every slot led by the single data node
	slots := make(map[int]*model.Slot, model.DefaultSlotCount)
	for i := 0; i < model.DefaultSlotCount; i++ {
		slots[i] = &model.Slot{ID: i, Leader: dataNodeID, LeaderEpoch: 1}
	}
	require.True(t, metaHandler.OnHeartbeat(&model.SlotTable{Epoch: 1, Slots: slots}))

	return &cluster{fabric: fabric, session: sess, dataMgr: dataMgr, receiver: receiver}
}

func (c *cluster) waitMigrated(t *testing.T, slotID int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.dataMgr.CheckSlotAccess(slotID, 1, 1) == model.SlotAccessAccept
	}, 5*time.Second, 10*time.Millisecond, "slot %d never migrated", slotID)
}

func testPublisher(registerID string, dataInfoID model.DataInfoID, version int64) *model.Publisher {
	return &model.Publisher{
		Registration: model.Registration{
			RegisterID:        registerID,
			DataInfoID:        dataInfoID,
			ConnectID:         model.NewConnectID(clientAddr, sessionIP),
			Version:           version,
			RegisterTimestamp: model.NowMillis(),
		},
		DataList: [][]byte{[]byte("payload")},
	}
}

func TestPublishSubscribePushFlow(t *testing.T) {
	c := newCluster(t)

	dataInfoID := model.NewDataInfoID("com.example.service", "g", "i")
	slotID := model.SlotOf(dataInfoID, model.DefaultSlotCount)
	c.waitMigrated(t, slotID)

	sub := model.NewSubscriber(model.Registration{
		RegisterID:        "S1",
		DataInfoID:        dataInfoID,
		ConnectID:         model.NewConnectID(clientAddr, sessionIP),
		RegisterTimestamp: model.NowMillis(),
	}, model.ScopeDataCenter, "")
	c.session.RegisterSubscriber(sub)

	// the initial fetch-and-push delivers the (empty) current state
	require.Eventually(t, func() bool { return c.receiver.count() >= 1 },
		3*time.Second, 10*time.Millisecond, "initial push never arrived")

	// publishing drives a data-change notification and a second push
	require.NoError(t, c.session.RegisterPublisher(testPublisher("P1", dataInfoID, 1)))

	require.Eventually(t, func() bool {
		last := c.receiver.last()
		return last != nil && len(last.Entries) == 1
	}, 3*time.Second, 10*time.Millisecond, "push with the published entry never arrived")

	last := c.receiver.last()
	assert.Equal(t, dataInfoID, last.DataInfoID)
	assert.Contains(t, last.Entries, "P1")
	assert.Positive(t, last.Version)

	require.Eventually(t, func() bool { return sub.PushedVersion("dc") > 0 },
		3*time.Second, 10*time.Millisecond, "subscriber never recorded the push")
}

func TestClientOffRemovesPublisherFromDataTier(t *testing.T) {
	c := newCluster(t)

	dataInfoID := model.NewDataInfoID("com.example.offline", "g", "i")
	slotID := model.SlotOf(dataInfoID, model.DefaultSlotCount)
	c.waitMigrated(t, slotID)

	require.NoError(t, c.session.RegisterPublisher(testPublisher("P1", dataInfoID, 1)))
	require.Eventually(t, func() bool {
		d := c.dataMgr.GetSlot(slotID)
		return d != nil && c.sessionDatum(dataInfoID) != nil
	}, 3*time.Second, 10*time.Millisecond, "publisher never reached the data tier")

	c.session.ClientOff(model.NewConnectID(clientAddr, sessionIP))

	assert.Empty(t, c.session.DataStore().QueryByConnectID(model.NewConnectID(clientAddr, sessionIP)))
	require.Eventually(t, func() bool { return c.sessionDatum(dataInfoID) == nil },
		3*time.Second, 10*time.Millisecond, "datum should empty out after client off")
}

// sessionDatum reads the datum through the data node's public read path.
func (c *cluster) sessionDatum(dataInfoID model.DataInfoID) *model.Datum {
	resp, err := c.fabric.GetData(context.Background(), dataNodeID, &transport.GetDataRequest{
		Header:     transport.EpochHeader{SlotTableEpoch: 1, LeaderEpoch: 1},
		SlotID:     model.SlotOf(dataInfoID, model.DefaultSlotCount),
		DataCenter: "dc",
		DataInfoID: dataInfoID,
	})
	if err != nil || resp.Access != model.SlotAccessAccept {
		return nil
	}
	return resp.Datum
}

func TestHandleSyncSessionScopesToSlot(t *testing.T) {
	c := newCluster(t)

	first := model.NewDataInfoID("com.example.one", "g", "i")
	firstSlot := model.SlotOf(first, model.DefaultSlotCount)
	c.waitMigrated(t, firstSlot)

	require.NoError(t, c.session.RegisterPublisher(testPublisher("P1", first, 1)))

	resp := c.session.HandleSyncSession(&transport.DiffSyncRequest{SlotID: firstSlot})
	require.Len(t, resp.Updated, 1)
	assert.Equal(t, first, resp.Updated[0].DataInfoID)

	// a slot this session has no publishers for yields removals for the
	// caller's known keys
	otherSlot := (firstSlot + 1) % model.DefaultSlotCount
	resp = c.session.HandleSyncSession(&transport.DiffSyncRequest{
		SlotID:        otherSlot,
		KnownVersions: map[string]int64{"ghost": 5},
	})
	assert.Empty(t, resp.Updated)
	assert.Equal(t, []string{"ghost"}, resp.Removed)
}

func TestWatcherGetsOneShotPush(t *testing.T) {
	c := newCluster(t)

	dataInfoID := model.NewDataInfoID("com.example.watched", "g", "i")
	c.waitMigrated(t, model.SlotOf(dataInfoID, model.DefaultSlotCount))

	require.NoError(t, c.session.RegisterPublisher(testPublisher("P1", dataInfoID, 1)))

	w := &model.Watcher{Registration: model.Registration{
		RegisterID:        "W1",
		DataInfoID:        dataInfoID,
		ConnectID:         model.NewConnectID(clientAddr, sessionIP),
		RegisterTimestamp: model.NowMillis(),
	}}
	c.session.RegisterWatcher(w)

	require.Eventually(t, func() bool {
		last := c.receiver.last()
		return last != nil && len(last.SubscriberRegisterIDs) == 1 &&
			last.SubscriberRegisterIDs[0] == "W1"
	}, 3*time.Second, 10*time.Millisecond, "watcher push never arrived")
}
