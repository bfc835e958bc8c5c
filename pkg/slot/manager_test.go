package slot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshreg/meshreg/pkg/executor"
	"github.com/meshreg/meshreg/pkg/model"
	slotsync "github.com/meshreg/meshreg/pkg/slot/sync"
	"github.com/meshreg/meshreg/pkg/storage"
	"github.com/meshreg/meshreg/pkg/transport"
)

const localNode = "10.0.0.1"

// fakeClient answers sync RPCs for the syncer.
type fakeClient struct {
	mu sync.Mutex

	syncSessionCalls map[string]int
	syncSessionErr   map[string]error
	sessionDatums    map[string][]*model.Datum

	syncLeaderCalls int
	leaderDatums    []*model.Datum
	leaderRemoved   []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		syncSessionCalls: make(map[string]int),
		syncSessionErr:   make(map[string]error),
		sessionDatums:    make(map[string][]*model.Datum),
	}
}

func (f *fakeClient) SyncPublisher(ctx context.Context, node string, req *transport.SyncPublisherRequest) (*transport.SyncPublisherResponse, error) {
	return &transport.SyncPublisherResponse{Access: model.SlotAccessAccept}, nil
}

func (f *fakeClient) SyncSession(ctx context.Context, sessionIP string, req *transport.DiffSyncRequest) (*transport.DiffSyncResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncSessionCalls[sessionIP]++
	if err := f.syncSessionErr[sessionIP]; err != nil {
		return nil, err
	}
	return &transport.DiffSyncResponse{
		Access:  model.SlotAccessAccept,
		Updated: f.sessionDatums[sessionIP],
	}, nil
}

func (f *fakeClient) SyncLeader(ctx context.Context, node string, req *transport.DiffSyncRequest) (*transport.DiffSyncResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncLeaderCalls++
	return &transport.DiffSyncResponse{
		Access:  model.SlotAccessAccept,
		Updated: f.leaderDatums,
		Removed: f.leaderRemoved,
	}, nil
}

func (f *fakeClient) GetData(ctx context.Context, node string, req *transport.GetDataRequest) (*transport.GetDataResponse, error) {
	return &transport.GetDataResponse{Access: model.SlotAccessAccept}, nil
}

func (f *fakeClient) sessionCalls(ip string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncSessionCalls[ip]
}

func (f *fakeClient) setSessionErr(ip string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncSessionErr[ip] = err
}

// fixedSessions is a static live-session view.
type fixedSessions struct {
	mu  sync.Mutex
	ips []string
}

func (s *fixedSessions) LiveSessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ips...)
}

// storeListener wires the datum store's partition lifecycle, as the data
// node does in production.
type storeListener struct{ store *storage.LocalDatumStore }

func (l storeListener) OnSlotAdd(slotID int)    { l.store.AddSlot(slotID) }
func (l storeListener) OnSlotRemove(slotID int) { l.store.RemoveSlot(slotID) }

type testRig struct {
	manager  *Manager
	store    *storage.LocalDatumStore
	client   *fakeClient
	sessions *fixedSessions
	refresh  chan int64
}

func newTestRig(t *testing.T, sessionIPs ...string) *testRig {
	t.Helper()

	store := storage.NewLocalDatumStore("dc", model.DefaultSlotCount)
	client := newFakeClient()
	syncer := slotsync.NewSyncer(client, store, slotsync.Config{})
	sessions := &fixedSessions{ips: sessionIPs}
	refresh := make(chan int64, 8)

	m := NewManager(localNode, Config{
		LeaderSyncSessionInterval:  30 * time.Millisecond,
		FollowerSyncLeaderInterval: 20 * time.Millisecond,
		SyncTimeout:                time.Second,
		MigrateExecutor:            executor.Config{Workers: 2, QueueSize: 32},
		SyncSessionExecutor:        executor.Config{Workers: 2, QueueSize: 32},
		SyncLeaderExecutor:         executor.Config{Workers: 2, QueueSize: 32},
	}, store, syncer, sessions, func(e int64) { refresh <- e }, nil)
	m.AddListener(storeListener{store})
	t.Cleanup(m.Close)

	return &testRig{manager: m, store: store, client: client, sessions: sessions, refresh: refresh}
}

// tickUntil drives the watchdog from the test goroutine until cond holds.
func (r *testRig) tickUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		r.manager.tick()
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never held: %s", msg)
}

func leaderTable(epoch int64, slotID int, leaderEpoch int64, followers ...string) *model.SlotTable {
	return &model.SlotTable{
		Epoch: epoch,
		Slots: map[int]*model.Slot{
			slotID: {ID: slotID, Leader: localNode, Followers: followers, LeaderEpoch: leaderEpoch},
		},
	}
}

func TestStaleSlotTableIgnored(t *testing.T) {
	r := newTestRig(t)

	require.True(t, r.manager.UpdateSlotTable(leaderTable(10, 1, 1)))
	r.manager.tick()
	require.Equal(t, int64(10), r.manager.CurrentEpoch())

	assert.False(t, r.manager.UpdateSlotTable(leaderTable(8, 1, 1)),
		"lower epoch must be rejected")
	r.manager.tick()
	assert.Equal(t, int64(10), r.manager.CurrentEpoch())

	require.True(t, r.manager.UpdateSlotTable(leaderTable(12, 1, 2)))
	r.manager.tick()
	assert.Equal(t, int64(12), r.manager.CurrentEpoch())
}

func TestPendingTablesConverge(t *testing.T) {
	r := newTestRig(t)

	require.True(t, r.manager.UpdateSlotTable(leaderTable(5, 1, 1)))
	require.True(t, r.manager.UpdateSlotTable(leaderTable(7, 1, 1)))
	require.False(t, r.manager.UpdateSlotTable(leaderTable(6, 1, 1)),
		"epoch below the pending table must be rejected")

	r.manager.tick()
	assert.Equal(t, int64(7), r.manager.CurrentEpoch())
}

func TestMigrationCompletion(t *testing.T) {
	r := newTestRig(t, "s1", "s2")

	require.True(t, r.manager.UpdateSlotTable(leaderTable(1, 17, 1)))
	r.manager.tick()
	require.True(t, r.manager.IsLeader(17))
	require.Equal(t, model.SlotAccessMigrating, r.manager.CheckSlotAccess(17, 1, 1))

	// a datum present before migration finishes gets its version bumped
	dataInfoID := dataInfoIDForSlot(t, 17)
	_, _, err := r.store.Put(dataInfoID, &model.PublisherEntry{RegisterID: "p1", Version: 1})
	require.NoError(t, err)
	before := r.store.Get(dataInfoID).Version

	r.tickUntil(t, func() bool {
		for _, s := range r.manager.Snapshot() {
			if s.SlotID == 17 && s.Migrated {
				return true
			}
		}
		return false
	}, "migration should finish once both sessions answered")

	assert.GreaterOrEqual(t, r.client.sessionCalls("s1"), 1)
	assert.GreaterOrEqual(t, r.client.sessionCalls("s2"), 1)
	assert.Equal(t, model.SlotAccessAccept, r.manager.CheckSlotAccess(17, 1, 1))
	assert.Greater(t, r.store.Get(dataInfoID).Version, before,
		"migration finish must bump datum versions")
}

// dataInfoIDForSlot finds a dataInfoId hashing to the wanted slot.
func dataInfoIDForSlot(t *testing.T, slotID int) model.DataInfoID {
	t.Helper()
	for i := 0; i < 100000; i++ {
		id := model.NewDataInfoID(fmt.Sprintf("svc-%d", i), "g", "i")
		if model.SlotOf(id, model.DefaultSlotCount) == slotID {
			return id
		}
	}
	t.Fatal("no dataInfoId found for slot")
	return model.DataInfoID{}
}

func TestMigrationRetriesFailedSession(t *testing.T) {
	r := newTestRig(t, "s1", "s2")
	r.client.setSessionErr("s2", errors.New("connection refused"))

	require.True(t, r.manager.UpdateSlotTable(leaderTable(1, 17, 1)))

	r.tickUntil(t, func() bool { return r.client.sessionCalls("s2") >= 2 },
		"failed migrating sync should be retried")
	require.Equal(t, model.SlotAccessMigrating, r.manager.CheckSlotAccess(17, 1, 1),
		"migration cannot finish while one session keeps failing")

	r.client.setSessionErr("s2", nil)
	r.tickUntil(t, func() bool {
		return r.manager.CheckSlotAccess(17, 1, 1) == model.SlotAccessAccept
	}, "migration should finish after the session recovers")
}

func TestCheckSlotAccessVerdicts(t *testing.T) {
	r := newTestRig(t, "s1")

	require.True(t, r.manager.UpdateSlotTable(leaderTable(5, 3, 2)))
	r.tickUntil(t, func() bool {
		return r.manager.CheckSlotAccess(3, 5, 2) == model.SlotAccessAccept
	}, "slot should become accessible")

	assert.Equal(t, model.SlotAccessMisMatch, r.manager.CheckSlotAccess(3, 5, 1),
		"wrong leader epoch")
	assert.Equal(t, model.SlotAccessMoved, r.manager.CheckSlotAccess(9, 5, 1),
		"slot not assigned here")

	// a caller with a newer table forces a refresh request
	assert.Equal(t, model.SlotAccessMoved, r.manager.CheckSlotAccess(3, 6, 2))
	select {
	case e := <-r.refresh:
		assert.Equal(t, int64(6), e)
	case <-time.After(time.Second):
		t.Fatal("newer caller epoch should trigger an out-of-band refresh")
	}
}

func TestAcceptNeverRegressesToMigrating(t *testing.T) {
	r := newTestRig(t, "s1")

	require.True(t, r.manager.UpdateSlotTable(leaderTable(5, 3, 2)))
	r.tickUntil(t, func() bool {
		return r.manager.CheckSlotAccess(3, 5, 2) == model.SlotAccessAccept
	}, "slot should become accessible")

	// a newer table with the same leadership must not restart migration
	require.True(t, r.manager.UpdateSlotTable(leaderTable(6, 3, 2)))
	r.manager.tick()
	assert.Equal(t, model.SlotAccessAccept, r.manager.CheckSlotAccess(3, 6, 2))

	// a new leader epoch does restart it, which is a different epoch pair
	require.True(t, r.manager.UpdateSlotTable(leaderTable(7, 3, 3)))
	r.manager.tick()
	assert.Equal(t, model.SlotAccessMigrating, r.manager.CheckSlotAccess(3, 7, 3))
	assert.Equal(t, model.SlotAccessMisMatch, r.manager.CheckSlotAccess(3, 7, 2))
}

func TestLeaderEpochChangeResetsMigration(t *testing.T) {
	r := newTestRig(t, "s1")

	require.True(t, r.manager.UpdateSlotTable(leaderTable(1, 4, 1)))
	r.tickUntil(t, func() bool {
		return r.manager.CheckSlotAccess(4, 1, 1) == model.SlotAccessAccept
	}, "first migration")
	callsBefore := r.client.sessionCalls("s1")

	require.True(t, r.manager.UpdateSlotTable(leaderTable(2, 4, 2)))
	r.tickUntil(t, func() bool {
		return r.manager.CheckSlotAccess(4, 2, 2) == model.SlotAccessAccept
	}, "re-migration after leader epoch change")
	assert.Greater(t, r.client.sessionCalls("s1"), callsBefore,
		"new leader epoch must drive fresh migrating syncs")
}

func TestFollowerSyncsFromLeader(t *testing.T) {
	r := newTestRig(t)

	d := model.NewDatum("dc", model.NewDataInfoID("svc", "g", "i"))
	d.Version = 42
	d.Put(&model.PublisherEntry{RegisterID: "p1", Version: 1})
	r.client.mu.Lock()
	r.client.leaderDatums = []*model.Datum{d}
	r.client.mu.Unlock()

	slotID := model.SlotOf(d.DataInfoID, model.DefaultSlotCount)
	table := &model.SlotTable{
		Epoch: 1,
		Slots: map[int]*model.Slot{
			slotID: {ID: slotID, Leader: "10.0.0.2", Followers: []string{localNode}, LeaderEpoch: 1},
		},
	}
	require.True(t, r.manager.UpdateSlotTable(table))

	r.tickUntil(t, func() bool {
		got := r.store.Get(d.DataInfoID)
		return got != nil && got.Version == 42
	}, "follower should pull the leader's datum")

	require.True(t, r.manager.IsFollower(slotID))
	require.False(t, r.manager.IsLeader(slotID))

	var status SlotStatus
	for _, s := range r.manager.Snapshot() {
		if s.SlotID == slotID {
			status = s
		}
	}
	assert.NotZero(t, status.LastLeaderSync, "successful sync must be recorded")
	assert.Equal(t, model.SlotAccessMoved, r.manager.CheckSlotAccess(slotID, 1, 1),
		"a follower never accepts data writes")
}

func TestSlotRemovalDropsPartition(t *testing.T) {
	r := newTestRig(t, "s1")

	require.True(t, r.manager.UpdateSlotTable(leaderTable(1, 6, 1)))
	r.manager.tick()
	require.True(t, r.store.HasSlot(6))

	empty := &model.SlotTable{Epoch: 2, Slots: map[int]*model.Slot{}}
	require.True(t, r.manager.UpdateSlotTable(empty))
	r.manager.tick()
	assert.False(t, r.store.HasSlot(6))
	assert.Nil(t, r.manager.GetSlot(6))
}
