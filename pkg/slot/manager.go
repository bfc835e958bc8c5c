// Package slot implements the data-node slot manager: the local view of the
// slot table, the per-slot migration and sync state machine, and the access
// checks every incoming data RPC passes through.
package slot

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshreg/meshreg/internal/logger"
	"github.com/meshreg/meshreg/internal/syncutil"
	"github.com/meshreg/meshreg/pkg/executor"
	"github.com/meshreg/meshreg/pkg/model"
	slotsync "github.com/meshreg/meshreg/pkg/slot/sync"
	"github.com/meshreg/meshreg/pkg/storage"
)

// SessionSource reports the currently-live session nodes. Migration
// completion is defined over this set: a slot is migrated once every live
// session has answered one migrating sync.
type SessionSource interface {
	LiveSessions() []string
}

// EpochRefresher is invoked out-of-band when a caller presents a slot-table
// epoch newer than the local one, so the node asks the meta tier for the
// current table instead of waiting for the next heartbeat.
type EpochRefresher func(observedEpoch int64)

// Listener observes slots arriving at and leaving this node; the local
// datum store uses it to allocate and drop partitions.
type Listener interface {
	OnSlotAdd(slotID int)
	OnSlotRemove(slotID int)
}

// Metrics is the slot manager's metrics surface. A nil Metrics disables
// collection with zero overhead.
type Metrics interface {
	ObserveSlotAccess(result string)
	SetSlotCounts(leaders, followers int)
	ObserveSyncDuration(kind string, d time.Duration)
	ObserveMigrationDuration(d time.Duration)
}

// Config holds the slot manager tunables.
type Config struct {
	// SlotCount is the fixed partition count; must match the sessions'.
	SlotCount int

	// LeaderSyncSessionInterval is the steady-state leader→session sync
	// period. Default: 6s
	LeaderSyncSessionInterval time.Duration

	// FollowerSyncLeaderInterval is the follower→leader sync period.
	// Default: 3s
	FollowerSyncLeaderInterval time.Duration

	// WatchdogTick bounds the watchdog's reaction latency. Default: 200ms
	WatchdogTick time.Duration

	// SyncTimeout bounds one sync task run. Default: 30s
	SyncTimeout time.Duration

	// MigrateExecutor, SyncSessionExecutor, and SyncLeaderExecutor size the
	// three keyed pools so one slow peer delays only its own key.
	MigrateExecutor     executor.Config
	SyncSessionExecutor executor.Config
	SyncLeaderExecutor  executor.Config
}

func (c *Config) applyDefaults() {
	if c.SlotCount <= 0 {
		c.SlotCount = model.DefaultSlotCount
	}
	if c.LeaderSyncSessionInterval <= 0 {
		c.LeaderSyncSessionInterval = 6 * time.Second
	}
	if c.FollowerSyncLeaderInterval <= 0 {
		c.FollowerSyncLeaderInterval = 3 * time.Second
	}
	if c.WatchdogTick <= 0 {
		c.WatchdogTick = 200 * time.Millisecond
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = 30 * time.Second
	}
}

// followerSyncWarnAfter is how long a follower sync may run before the
// watchdog logs a warning about it.
const followerSyncWarnAfter = 5 * time.Second

// Manager owns the local slot table and per-slot worker state.
type Manager struct {
	localID string
	cfg     Config

	store    *storage.LocalDatumStore
	syncer   *slotsync.Syncer
	sessions SessionSource
	refresh  EpochRefresher
	metrics  Metrics

	// rw protects the (table, states structure) tuple. Read on every
	// access check; write only when a table epoch advances.
	rw     sync.RWMutex
	table  *model.SlotTable
	states map[int]*state

	pending  atomic.Pointer[model.SlotTable]
	watchdog *syncutil.WakeLoop

	migrateExec *executor.KeyedExecutor
	sessionExec *executor.KeyedExecutor
	leaderExec  *executor.KeyedExecutor

	listeners []Listener
	closed    atomic.Bool
}

// NewManager wires a slot manager. refresh and metrics may be nil.
func NewManager(localID string, cfg Config, store *storage.LocalDatumStore, syncer *slotsync.Syncer, sessions SessionSource, refresh EpochRefresher, m Metrics) *Manager {
	cfg.applyDefaults()

	mgr := &Manager{
		localID:     localID,
		cfg:         cfg,
		store:       store,
		syncer:      syncer,
		sessions:    sessions,
		refresh:     refresh,
		metrics:     m,
		states:      make(map[int]*state),
		migrateExec: executor.NewKeyedExecutor("migrate-session", cfg.MigrateExecutor),
		sessionExec: executor.NewKeyedExecutor("sync-session", cfg.SyncSessionExecutor),
		leaderExec:  executor.NewKeyedExecutor("sync-leader", cfg.SyncLeaderExecutor),
	}
	mgr.watchdog = syncutil.NewWakeLoop(cfg.WatchdogTick, mgr.tick)
	return mgr
}

// AddListener registers a slot lifecycle listener. Must be called before
// Start.
func (m *Manager) AddListener(l Listener) {
	m.listeners = append(m.listeners, l)
}

// Start launches the watchdog.
func (m *Manager) Start() {
	m.watchdog.Start()
}

// Close stops the watchdog and the executors. In-flight sync tasks observe
// the closed flag through their continues predicates and abort.
func (m *Manager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	m.watchdog.Close()
	m.migrateExec.Close()
	m.sessionExec.Close()
	m.leaderExec.Close()
}

// SlotOf maps a dataInfoId to its slot.
func (m *Manager) SlotOf(dataInfoID model.DataInfoID) int {
	return model.SlotOf(dataInfoID, m.cfg.SlotCount)
}

// CurrentEpoch returns the epoch of the applied slot table, zero before the
// first table arrives.
func (m *Manager) CurrentEpoch() int64 {
	m.rw.RLock()
	defer m.rw.RUnlock()
	if m.table == nil {
		return 0
	}
	return m.table.Epoch
}

// GetSlot returns a copy of the local slot, nil when the slot is not
// assigned here.
func (m *Manager) GetSlot(slotID int) *model.Slot {
	m.rw.RLock()
	defer m.rw.RUnlock()
	if st, ok := m.states[slotID]; ok {
		return st.slot.Copy()
	}
	return nil
}

// IsLeader reports whether this node currently leads the slot.
func (m *Manager) IsLeader(slotID int) bool {
	m.rw.RLock()
	defer m.rw.RUnlock()
	st, ok := m.states[slotID]
	return ok && st.slot.Leader == m.localID
}

// IsFollower reports whether this node currently follows the slot.
func (m *Manager) IsFollower(slotID int) bool {
	m.rw.RLock()
	defer m.rw.RUnlock()
	st, ok := m.states[slotID]
	return ok && st.slot.Leader != m.localID && st.slot.HasFollower(m.localID)
}

// isLeaderAtEpoch is the continues predicate of leader-side sync tasks.
func (m *Manager) isLeaderAtEpoch(slotID int, leaderEpoch int64) bool {
	m.rw.RLock()
	defer m.rw.RUnlock()
	st, ok := m.states[slotID]
	return ok && st.slot.Leader == m.localID && st.slot.LeaderEpoch == leaderEpoch
}

// followsLeader is the continues predicate of follower sync tasks.
func (m *Manager) followsLeader(slotID int, leader string) bool {
	m.rw.RLock()
	defer m.rw.RUnlock()
	st, ok := m.states[slotID]
	return ok && st.slot.Leader == leader && st.slot.Leader != m.localID && st.slot.HasFollower(m.localID)
}

// CheckSlotAccess is called on every incoming data RPC. Accept requires the
// local table to be at least as new as the caller's, current leadership,
// finished migration, and a matching leader epoch. A caller presenting a
// newer table epoch additionally triggers an out-of-band refresh.
func (m *Manager) CheckSlotAccess(slotID int, srcSlotEpoch, srcLeaderEpoch int64) model.SlotAccess {
	access := m.checkSlotAccess(slotID, srcSlotEpoch, srcLeaderEpoch)
	if m.metrics != nil {
		m.metrics.ObserveSlotAccess(access.String())
	}
	return access
}

func (m *Manager) checkSlotAccess(slotID int, srcSlotEpoch, srcLeaderEpoch int64) model.SlotAccess {
	m.rw.RLock()
	var curEpoch int64
	if m.table != nil {
		curEpoch = m.table.Epoch
	}
	st := m.states[slotID]
	var leader string
	var leaderEpoch int64
	var migrated bool
	if st != nil {
		leader = st.slot.Leader
		leaderEpoch = st.slot.LeaderEpoch
		migrated = st.migrated.Load()
	}
	m.rw.RUnlock()

	if srcSlotEpoch > curEpoch {
		m.triggerRefresh(srcSlotEpoch)
		return model.SlotAccessMoved
	}
	if st == nil || leader != m.localID {
		return model.SlotAccessMoved
	}
	if leaderEpoch != srcLeaderEpoch {
		return model.SlotAccessMisMatch
	}
	if !migrated {
		return model.SlotAccessMigrating
	}
	return model.SlotAccessAccept
}

func (m *Manager) triggerRefresh(observedEpoch int64) {
	if m.refresh == nil {
		return
	}
	go m.refresh(observedEpoch)
}

// UpdateSlotTable accepts a new slot table if its epoch is strictly newer
// than both the applied table and any pending one, stores it for the
// watchdog, and wakes it. Returns whether the table was accepted.
func (m *Manager) UpdateSlotTable(t *model.SlotTable) bool {
	if t == nil {
		return false
	}
	for {
		cur := m.CurrentEpoch()
		p := m.pending.Load()
		base := cur
		if p != nil && p.Epoch > base {
			base = p.Epoch
		}
		if t.Epoch <= base {
			logger.Debug("stale slot table ignored",
				logger.KeyEpoch, t.Epoch, "currentEpoch", base)
			return false
		}
		if m.pending.CompareAndSwap(p, t.Copy()) {
			m.watchdog.Wake()
			return true
		}
	}
}

// Snapshot returns the externally visible state of every local slot.
func (m *Manager) Snapshot() []SlotStatus {
	m.rw.RLock()
	defer m.rw.RUnlock()

	out := make([]SlotStatus, 0, len(m.states))
	for id, st := range m.states {
		out = append(out, SlotStatus{
			SlotID:         id,
			Leader:         st.slot.Leader,
			Followers:      append([]string(nil), st.slot.Followers...),
			LeaderEpoch:    st.slot.LeaderEpoch,
			SlotTableEpoch: st.slotTableEpoch,
			IsLeader:       st.slot.Leader == m.localID,
			Migrated:       st.migrated.Load(),
			LastLeaderSync: st.lastLeaderSync.Load(),
		})
	}
	return out
}
