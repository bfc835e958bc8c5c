package slot

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/meshreg/meshreg/internal/logger"
	"github.com/meshreg/meshreg/pkg/model"
	"github.com/meshreg/meshreg/pkg/transport"
)

// tick is the watchdog body: apply any pending table, then drive every
// local slot one step. It is the only goroutine that touches per-slot task
// maps.
func (m *Manager) tick() {
	if m.closed.Load() {
		return
	}

	if t := m.pending.Swap(nil); t != nil {
		m.applyTable(t)
	}

	m.rw.RLock()
	states := make(map[int]*state, len(m.states))
	for id, st := range m.states {
		states[id] = st
	}
	m.rw.RUnlock()

	leaders, followers := 0, 0
	for id, st := range states {
		if st.slot.Leader == m.localID {
			leaders++
			m.processLeader(id, st)
		} else {
			followers++
			m.processFollower(id, st)
		}
	}
	if m.metrics != nil {
		m.metrics.SetSlotCounts(leaders, followers)
	}
}

// applyTable installs a strictly newer slot table: slot states are created
// for newly assigned slots, reset for changed leadership, and dropped for
// slots that left this node. Listeners fire outside the lock.
func (m *Manager) applyTable(t *model.SlotTable) {
	var added, removed []int

	m.rw.Lock()
	if m.table != nil && t.Epoch <= m.table.Epoch {
		m.rw.Unlock()
		return
	}

	newStates := make(map[int]*state)
	for id, s := range t.Slots {
		isLeader := s.Leader == m.localID
		if !isLeader && !s.HasFollower(m.localID) {
			continue
		}

		prev := m.states[id]
		if prev == nil {
			st := newState(s.Copy(), t.Epoch)
			if isLeader {
				st.beginMigration()
			}
			newStates[id] = st
			added = append(added, id)
			continue
		}

		oldLeader := prev.slot.Leader
		oldLeaderEpoch := prev.slot.LeaderEpoch
		prev.slot = s.Copy()
		prev.slotTableEpoch = t.Epoch
		if isLeader {
			if oldLeader != m.localID || oldLeaderEpoch != s.LeaderEpoch {
				prev.beginMigration()
			}
		} else {
			// demoted or still follower: leader-side state is meaningless
			prev.migrated.Store(false)
			prev.migratingTasks = make(map[string]*task)
			prev.syncSessionTasks = make(map[string]*task)
		}
		newStates[id] = prev
	}

	for id := range m.states {
		if _, ok := newStates[id]; !ok {
			removed = append(removed, id)
		}
	}

	m.table = t
	m.states = newStates
	m.rw.Unlock()

	for _, id := range added {
		for _, l := range m.listeners {
			l.OnSlotAdd(id)
		}
	}
	for _, id := range removed {
		for _, l := range m.listeners {
			l.OnSlotRemove(id)
		}
	}

	logger.Info("slot table applied",
		logger.KeyEpoch, t.Epoch, "added", len(added), "removed", len(removed), "local", len(newStates))
}

func migrateKey(slotID int, sessionIP string) string {
	return fmt.Sprintf("%d_%s", slotID, sessionIP)
}

// sessionSyncKey coalesces steady-state syncs by (slotId mod workers,
// sessionIp) so one slow session delays only its own shard.
func (m *Manager) sessionSyncKey(slotID int, sessionIP string) string {
	return fmt.Sprintf("%d_%s", slotID%m.sessionExec.Workers(), sessionIP)
}

// processLeader drives one leader slot: migration first, steady per-session
// sync after.
func (m *Manager) processLeader(slotID int, st *state) {
	// A sync-leader task from this node's follower past must finish before
	// any sync-session starts; the version bump on migration finish has to
	// observe a quiescent store.
	if st.syncLeaderTask != nil && !st.syncLeaderTask.finished.Load() {
		return
	}
	st.syncLeaderTask = nil

	leaderEpoch := st.slot.LeaderEpoch
	tableEpoch := st.slotTableEpoch

	if !st.migrated.Load() {
		m.processMigration(slotID, st, leaderEpoch, tableEpoch)
		return
	}

	live := m.sessions.LiveSessions()
	for _, sess := range live {
		t := st.syncSessionTasks[sess]
		if t != nil && !t.finished.Load() {
			continue
		}
		if t != nil && time.Since(t.createdAt) < m.cfg.LeaderSyncSessionInterval {
			continue
		}
		nt := newTask()
		body := m.syncSessionBody(slotID, leaderEpoch, tableEpoch, sess, nt, "session")
		if err := m.sessionExec.Submit(m.sessionSyncKey(slotID, sess), body); err == nil {
			st.syncSessionTasks[sess] = nt
		}
	}
	pruneDead(st.syncSessionTasks, live)
}

func (m *Manager) processMigration(slotID int, st *state, leaderEpoch, tableEpoch int64) {
	live := m.sessions.LiveSessions()

	for _, sess := range live {
		t := st.migratingTasks[sess]
		if t != nil && !t.finished.Load() {
			continue
		}
		if t != nil && t.succeeded() {
			continue
		}
		nt := newTask()
		if t != nil {
			nt.retries = t.retries + 1
			logger.Warn("retrying migrating sync",
				logger.KeySlotID, slotID, logger.KeySessionIP, sess, "retries", nt.retries)
		}
		body := m.syncSessionBody(slotID, leaderEpoch, tableEpoch, sess, nt, "migrate")
		if err := m.migrateExec.Submit(migrateKey(slotID, sess), body); err == nil {
			st.migratingTasks[sess] = nt
		}
	}

	for _, sess := range live {
		t := st.migratingTasks[sess]
		if t == nil || !t.succeeded() {
			return
		}
	}

	// every currently-live session has answered one migrating sync
	st.migrated.Store(true)
	m.store.BumpVersions(slotID)
	st.migratingTasks = make(map[string]*task)
	span := time.Since(st.migratingStart)
	if m.metrics != nil {
		m.metrics.ObserveMigrationDuration(span)
	}
	logger.Info("slot migration finished",
		logger.KeySlotID, slotID, logger.KeyLeaderEpoch, leaderEpoch,
		"sessions", len(live), "span", span)
}

// processFollower drives one follower slot: periodic sync from the leader,
// skipping while a prior run is in flight.
func (m *Manager) processFollower(slotID int, st *state) {
	t := st.syncLeaderTask
	if t != nil && !t.finished.Load() {
		if t.isOverAfter(followerSyncWarnAfter) {
			logger.Warn("follower sync running long",
				logger.KeySlotID, slotID, "leader", st.slot.Leader,
				"elapsed", time.Since(t.createdAt))
		}
		return
	}
	if t != nil && time.Since(t.createdAt) < m.cfg.FollowerSyncLeaderInterval {
		return
	}

	leader := st.slot.Leader
	leaderEpoch := st.slot.LeaderEpoch
	tableEpoch := st.slotTableEpoch
	nt := newTask()
	body := m.syncLeaderBody(slotID, leader, leaderEpoch, tableEpoch, st, nt)
	if err := m.leaderExec.Submit(strconv.Itoa(slotID), body); err == nil {
		st.syncLeaderTask = nt
	}
}

func (m *Manager) syncSessionBody(slotID int, leaderEpoch, tableEpoch int64, sessionIP string, t *task, kind string) func() {
	return func() {
		defer t.finished.Store(true)

		continues := func() bool {
			return !m.closed.Load() && m.isLeaderAtEpoch(slotID, leaderEpoch)
		}
		if !continues() {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SyncTimeout)
		defer cancel()

		start := time.Now()
		header := transport.EpochHeader{SlotTableEpoch: tableEpoch, LeaderEpoch: leaderEpoch}
		err := m.syncer.SyncSession(ctx, slotID, sessionIP, header, continues)
		if err != nil {
			logger.Warn("sync-session failed",
				logger.KeySlotID, slotID, logger.KeySessionIP, sessionIP,
				"kind", kind, "error", err)
			return
		}
		if !continues() {
			return
		}
		t.success.Store(true)
		if m.metrics != nil {
			m.metrics.ObserveSyncDuration(kind, time.Since(start))
		}
	}
}

func (m *Manager) syncLeaderBody(slotID int, leader string, leaderEpoch, tableEpoch int64, st *state, t *task) func() {
	return func() {
		defer t.finished.Store(true)

		continues := func() bool {
			return !m.closed.Load() && m.followsLeader(slotID, leader)
		}
		if !continues() {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SyncTimeout)
		defer cancel()

		start := time.Now()
		header := transport.EpochHeader{SlotTableEpoch: tableEpoch, LeaderEpoch: leaderEpoch}
		err := m.syncer.SyncLeader(ctx, slotID, leader, header, continues)
		if err != nil {
			logger.Warn("sync-leader failed",
				logger.KeySlotID, slotID, "leader", leader, "error", err)
			return
		}
		if !continues() {
			return
		}
		t.success.Store(true)
		st.lastLeaderSync.Store(time.Now().UnixMilli())
		if m.metrics != nil {
			m.metrics.ObserveSyncDuration("leader", time.Since(start))
		}
	}
}

func pruneDead(tasks map[string]*task, live []string) {
	alive := make(map[string]struct{}, len(live))
	for _, s := range live {
		alive[s] = struct{}{}
	}
	for sess, t := range tasks {
		if _, ok := alive[sess]; !ok && t.finished.Load() {
			delete(tasks, sess)
		}
	}
}
