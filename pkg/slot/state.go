package slot

import (
	"sync/atomic"
	"time"

	"github.com/meshreg/meshreg/pkg/model"
)

// task tracks one scheduled sync run. The watchdog creates tasks and reads
// their outcome; the executor goroutine running the body flips the atomics.
type task struct {
	createdAt time.Time
	finished  atomic.Bool
	success   atomic.Bool

	// retries counts re-schedules of a failed migrating sync. Watchdog-only.
	retries int
}

func newTask() *task {
	return &task{createdAt: time.Now()}
}

// isOverAfter reports whether the task has been running longer than d
// without finishing.
func (t *task) isOverAfter(d time.Duration) bool {
	return !t.finished.Load() && time.Since(t.createdAt) > d
}

func (t *task) succeeded() bool {
	return t.finished.Load() && t.success.Load()
}

func (t *task) failed() bool {
	return t.finished.Load() && !t.success.Load()
}

// state is the per-slot local worker state. The slot pointer and
// slotTableEpoch are replaced only under the manager's write lock; migrated
// and lastLeaderSync are atomics read by RPC handlers; everything else is
// touched only from the watchdog goroutine.
type state struct {
	slot           *model.Slot
	slotTableEpoch int64

	migrated       atomic.Bool
	migratingStart time.Time

	// migratingTasks: sessionIP → in-flight or finished migrating sync.
	migratingTasks map[string]*task
	// syncSessionTasks: sessionIP → last steady-state sync.
	syncSessionTasks map[string]*task
	// syncLeaderTask is the follower's in-flight or last sync from leader.
	syncLeaderTask *task

	// lastLeaderSync is the unix-milli time of the last successful
	// sync-from-leader.
	lastLeaderSync atomic.Int64
}

func newState(s *model.Slot, tableEpoch int64) *state {
	return &state{
		slot:             s,
		slotTableEpoch:   tableEpoch,
		migratingTasks:   make(map[string]*task),
		syncSessionTasks: make(map[string]*task),
	}
}

// beginMigration resets the state for a fresh leader generation.
func (st *state) beginMigration() {
	st.migrated.Store(false)
	st.migratingStart = time.Now()
	st.migratingTasks = make(map[string]*task)
	st.syncSessionTasks = make(map[string]*task)
}

// SlotStatus is the externally visible snapshot of one slot's local state,
// served by the admin API.
type SlotStatus struct {
	SlotID         int      `json:"slotId"`
	Leader         string   `json:"leader"`
	Followers      []string `json:"followers"`
	LeaderEpoch    int64    `json:"leaderEpoch"`
	SlotTableEpoch int64    `json:"slotTableEpoch"`
	IsLeader       bool     `json:"isLeader"`
	Migrated       bool     `json:"migrated"`
	LastLeaderSync int64    `json:"lastLeaderSyncMillis,omitempty"`
}
