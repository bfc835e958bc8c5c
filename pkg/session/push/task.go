package push

import (
	"sort"
	"strings"
	"time"

	"github.com/meshreg/meshreg/pkg/model"
)

// TaskKey is the merge point for deduplication: pushes for the same
// (dataCenter, client address, subscriber set) collapse onto one pending
// slot.
type TaskKey struct {
	dataCenter    string
	addr          string
	subscriberIDs string
}

// Task is one scheduled push to a client address. Tasks are value-owned by
// the processor: after FirePush the caller must not touch the task again.
type Task struct {
	key        TaskKey
	dataCenter string
	addr       string

	subscribers []*model.Subscriber

	// datum is the fetched state this push delivers; nil means an empty
	// push (all publishers gone).
	datum *model.Datum

	// pushVersion is the datum version reported by the data tier.
	pushVersion int64

	// fetchSeqStart and fetchSeqEnd span the session-local fetch cursor of
	// the reads that produced this push.
	fetchSeqStart int64
	fetchSeqEnd   int64

	// expireAt is when the watchdog commits the task regardless of
	// batching. Inherited across replacements so a stream of supersessions
	// cannot defer delivery forever.
	expireAt time.Time

	// noDelay makes the watchdog pick the task up on its next tick.
	noDelay bool

	retryCount int
	createdAt  time.Time
}

// NewTask builds a push task. pushVersion is passed separately from datum so
// an empty push (datum == nil) still carries the version that emptied it.
func NewTask(dataCenter, addr string, subscribers []*model.Subscriber, datum *model.Datum, pushVersion, fetchSeqStart, fetchSeqEnd int64, noDelay bool) *Task {
	ids := make([]string, 0, len(subscribers))
	for _, s := range subscribers {
		ids = append(ids, s.RegisterID)
	}
	sort.Strings(ids)

	return &Task{
		key: TaskKey{
			dataCenter:    dataCenter,
			addr:          addr,
			subscriberIDs: strings.Join(ids, ","),
		},
		dataCenter:    dataCenter,
		addr:          addr,
		subscribers:   subscribers,
		datum:         datum,
		pushVersion:   pushVersion,
		fetchSeqStart: fetchSeqStart,
		fetchSeqEnd:   fetchSeqEnd,
		noDelay:       noDelay,
		createdAt:     time.Now(),
	}
}
