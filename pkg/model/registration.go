package model

import (
	"sync"
	"time"
)

// Registration is the base record a client installs on a session node. The
// identity of a registration is the pair (ConnectID, RegisterID) within a
// DataInfoID; re-registering the same identity replaces the prior record.
type Registration struct {
	// RegisterID is the client-chosen unique token for this registration.
	RegisterID string

	// DataInfoID is the topic key the registration is attached to.
	DataInfoID DataInfoID

	// ConnectID carries the client and session endpoints.
	ConnectID ConnectID

	// Version is a client-side monotonic counter per RegisterID. A
	// re-registration with a smaller version is stale and ignored.
	Version int64

	// RegisterTimestamp is the unix-millisecond time the registration was
	// accepted, used to order re-registrations across reconnects.
	RegisterTimestamp int64

	// ClientVersion is the client SDK version string, informational only.
	ClientVersion string
}

// Reg returns the base registration; registration containers embed
// Registration and inherit this accessor.
func (r *Registration) Reg() *Registration { return r }

// NowMillis returns the current time in unix milliseconds, the resolution
// registration timestamps are kept at.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Publisher is a registration carrying published payload entries. Publishers
// are forwarded to the data tier, where they merge into the Datum for their
// DataInfoID.
type Publisher struct {
	Registration

	// DataList holds the published payload entries, opaque to the registry.
	DataList [][]byte
}

// SubscriberScope bounds the visibility of the data a subscriber receives.
type SubscriberScope int

const (
	ScopeZone SubscriberScope = iota
	ScopeDataCenter
	ScopeGlobal
)

func (s SubscriberScope) String() string {
	switch s {
	case ScopeZone:
		return "zone"
	case ScopeDataCenter:
		return "dataCenter"
	case ScopeGlobal:
		return "global"
	default:
		return "unknown"
	}
}

// pushContext is the per-dataCenter push bookkeeping of a subscriber: the
// last datum version acked by the client and the fetch-cursor range of the
// read that produced it.
type pushContext struct {
	pushedVersion int64
	fetchSeqStart int64
	fetchSeqEnd   int64
}

// Subscriber is a registration that receives pushes. Its push state is
// tracked per dataCenter and is mutated only through CheckAndUpdateVersion
// so that observed push versions are non-decreasing.
type Subscriber struct {
	Registration

	// Scope bounds which publishers this subscriber sees.
	Scope SubscriberScope

	// AssembleType names how the payload entries are assembled for this
	// subscriber, opaque to the core.
	AssembleType string

	mu    sync.Mutex
	ctxes map[string]*pushContext
}

// NewSubscriber builds a subscriber from its base registration.
func NewSubscriber(reg Registration, scope SubscriberScope, assembleType string) *Subscriber {
	return &Subscriber{
		Registration: reg,
		Scope:        scope,
		AssembleType: assembleType,
		ctxes:        make(map[string]*pushContext),
	}
}

// CheckVersion reports whether the subscriber still consents to a push whose
// fetch cursor starts at fetchSeqStart. A subscriber that has already acked
// a read past that cursor refuses; pushing it would reorder its stream.
func (s *Subscriber) CheckVersion(dataCenter string, fetchSeqStart int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, ok := s.ctxes[dataCenter]
	if !ok {
		return true
	}
	return ctx.fetchSeqEnd <= fetchSeqStart
}

// CheckAndUpdateVersion records a successful push. The update is accepted
// only if pushVersion is not below the recorded version and the new fetch
// range starts at or after the recorded range's end (no gap acceptance).
// Returns whether the state changed.
func (s *Subscriber) CheckAndUpdateVersion(dataCenter string, pushVersion, fetchSeqStart, fetchSeqEnd int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, ok := s.ctxes[dataCenter]
	if !ok {
		s.ctxes[dataCenter] = &pushContext{
			pushedVersion: pushVersion,
			fetchSeqStart: fetchSeqStart,
			fetchSeqEnd:   fetchSeqEnd,
		}
		return true
	}
	if pushVersion < ctx.pushedVersion || ctx.fetchSeqEnd > fetchSeqStart {
		return false
	}
	ctx.pushedVersion = pushVersion
	ctx.fetchSeqStart = fetchSeqStart
	ctx.fetchSeqEnd = fetchSeqEnd
	return true
}

// PushedVersion returns the last acked datum version for a dataCenter,
// zero if the subscriber was never pushed.
func (s *Subscriber) PushedVersion(dataCenter string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx, ok := s.ctxes[dataCenter]; ok {
		return ctx.pushedVersion
	}
	return 0
}

// Watcher is a minimal registration that triggers a one-shot fetch-and-push
// when installed.
type Watcher struct {
	Registration
}
