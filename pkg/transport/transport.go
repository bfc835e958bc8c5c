// Package transport defines the RPC shapes exchanged between the session
// and data tiers, and the client/handler interfaces the core is written
// against. The wire-level codec and connection handling live outside the
// core; Loopback provides an in-process implementation for single-process
// deployments and tests.
package transport

import (
	"context"

	"github.com/meshreg/meshreg/pkg/model"
)

// EpochHeader rides on every data-tier RPC so the receiver can run its slot
// access check before touching state.
type EpochHeader struct {
	SlotTableEpoch int64
	LeaderEpoch    int64
}

// SyncPublisherRequest carries one publisher mutation from a session to the
// leader of the owning slot.
type SyncPublisherRequest struct {
	Header     EpochHeader
	SessionIP  string
	DataCenter string
	SlotID     int

	// Publisher is the record being installed. On removal only the identity
	// fields are meaningful.
	Publisher *model.Publisher

	// Removed marks an unpublish: the entry for Publisher.RegisterID is
	// dropped instead of merged.
	Removed bool
}

// SyncPublisherResponse acknowledges a publisher mutation.
type SyncPublisherResponse struct {
	Access  model.SlotAccess
	Version int64
}

// DiffSyncRequest asks a peer for the difference between the caller's known
// datum versions and the peer's state for one slot. Used both by a leader
// pulling publishers from a session (sync-session) and by a follower tailing
// its leader (sync-leader).
type DiffSyncRequest struct {
	Header    EpochHeader
	SlotID    int
	SessionIP string

	// KnownVersions maps rendered dataInfoId → the version the caller
	// holds. Absent keys mean the caller has nothing for that dataInfoId.
	KnownVersions map[string]int64

	// PageSize bounds the number of datums returned per call. Zero means
	// the peer's default.
	PageSize int
}

// DiffSyncResponse returns one page of the diff.
type DiffSyncResponse struct {
	Access model.SlotAccess

	// Updated holds datums the caller is missing or holds stale.
	Updated []*model.Datum

	// Removed lists rendered dataInfoIds the caller holds but the peer no
	// longer does.
	Removed []string

	// HasMore signals that another page remains; the caller re-requests
	// with refreshed known versions.
	HasMore bool
}

// GetDataRequest fetches the current datum for a dataInfoId from the slot
// leader, the read side of the push pipeline.
type GetDataRequest struct {
	Header     EpochHeader
	SlotID     int
	DataCenter string
	DataInfoID model.DataInfoID
}

// GetDataResponse returns the datum, nil when no publishers exist. Version
// is carried separately so an empty read still reports how current it is.
type GetDataResponse struct {
	Access  model.SlotAccess
	Version int64
	Datum   *model.Datum
}

// PushObject is the assembled payload delivered to one client address for a
// set of its subscribers.
type PushObject struct {
	DataCenter string
	DataInfoID model.DataInfoID

	// Version is the datum version this push reflects.
	Version int64

	// Entries maps registerId → payload entries, merged across the datums
	// that produced this push.
	Entries map[string][][]byte

	// SubscriberRegisterIDs names the subscribers this push serves.
	SubscriberRegisterIDs []string
}

// Callback receives the outcome of an asynchronous push. Exactly one of the
// two methods is invoked, never on the caller's goroutine.
type Callback interface {
	OnSuccess()
	OnError(err error)
}

// DataClient is the session/follower side of the data-tier RPCs.
type DataClient interface {
	// SyncPublisher sends one publisher mutation to the data node
	// addressed by node.
	SyncPublisher(ctx context.Context, node string, req *SyncPublisherRequest) (*SyncPublisherResponse, error)

	// SyncSession pulls a publisher diff from the session addressed by
	// sessionIP (leader migration and steady-state sync).
	SyncSession(ctx context.Context, sessionIP string, req *DiffSyncRequest) (*DiffSyncResponse, error)

	// SyncLeader pulls a datum diff from the slot leader addressed by node
	// (follower tailing).
	SyncLeader(ctx context.Context, node string, req *DiffSyncRequest) (*DiffSyncResponse, error)

	// GetData reads the current datum from the data node addressed by node.
	GetData(ctx context.Context, node string, req *GetDataRequest) (*GetDataResponse, error)
}

// SessionClient is the data-node side of the notify channel back to
// sessions.
type SessionClient interface {
	// NotifyDataChange tells a session that the datum for dataInfoId moved
	// to version; the session re-fetches and pushes.
	NotifyDataChange(ctx context.Context, sessionIP string, dataCenter string, dataInfoID model.DataInfoID, version int64) error
}

// PushClient delivers push objects to clients.
type PushClient interface {
	Push(obj *PushObject, addr string, cb Callback)
}

// DataHandler is the data-node side of the data-tier RPCs.
type DataHandler interface {
	HandleSyncPublisher(req *SyncPublisherRequest) *SyncPublisherResponse
	HandleSyncLeader(req *DiffSyncRequest) *DiffSyncResponse
	HandleGetData(req *GetDataRequest) *GetDataResponse
}

// SessionHandler is the session-node side of sync-session and data-change
// notifications.
type SessionHandler interface {
	HandleSyncSession(req *DiffSyncRequest) *DiffSyncResponse
	HandleDataChange(dataCenter string, dataInfoID model.DataInfoID, version int64)
}

// PushReceiver is the client side of a push; the transport invokes it on
// delivery.
type PushReceiver interface {
	HandlePush(obj *PushObject) error
}
