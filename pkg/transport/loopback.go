package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/meshreg/meshreg/internal/logger"
	"github.com/meshreg/meshreg/pkg/model"
)

// Loopback wires sessions, data nodes, and clients living in one process.
// Calls are delivered synchronously to the handler but push callbacks run on
// their own goroutine, preserving the async contract of the real transport.
type Loopback struct {
	mu        sync.RWMutex
	dataNodes map[string]DataHandler
	sessions  map[string]SessionHandler
	receivers map[string]PushReceiver
}

// NewLoopback builds an empty loopback fabric.
func NewLoopback() *Loopback {
	return &Loopback{
		dataNodes: make(map[string]DataHandler),
		sessions:  make(map[string]SessionHandler),
		receivers: make(map[string]PushReceiver),
	}
}

// RegisterDataNode attaches a data node handler under its node id.
func (l *Loopback) RegisterDataNode(node string, h DataHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dataNodes[node] = h
}

// RegisterSession attaches a session handler under its ip.
func (l *Loopback) RegisterSession(sessionIP string, h SessionHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions[sessionIP] = h
}

// RegisterReceiver attaches a push receiver under a client address.
func (l *Loopback) RegisterReceiver(addr string, r PushReceiver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.receivers[addr] = r
}

// UnregisterReceiver detaches a client address; subsequent pushes to it
// fail.
func (l *Loopback) UnregisterReceiver(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.receivers, addr)
}

// SessionIPs returns the registered session addresses. The data tier uses
// this as its live-session view in single-process deployments.
func (l *Loopback) SessionIPs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.sessions))
	for ip := range l.sessions {
		out = append(out, ip)
	}
	return out
}

// SyncPublisher implements DataClient.
func (l *Loopback) SyncPublisher(ctx context.Context, node string, req *SyncPublisherRequest) (*SyncPublisherResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	h := l.dataNodes[node]
	l.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("no data node registered at %q", node)
	}
	return h.HandleSyncPublisher(req), nil
}

// SyncSession implements DataClient.
func (l *Loopback) SyncSession(ctx context.Context, sessionIP string, req *DiffSyncRequest) (*DiffSyncResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	h := l.sessions[sessionIP]
	l.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("no session registered at %q", sessionIP)
	}
	return h.HandleSyncSession(req), nil
}

// SyncLeader implements DataClient.
func (l *Loopback) SyncLeader(ctx context.Context, node string, req *DiffSyncRequest) (*DiffSyncResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	h := l.dataNodes[node]
	l.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("no data node registered at %q", node)
	}
	return h.HandleSyncLeader(req), nil
}

// GetData implements DataClient.
func (l *Loopback) GetData(ctx context.Context, node string, req *GetDataRequest) (*GetDataResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	h := l.dataNodes[node]
	l.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("no data node registered at %q", node)
	}
	return h.HandleGetData(req), nil
}

// NotifyDataChange implements SessionClient. Delivery is asynchronous; the
// data tier never blocks on a session.
func (l *Loopback) NotifyDataChange(ctx context.Context, sessionIP string, dataCenter string, dataInfoID model.DataInfoID, version int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.RLock()
	h := l.sessions[sessionIP]
	l.mu.RUnlock()
	if h == nil {
		return fmt.Errorf("no session registered at %q", sessionIP)
	}
	go h.HandleDataChange(dataCenter, dataInfoID, version)
	return nil
}

// Push implements PushClient. Delivery and the callback happen on a fresh
// goroutine; the caller never blocks on the client.
func (l *Loopback) Push(obj *PushObject, addr string, cb Callback) {
	requestID := uuid.NewString()
	go func() {
		l.mu.RLock()
		r := l.receivers[addr]
		l.mu.RUnlock()
		if r == nil {
			cb.OnError(fmt.Errorf("no push receiver at %q", addr))
			return
		}
		if err := r.HandlePush(obj); err != nil {
			logger.Debug("push rejected by client",
				logger.KeyAddr, addr, "requestId", requestID, "error", err)
			cb.OnError(err)
			return
		}
		cb.OnSuccess()
	}()
}
