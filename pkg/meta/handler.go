// Package meta receives the meta tier's heartbeat-delivered slot tables,
// guards the epoch, fans accepted tables out to the local listeners, and
// optionally records each accepted table on disk for post-mortem.
package meta

import (
	"sync"

	"github.com/meshreg/meshreg/internal/logger"
	"github.com/meshreg/meshreg/pkg/model"
)

// TableListener consumes accepted slot tables. Both the data-tier slot
// manager and the session routing view implement it; each filters to the
// slots it cares about after the epoch check here.
type TableListener interface {
	UpdateSlotTable(t *model.SlotTable) bool
}

// Handler is the heartbeat intake.
type Handler struct {
	mu        sync.Mutex
	epoch     int64
	listeners []TableListener
	recorder  *DiskSlotTableRecorder
}

// NewHandler builds a handler; recorder may be nil.
func NewHandler(recorder *DiskSlotTableRecorder) *Handler {
	return &Handler{recorder: recorder}
}

// AddListener registers a listener. Must be called before heartbeats flow.
func (h *Handler) AddListener(l TableListener) {
	h.listeners = append(h.listeners, l)
}

// CurrentEpoch returns the highest epoch ever accepted.
func (h *Handler) CurrentEpoch() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.epoch
}

// OnHeartbeat offers a slot table. Tables with an epoch not strictly above
// the highest seen are rejected. Returns whether the table was accepted.
func (h *Handler) OnHeartbeat(t *model.SlotTable) bool {
	if t == nil {
		return false
	}

	h.mu.Lock()
	if t.Epoch <= h.epoch {
		h.mu.Unlock()
		logger.Debug("heartbeat slot table rejected",
			logger.KeyEpoch, t.Epoch, "currentEpoch", h.epoch)
		return false
	}
	h.epoch = t.Epoch
	h.mu.Unlock()

	if h.recorder != nil {
		if err := h.recorder.Record(t); err != nil {
			logger.Warn("slot table record failed", logger.KeyEpoch, t.Epoch, "error", err)
		}
	}
	for _, l := range h.listeners {
		l.UpdateSlotTable(t)
	}
	logger.Info("slot table accepted", logger.KeyEpoch, t.Epoch, "slots", len(t.Slots))
	return true
}
