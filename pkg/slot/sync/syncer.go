// Package sync implements the slot diff syncer: the paged pull-and-apply
// primitive behind leader→session migration/steady sync and
// follower→leader tailing.
package sync

import (
	"context"
	"fmt"

	"github.com/meshreg/meshreg/internal/logger"
	"github.com/meshreg/meshreg/pkg/model"
	"github.com/meshreg/meshreg/pkg/storage"
	"github.com/meshreg/meshreg/pkg/transport"
)

// Continues is checked between pages and before each peer round-trip; a
// false return aborts the sync cleanly. Pages already applied stay applied
// (datum-atomic); the next run reconciles.
type Continues func() bool

// Config sizes the syncer.
type Config struct {
	// PageSize bounds datums per round-trip. Default: 64
	PageSize int
}

func (c *Config) applyDefaults() {
	if c.PageSize <= 0 {
		c.PageSize = 64
	}
}

// Syncer pulls diffs from peers and applies them to the local datum store.
type Syncer struct {
	client transport.DataClient
	store  *storage.LocalDatumStore
	cfg    Config
}

// NewSyncer builds a syncer over the given client and store.
func NewSyncer(client transport.DataClient, store *storage.LocalDatumStore, cfg Config) *Syncer {
	cfg.applyDefaults()
	return &Syncer{client: client, store: store, cfg: cfg}
}

// maxPages caps a single sync run. A peer that keeps reporting more pages
// than this is reporting garbage; the next scheduled run starts over.
const maxPages = 1024

// SyncSession pulls the publisher state one session holds for a slot and
// reconciles the local datums with it. Entries from other sessions are never
// touched. Used by a slot leader both during migration and in steady state.
func (s *Syncer) SyncSession(ctx context.Context, slotID int, sessionIP string, header transport.EpochHeader, continues Continues) error {
	for page := 0; page < maxPages; page++ {
		if !continues() {
			logger.Debug("sync-session aborted",
				logger.KeySlotID, slotID, logger.KeySessionIP, sessionIP)
			return nil
		}

		req := &transport.DiffSyncRequest{
			Header:        header,
			SlotID:        slotID,
			KnownVersions: s.store.Versions(slotID),
			PageSize:      s.cfg.PageSize,
		}
		resp, err := s.client.SyncSession(ctx, sessionIP, req)
		if err != nil {
			return fmt.Errorf("sync-session slot %d from %s: %w", slotID, sessionIP, err)
		}

		if !continues() {
			return nil
		}
		for _, d := range resp.Updated {
			s.store.ReconcileSession(slotID, d, sessionIP)
		}
		for _, dataInfoID := range resp.Removed {
			s.store.RemoveSessionEntries(slotID, dataInfoID, sessionIP)
		}
		if !resp.HasMore {
			return nil
		}
	}
	return fmt.Errorf("sync-session slot %d from %s: page limit exceeded", slotID, sessionIP)
}

// SyncLeader pulls the datum diff from the slot leader and applies it
// wholesale: a returned datum replaces the local copy if newer, a removed
// key is dropped. Used by followers.
func (s *Syncer) SyncLeader(ctx context.Context, slotID int, leader string, header transport.EpochHeader, continues Continues) error {
	for page := 0; page < maxPages; page++ {
		if !continues() {
			logger.Debug("sync-leader aborted", logger.KeySlotID, slotID, "leader", leader)
			return nil
		}

		req := &transport.DiffSyncRequest{
			Header:        header,
			SlotID:        slotID,
			KnownVersions: s.store.Versions(slotID),
			PageSize:      s.cfg.PageSize,
		}
		resp, err := s.client.SyncLeader(ctx, leader, req)
		if err != nil {
			return fmt.Errorf("sync-leader slot %d from %s: %w", slotID, leader, err)
		}
		if resp.Access != model.SlotAccessAccept {
			return fmt.Errorf("sync-leader slot %d from %s: access %s", slotID, leader, resp.Access)
		}

		if !continues() {
			return nil
		}
		for _, d := range resp.Updated {
			s.store.PutDatum(slotID, d)
		}
		for _, dataInfoID := range resp.Removed {
			s.store.RemoveDatum(slotID, dataInfoID)
		}
		if !resp.HasMore {
			return nil
		}
	}
	return fmt.Errorf("sync-leader slot %d from %s: page limit exceeded", slotID, leader)
}

// LeaderDiff computes one page of the leader-side response to a sync-leader
// request: datums newer than the caller's digest plus keys the caller holds
// that no longer exist.
func LeaderDiff(store *storage.LocalDatumStore, slotID int, known map[string]int64, pageSize int) ([]*model.Datum, []string, bool) {
	local := store.GetBySlot(slotID)

	var updated []*model.Datum
	hasMore := false
	for key, d := range local {
		if v, ok := known[key]; ok && v >= d.Version {
			continue
		}
		if pageSize > 0 && len(updated) >= pageSize {
			hasMore = true
			break
		}
		updated = append(updated, d)
	}

	var removed []string
	for key := range known {
		if _, ok := local[key]; !ok {
			removed = append(removed, key)
		}
	}
	return updated, removed, hasMore
}
