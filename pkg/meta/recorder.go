package meta

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/natefinch/atomic"

	"github.com/meshreg/meshreg/pkg/model"
)

// DiskSlotTableRecorder writes each accepted slot table to its own file so
// operators can reconstruct what placements a node believed in, and when.
// Files are written atomically and the directory is bounded: the oldest
// files are pruned past MaxFiles.
type DiskSlotTableRecorder struct {
	dir      string
	maxFiles int
}

// recordedSlot is the stored form of one slot assignment.
type recordedSlot struct {
	ID          int      `json:"id"`
	Leader      string   `json:"leader"`
	Followers   []string `json:"followers,omitempty"`
	LeaderEpoch int64    `json:"leaderEpoch"`
}

type recordedTable struct {
	Epoch int64          `json:"epoch"`
	Slots []recordedSlot `json:"slots"`
}

// NewDiskSlotTableRecorder creates the recorder, making dir if needed.
func NewDiskSlotTableRecorder(dir string, maxFiles int) (*DiskSlotTableRecorder, error) {
	if maxFiles <= 0 {
		maxFiles = 30
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create recorder dir: %w", err)
	}
	return &DiskSlotTableRecorder{dir: dir, maxFiles: maxFiles}, nil
}

// Record writes the table as slot_table_<epoch>.json and prunes old files.
func (r *DiskSlotTableRecorder) Record(t *model.SlotTable) error {
	rec := recordedTable{Epoch: t.Epoch, Slots: make([]recordedSlot, 0, len(t.Slots))}
	for id, s := range t.Slots {
		rec.Slots = append(rec.Slots, recordedSlot{
			ID:          id,
			Leader:      s.Leader,
			Followers:   s.Followers,
			LeaderEpoch: s.LeaderEpoch,
		})
	}
	sort.Slice(rec.Slots, func(i, j int) bool { return rec.Slots[i].ID < rec.Slots[j].ID })

	data, err := json.MarshalIndent(&rec, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(r.dir, fmt.Sprintf("slot_table_%d.json", t.Epoch))
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write slot table record: %w", err)
	}
	return r.prune()
}

func (r *DiskSlotTableRecorder) prune() error {
	matches, err := filepath.Glob(filepath.Join(r.dir, "slot_table_*.json"))
	if err != nil {
		return err
	}
	if len(matches) <= r.maxFiles {
		return nil
	}
	sort.Strings(matches)
	// names sort lexically; pad-free epochs can misorder, so sort by mtime
	sort.Slice(matches, func(i, j int) bool {
		fi, err1 := os.Stat(matches[i])
		fj, err2 := os.Stat(matches[j])
		if err1 != nil || err2 != nil {
			return matches[i] < matches[j]
		}
		return fi.ModTime().Before(fj.ModTime())
	})
	for _, path := range matches[:len(matches)-r.maxFiles] {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
