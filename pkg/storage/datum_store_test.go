package storage

import (
	"testing"

	"github.com/meshreg/meshreg/pkg/model"
)

func testDataInfoID(dataID string) model.DataInfoID {
	return model.NewDataInfoID(dataID, "g", "i")
}

func newTestStore(t *testing.T, dataID string) (*LocalDatumStore, model.DataInfoID, int) {
	t.Helper()
	s := NewLocalDatumStore("dc", model.DefaultSlotCount)
	id := testDataInfoID(dataID)
	slotID := model.SlotOf(id, model.DefaultSlotCount)
	s.AddSlot(slotID)
	return s, id, slotID
}

func TestPutBumpsVersionMonotonically(t *testing.T) {
	s, id, _ := newTestStore(t, "svc")

	v1, changed, err := s.Put(id, &model.PublisherEntry{RegisterID: "p1", Version: 1})
	if err != nil || !changed {
		t.Fatalf("first put: changed=%v err=%v", changed, err)
	}
	v2, changed, err := s.Put(id, &model.PublisherEntry{RegisterID: "p1", Version: 2})
	if err != nil || !changed {
		t.Fatalf("second put: changed=%v err=%v", changed, err)
	}
	if v2 <= v1 {
		t.Errorf("version not monotone: %d then %d", v1, v2)
	}

	// stale publisher version is a no-op
	v3, changed, err := s.Put(id, &model.PublisherEntry{RegisterID: "p1", Version: 1})
	if err != nil {
		t.Fatal(err)
	}
	if changed || v3 != v2 {
		t.Errorf("stale put must not change: changed=%v version=%d want %d", changed, v3, v2)
	}
}

func TestPutUnassignedSlot(t *testing.T) {
	s := NewLocalDatumStore("dc", model.DefaultSlotCount)
	_, _, err := s.Put(testDataInfoID("svc"), &model.PublisherEntry{RegisterID: "p1", Version: 1})
	if err != ErrSlotNotAssigned {
		t.Fatalf("err = %v, want ErrSlotNotAssigned", err)
	}
}

func TestRemoveDeletesEmptyDatum(t *testing.T) {
	s, id, slotID := newTestStore(t, "svc")

	s.Put(id, &model.PublisherEntry{RegisterID: "p1", Version: 1})
	_, changed, err := s.Remove(id, "p1")
	if err != nil || !changed {
		t.Fatalf("remove: changed=%v err=%v", changed, err)
	}
	if s.Get(id) != nil {
		t.Error("empty datum must be deleted")
	}
	if got := s.Versions(slotID); len(got) != 0 {
		t.Errorf("versions = %v, want empty", got)
	}

	_, changed, _ = s.Remove(id, "p1")
	if changed {
		t.Error("second remove must be a no-op")
	}
}

func TestPutDatumReplacesOnlyNewer(t *testing.T) {
	s, id, slotID := newTestStore(t, "svc")

	d := model.NewDatum("dc", id)
	d.Version = 100
	d.Put(&model.PublisherEntry{RegisterID: "p1", Version: 1})
	if !s.PutDatum(slotID, d) {
		t.Fatal("install of new datum should succeed")
	}

	stale := model.NewDatum("dc", id)
	stale.Version = 50
	if s.PutDatum(slotID, stale) {
		t.Error("stale datum must not replace")
	}
	if got := s.Get(id); got.Version != 100 {
		t.Errorf("version = %d, want 100", got.Version)
	}

	// the clock observed version 100; local writes move past it
	v, _, err := s.Put(id, &model.PublisherEntry{RegisterID: "p2", Version: 1})
	if err != nil {
		t.Fatal(err)
	}
	if v <= 100 {
		t.Errorf("post-sync version %d must exceed synced 100", v)
	}
}

func TestReconcileSession(t *testing.T) {
	s, id, slotID := newTestStore(t, "svc")

	s.Put(id, &model.PublisherEntry{
		RegisterID: "a", Version: 1,
		ConnectID: model.NewConnectID("1.1.1.1:1", "s1"),
	})
	s.Put(id, &model.PublisherEntry{
		RegisterID: "b", Version: 1,
		ConnectID: model.NewConnectID("1.1.1.1:2", "s2"),
	})

	// s1 now reports a different entry set: "a" gone, "c" new
	partial := model.NewDatum("dc", id)
	partial.Put(&model.PublisherEntry{
		RegisterID: "c", Version: 1,
		ConnectID: model.NewConnectID("1.1.1.1:3", "s1"),
	})

	if !s.ReconcileSession(slotID, partial, "s1") {
		t.Fatal("reconcile should report change")
	}

	got := s.Get(id)
	if _, ok := got.Publishers["a"]; ok {
		t.Error("entry a (from s1) should be gone")
	}
	if _, ok := got.Publishers["b"]; !ok {
		t.Error("entry b (from s2) must be untouched")
	}
	if _, ok := got.Publishers["c"]; !ok {
		t.Error("entry c (from s1) should be installed")
	}
}

func TestRemoveSessionEntries(t *testing.T) {
	s, id, slotID := newTestStore(t, "svc")

	s.Put(id, &model.PublisherEntry{
		RegisterID: "a", Version: 1,
		ConnectID: model.NewConnectID("1.1.1.1:1", "s1"),
	})
	s.Put(id, &model.PublisherEntry{
		RegisterID: "b", Version: 1,
		ConnectID: model.NewConnectID("1.1.1.1:2", "s2"),
	})

	if !s.RemoveSessionEntries(slotID, id.String(), "s1") {
		t.Fatal("removal should report change")
	}
	got := s.Get(id)
	if len(got.Publishers) != 1 {
		t.Fatalf("publishers = %d, want 1", len(got.Publishers))
	}
	if _, ok := got.Publishers["b"]; !ok {
		t.Error("s2's entry must survive")
	}

	if !s.RemoveSessionEntries(slotID, id.String(), "s2") {
		t.Fatal("removal should report change")
	}
	if s.Get(id) != nil {
		t.Error("emptied datum must be deleted")
	}
}

func TestBumpVersions(t *testing.T) {
	s, id, slotID := newTestStore(t, "svc")

	v, _, _ := s.Put(id, &model.PublisherEntry{RegisterID: "p1", Version: 1})
	s.BumpVersions(slotID)
	if got := s.Get(id).Version; got <= v {
		t.Errorf("bumped version %d must exceed %d", got, v)
	}
}

func TestGetBySlotReturnsCopies(t *testing.T) {
	s, id, slotID := newTestStore(t, "svc")
	s.Put(id, &model.PublisherEntry{RegisterID: "p1", Version: 1})

	snap := s.GetBySlot(slotID)
	snap[id.String()].Publishers["p1"] = nil
	delete(snap[id.String()].Publishers, "p1")

	if got := s.Get(id); len(got.Publishers) != 1 {
		t.Error("mutating a snapshot must not affect the store")
	}
}

func TestVersionClock(t *testing.T) {
	var c VersionClock
	prev := int64(0)
	for i := 0; i < 1000; i++ {
		v := c.Next()
		if v <= prev {
			t.Fatalf("clock went backwards: %d after %d", v, prev)
		}
		prev = v
	}

	c.Observe(prev + 1000)
	if v := c.Next(); v <= prev+1000 {
		t.Errorf("Next after Observe = %d, want > %d", v, prev+1000)
	}
}
