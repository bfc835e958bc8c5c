package model

import (
	"testing"
)

func TestDataInfoIDRoundTrip(t *testing.T) {
	id := NewDataInfoID("com.example.service", "", "")
	if id.Group != DefaultGroup || id.InstanceID != DefaultInstanceID {
		t.Fatalf("defaults not applied: %+v", id)
	}

	parsed, err := ParseDataInfoID(id.String())
	if err != nil {
		t.Fatalf("ParseDataInfoID failed: %v", err)
	}
	if parsed != id {
		t.Errorf("round trip mismatch: got %+v, want %+v", parsed, id)
	}
}

func TestParseDataInfoIDInvalid(t *testing.T) {
	for _, s := range []string{"", "no-separators", "a#@#b"} {
		if _, err := ParseDataInfoID(s); err == nil {
			t.Errorf("expected error for %q", s)
		}
	}
}

func TestConnectIDRoundTrip(t *testing.T) {
	c := NewConnectID("1.1.1.1:12345", "2.2.2.2:9600")
	want := "1.1.1.1:12345_2.2.2.2:9600"
	if c.String() != want {
		t.Fatalf("rendered %q, want %q", c.String(), want)
	}

	parsed, err := ParseConnectID(c.String())
	if err != nil {
		t.Fatalf("ParseConnectID failed: %v", err)
	}
	if parsed != c {
		t.Errorf("round trip mismatch: got %+v, want %+v", parsed, c)
	}
}

func TestParseConnectIDInvalid(t *testing.T) {
	for _, s := range []string{"", "_", "a_b", "1.1.1.1:1_", "_2.2.2.2:2"} {
		if _, err := ParseConnectID(s); err == nil {
			t.Errorf("expected error for %q", s)
		}
	}
}

func TestSlotOfDeterministic(t *testing.T) {
	id := NewDataInfoID("com.example.service", "g", "i")
	first := SlotOf(id, DefaultSlotCount)
	for i := 0; i < 100; i++ {
		if got := SlotOf(id, DefaultSlotCount); got != first {
			t.Fatalf("SlotOf not deterministic: %d != %d", got, first)
		}
	}
	if first < 0 || first >= DefaultSlotCount {
		t.Fatalf("slot out of range: %d", first)
	}
}

func TestSlotTableSlotsOf(t *testing.T) {
	table := &SlotTable{
		Epoch: 1,
		Slots: map[int]*Slot{
			0: {ID: 0, Leader: "n1", Followers: []string{"n2"}},
			1: {ID: 1, Leader: "n2", Followers: []string{"n1"}},
			2: {ID: 2, Leader: "n3", Followers: []string{"n2"}},
		},
	}
	leaders, followers := table.SlotsOf("n1")
	if len(leaders) != 1 || leaders[0] != 0 {
		t.Errorf("leaders = %v, want [0]", leaders)
	}
	if len(followers) != 1 || followers[0] != 1 {
		t.Errorf("followers = %v, want [1]", followers)
	}
}

func TestSubscriberCheckAndUpdateVersion(t *testing.T) {
	sub := NewSubscriber(Registration{RegisterID: "s1"}, ScopeDataCenter, "")

	if !sub.CheckAndUpdateVersion("dc", 100, 1, 2) {
		t.Fatal("first update should be accepted")
	}
	if got := sub.PushedVersion("dc"); got != 100 {
		t.Fatalf("pushed version = %d, want 100", got)
	}

	// lower push version is refused
	if sub.CheckAndUpdateVersion("dc", 99, 3, 4) {
		t.Error("lower pushVersion should be refused")
	}
	// gap acceptance is refused: recorded fetchSeqEnd=2 > fetchSeqStart=1
	if sub.CheckAndUpdateVersion("dc", 200, 1, 5) {
		t.Error("overlapping fetch range should be refused")
	}
	// equal version, later range is fine
	if !sub.CheckAndUpdateVersion("dc", 100, 2, 3) {
		t.Error("equal version with later range should be accepted")
	}
}

func TestSubscriberCheckVersion(t *testing.T) {
	sub := NewSubscriber(Registration{RegisterID: "s1"}, ScopeDataCenter, "")

	if !sub.CheckVersion("dc", 0) {
		t.Fatal("fresh subscriber consents to any fetch")
	}
	sub.CheckAndUpdateVersion("dc", 100, 5, 8)
	if sub.CheckVersion("dc", 7) {
		t.Error("subscriber past seq 8 must refuse start 7")
	}
	if !sub.CheckVersion("dc", 8) {
		t.Error("subscriber must consent to start at its recorded end")
	}
}

func TestDatumPutRemove(t *testing.T) {
	d := NewDatum("dc", NewDataInfoID("svc", "g", "i"))

	if !d.Put(&PublisherEntry{RegisterID: "p1", Version: 1}) {
		t.Fatal("first put should change the datum")
	}
	if d.Put(&PublisherEntry{RegisterID: "p1", Version: 1}) {
		t.Error("same-version put should be ignored")
	}
	if !d.Put(&PublisherEntry{RegisterID: "p1", Version: 2}) {
		t.Error("newer-version put should win")
	}

	if !d.Remove("p1") {
		t.Fatal("remove of present entry should report change")
	}
	if d.Remove("p1") {
		t.Error("remove of absent entry should be a no-op")
	}
	if !d.IsEmpty() {
		t.Error("datum should be empty")
	}
}
