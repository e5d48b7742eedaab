package events

import (
	"encoding/json"
	"testing"
)

func TestChangeType_IsValid(t *testing.T) {
	tests := []struct {
		typ   ChangeType
		valid bool
	}{
		{ChangeInsert, true},
		{ChangeUpdate, true},
		{ChangeReplace, true},
		{ChangeDelete, true},
		{ChangeCanary, true},
		{"INSERT", false}, // uppercase is invalid
		{"unknown", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			if got := tt.typ.IsValid(); got != tt.valid {
				t.Errorf("ChangeType(%q).IsValid() = %v, want %v", tt.typ, got, tt.valid)
			}
		})
	}
}

func TestPartitionFor_Stable(t *testing.T) {
	a := PartitionFor("orders", "order-1", 8)
	for i := 0; i < 10; i++ {
		if got := PartitionFor("orders", "order-1", 8); got != a {
			t.Fatalf("PartitionFor() not stable: got %d, want %d", got, a)
		}
	}
	if a < 0 || a >= 8 {
		t.Errorf("PartitionFor() = %d, out of range [0,8)", a)
	}
}

func TestPartitionFor_SinglePartition(t *testing.T) {
	if got := PartitionFor("t", "k", 1); got != 0 {
		t.Errorf("PartitionFor(n=1) = %d, want 0", got)
	}
	if got := PartitionFor("t", "k", 0); got != 0 {
		t.Errorf("PartitionFor(n=0) = %d, want 0", got)
	}
}

func TestEvent_DedupKey(t *testing.T) {
	e := &Event{Table: "orders", Key: "o1"}
	if got := e.DedupKey(); got != "orders/o1" {
		t.Errorf("DedupKey() = %q, want %q", got, "orders/o1")
	}
}

func TestEvent_EncodeDecode(t *testing.T) {
	orig := New("orders", "o1", ChangeUpdate, map[string]any{"status": "paid"}, 4)
	orig.Token = 42

	data, err := orig.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.ID != orig.ID || got.Table != orig.Table || got.Key != orig.Key {
		t.Errorf("Decode() identity mismatch: got %+v", got)
	}
	if got.Token != 42 {
		t.Errorf("Decode() token = %d, want 42", got.Token)
	}
	if got.Document["status"] != "paid" {
		t.Errorf("Decode() document = %v", got.Document)
	}
}

func TestEvent_JSONFieldNames(t *testing.T) {
	e := &Event{ID: "x", Table: "t", Key: "k", Type: ChangeInsert}
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	for _, field := range []string{"eventId", "table", "key", "changeType"} {
		if _, ok := m[field]; !ok {
			t.Errorf("JSON missing field %q: %s", field, data)
		}
	}
}

func TestChannelNames(t *testing.T) {
	if got := MasterChannel(3); got != "__master-3" {
		t.Errorf("MasterChannel(3) = %q", got)
	}
	if !IsMasterChannel("__master-0") {
		t.Error("IsMasterChannel(__master-0) = false")
	}
	if IsMasterChannel("orders-feed") {
		t.Error("IsMasterChannel(orders-feed) = true")
	}
	if !IsSystemChannel("__canary") {
		t.Error("IsSystemChannel(__canary) = false")
	}
	if IsSystemChannel("orders-feed") {
		t.Error("IsSystemChannel(orders-feed) = true")
	}

	chans := MasterChannels(3)
	if len(chans) != 3 || chans[0] != "__master-0" || chans[2] != "__master-2" {
		t.Errorf("MasterChannels(3) = %v", chans)
	}
}
