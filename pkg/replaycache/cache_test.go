package replaycache

import (
	"testing"
	"time"
)

func TestCache_FirstAcceptSecondReject(t *testing.T) {
	c := New(time.Minute)
	k := Key{Identifier: 1, Timestamp: 100, Sequence: 0, Kind: 3}

	if !c.CheckAndUpdate(k) {
		t.Fatal("first delivery should be accepted")
	}
	if c.CheckAndUpdate(k) {
		t.Fatal("duplicate delivery should be rejected")
	}
}

func TestCache_DistinctKeysIndependent(t *testing.T) {
	c := New(time.Minute)
	a := Key{Identifier: 1, Sequence: 0, Kind: 3}
	b := Key{Identifier: 1, Sequence: 1, Kind: 3}

	if !c.CheckAndUpdate(a) {
		t.Fatal("key a should be accepted")
	}
	if !c.CheckAndUpdate(b) {
		t.Fatal("key b should be accepted independently of a")
	}
}

func TestCache_AgesOutAfterWindow(t *testing.T) {
	c := New(10 * time.Millisecond)
	k := Key{Identifier: 7, Sequence: 2, Kind: 5}

	fakeNow := time.Now()
	c.now = func() time.Time { return fakeNow }

	if !c.CheckAndUpdate(k) {
		t.Fatal("first delivery should be accepted")
	}

	fakeNow = fakeNow.Add(20 * time.Millisecond)
	if !c.CheckAndUpdate(k) {
		t.Fatal("delivery outside the retention window should be accepted again")
	}
}

func TestCache_Len(t *testing.T) {
	c := New(time.Minute)
	for i := uint64(0); i < 5; i++ {
		c.CheckAndUpdate(Key{Identifier: i})
	}
	if got := c.Len(); got != 5 {
		t.Fatalf("Len() = %d, want 5", got)
	}
}
