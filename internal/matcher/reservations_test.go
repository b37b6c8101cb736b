package matcher

import (
	"testing"
	"time"
)

func TestReserveBlocksOtherRequestUntilExpiry(t *testing.T) {
	tbl := NewReservationTable()
	now := testClock()
	expiry := now.Add(5 * time.Minute)

	if !tbl.Reserve("d1", "req-a", now, expiry) {
		t.Fatal("first reservation must succeed")
	}
	if tbl.Reserve("d1", "req-b", now, expiry) {
		t.Fatal("held driver must not be reservable by another request")
	}
	if !tbl.Reserved("d1", "req-b", now) {
		t.Fatal("Reserved should report the live hold")
	}
	// re-reserving for the holder extends the window
	if !tbl.Reserve("d1", "req-a", now, expiry.Add(time.Minute)) {
		t.Fatal("holder must be able to extend its own reservation")
	}
}

func TestReserveHonorsInjectedClock(t *testing.T) {
	tbl := NewReservationTable()
	now := testClock()

	if !tbl.Reserve("d1", "req-a", now, now.Add(5*time.Minute)) {
		t.Fatal("first reservation must succeed")
	}
	later := now.Add(6 * time.Minute)
	if tbl.Reserved("d1", "req-b", later) {
		t.Fatal("expired hold must not count as reserved")
	}
	if !tbl.Reserve("d1", "req-b", later, later.Add(5*time.Minute)) {
		t.Fatal("expired hold must be reclaimable at the caller's clock")
	}
}

func TestReleaseIfOnlyFreesHolder(t *testing.T) {
	tbl := NewReservationTable()
	now := testClock()
	expiry := now.Add(5 * time.Minute)

	tbl.Reserve("d1", "req-a", now, expiry)
	tbl.ReleaseIf("d1", "req-b")
	if !tbl.Reserved("d1", "req-b", now) {
		t.Fatal("release by a non-holder must not free the driver")
	}
	tbl.ReleaseIf("d1", "req-a")
	if tbl.Reserved("d1", "req-b", now) {
		t.Fatal("release by the holder must free the driver")
	}
}
