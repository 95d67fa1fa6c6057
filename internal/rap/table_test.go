package rap

import (
	"testing"
	"time"
)

func TestTable_Upsert_NewRoute(t *testing.T) {
	tbl := NewTable(time.Hour, 8)
	changed := tbl.Upsert(Route{Destination: "KC1XYZ", NextHop: "W1AW", HopCount: 2, Quality: 0.9})
	if !changed {
		t.Fatal("expected first upsert to report a change")
	}
	if tbl.Count() != 1 {
		t.Fatalf("expected 1 route, got %d", tbl.Count())
	}
}

func TestTable_Upsert_RejectsOverMaxHop(t *testing.T) {
	tbl := NewTable(time.Hour, 3)
	if tbl.Upsert(Route{Destination: "KC1XYZ", NextHop: "W1AW", HopCount: 4}) {
		t.Fatal("expected upsert to reject a route whose hop count exceeds maxHop")
	}
	if tbl.Count() != 0 {
		t.Fatalf("expected no routes stored, got %d", tbl.Count())
	}
}

func TestTable_Upsert_SmallerHopWins(t *testing.T) {
	tbl := NewTable(time.Hour, 8)
	tbl.Upsert(Route{Destination: "KC1XYZ", NextHop: "W1AW", HopCount: 4, Quality: 0.5})
	changed := tbl.Upsert(Route{Destination: "KC1XYZ", NextHop: "W1AW", HopCount: 2, Quality: 0.1})
	if !changed {
		t.Fatal("expected smaller hop count to replace the entry")
	}
	best, ok := tbl.BestRoute("KC1XYZ", nil)
	if !ok || best.HopCount != 2 {
		t.Fatalf("expected smaller-hop route to win, got %+v ok=%v", best, ok)
	}
}

func TestTable_Upsert_WorseHopDoesNotReplace(t *testing.T) {
	tbl := NewTable(time.Hour, 8)
	tbl.Upsert(Route{Destination: "KC1XYZ", NextHop: "W1AW", HopCount: 2, Quality: 0.5})
	changed := tbl.Upsert(Route{Destination: "KC1XYZ", NextHop: "W1AW", HopCount: 4, Quality: 0.9})
	if changed {
		t.Fatal("expected worse hop count to be rejected")
	}
	best, _ := tbl.BestRoute("KC1XYZ", nil)
	if best.HopCount != 2 {
		t.Fatalf("expected original hop count 2 to survive, got %d", best.HopCount)
	}
}

func TestTable_Upsert_TieBreaksOnQuality(t *testing.T) {
	tbl := NewTable(time.Hour, 8)
	tbl.Upsert(Route{Destination: "KC1XYZ", NextHop: "A", HopCount: 2, Quality: 0.3})
	tbl.Upsert(Route{Destination: "KC1XYZ", NextHop: "B", HopCount: 2, Quality: 0.8})

	best, ok := tbl.BestRoute("KC1XYZ", nil)
	if !ok {
		t.Fatal("expected a best route")
	}
	if best.NextHop != "B" {
		t.Fatalf("expected higher-quality next hop B to win tie, got %s", best.NextHop)
	}
}

func TestTable_BestRoute_FiltersDeadPeers(t *testing.T) {
	tbl := NewTable(time.Hour, 8)
	tbl.Upsert(Route{Destination: "KC1XYZ", NextHop: "dead-peer", HopCount: 1, Quality: 1.0})
	tbl.Upsert(Route{Destination: "KC1XYZ", NextHop: "live-peer", HopCount: 3, Quality: 0.2})

	isLive := func(nextHop string) bool { return nextHop != "dead-peer" }
	best, ok := tbl.BestRoute("KC1XYZ", isLive)
	if !ok {
		t.Fatal("expected a live route to be found")
	}
	if best.NextHop != "live-peer" {
		t.Fatalf("expected filtered search to skip dead-peer, got %s", best.NextHop)
	}
}

func TestTable_BestRoute_NoneKnown(t *testing.T) {
	tbl := NewTable(time.Hour, 8)
	if _, ok := tbl.BestRoute("nowhere", nil); ok {
		t.Fatal("expected no route for unknown destination")
	}
}

func TestTable_DeleteViaNextHop(t *testing.T) {
	tbl := NewTable(time.Hour, 8)
	tbl.Upsert(Route{Destination: "A", NextHop: "P", HopCount: 1})
	tbl.Upsert(Route{Destination: "B", NextHop: "P", HopCount: 1})
	tbl.Upsert(Route{Destination: "A", NextHop: "Q", HopCount: 2})

	n := tbl.DeleteViaNextHop("P")
	if n != 2 {
		t.Fatalf("expected 2 routes removed, got %d", n)
	}
	if tbl.Count() != 1 {
		t.Fatalf("expected 1 route remaining, got %d", tbl.Count())
	}
	if _, ok := tbl.BestRoute("B", nil); ok {
		t.Fatal("expected destination B to have no routes left")
	}
}

func TestTable_Snapshot(t *testing.T) {
	tbl := NewTable(time.Hour, 8)
	tbl.Upsert(Route{Destination: "A", NextHop: "P", HopCount: 1})
	tbl.Upsert(Route{Destination: "B", NextHop: "Q", HopCount: 2})

	snap := tbl.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 routes in snapshot, got %d", len(snap))
	}
}

func TestTable_PruneExpired(t *testing.T) {
	tbl := NewTable(20*time.Millisecond, 8)
	tbl.Upsert(Route{Destination: "A", NextHop: "P", HopCount: 1})
	if tbl.Count() != 1 {
		t.Fatalf("expected 1 route before expiry, got %d", tbl.Count())
	}

	time.Sleep(40 * time.Millisecond)
	tbl.pruneExpired()

	if tbl.Count() != 0 {
		t.Fatalf("expected route to be pruned after ttl, got %d", tbl.Count())
	}
}
