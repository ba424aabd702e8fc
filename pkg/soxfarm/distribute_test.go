package soxfarm

import "testing"

func relays(ids ...string) []RelayRecord {
	out := make([]RelayRecord, len(ids))
	for i, id := range ids {
		out[i] = RelayRecord{ID: id}
	}
	return out
}

func TestDistributeExitNodesRoundRobin(t *testing.T) {
	rs := relays("a", "b", "c", "d", "e", "f")
	buckets := DistributeExitNodes(rs, 3, 2)

	for i := 0; i < 3; i++ {
		if len(buckets[i]) != 2 {
			t.Errorf("worker %d: expected 2 relays, got %d (%v)", i, len(buckets[i]), buckets[i])
		}
	}

	total := 0
	seen := make(map[string]bool)
	for _, b := range buckets {
		for _, id := range b {
			if seen[id] {
				t.Errorf("relay %s assigned more than once", id)
			}
			seen[id] = true
			total++
		}
	}
	if total != 6 {
		t.Errorf("expected all 6 relays distributed, got %d", total)
	}
}

func TestDistributeExitNodesZeroPerWorker(t *testing.T) {
	buckets := DistributeExitNodes(relays("a", "b"), 2, 0)
	for i, b := range buckets {
		if len(b) != 0 {
			t.Errorf("worker %d: expected no relays when per_worker=0, got %v", i, b)
		}
	}
}

func TestDistributeExitNodesFewerRelaysThanNeeded(t *testing.T) {
	rs := relays("a", "b", "c")
	buckets := DistributeExitNodes(rs, 5, 2)

	total := 0
	for _, b := range buckets {
		total += len(b)
	}
	if total != 3 {
		t.Errorf("expected all 3 available relays distributed, got %d", total)
	}
}

func TestDistributeExitNodesDeterministic(t *testing.T) {
	rs := []RelayRecord{
		{ID: "low", ExitProbability: 0.1, HasExitProb: true},
		{ID: "high", ExitProbability: 0.9, HasExitProb: true},
		{ID: "mid", ExitProbability: 0.5, HasExitProb: true},
	}

	b1 := DistributeExitNodes(rs, 1, 3)
	b2 := DistributeExitNodes(rs, 1, 3)

	want := []string{"high", "mid", "low"}
	for i, id := range want {
		if b1[0][i] != id || b2[0][i] != id {
			t.Errorf("position %d: got %s/%s, want %s", i, b1[0][i], b2[0][i], id)
		}
	}
}
