package gossip

import "testing"

func TestFilterMatchesEveryInsertedHash(t *testing.T) {
	hashes := make([]uint64, 50)
	for i := range hashes {
		hashes[i] = uint64(i)*2654435761 + 0x9E3779B97F4A7C15
	}
	f := BuildFilter(hashes, DefaultFilterParam)
	for _, h := range hashes {
		if !f.Match(h) {
			t.Fatalf("expected inserted hash %d to match", h)
		}
	}
}

func TestEmptyFilterNeverMatches(t *testing.T) {
	f := BuildFilter(nil, DefaultFilterParam)
	if f.Match(1234) {
		t.Fatal("expected empty filter to never match")
	}
}

func TestFilterRoundTripsThroughMarshalBinary(t *testing.T) {
	hashes := []uint64{1, 2, 3, 1000000007, 0xDEADBEEF}
	f := BuildFilter(hashes, DefaultFilterParam)

	raw, err := f.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	decoded, err := UnmarshalFilter(raw)
	if err != nil {
		t.Fatalf("UnmarshalFilter: %v", err)
	}
	for _, h := range hashes {
		if !decoded.Match(h) {
			t.Fatalf("expected decoded filter to match %d", h)
		}
	}
}

func TestBuildFilterBudgetedRespectsByteBudget(t *testing.T) {
	hashes := make([]uint64, 2000)
	for i := range hashes {
		hashes[i] = uint64(i)*0x100000001B3 + 7
	}
	f := BuildFilterBudgeted(hashes, DefaultFilterParam, DefaultFilterBudget)
	raw, err := f.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(raw) > DefaultFilterBudget+9 {
		t.Fatalf("expected encoded filter within budget, got %d bytes", len(raw))
	}
	if f.N == 0 {
		t.Fatal("expected a budgeted filter to still carry some elements")
	}
}
