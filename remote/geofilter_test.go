package remote

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
)

func fakeDigest(i int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("doc-%d", i)))
	return hex.EncodeToString(sum[:])
}

func TestGeoFilterHasNoFalseNegatives(t *testing.T) {
	digests := make([]string, 200)
	for i := range digests {
		digests[i] = fakeDigest(i)
	}

	f := BuildGeoFilter(digests)
	for _, d := range digests {
		if !f.Contains(d) {
			t.Fatalf("filter missing inserted digest %s", d[:12])
		}
	}

	if f.Encode() == "" {
		t.Error("encoded filter is empty")
	}
}

func TestGeoFilterEmptySet(t *testing.T) {
	f := BuildGeoFilter(nil)
	if f.Contains(fakeDigest(1)) {
		t.Error("empty filter should contain nothing")
	}
}

func TestCodedSymbolsPartitionByRange(t *testing.T) {
	digests := make([]string, 100)
	for i := range digests {
		digests[i] = fakeDigest(i)
	}

	full := CodedSymbolRange{Start: "0000000000000000", End: "", Cells: 8}
	symbols := ComputeCodedSymbols(digests, full)

	total := 0
	for _, s := range symbols {
		if s.Cell < 0 || s.Cell >= full.Cells {
			t.Errorf("symbol cell %d out of range", s.Cell)
		}
		if s.Count <= 0 {
			t.Errorf("symbol cell %d has non-positive count", s.Cell)
		}
		total += s.Count
	}
	if total != len(digests) {
		t.Errorf("symbols cover %d digests, want %d", total, len(digests))
	}
}

func TestCodedSymbolsHalfRangeExcludesOtherHalf(t *testing.T) {
	digests := make([]string, 100)
	for i := range digests {
		digests[i] = fakeDigest(i)
	}

	lower := CodedSymbolRange{Start: "0000000000000000", End: "8000000000000000", Cells: 4}
	upper := CodedSymbolRange{Start: "8000000000000000", End: "", Cells: 4}

	count := func(symbols []CodedSymbol) int {
		n := 0
		for _, s := range symbols {
			n += s.Count
		}
		return n
	}

	lowerN := count(ComputeCodedSymbols(digests, lower))
	upperN := count(ComputeCodedSymbols(digests, upper))
	if lowerN+upperN != len(digests) {
		t.Errorf("halves cover %d+%d digests, want %d total", lowerN, upperN, len(digests))
	}
	if lowerN == 0 || upperN == 0 {
		t.Errorf("hash-spread digests should land in both halves, got %d/%d", lowerN, upperN)
	}
}

func TestCodedSymbolXorCancelsPairs(t *testing.T) {
	d := fakeDigest(42)
	full := CodedSymbolRange{Start: "0000000000000000", End: "", Cells: 1}

	symbols := ComputeCodedSymbols([]string{d, d}, full)
	if len(symbols) != 1 {
		t.Fatalf("got %d symbols, want 1", len(symbols))
	}
	if symbols[0].Count != 2 {
		t.Errorf("count = %d, want 2", symbols[0].Count)
	}
	for _, ch := range symbols[0].Xor {
		if ch != '0' {
			t.Fatalf("xor of identical digests should be zero, got %s", symbols[0].Xor)
		}
	}
}

func TestCheckpointIsOrderIndependent(t *testing.T) {
	a := []string{fakeDigest(1), fakeDigest(2), fakeDigest(3)}
	b := []string{fakeDigest(3), fakeDigest(1), fakeDigest(2)}

	if Checkpoint(a) != Checkpoint(b) {
		t.Error("checkpoint should not depend on digest order")
	}
	if Checkpoint(a) == Checkpoint(a[:2]) {
		t.Error("checkpoint should change when the set changes")
	}
}
