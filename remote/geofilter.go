package remote

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"hash/fnv"
	"sort"
	"strings"
)

// GeoFilter is a compact probabilistic description of the full local digest
// set, sent once to bootstrap set reconciliation. Standard bloom filter:
// false positives possible, false negatives impossible.
type GeoFilter struct {
	bits   []byte
	hashes int
}

const (
	geoBitsPerEntry = 10
	geoHashes       = 7
	geoMinBits      = 64
)

// BuildGeoFilter sizes a filter for the digest set and inserts every digest.
func BuildGeoFilter(digests []string) *GeoFilter {
	nbits := len(digests) * geoBitsPerEntry
	if nbits < geoMinBits {
		nbits = geoMinBits
	}
	f := &GeoFilter{
		bits:   make([]byte, (nbits+7)/8),
		hashes: geoHashes,
	}
	for _, d := range digests {
		f.add(d)
	}
	return f
}

func (f *GeoFilter) add(digest string) {
	for i := 0; i < f.hashes; i++ {
		pos := f.position(digest, i)
		f.bits[pos/8] |= 1 << (pos % 8)
	}
}

// Contains reports whether the digest may be in the set.
func (f *GeoFilter) Contains(digest string) bool {
	for i := 0; i < f.hashes; i++ {
		pos := f.position(digest, i)
		if f.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

func (f *GeoFilter) position(digest string, seed int) uint64 {
	h := fnv.New64a()
	h.Write([]byte{byte(seed)})
	h.Write([]byte(digest))
	return h.Sum64() % uint64(len(f.bits)*8)
}

// Encode returns the base64 wire form of the filter bits.
func (f *GeoFilter) Encode() string {
	return base64.StdEncoding.EncodeToString(f.bits)
}

// CodedSymbolRange is a server-chosen partition of the digest space: the
// half-open interval [Start, End) of 64-bit digest prefixes, split into Cells
// equal cells.
type CodedSymbolRange struct {
	Start string `json:"start"` // 16 hex chars
	End   string `json:"end"`   // 16 hex chars, "" means top of space
	Cells int    `json:"cells"`
}

// CodedSymbol is the compact encoding of the digests falling into one cell:
// their count and the XOR of their raw bytes. The server XORs its own cell
// against this to locate the symmetric difference without full transfers.
type CodedSymbol struct {
	Cell  int    `json:"cell"`
	Count int    `json:"count"`
	Xor   string `json:"xor"` // hex, digest-width
}

// digestPrefix extracts the leading 64 bits of a hex digest.
func digestPrefix(digest string) uint64 {
	if len(digest) < 16 {
		digest = digest + strings.Repeat("0", 16-len(digest))
	}
	raw, err := hex.DecodeString(digest[:16])
	if err != nil {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}

func (r CodedSymbolRange) bounds() (uint64, uint64) {
	start := uint64(0)
	if r.Start != "" {
		start = digestPrefix(r.Start)
	}
	end := ^uint64(0)
	if r.End != "" {
		end = digestPrefix(r.End)
	}
	return start, end
}

// cellFor maps a digest prefix into a cell index, or -1 when the digest falls
// outside the range.
func (r CodedSymbolRange) cellFor(digest string) int {
	start, end := r.bounds()
	p := digestPrefix(digest)
	if p < start || p >= end || r.Cells <= 0 {
		return -1
	}
	width := (end - start) / uint64(r.Cells)
	if width == 0 {
		return 0
	}
	cell := int((p - start) / width)
	if cell >= r.Cells {
		cell = r.Cells - 1
	}
	return cell
}

// ComputeCodedSymbols encodes the slice of the local digest set falling into
// the given range. Cells with no digests are omitted.
func ComputeCodedSymbols(digests []string, r CodedSymbolRange) []CodedSymbol {
	type acc struct {
		count int
		xor   []byte
	}
	cells := make(map[int]*acc)

	for _, d := range digests {
		cell := r.cellFor(d)
		if cell < 0 {
			continue
		}
		raw, err := hex.DecodeString(d)
		if err != nil {
			continue
		}
		a, ok := cells[cell]
		if !ok {
			a = &acc{xor: make([]byte, len(raw))}
			cells[cell] = a
		}
		if len(a.xor) < len(raw) {
			grown := make([]byte, len(raw))
			copy(grown, a.xor)
			a.xor = grown
		}
		for i, b := range raw {
			a.xor[i] ^= b
		}
		a.count++
	}

	symbols := make([]CodedSymbol, 0, len(cells))
	for cell, a := range cells {
		symbols = append(symbols, CodedSymbol{
			Cell:  cell,
			Count: a.count,
			Xor:   hex.EncodeToString(a.xor),
		})
	}
	sort.Slice(symbols, func(i, j int) bool { return symbols[i].Cell < symbols[j].Cell })
	return symbols
}

// initialRange covers the whole digest space for the first coded-symbol batch
// sent with create-ingest.
func initialRange() CodedSymbolRange {
	return CodedSymbolRange{Start: "0000000000000000", End: "", Cells: 16}
}

// Checkpoint derives the opaque fileset version token from the digest set:
// a hash over all digests in sorted order, the commit-identifier analogue.
func Checkpoint(digests []string) string {
	sorted := make([]string, len(digests))
	copy(sorted, digests)
	sort.Strings(sorted)

	h := sha256.New()
	for _, d := range sorted {
		h.Write([]byte(d))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
