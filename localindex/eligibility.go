package localindex

import (
	"bytes"
	"path/filepath"
	"strings"
)

const (
	// maxIngestSize caps the content size accepted for local ingestion.
	maxIngestSize = 1 << 20 // 1 MiB

	// binaryProbe is how much of the head of a file is inspected for
	// binary content.
	binaryProbe = 8192
)

// skipBasenames are files that carry no searchable meaning and churn often.
var skipBasenames = map[string]bool{
	"package-lock.json": true,
	"yarn.lock":         true,
	"pnpm-lock.yaml":    true,
	"Cargo.lock":        true,
	"go.sum":            true,
	"composer.lock":     true,
	"Gemfile.lock":      true,
	"poetry.lock":       true,
	"uv.lock":           true,
}

// skipPathFragments mark minified or generated artifacts by path shape alone.
var skipPathFragments = []string{
	".min.js",
	".min.css",
	".bundle.js",
	".pb.go",
	"_generated.",
	".generated.",
}

// generatedMarkers inside the first probe window classify a file as
// machine-written.
var generatedMarkers = [][]byte{
	[]byte("Code generated by"),
	[]byte("DO NOT EDIT"),
	[]byte("@generated"),
	[]byte("Autogenerated by"),
}

// CheapEligible is the stat-only gate: path shape and size, no content read.
func CheapEligible(relPath string, size int64) bool {
	if size == 0 || size > maxIngestSize {
		return false
	}
	if skipBasenames[filepath.Base(relPath)] {
		return false
	}
	normalized := strings.ToLower(filepath.ToSlash(relPath))
	for _, frag := range skipPathFragments {
		if strings.Contains(normalized, frag) {
			return false
		}
	}
	return true
}

// ContentEligible inspects the file bytes: binary and generated content is
// rejected. Ineligibility is a classification outcome, not an error.
func ContentEligible(content []byte) bool {
	probe := content
	if len(probe) > binaryProbe {
		probe = probe[:binaryProbe]
	}

	if bytes.IndexByte(probe, 0) >= 0 {
		return false
	}

	// Mostly non-printable content is treated as binary even without NULs.
	nonPrintable := 0
	for _, b := range probe {
		if b < 0x09 || (b > 0x0d && b < 0x20) {
			nonPrintable++
		}
	}
	if len(probe) > 0 && float64(nonPrintable)/float64(len(probe)) > 0.3 {
		return false
	}

	for _, marker := range generatedMarkers {
		if bytes.Contains(probe, marker) {
			return false
		}
	}
	return true
}
