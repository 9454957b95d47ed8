// Package bundle builds the canonical, signed-by-hash policy archive served
// to enforcement points: canonical JSON, a truncated SHA-256 revision, a
// manifest, and a gzip+tar archive carrying exactly data.json and .manifest.
package bundle

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/noumena/policyplane/pkg/canonicalize"
	"github.com/noumena/policyplane/pkg/policy"
)

// FormatVersion is the manifest's metadata.format_version. Bumped whenever
// the manifest or data.json shape changes incompatibly.
const FormatVersion = "1.0.0"

func init() {
	if _, err := semver.NewVersion(FormatVersion); err != nil {
		panic("bundle: FormatVersion is not valid semver: " + err.Error())
	}
}

// Manifest is the .manifest archive entry.
type Manifest struct {
	Revision string           `json:"revision"`
	Roots    []string         `json:"roots"`
	Metadata ManifestMetadata `json:"metadata"`
}

// ManifestMetadata carries build provenance that does not affect the revision.
type ManifestMetadata struct {
	BuiltAt       string `json:"built_at"`
	FormatVersion string `json:"format_version"`
}

// Built is the result of a successful build: the archive bytes, its ETag,
// the bare revision, and when it was built.
type Built struct {
	Bytes    []byte
	ETag     string
	Revision string
	BuiltAt  time.Time
}

// Builder turns a policy.Document into a Built archive. It validates any
// CEL access-rule matchers before hashing; a validation failure aborts the
// build without touching a previously built revision (callers retain the
// last-good Built on error).
type Builder struct {
	matcherValidator *MatcherValidator
	clock            func() time.Time
}

// NewBuilder constructs a Builder with its own CEL matcher validator.
func NewBuilder() (*Builder, error) {
	v, err := NewMatcherValidator()
	if err != nil {
		return nil, fmt.Errorf("bundle: matcher validator: %w", err)
	}
	return &Builder{matcherValidator: v, clock: time.Now}, nil
}

// WithClock overrides the build-time clock, for deterministic tests.
func (b *Builder) WithClock(clock func() time.Time) *Builder {
	b.clock = clock
	return b
}

// Build produces a new Built archive from doc. lastEventID is the most
// recently observed SSE event id (or "" if none yet), recorded in
// _bundle_metadata but excluded from the revision hash.
func (b *Builder) Build(doc *policy.Document, lastEventID string) (*Built, error) {
	for i, rule := range doc.AccessRules {
		if err := b.validateMatcher(rule.Matcher); err != nil {
			return nil, fmt.Errorf("bundle: access_rules[%d] (id=%s): %w", i, rule.ID, err)
		}
	}

	// Revision is computed over the document BEFORE _bundle_metadata is
	// attached, so a rebuild over unchanged upstream data is a no-op on
	// the revision even though built_at always changes.
	hashDoc := *doc
	hashDoc.BundleMetadata = nil
	canonical, err := canonicalize.JCS(&hashDoc)
	if err != nil {
		return nil, fmt.Errorf("bundle: canonicalize: %w", err)
	}
	revision := canonicalize.HashBytes(canonical)[:16]

	builtAt := b.clock().UTC().Format(time.RFC3339)
	fullDoc := *doc
	fullDoc.BundleMetadata = &policy.BundleMetadata{
		BuiltAt:       builtAt,
		Revision:      revision,
		SSEEventID:    lastEventID,
		FormatVersion: FormatVersion,
	}
	payload, err := canonicalize.JCS(&fullDoc)
	if err != nil {
		return nil, fmt.Errorf("bundle: canonicalize with metadata: %w", err)
	}

	manifest := Manifest{
		Revision: revision,
		Roots:    fullDoc.Roots(),
		Metadata: ManifestMetadata{BuiltAt: builtAt, FormatVersion: FormatVersion},
	}
	manifestJSON, err := canonicalize.JCS(&manifest)
	if err != nil {
		return nil, fmt.Errorf("bundle: canonicalize manifest: %w", err)
	}

	archive, err := writeArchive(payload, manifestJSON)
	if err != nil {
		return nil, fmt.Errorf("bundle: archive: %w", err)
	}

	return &Built{
		Bytes:    archive,
		ETag:     `"` + revision + `"`,
		Revision: revision,
		BuiltAt:  b.clock().UTC(),
	}, nil
}

func (b *Builder) validateMatcher(m policy.RuleMatcher) error {
	if m.MatchType != "cel" {
		return nil
	}
	expr := m.Claims
	if expr == "" {
		expr = m.Identity
	}
	if expr == "" {
		return fmt.Errorf("cel matcher has no expression")
	}
	return b.matcherValidator.Validate(expr)
}

// writeArchive writes a gzip-compressed tar archive with exactly two
// entries: data.json and .manifest, with exact uncompressed sizes.
func writeArchive(dataJSON, manifestJSON []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	entries := []struct {
		name string
		data []byte
	}{
		{"data.json", dataJSON},
		{".manifest", manifestJSON},
	}
	for _, e := range entries {
		hdr := &tar.Header{
			Name: e.name,
			Mode: 0644,
			Size: int64(len(e.data)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(e.data); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
