// Package scanner inspects uploaded ZIP archives before anything else touches
// them. Structural guards (magic bytes, entry count, decompression ratio, path
// traversal) read only the central directory; entry content is inflated only
// when every structural guard passed, and then only up to a bounded size.
package scanner

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"sort"

	"github.com/backtrue/mitenow-sub001/internal/model"
)

// Check IDs.
const (
	CheckMagicBytes        = "magic_bytes"
	CheckArchiveStructure  = "archive_structure"
	CheckEntryCount        = "entry_count"
	CheckDecompression     = "decompression_ratio"
	CheckPathTraversal     = "path_traversal"
	CheckSensitiveFiles    = "sensitive_files"
	CheckHardcodedSecrets  = "hardcoded_secrets"
	CheckInternalAddresses = "internal_addresses"
)

var zipMagic = []byte("PK\x03\x04")

// Limits bounds what an archive may declare.
type Limits struct {
	// MaxRatio caps aggregate uncompressed bytes divided by compressed bytes.
	MaxRatio        float64
	// MaxEntryBytes caps the declared uncompressed size of any single entry.
	MaxEntryBytes   uint64
	// MaxEntries caps the number of central directory entries.
	MaxEntries      int
	// MaxContentBytes is the largest entry whose content is pattern scanned.
	MaxContentBytes uint64
}

func DefaultLimits() Limits {
	return Limits{
		MaxRatio:        100,
		MaxEntryBytes:   50 << 20,
		MaxEntries:      2000,
		MaxContentBytes: 1 << 20,
	}
}

// Check is an additional inspection run after the built-in checks. It only
// sees entries that passed every structural guard.
type Check interface {
	ID() string
	Run(ctx context.Context, files []*zip.File) model.CheckResult
}

type Option func(*Scanner)

func WithLimits(l Limits) Option {
	return func(s *Scanner) { s.limits = l }
}

// WithChecks registers extra checks such as an authorship heuristic.
func WithChecks(checks ...Check) Option {
	return func(s *Scanner) { s.extra = append(s.extra, checks...) }
}

// WithConcurrency bounds how many entries are pattern scanned in parallel.
func WithConcurrency(n int) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

type Scanner struct {
	limits      Limits
	extra       []Check
	concurrency int
}

func New(opts ...Option) *Scanner {
	s := &Scanner{limits: DefaultLimits(), concurrency: 4}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan inspects archive bytes and declares them safe or unsafe. It never
// returns an error: anything it cannot read is a critical finding.
func (s *Scanner) Scan(ctx context.Context, data []byte) *model.ScanResult {
	var checks []model.CheckResult

	if len(data) < len(zipMagic) || !bytes.Equal(data[:len(zipMagic)], zipMagic) {
		checks = append(checks, fail(CheckMagicBytes, model.SeverityCritical, "file is not a ZIP archive"))
		return aggregate(checks)
	}
	checks = append(checks, pass(CheckMagicBytes, model.SeverityCritical))

	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		checks = append(checks, fail(CheckArchiveStructure, model.SeverityCritical, "archive directory is unreadable"))
		return aggregate(checks)
	}

	if len(r.File) > s.limits.MaxEntries {
		checks = append(checks, fail(CheckEntryCount, model.SeverityCritical, "archive has too many entries"))
		return aggregate(checks)
	}
	checks = append(checks, pass(CheckEntryCount, model.SeverityCritical))

	structural := []model.CheckResult{
		s.checkDecompression(r.File),
		checkPathTraversal(r.File),
	}
	checks = append(checks, structural...)
	checks = append(checks, checkSensitiveFiles(r.File))

	for _, c := range structural {
		if !c.Passed {
			return aggregate(checks)
		}
	}

	checks = append(checks, s.scanContent(ctx, r.File)...)
	for _, extra := range s.extra {
		checks = append(checks, extra.Run(ctx, r.File))
	}

	return aggregate(checks)
}

func (s *Scanner) checkDecompression(files []*zip.File) model.CheckResult {
	var compressed, uncompressed uint64
	var findings []model.Finding
	for _, f := range files {
		compressed += f.CompressedSize64
		uncompressed += f.UncompressedSize64
		if f.UncompressedSize64 > s.limits.MaxEntryBytes {
			findings = append(findings, model.Finding{Path: f.Name, Detail: "entry exceeds size cap"})
		}
	}

	if uncompressed > 0 {
		if compressed == 0 || float64(uncompressed)/float64(compressed) > s.limits.MaxRatio {
			findings = append(findings, model.Finding{Detail: "aggregate compression ratio exceeds limit"})
		}
	}

	if len(findings) > 0 {
		c := fail(CheckDecompression, model.SeverityCritical, "archive declares an unsafe decompressed size")
		c.Findings = findings
		return c
	}
	return pass(CheckDecompression, model.SeverityCritical)
}

func pass(id, severity string) model.CheckResult {
	return model.CheckResult{ID: id, Passed: true, Severity: severity, Message: "ok"}
}

func fail(id, severity, message string) model.CheckResult {
	return model.CheckResult{ID: id, Passed: false, Severity: severity, Message: message}
}

// aggregate derives the overall verdict: any failed critical check fails the
// scan, any other failed check is a warning.
func aggregate(checks []model.CheckResult) *model.ScanResult {
	res := &model.ScanResult{Passed: true, Checks: checks}
	for i := range checks {
		sort.SliceStable(checks[i].Findings, func(a, b int) bool {
			return checks[i].Findings[a].Path < checks[i].Findings[b].Path
		})
		if checks[i].Passed {
			continue
		}
		if checks[i].Severity == model.SeverityCritical {
			res.Passed = false
		} else {
			res.HasWarnings = true
		}
	}
	return res
}
