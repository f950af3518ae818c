package scanner

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"path"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/backtrue/mitenow-sub001/internal/model"
)

type pattern struct {
	name string
	re   *regexp.Regexp
}

var secretPatterns = []pattern{
	{"aws_access_key_id", regexp.MustCompile(`\b(AKIA|ASIA)[0-9A-Z]{16}\b`)},
	{"github_token", regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`)},
	{"anthropic_api_key", regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_\-]{20,}`)},
	{"openai_api_key", regexp.MustCompile(`\bsk-(proj-)?[A-Za-z0-9]{32,}`)},
	{"stripe_live_key", regexp.MustCompile(`\b[sr]k_live_[A-Za-z0-9]{20,}`)},
	{"slack_token", regexp.MustCompile(`\bxox[abprs]-[A-Za-z0-9\-]{10,}`)},
	{"google_api_key", regexp.MustCompile(`\bAIza[0-9A-Za-z_\-]{35}`)},
	{"private_key_block", regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH |PGP |ENCRYPTED )?PRIVATE KEY( BLOCK)?-----`)},
}

var addressPatterns = []pattern{
	{"private_ipv4", regexp.MustCompile(`\b(10\.\d{1,3}\.\d{1,3}\.\d{1,3}|192\.168\.\d{1,3}\.\d{1,3}|172\.(1[6-9]|2\d|3[01])\.\d{1,3}\.\d{1,3})\b`)},
	{"localhost_port", regexp.MustCompile(`\b(localhost|127\.0\.0\.1|0\.0\.0\.0):\d{2,5}\b`)},
	{"credentialed_connection_string", regexp.MustCompile(`\b(postgres(ql)?|mysql|mongodb(\+srv)?|redis|amqp)://[^\s:/@'"]+:[^\s@'"]+@`)},
}

var textExts = map[string]bool{
	".js": true, ".mjs": true, ".cjs": true, ".jsx": true, ".ts": true, ".tsx": true,
	".json": true, ".html": true, ".htm": true, ".css": true, ".scss": true, ".vue": true,
	".svelte": true, ".md": true, ".txt": true, ".yml": true, ".yaml": true, ".toml": true,
	".ini": true, ".cfg": true, ".conf": true, ".env": true, ".py": true, ".rb": true,
	".go": true, ".php": true, ".java": true, ".kt": true, ".rs": true, ".sh": true,
	".xml": true, ".sql": true, ".properties": true,
}

var textNames = map[string]bool{
	"dockerfile": true, "makefile": true, "procfile": true, "gemfile": true,
}

func isText(name string) bool {
	base := strings.ToLower(path.Base(strings.ReplaceAll(name, "\\", "/")))
	if textNames[base] || strings.HasPrefix(base, ".env") {
		return true
	}
	return textExts[path.Ext(base)]
}

// scanContent pattern scans text entries. Findings carry the entry path and
// pattern name only; matched values never leave this function.
func (s *Scanner) scanContent(ctx context.Context, files []*zip.File) []model.CheckResult {
	var (
		mu        sync.Mutex
		secrets   []model.Finding
		addresses []model.Finding
		broken    []model.Finding
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, f := range files {
		if f.FileInfo().IsDir() || !isText(f.Name) || f.UncompressedSize64 > s.limits.MaxContentBytes {
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			content, err := readBounded(f, s.limits.MaxContentBytes)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				broken = append(broken, model.Finding{Path: f.Name, Detail: "entry content is unreadable"})
				return nil
			}
			if bytes.IndexByte(content, 0) >= 0 {
				return nil
			}
			secrets = append(secrets, match(f.Name, content, secretPatterns)...)
			addresses = append(addresses, match(f.Name, content, addressPatterns)...)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		broken = append(broken, model.Finding{Detail: "content scan interrupted"})
	}

	var out []model.CheckResult
	if len(broken) > 0 {
		c := fail(CheckArchiveStructure, model.SeverityCritical, "archive entries could not be read")
		c.Findings = broken
		out = append(out, c)
	} else {
		out = append(out, pass(CheckArchiveStructure, model.SeverityCritical))
	}

	if len(secrets) > 0 {
		c := fail(CheckHardcodedSecrets, model.SeverityHigh, "source contains values that look like credentials")
		c.Findings = secrets
		out = append(out, c)
	} else {
		out = append(out, pass(CheckHardcodedSecrets, model.SeverityHigh))
	}

	if len(addresses) > 0 {
		c := fail(CheckInternalAddresses, model.SeverityMedium, "source references internal network addresses")
		c.Findings = addresses
		out = append(out, c)
	} else {
		out = append(out, pass(CheckInternalAddresses, model.SeverityMedium))
	}

	return out
}

// readBounded inflates an entry but never more than limit bytes, regardless
// of what the header declares.
func readBounded(f *zip.File, limit uint64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	content, err := io.ReadAll(io.LimitReader(rc, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if uint64(len(content)) > limit {
		return nil, io.ErrUnexpectedEOF
	}
	return content, nil
}

func match(name string, content []byte, patterns []pattern) []model.Finding {
	var findings []model.Finding
	for _, p := range patterns {
		if p.re.Match(content) {
			findings = append(findings, model.Finding{Path: name, Detail: p.name})
		}
	}
	return findings
}
