package scanner

import (
	"archive/zip"
	"io/fs"
	"path"
	"strings"

	"github.com/backtrue/mitenow-sub001/internal/model"
)

func checkPathTraversal(files []*zip.File) model.CheckResult {
	var findings []model.Finding
	for _, f := range files {
		if reason := unsafePath(f.Name); reason != "" {
			findings = append(findings, model.Finding{Path: f.Name, Detail: reason})
			continue
		}
		if f.Mode()&fs.ModeSymlink != 0 {
			findings = append(findings, model.Finding{Path: f.Name, Detail: "symbolic link entry"})
		}
	}
	if len(findings) > 0 {
		c := fail(CheckPathTraversal, model.SeverityCritical, "archive entries escape the extraction root")
		c.Findings = findings
		return c
	}
	return pass(CheckPathTraversal, model.SeverityCritical)
}

// unsafePath returns why name would escape the extraction directory, or "".
func unsafePath(name string) string {
	n := strings.ReplaceAll(name, "\\", "/")
	switch {
	case n == "":
		return "empty entry name"
	case strings.ContainsRune(n, 0):
		return "NUL byte in entry name"
	case strings.HasPrefix(n, "/"):
		return "absolute path"
	case len(n) >= 2 && n[1] == ':':
		return "drive-letter path"
	}
	for _, seg := range strings.Split(n, "/") {
		if seg == ".." {
			return "parent directory segment"
		}
	}
	if cleaned := path.Clean(n); cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "parent directory segment"
	}
	return ""
}

var sensitiveNames = map[string]string{
	".env":                "environment file",
	".npmrc":              "package registry credentials",
	".pypirc":             "package registry credentials",
	".netrc":              "network credentials",
	".git-credentials":    "git credentials",
	".htpasswd":           "password file",
	".dockercfg":          "registry credentials",
	"credentials":         "credential file",
	"credentials.json":    "credential file",
	"secrets.json":        "credential file",
	"secrets.yml":         "credential file",
	"secrets.yaml":        "credential file",
	"id_rsa":              "private key",
	"id_dsa":              "private key",
	"id_ecdsa":            "private key",
	"id_ed25519":          "private key",
	"terraform.tfstate":   "infrastructure state",
	"serviceaccount.json": "service account key",
}

var sensitiveExts = map[string]string{
	".pem":      "key material",
	".key":      "key material",
	".p12":      "key material",
	".pfx":      "key material",
	".jks":      "key material",
	".keystore": "key material",
	".kdbx":     "password database",
}

// environment template files are expected in source trees.
var envTemplates = map[string]bool{
	".env.example":  true,
	".env.sample":   true,
	".env.template": true,
	".env.dist":     true,
}

func checkSensitiveFiles(files []*zip.File) model.CheckResult {
	var findings []model.Finding
	for _, f := range files {
		if f.FileInfo().IsDir() {
			continue
		}
		if kind := sensitiveKind(f.Name); kind != "" {
			findings = append(findings, model.Finding{Path: f.Name, Detail: kind})
		}
	}
	if len(findings) > 0 {
		c := fail(CheckSensitiveFiles, model.SeverityHigh, "archive contains files that usually hold credentials")
		c.Findings = findings
		return c
	}
	return pass(CheckSensitiveFiles, model.SeverityHigh)
}

func sensitiveKind(name string) string {
	n := strings.ReplaceAll(name, "\\", "/")
	base := strings.ToLower(path.Base(n))

	lower := strings.ToLower(n)

	if envTemplates[base] {
		return ""
	}
	if strings.HasSuffix(lower, ".aws/credentials") || strings.HasSuffix(lower, ".docker/config.json") {
		return "cloud credentials"
	}
	if kind, ok := sensitiveNames[base]; ok {
		return kind
	}
	if strings.HasPrefix(base, ".env.") {
		return "environment file"
	}
	if strings.HasPrefix(base, "service-account") && strings.HasSuffix(base, ".json") {
		return "service account key"
	}
	if kind, ok := sensitiveExts[path.Ext(base)]; ok {
		return kind
	}
	return ""
}
