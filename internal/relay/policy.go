package relay

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Policy is injected configuration for the relay validator: size limits,
// the allowed declared-extension set with acceptable sniffed types, and
// the external-host allow-list. Vector image formats are banned
// unconditionally in code regardless of what a policy file says.
type Policy struct {
	MaxArchiveBytes int64 `yaml:"maxArchiveBytes"`
	MaxFileBytes    int64 `yaml:"maxFileBytes"`
	MaxEntries      int   `yaml:"maxEntries"`

	// AllowedTypes maps a declared extension (without dot) to the sniffed
	// content type prefixes acceptable for it.
	AllowedTypes map[string][]string `yaml:"allowedTypes"`

	// BannedExtensions rejects a declared extension outright.
	BannedExtensions []string `yaml:"bannedExtensions"`

	// AllowedHosts is the fixed set of hosts a published page may
	// reference. A host matches on equality or as a dot-suffix.
	AllowedHosts []string `yaml:"allowedHosts"`
}

// DefaultPolicy covers the formats a pixel-art bundle legitimately
// carries: raster images plus the manifest/page plumbing around them.
func DefaultPolicy() Policy {
	return Policy{
		MaxArchiveBytes: 32 << 20, // 32 MiB
		MaxFileBytes:    8 << 20,
		MaxEntries:      512,
		AllowedTypes: map[string][]string{
			"png":  {"image/png"},
			"gif":  {"image/gif"},
			"jpg":  {"image/jpeg"},
			"jpeg": {"image/jpeg"},
			"webp": {"image/webp"},
			"bmp":  {"image/bmp", "image/x-ms-bmp"},
			"html": {"text/html", "text/plain"},
			"htm":  {"text/html", "text/plain"},
			"css":  {"text/plain", "text/html"},
			"js":   {"text/plain", "application/javascript"},
			"json": {"text/plain", "application/json"},
			"txt":  {"text/plain"},
			"md":   {"text/plain"},
		},
		BannedExtensions: []string{"svg", "svgz", "eps", "ai", "pdf"},
		AllowedHosts:     []string{"raw.githubusercontent.com", "github.io"},
	}
}

// LoadPolicy reads a YAML policy file and overlays it on the defaults.
// Zero-valued fields keep their default.
func LoadPolicy(path string) (Policy, error) {
	pol := DefaultPolicy()
	if strings.TrimSpace(path) == "" {
		return pol, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return pol, fmt.Errorf("read policy %s: %w", path, err)
	}
	var overlay Policy
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return pol, fmt.Errorf("parse policy %s: %w", path, err)
	}
	if overlay.MaxArchiveBytes > 0 {
		pol.MaxArchiveBytes = overlay.MaxArchiveBytes
	}
	if overlay.MaxFileBytes > 0 {
		pol.MaxFileBytes = overlay.MaxFileBytes
	}
	if overlay.MaxEntries > 0 {
		pol.MaxEntries = overlay.MaxEntries
	}
	if len(overlay.AllowedTypes) > 0 {
		pol.AllowedTypes = overlay.AllowedTypes
	}
	if len(overlay.BannedExtensions) > 0 {
		pol.BannedExtensions = overlay.BannedExtensions
	}
	if len(overlay.AllowedHosts) > 0 {
		pol.AllowedHosts = overlay.AllowedHosts
	}
	return pol, nil
}

func (p Policy) extensionBanned(ext string) bool {
	// Embedded-script risk: vector formats stay banned no matter what the
	// policy file carries.
	if ext == "svg" || ext == "svgz" {
		return true
	}
	for _, b := range p.BannedExtensions {
		if strings.EqualFold(b, ext) {
			return true
		}
	}
	return false
}

func (p Policy) hostAllowed(host string) bool {
	host = strings.ToLower(host)
	for _, a := range p.AllowedHosts {
		a = strings.ToLower(a)
		if host == a || strings.HasSuffix(host, "."+a) {
			return true
		}
	}
	return false
}
