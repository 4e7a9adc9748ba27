// Package relay validates untrusted artwork archives before any
// external side effect occurs. It is pure: no network access, no
// credential access, deterministic output for a given input.
package relay

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"path"
	"regexp"
	"sort"
	"strings"
)

// File is one normalized archive entry.
type File struct {
	Path     string
	Size     int64
	Declared string // content type family implied by the extension
	Sniffed  string // detected from the first bytes
	Content  []byte
}

// Reject reason classes, used for metrics and operator triage.
const (
	RejectArchive       = "archive"
	RejectSize          = "size"
	RejectTraversal     = "traversal"
	RejectBannedFormat  = "banned_format"
	RejectSniffMismatch = "sniff_mismatch"
	RejectExternalHost  = "external_host"
)

// Result is the verdict for one archive. Owned by the job attempt that
// requested validation; never persisted on its own.
type Result struct {
	OK          bool
	Reason      string
	RejectClass string

	Files       []File
	TotalBytes  int64
	ContentHash string
}

var urlPattern = regexp.MustCompile(`https?://([A-Za-z0-9][A-Za-z0-9.-]*)`)

// Validate checks an uploaded archive against the policy. Checks run in
// order and short-circuit on the first violation: archive limits, per
// entry path/format/sniff checks, external resource hosts, and finally
// the canonical content hash over the accepted set.
func Validate(archive []byte, pol Policy) *Result {
	if int64(len(archive)) > pol.MaxArchiveBytes {
		return reject(RejectSize, fmt.Sprintf("archive is %d bytes, limit %d", len(archive), pol.MaxArchiveBytes))
	}

	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return reject(RejectArchive, fmt.Sprintf("unreadable archive: %v", err))
	}

	entries := 0
	var files []File
	var total int64
	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() {
			continue
		}
		entries++
		if entries > pol.MaxEntries {
			return reject(RejectSize, fmt.Sprintf("more than %d entries", pol.MaxEntries))
		}

		name := zf.Name
		if bad, why := unsafePath(name); bad {
			return reject(RejectTraversal, fmt.Sprintf("entry %q: %s", name, why))
		}
		clean := path.Clean(name)

		ext := strings.ToLower(strings.TrimPrefix(path.Ext(clean), "."))
		if pol.extensionBanned(ext) {
			return reject(RejectBannedFormat, fmt.Sprintf("entry %q: extension .%s is banned", clean, ext))
		}
		accepted, known := pol.AllowedTypes[ext]
		if !known {
			return reject(RejectBannedFormat, fmt.Sprintf("entry %q: extension .%s is not allowed", clean, ext))
		}

		if zf.UncompressedSize64 > uint64(pol.MaxFileBytes) {
			return reject(RejectSize, fmt.Sprintf("entry %q exceeds per-file limit %d", clean, pol.MaxFileBytes))
		}

		rc, err := zf.Open()
		if err != nil {
			return reject(RejectArchive, fmt.Sprintf("entry %q: %v", clean, err))
		}
		// LimitReader guards against lying zip headers.
		content, err := io.ReadAll(io.LimitReader(rc, pol.MaxFileBytes+1))
		rc.Close()
		if err != nil {
			return reject(RejectArchive, fmt.Sprintf("entry %q: %v", clean, err))
		}
		if int64(len(content)) > pol.MaxFileBytes {
			return reject(RejectSize, fmt.Sprintf("entry %q exceeds per-file limit %d", clean, pol.MaxFileBytes))
		}
		total += int64(len(content))
		if total > pol.MaxArchiveBytes {
			return reject(RejectSize, fmt.Sprintf("archive exceeds %d uncompressed bytes", pol.MaxArchiveBytes))
		}

		sniffed := sniff(content)
		if looksLikeVector(content, sniffed) {
			return reject(RejectBannedFormat, fmt.Sprintf("entry %q: content sniffed as a vector image", clean))
		}
		if !typeAccepted(sniffed, accepted) {
			return reject(RejectSniffMismatch,
				fmt.Sprintf("entry %q declares .%s but content sniffs as %s", clean, ext, sniffed))
		}

		if strings.HasPrefix(sniffed, "text/") {
			if host, ok := firstDisallowedHost(content, pol); ok {
				return reject(RejectExternalHost, fmt.Sprintf("entry %q references disallowed host %q", clean, host))
			}
		}

		files = append(files, File{
			Path:     clean,
			Size:     int64(len(content)),
			Declared: ext,
			Sniffed:  sniffed,
			Content:  content,
		})
	}

	if len(files) == 0 {
		return reject(RejectArchive, "archive contains no files")
	}

	return &Result{
		OK:          true,
		Files:       files,
		TotalBytes:  total,
		ContentHash: HashFiles(files),
	}
}

// HashFiles computes the canonical content hash of a normalized file
// set: sha256 over the sorted-path sequence of (path, content) pairs,
// each length-prefixed so the encoding is unambiguous. The same files
// in any input order produce the same hash.
func HashFiles(files []File) string {
	sorted := make([]File, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	h := sha256.New()
	var buf [binary.MaxVarintLen64]byte
	for _, f := range sorted {
		n := binary.PutUvarint(buf[:], uint64(len(f.Path)))
		h.Write(buf[:n])
		h.Write([]byte(f.Path))
		n = binary.PutUvarint(buf[:], uint64(len(f.Content)))
		h.Write(buf[:n])
		h.Write(f.Content)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func reject(class, reason string) *Result {
	return &Result{OK: false, RejectClass: class, Reason: reason}
}

func unsafePath(name string) (bool, string) {
	if name == "" {
		return true, "empty path"
	}
	if strings.HasPrefix(name, "/") || strings.HasPrefix(name, "\\") {
		return true, "absolute path"
	}
	if strings.Contains(name, "\\") {
		return true, "backslash in path"
	}
	if len(name) > 1 && name[1] == ':' {
		return true, "drive-letter path"
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return true, "path traversal"
		}
	}
	// Clean must not escape either; catches sequences like "a/../../b".
	if strings.HasPrefix(path.Clean(name), "..") {
		return true, "path traversal"
	}
	return false, ""
}

func sniff(content []byte) string {
	t := http.DetectContentType(content)
	if i := strings.Index(t, ";"); i >= 0 {
		t = t[:i]
	}
	return strings.TrimSpace(t)
}

// looksLikeVector catches SVG payloads hiding behind a benign declared
// extension; DetectContentType reports them as xml or plain text.
func looksLikeVector(content []byte, sniffed string) bool {
	if strings.Contains(sniffed, "svg") {
		return true
	}
	if sniffed != "text/xml" && sniffed != "application/xml" && !strings.HasPrefix(sniffed, "text/") {
		return false
	}
	head := bytes.ToLower(content)
	if len(head) > 1024 {
		head = head[:1024]
	}
	return bytes.Contains(head, []byte("<svg"))
}

func typeAccepted(sniffed string, accepted []string) bool {
	for _, a := range accepted {
		if sniffed == a || strings.HasPrefix(sniffed, a) {
			return true
		}
	}
	return false
}

func firstDisallowedHost(content []byte, pol Policy) (string, bool) {
	for _, m := range urlPattern.FindAllSubmatch(content, -1) {
		host := string(m[1])
		if !pol.hostAllowed(host) {
			return host, true
		}
	}
	return "", false
}
