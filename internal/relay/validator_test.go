package relay

import (
	"archive/zip"
	"bytes"
	"testing"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 13, 'I', 'H', 'D', 'R'}

func pngBytes() []byte {
	return append(append([]byte{}, pngMagic...), bytes.Repeat([]byte{0x01}, 32)...)
}

func gifBytes() []byte {
	return append([]byte("GIF89a"), bytes.Repeat([]byte{0x02}, 32)...)
}

type entry struct {
	name    string
	content []byte
}

func buildZip(t *testing.T, entries []entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, e := range entries {
		fw, err := w.Create(e.name)
		if err != nil {
			t.Fatalf("zip create %s: %v", e.name, err)
		}
		if _, err := fw.Write(e.content); err != nil {
			t.Fatalf("zip write %s: %v", e.name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func TestValidateAcceptsWellFormedArchive(t *testing.T) {
	archive := buildZip(t, []entry{
		{"sprites/hero.png", pngBytes()},
		{"index.html", []byte("<html><body>makapix</body></html>")},
	})

	res := Validate(archive, DefaultPolicy())
	if !res.OK {
		t.Fatalf("expected accept, got reject: %s", res.Reason)
	}
	if len(res.Files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(res.Files))
	}
	if res.ContentHash == "" {
		t.Fatalf("expected a content hash")
	}
}

func TestHashIsOrderIndependent(t *testing.T) {
	a := File{Path: "a.png", Content: pngBytes()}
	b := File{Path: "b/index.html", Content: []byte("<html></html>")}

	h1 := HashFiles([]File{a, b})
	h2 := HashFiles([]File{b, a})
	if h1 != h2 {
		t.Fatalf("hash depends on input order: %s vs %s", h1, h2)
	}

	c := File{Path: "a.png", Content: gifBytes()}
	if HashFiles([]File{c, b}) == h1 {
		t.Fatalf("different content produced the same hash")
	}
}

func TestValidateRejectsPathTraversal(t *testing.T) {
	for _, name := range []string{"../evil.png", "/etc/evil.png", "a/../../b.png", `..\evil.png`} {
		archive := buildZip(t, []entry{{name, pngBytes()}})
		res := Validate(archive, DefaultPolicy())
		if res.OK {
			t.Fatalf("entry %q should have been rejected", name)
		}
		if res.RejectClass != RejectTraversal {
			t.Fatalf("entry %q: reject class %q, want %q (%s)", name, res.RejectClass, RejectTraversal, res.Reason)
		}
	}
}

func TestValidateRejectsBannedExtension(t *testing.T) {
	archive := buildZip(t, []entry{{"logo.svg", []byte(`<svg xmlns="http://www.w3.org/2000/svg"></svg>`)}})
	res := Validate(archive, DefaultPolicy())
	if res.OK || res.RejectClass != RejectBannedFormat {
		t.Fatalf("svg should be banned, got class=%q reason=%q", res.RejectClass, res.Reason)
	}

	// Always banned, even when a policy file forgets to list it.
	pol := DefaultPolicy()
	pol.BannedExtensions = nil
	res = Validate(archive, pol)
	if res.OK {
		t.Fatalf("svg must stay banned regardless of policy")
	}
}

func TestValidateRejectsVectorContentBehindBenignExtension(t *testing.T) {
	svg := []byte(`<?xml version="1.0"?><svg xmlns="http://www.w3.org/2000/svg"><script>alert(1)</script></svg>`)
	archive := buildZip(t, []entry{{"totally-a-picture.png", svg}})

	res := Validate(archive, DefaultPolicy())
	if res.OK {
		t.Fatalf("svg payload behind .png should have been rejected")
	}
	if res.RejectClass != RejectBannedFormat {
		t.Fatalf("reject class %q, want %q (%s)", res.RejectClass, RejectBannedFormat, res.Reason)
	}
}

func TestValidateRejectsSniffMismatch(t *testing.T) {
	archive := buildZip(t, []entry{{"art.png", gifBytes()}})
	res := Validate(archive, DefaultPolicy())
	if res.OK || res.RejectClass != RejectSniffMismatch {
		t.Fatalf("gif content behind .png should mismatch, got class=%q reason=%q", res.RejectClass, res.Reason)
	}
}

func TestValidateRejectsDisallowedExternalHost(t *testing.T) {
	archive := buildZip(t, []entry{
		{"index.html", []byte(`<img src="https://evil.example.com/x.png">`)},
	})
	res := Validate(archive, DefaultPolicy())
	if res.OK || res.RejectClass != RejectExternalHost {
		t.Fatalf("external host should be rejected, got class=%q reason=%q", res.RejectClass, res.Reason)
	}

	archive = buildZip(t, []entry{
		{"index.html", []byte(`<img src="https://raw.githubusercontent.com/u/r/main/x.png"> <a href="https://u.github.io/p/">p</a>`)},
	})
	res = Validate(archive, DefaultPolicy())
	if !res.OK {
		t.Fatalf("allow-listed hosts should pass, got: %s", res.Reason)
	}
}

func TestValidateRejectsUnknownExtension(t *testing.T) {
	archive := buildZip(t, []entry{{"tool.exe", bytes.Repeat([]byte{0x4d, 0x5a}, 16)}})
	res := Validate(archive, DefaultPolicy())
	if res.OK || res.RejectClass != RejectBannedFormat {
		t.Fatalf(".exe should be rejected, got class=%q reason=%q", res.RejectClass, res.Reason)
	}
}

func TestValidateEnforcesEntryCountLimit(t *testing.T) {
	pol := DefaultPolicy()
	pol.MaxEntries = 2
	archive := buildZip(t, []entry{
		{"a.png", pngBytes()},
		{"b.png", pngBytes()},
		{"c.png", pngBytes()},
	})
	res := Validate(archive, pol)
	if res.OK || res.RejectClass != RejectSize {
		t.Fatalf("entry count limit not enforced, got class=%q reason=%q", res.RejectClass, res.Reason)
	}
}

func TestValidateEnforcesArchiveSizeLimit(t *testing.T) {
	pol := DefaultPolicy()
	pol.MaxArchiveBytes = 64
	archive := buildZip(t, []entry{{"a.png", pngBytes()}})
	res := Validate(archive, pol)
	if res.OK || res.RejectClass != RejectSize {
		t.Fatalf("archive size limit not enforced, got class=%q reason=%q", res.RejectClass, res.Reason)
	}
}

func TestValidateRejectsEmptyArchive(t *testing.T) {
	archive := buildZip(t, nil)
	res := Validate(archive, DefaultPolicy())
	if res.OK {
		t.Fatalf("empty archive should be rejected")
	}
}

func TestValidateIsDeterministic(t *testing.T) {
	archive := buildZip(t, []entry{
		{"z.png", pngBytes()},
		{"a.png", pngBytes()},
		{"m/readme.md", []byte("pixel art pack")},
	})
	first := Validate(archive, DefaultPolicy())
	if !first.OK {
		t.Fatalf("unexpected reject: %s", first.Reason)
	}
	for i := 0; i < 5; i++ {
		again := Validate(archive, DefaultPolicy())
		if !again.OK || again.ContentHash != first.ContentHash {
			t.Fatalf("validation not deterministic on run %d", i)
		}
	}
}
