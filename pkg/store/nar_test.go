package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func TestNarFileRoundTrip(t *testing.T) {
	contents := []byte("hello queue runner")
	var buf bytes.Buffer
	if err := WriteNarFile(&buf, contents); err != nil {
		t.Fatalf("WriteNarFile: %v", err)
	}

	members, err := ExtractNarMembers(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("ExtractNarMembers: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("members = %d, want 1", len(members))
	}
	m := members[0]
	if m.Type != "regular" || m.Name != "" {
		t.Errorf("member = %+v", m)
	}
	if m.Size != int64(len(contents)) {
		t.Errorf("size = %d, want %d", m.Size, len(contents))
	}
	sum := sha256.Sum256(contents)
	if m.Sha256 != hex.EncodeToString(sum[:]) {
		t.Errorf("sha256 mismatch")
	}
}

// narBuilder writes NAR structures by hand for parser tests.
type narBuilder struct {
	buf bytes.Buffer
}

func (n *narBuilder) str(s string) {
	narWriteString(&n.buf, s)
}

func TestNarDirectory(t *testing.T) {
	var n narBuilder
	n.str("nix-archive-1")
	n.str("(")
	n.str("type")
	n.str("directory")
	n.str("entry")
	n.str("(")
	n.str("name")
	n.str("bin")
	n.str("node")
	n.str("(")
	n.str("type")
	n.str("symlink")
	n.str("target")
	n.str("../libexec/tool")
	n.str(")")
	n.str(")")
	n.str(")")

	members, err := ExtractNarMembers(bytes.NewReader(n.buf.Bytes()))
	if err != nil {
		t.Fatalf("ExtractNarMembers: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("members = %d, want 2", len(members))
	}
	if members[0].Type != "directory" {
		t.Errorf("root type = %q", members[0].Type)
	}
	if members[1].Type != "symlink" || members[1].Name != "bin" || members[1].Target != "../libexec/tool" {
		t.Errorf("symlink member = %+v", members[1])
	}
}

func TestNarRejectsGarbage(t *testing.T) {
	if _, err := ExtractNarMembers(bytes.NewReader([]byte("not a nar at all"))); err == nil {
		t.Error("garbage accepted as a NAR")
	}
}
