package blob

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestNewKey(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"cat.png", "/cat.png"},
		{"../../etc/passwd", "/passwd"},
		{`C:\Users\me\doc.pdf`, "/doc.pdf"},
		{"", "/file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewKey(tt.name)
			if !strings.HasPrefix(got, "attachments/") || !strings.HasSuffix(got, tt.want) {
				t.Errorf("NewKey(%q) = %q", tt.name, got)
			}
		})
	}
	if NewKey("a") == NewKey("a") {
		t.Error("NewKey returned the same key twice")
	}
}

func TestDirRoundTrip(t *testing.T) {
	ctx := context.Background()
	d, err := NewDir(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	key := NewKey("note.txt")
	if err := d.Put(ctx, key, strings.NewReader("hello"), 5, "text/plain"); err != nil {
		t.Fatal(err)
	}
	rc, err := d.Open(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(data) != "hello" {
		t.Errorf("read %q, want hello", data)
	}

	if err := d.Delete(ctx, key); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Open(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Errorf("Open after Delete err = %v, want ErrNotFound", err)
	}
	// Deleting twice is fine.
	if err := d.Delete(ctx, key); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}

func TestDirRejectsEscape(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	d, err := NewDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Put(ctx, "../outside", strings.NewReader("x"), 1, ""); err != nil {
		t.Fatal(err)
	}
	p, _ := d.path("../outside")
	if !strings.HasPrefix(p, root) {
		t.Errorf("path %q escapes root %q", p, root)
	}
}
