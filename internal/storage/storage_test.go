package storage

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalPutGetDelete(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l, err := NewLocal(dir)
	if err != nil {
		t.Fatalf("new local: %v", err)
	}
	if err := l.Put(ctx, InputKey("abc"), []byte("%PDF-1.4"), "application/pdf"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "inputs", "abc")); err != nil {
		t.Fatalf("expected file on disk: %v", err)
	}
	got, err := l.Get(ctx, InputKey("abc"))
	if err != nil || string(got) != "%PDF-1.4" {
		t.Fatalf("get returned %q err=%v", got, err)
	}
	if err := l.Delete(ctx, InputKey("abc")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := l.Get(ctx, InputKey("abc")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
	if err := l.Delete(ctx, InputKey("abc")); err != nil {
		t.Fatalf("deleting a missing blob should be a no-op: %v", err)
	}
}

func TestLocalRejectsEscapingKeys(t *testing.T) {
	l, _ := NewLocal(t.TempDir())
	for _, key := range []string{"../etc/passwd", "/abs", "inputs/../../x", "", "a\\b", "inputs//x"} {
		if err := l.Put(context.Background(), key, []byte("x"), ""); err == nil {
			t.Fatalf("key %q should be rejected", key)
		}
	}
}

func TestCompressedRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l, _ := NewLocal(dir)
	c, err := NewCompressed(l)
	if err != nil {
		t.Fatalf("new compressed: %v", err)
	}
	body := bytes.Repeat([]byte("entropy 7.91 "), 1000)
	if err := c.Put(ctx, ResultKey("j1"), body, "text/plain"); err != nil {
		t.Fatalf("put: %v", err)
	}
	raw, _ := os.ReadFile(filepath.Join(dir, "results", "j1"))
	if len(raw) >= len(body) {
		t.Fatalf("expected compressed blob smaller than %d, got %d", len(body), len(raw))
	}
	got, err := c.Get(ctx, ResultKey("j1"))
	if err != nil || !bytes.Equal(got, body) {
		t.Fatalf("round trip mismatch err=%v", err)
	}
	if _, err := c.Get(ctx, ResultKey("missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
}

func TestDigestIsStable(t *testing.T) {
	a := Digest([]byte("hello"))
	if a != Digest([]byte("hello")) || len(a) != 64 {
		t.Fatalf("unexpected digest %q", a)
	}
	if a == Digest([]byte("hello!")) {
		t.Fatalf("different inputs share a digest")
	}
}
