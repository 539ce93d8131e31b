package artifacts

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestRefRoundTrip(t *testing.T) {
	ref := RefOf([]byte("claim output bundle"))
	parsed, err := ParseRef(ref.String())
	if err != nil {
		t.Fatalf("ParseRef failed: %v", err)
	}
	if parsed != ref {
		t.Fatalf("round trip mismatch: %s != %s", parsed, ref)
	}
}

func TestParseRefRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"deadbeef",
		"sha256:",
		"sha256:zzzz",
		"sha256:deadbeef", // too short
		"md5:d41d8cd98f00b204e9800998ecf8427e",
	}
	for _, c := range cases {
		if _, err := ParseRef(c); err == nil {
			t.Errorf("ParseRef(%q) accepted malformed ref", c)
		}
	}
}

func TestFileStorePutGet(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	ctx := context.Background()

	data := []byte("proposal patch for slot n1")
	ref, err := store.Put(ctx, data)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if ref != RefOf(data) {
		t.Fatalf("Put returned wrong ref: %s", ref)
	}

	got, err := store.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("Get returned different bytes")
	}
}

func TestFileStorePutIdempotent(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	ctx := context.Background()

	data := []byte("same bytes twice")
	first, err := store.Put(ctx, data)
	if err != nil {
		t.Fatalf("first Put failed: %v", err)
	}
	second, err := store.Put(ctx, data)
	if err != nil {
		t.Fatalf("second Put failed: %v", err)
	}
	if first != second {
		t.Fatalf("idempotent Put returned different refs: %s vs %s", first, second)
	}
}

func TestFileStoreGetMissing(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	_, err = store.Get(context.Background(), RefOf([]byte("never stored")))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFileStoreHasAndForget(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	ctx := context.Background()

	ref, err := store.Put(ctx, []byte("prunable after checkpoint"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	ok, err := store.Has(ctx, ref)
	if err != nil || !ok {
		t.Fatalf("Has = (%v, %v), want (true, nil)", ok, err)
	}

	if err := store.Forget(ctx, ref); err != nil {
		t.Fatalf("Forget failed: %v", err)
	}
	ok, err = store.Has(ctx, ref)
	if err != nil || ok {
		t.Fatalf("Has after Forget = (%v, %v), want (false, nil)", ok, err)
	}
	// Forget of an already-forgotten ref is not an error.
	if err := store.Forget(ctx, ref); err != nil {
		t.Fatalf("second Forget failed: %v", err)
	}
}

func TestFileStoreDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	ctx := context.Background()

	ref, err := store.Put(ctx, []byte("original bytes"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	h := ref.Hex()
	path := filepath.Join(dir, h[:2], h[2:])
	if err := os.WriteFile(path, []byte("tampered"), 0o644); err != nil {
		t.Fatalf("tamper write failed: %v", err)
	}

	_, err = store.Get(ctx, ref)
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestNewStoreFromEnvDefault(t *testing.T) {
	t.Setenv("CONCORD_CAS_BACKEND", "")
	t.Setenv("CONCORD_CAS_DIR", filepath.Join(t.TempDir(), "cas"))

	store, err := NewStoreFromEnv(context.Background())
	if err != nil {
		t.Fatalf("NewStoreFromEnv failed: %v", err)
	}
	if _, ok := store.(*FileStore); !ok {
		t.Fatalf("expected *FileStore, got %T", store)
	}
}

func TestNewStoreFromEnvS3MissingBucket(t *testing.T) {
	t.Setenv("CONCORD_CAS_BACKEND", "s3")
	t.Setenv("CONCORD_CAS_S3_BUCKET", "")

	if _, err := NewStoreFromEnv(context.Background()); err == nil {
		t.Fatal("expected error for missing bucket")
	}
}

func TestNewStoreFromEnvUnknownBackend(t *testing.T) {
	t.Setenv("CONCORD_CAS_BACKEND", "tape")

	if _, err := NewStoreFromEnv(context.Background()); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
