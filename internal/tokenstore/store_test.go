package tokenstore

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStore_RoundTrip(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	rec := &TokenRecord{AccessToken: "at-1", RefreshToken: "rt-1", ClientID: "client-1"}
	if err := s.Store("https://mcp.example.com/v1", rec); err != nil {
		t.Fatalf("store: %v", err)
	}

	got, err := s.Load("https://mcp.example.com/v1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got == nil || got.AccessToken != "at-1" || got.RefreshToken != "rt-1" {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestStore_NormalizedEndpointsShareAFile(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := s.Store("https://MCP.example.com/v1/", &TokenRecord{AccessToken: "at-1", ClientID: "c"}); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, err := s.Load("https://mcp.example.com/v1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got == nil {
		t.Fatal("expected record to be found under the normalized endpoint")
	}
}

func TestStore_Load_MissingReturnsNil(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	got, err := s.Load("https://nowhere.example.com")
	if err != nil || got != nil {
		t.Fatalf("expected (nil, nil), got (%+v, %v)", got, err)
	}
}

func TestStore_Load_DiscardsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	path := s.tokenPath("https://mcp.example.com")
	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}

	got, err := s.Load("https://mcp.example.com")
	if err != nil || got != nil {
		t.Fatalf("expected (nil, nil) for corrupt file, got (%+v, %v)", got, err)
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Fatal("expected corrupt file to be removed")
	}
}

func TestStore_RoundTrip_Encrypted(t *testing.T) {
	dir := t.TempDir()
	enc, err := GenerateIdentity(filepath.Join(dir, "identity.age"))
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}

	s, err := New(filepath.Join(dir, "tokens"), enc)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	rec := &TokenRecord{AccessToken: "secret-at", ClientID: "client-1"}
	if err := s.Store("https://mcp.example.com", rec); err != nil {
		t.Fatalf("store: %v", err)
	}

	raw, err := os.ReadFile(s.tokenPath("https://mcp.example.com"))
	if err != nil {
		t.Fatalf("read raw file: %v", err)
	}
	if bytes.Contains(raw, []byte("secret-at")) {
		t.Fatal("access token must not appear in plaintext on disk when encryption is configured")
	}

	got, err := s.Load("https://mcp.example.com")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got == nil || got.AccessToken != "secret-at" {
		t.Fatalf("unexpected decrypted record: %+v", got)
	}
}

func TestAcquireLock_ConflictsThenReleases(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	h1, err := s.AcquireLock("https://mcp.example.com", 51000, time.Minute)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	if _, err := s.AcquireLock("https://mcp.example.com", 51001, time.Minute); err == nil {
		t.Fatal("expected second acquire to fail while the first lock is live")
	} else if busy, ok := err.(*Busy); !ok || busy.OwnerPort != 51000 {
		t.Fatalf("expected *Busy with owner port 51000, got %v", err)
	}

	if err := h1.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := h1.Release(); err != nil {
		t.Fatalf("release must be idempotent: %v", err)
	}

	h2, err := s.AcquireLock("https://mcp.example.com", 51002, time.Minute)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	_ = h2.Release()
}

func TestAcquireLock_ReapsStaleLockByAge(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	h1, err := s.AcquireLock("https://mcp.example.com", 51000, time.Millisecond)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer h1.Release()

	time.Sleep(5 * time.Millisecond)

	h2, err := s.AcquireLock("https://mcp.example.com", 51003, time.Millisecond)
	if err != nil {
		t.Fatalf("expected stale lock to be reaped, got: %v", err)
	}
	_ = h2.Release()
}

func TestWriteFileAtomic_NoPartialWriteVisible(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "record.json")
	if err := writeFileAtomic(path, []byte(`{"access_token":"a"}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != "record.json" {
			t.Fatalf("expected no leftover temp files, found %q", e.Name())
		}
	}
}
