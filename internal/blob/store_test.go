package blob

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"speakeasy/internal/apperr"
	"speakeasy/internal/store"
)

func newTestStore(t *testing.T) (*Store, store.Repository) {
	t.Helper()
	repo, err := store.OpenSQLite(filepath.Join(t.TempDir(), "speakeasy.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	s, err := NewStore(t.TempDir(), repo)
	if err != nil {
		t.Fatalf("new blob store: %v", err)
	}
	return s, repo
}

func TestPutThenOpenRoundTrips(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	channelID := uuid.New()

	file, err := s.Put(ctx, PutInput{
		ChannelID: channelID,
		Filename:  "notes.txt",
		MIME:      "text/plain",
		Reader:    strings.NewReader("hello speakeasy"),
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if file.Size != int64(len("hello speakeasy")) {
		t.Fatalf("size = %d, want %d", file.Size, len("hello speakeasy"))
	}
	if file.SHA256 == "" {
		t.Fatal("expected a non-empty sha256")
	}

	result, err := s.Open(ctx, file.ID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer result.File.Close()

	buf := make([]byte, 64)
	n, _ := result.File.Read(buf)
	if got := string(buf[:n]); got != "hello speakeasy" {
		t.Fatalf("read back %q, want %q", got, "hello speakeasy")
	}
}

func TestPutRejectsChecksumMismatch(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, PutInput{
		ChannelID:      uuid.New(),
		Filename:       "evil.bin",
		Reader:         strings.NewReader("actual bytes"),
		ExpectedSHA256: "0000000000000000000000000000000000000000000000000000000000000000",
	})
	if err == nil {
		t.Fatal("expected checksum mismatch to be rejected")
	}
	if apperr.ReasonOf(err) != "checksum_mismatch" {
		t.Fatalf("reason = %q, want checksum_mismatch", apperr.ReasonOf(err))
	}
}

func TestPutRejectsDisallowedMIME(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, PutInput{
		ChannelID:   uuid.New(),
		Filename:    "script.exe",
		MIME:        "application/x-msdownload",
		AllowedMIME: []string{"image/png", "image/jpeg"},
		Reader:      strings.NewReader("bytes"),
	})
	if err == nil {
		t.Fatal("expected disallowed mime type to be rejected")
	}
	if apperr.ReasonOf(err) != "mime_mismatch" {
		t.Fatalf("reason = %q, want mime_mismatch", apperr.ReasonOf(err))
	}
}

func TestPutRejectsOverQuota(t *testing.T) {
	t.Parallel()
	s, repo := newTestStore(t)
	ctx := context.Background()
	channelID := uuid.New()

	if err := repo.SetSetting(ctx, quotaSettingKey, "10"); err != nil {
		t.Fatalf("set quota: %v", err)
	}

	_, err := s.Put(ctx, PutInput{
		ChannelID: channelID,
		Filename:  "too-big.bin",
		Reader:    strings.NewReader("this payload is definitely over ten bytes"),
	})
	if err == nil {
		t.Fatal("expected over-quota upload to be rejected")
	}
	if apperr.ReasonOf(err) != "quota_exceeded" {
		t.Fatalf("reason = %q, want quota_exceeded", apperr.ReasonOf(err))
	}
}

func TestPutDeduplicatesIdenticalContent(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	channelID := uuid.New()

	first, err := s.Put(ctx, PutInput{ChannelID: channelID, Filename: "a.txt", Reader: strings.NewReader("same bytes")})
	if err != nil {
		t.Fatalf("put first: %v", err)
	}
	second, err := s.Put(ctx, PutInput{ChannelID: channelID, Filename: "b.txt", Reader: strings.NewReader("same bytes")})
	if err != nil {
		t.Fatalf("put second: %v", err)
	}
	if first.StoragePath != second.StoragePath {
		t.Fatalf("expected identical content to share a storage path, got %q and %q", first.StoragePath, second.StoragePath)
	}
	if first.ID == second.ID {
		t.Fatal("expected distinct File rows for distinct uploads of the same content")
	}
}
