// Package blob is the content-addressed file store behind spec §6
// ("Files: uploaded files are stored at a configurable root under a
// content-addressed path; the sha256 is verified at close; rejections
// occur on mime mismatch, size over quota, or checksum mismatch").
// Grounded on teacher's internal/blob/store.go (temp-file-then-rename
// write path, the Put/Open shape), generalized from an opaque
// UUID-named blob plus a separate sqlite metadata row into a
// sha256-addressed path with metadata persisted through the Repository
// façade's Files sub-interface instead of a bespoke table.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"speakeasy/internal/apperr"
	"speakeasy/internal/model"
	"speakeasy/internal/store"
)

const (
	defaultContentType         = "application/octet-stream"
	quotaSettingKey             = "file_quota_bytes_per_channel"
	defaultChannelQuota   int64 = 1 << 30 // 1 GiB, used when the setting is unset
)

// Store coordinates blob bytes on disk (content-addressed by sha256)
// with metadata in the Repository.
type Store struct {
	rootDir string
	repo    store.Repository
}

// PutInput is the data required to write one uploaded file.
type PutInput struct {
	ChannelID uuid.UUID
	// UploaderID is the acting user recorded on the resulting File row.
	UploaderID uuid.UUID
	Filename   string
	MIME       string
	// AllowedMIME, if non-empty, rejects uploads whose declared MIME type
	// isn't in the set (spec §6 "rejections occur on mime mismatch").
	AllowedMIME []string
	// ExpectedSHA256, if set, is the client-declared checksum; a mismatch
	// against the bytes actually received is a rejection, not silently
	// corrected to the computed value.
	ExpectedSHA256 string
	Reader         io.Reader
}

// NewStore creates a blob store rooted at rootDir, backed by repo for
// metadata and quota accounting.
func NewStore(rootDir string, repo store.Repository) (*Store, error) {
	rootDir = strings.TrimSpace(rootDir)
	if rootDir == "" {
		return nil, fmt.Errorf("blob root directory is required")
	}
	if repo == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	slog.Debug("blob store initialized", "dir", rootDir)
	return &Store{rootDir: rootDir, repo: repo}, nil
}

// Put writes input's bytes to a content-addressed path, verifies them
// against quota/mime/checksum constraints, and persists a model.File
// row. On any rejection the partially-written bytes are discarded and
// nothing is persisted.
func (s *Store) Put(ctx context.Context, input PutInput) (*model.File, error) {
	if input.Reader == nil {
		return nil, apperr.New("blob.put", apperr.BadRequest, fmt.Errorf("reader is required"))
	}
	filename := strings.TrimSpace(input.Filename)
	if filename == "" {
		return nil, apperr.New("blob.put", apperr.BadRequest, fmt.Errorf("filename is required"))
	}
	mime := strings.TrimSpace(input.MIME)
	if mime == "" {
		mime = defaultContentType
	}
	if len(input.AllowedMIME) > 0 && !mimeAllowed(mime, input.AllowedMIME) {
		return nil, apperr.WithReason("blob.put", apperr.BadRequest, "mime_mismatch", fmt.Errorf("mime type %q is not accepted for this channel", mime))
	}

	tempFile, err := os.CreateTemp(s.rootDir, ".blob-write-*")
	if err != nil {
		return nil, apperr.New("blob.put", apperr.Internal, fmt.Errorf("create temp blob file: %w", err))
	}
	tempPath := tempFile.Name()

	hasher := sha256.New()
	size, copyErr := io.Copy(io.MultiWriter(tempFile, hasher), input.Reader)
	closeErr := tempFile.Close()
	if copyErr != nil {
		_ = os.Remove(tempPath)
		return nil, apperr.New("blob.put", apperr.Internal, fmt.Errorf("write blob bytes: %w", copyErr))
	}
	if closeErr != nil {
		_ = os.Remove(tempPath)
		return nil, apperr.New("blob.put", apperr.Internal, fmt.Errorf("close blob file: %w", closeErr))
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	if input.ExpectedSHA256 != "" && !strings.EqualFold(input.ExpectedSHA256, sum) {
		_ = os.Remove(tempPath)
		return nil, apperr.WithReason("blob.put", apperr.BadRequest, "checksum_mismatch", fmt.Errorf("computed sha256 %s does not match declared %s", sum, input.ExpectedSHA256))
	}

	quota, err := s.channelQuota(ctx)
	if err != nil {
		_ = os.Remove(tempPath)
		return nil, err
	}
	used, err := s.repo.ChannelQuotaUsed(ctx, input.ChannelID)
	if err != nil {
		_ = os.Remove(tempPath)
		return nil, err
	}
	if used+size > quota {
		_ = os.Remove(tempPath)
		return nil, apperr.WithReason("blob.put", apperr.Conflict, "quota_exceeded", fmt.Errorf("channel quota of %d bytes would be exceeded by %d more bytes", quota, used+size-quota))
	}

	storagePath := contentAddressedPath(sum)
	finalPath := filepath.Join(s.rootDir, storagePath)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		_ = os.Remove(tempPath)
		return nil, apperr.New("blob.put", apperr.Internal, fmt.Errorf("create blob subdirectory: %w", err))
	}
	if _, err := os.Stat(finalPath); err == nil {
		// Identical content already stored under this hash; drop the
		// duplicate temp file and reuse the existing on-disk copy.
		_ = os.Remove(tempPath)
	} else if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)
		return nil, apperr.New("blob.put", apperr.Internal, fmt.Errorf("move blob into place: %w", err))
	}

	file := &model.File{
		ChannelID:   input.ChannelID,
		UploaderID:  input.UploaderID,
		Filename:    filename,
		MIME:        mime,
		Size:        size,
		StoragePath: storagePath,
		SHA256:      sum,
	}
	if err := s.repo.CreateFile(ctx, file); err != nil {
		return nil, err
	}

	slog.Info("blob stored", "file_id", file.ID, "name", filename, "size", size, "sha256", sum)
	return file, nil
}

// OpenResult is a File row + opened on-disk stream tuple.
type OpenResult struct {
	Metadata *model.File
	File     *os.File
}

// Open resolves a File row and opens its corresponding on-disk blob.
func (s *Store) Open(ctx context.Context, id uuid.UUID) (OpenResult, error) {
	meta, err := s.repo.GetFile(ctx, id)
	if err != nil {
		return OpenResult{}, err
	}

	path := filepath.Join(s.rootDir, meta.StoragePath)
	f, err := os.Open(path)
	if err != nil {
		slog.Error("blob file open failed", "file_id", id, "path", path, "err", err)
		return OpenResult{}, apperr.New("blob.open", apperr.Internal, fmt.Errorf("open blob file: %w", err))
	}

	slog.Debug("blob opened", "file_id", id, "size", meta.Size)
	return OpenResult{Metadata: meta, File: f}, nil
}

// Delete removes a File row. The underlying blob is left on disk: its
// path is content-addressed, so another row may share the same bytes
// (the dedup path in Put), and this façade has no reference-count
// query to safely decide otherwise.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	return s.repo.DeleteFile(ctx, id)
}

func (s *Store) channelQuota(ctx context.Context) (int64, error) {
	raw, ok, err := s.repo.GetSetting(ctx, quotaSettingKey)
	if err != nil {
		return 0, err
	}
	if !ok || raw == "" {
		return defaultChannelQuota, nil
	}
	quota, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || quota <= 0 {
		return defaultChannelQuota, nil
	}
	return quota, nil
}

// contentAddressedPath shards by the first two hex bytes to keep any
// one directory from accumulating an unbounded number of entries.
func contentAddressedPath(sum string) string {
	if len(sum) < 4 {
		return sum
	}
	return filepath.Join(sum[:2], sum[2:4], sum)
}

func mimeAllowed(mime string, allowed []string) bool {
	for _, a := range allowed {
		if strings.EqualFold(a, mime) {
			return true
		}
	}
	return false
}
