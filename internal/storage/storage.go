// Package storage archives admitted CSV uploads.
//
// Each admitted file is written once under UploadKey. The engine removes it
// again if recording the upload fails, and the download endpoint streams it
// back to its owner. Two backends exist: a local directory for development
// and Cloudflare R2 (or any S3-compatible endpoint) for production.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Storage is an archive of uploaded files.
type Storage interface {
	// Put writes data under key and reports its size and digest. Keys are
	// never reused, so an existing key fails with ErrKeyExists.
	Put(ctx context.Context, key string, data io.ReadSeeker, opts PutOptions) (ObjectInfo, error)

	// Open streams the object at key. The caller closes the reader.
	// A missing key fails with ErrNotFound.
	Open(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)

	// Delete removes the object at key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether an object is stored at key.
	Exists(ctx context.Context, key string) (bool, error)
}

// PutOptions configures a single write.
type PutOptions struct {
	// ContentType is recorded with the object. Empty means text/csv.
	ContentType string

	// MaxSize rejects larger objects with ErrTooLarge. Zero means no limit.
	MaxSize int64
}

// ObjectInfo describes an archived object.
type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
	// SHA256 is the hex digest of the content. It is empty when the backend
	// cannot report it.
	SHA256  string
	ModTime time.Time
}

// digest hashes data from its current position to the end and rewinds it.
func digest(data io.ReadSeeker) (sum string, size int64, err error) {
	h := sha256.New()
	size, err = io.Copy(h, data)
	if err != nil {
		return "", 0, fmt.Errorf("hash upload: %w", err)
	}
	if _, err := data.Seek(-size, io.SeekCurrent); err != nil {
		return "", 0, fmt.Errorf("rewind upload: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// validateKey rejects empty keys and keys that climb out of the archive.
func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return ErrInvalidKey
	}
	for _, part := range strings.Split(filepath.ToSlash(key), "/") {
		if part == ".." {
			return ErrInvalidKey
		}
	}
	return nil
}

// =============================================================================
// Configuration
// =============================================================================

const (
	ProviderLocal = "local"
	ProviderR2    = "r2"
)

// LocalConfig configures the directory archive.
type LocalConfig struct {
	// BasePath is the archive root, e.g. "./storage".
	BasePath string
}

// R2Config configures the Cloudflare R2 archive.
type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string

	// Region defaults to "auto", which R2 accepts for every bucket.
	Region string

	// Endpoint replaces the account endpoint, e.g. a MinIO container in
	// integration tests. Path-style addressing is used when it is set.
	Endpoint string
}

// Config selects and configures a storage provider.
type Config struct {
	Provider string
	Local    LocalConfig
	R2       R2Config
}

// New creates the Storage named by cfg.Provider. An empty provider means
// local.
func New(cfg Config, logger *slog.Logger) (Storage, error) {
	switch cfg.Provider {
	case ProviderLocal, "":
		return NewLocalStorage(cfg.Local, logger)
	case ProviderR2:
		return NewR2Storage(cfg.R2, logger)
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}
}

// =============================================================================
// Key Generation Helpers
// =============================================================================

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// UploadKey generates the archive key for an admitted upload.
// Format: uploads/{yyyy}/{mm}/{uploadID}/{sanitized name}
//
// The date prefix is taken from the upload id's creation time when the id is
// a version 7 UUID and from the current time otherwise.
//
// Example: "uploads/2025/03/0195a1b2-.../ledger.csv"
func UploadKey(uploadID uuid.UUID, filename string) string {
	ts := time.Now().UTC()
	if uploadID.Version() == 7 {
		sec, nsec := uploadID.Time().UnixTime()
		ts = time.Unix(sec, nsec).UTC()
	}
	return fmt.Sprintf("uploads/%04d/%02d/%s/%s", ts.Year(), ts.Month(), uploadID, SanitizeFilename(filename))
}

// SanitizeFilename reduces a client-supplied file name to a safe key segment.
// Directory components are dropped and anything outside [A-Za-z0-9._-] is
// replaced with an underscore. Empty results become "upload.csv".
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = unsafeNameChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		return "upload.csv"
	}
	if filepath.Ext(name) == "" {
		name += ".csv"
	}
	return name
}
