package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/csvmeter/internal/domain"
)

const ledgerCSV = "ACTIVITY_PERIOD,AMOUNT\n2024-01,10\n2024-02,12\n"

// sha256 of ledgerCSV
const ledgerSum = "aa4165e82a88afe37062bcd6e77bba3df533b32f4bd60637d54672b251c316a3"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLocal(t *testing.T) *LocalStorage {
	t.Helper()
	s, err := NewLocalStorage(LocalConfig{BasePath: t.TempDir()}, testLogger())
	require.NoError(t, err)
	return s
}

func TestLocalStorage_RoundTrip(t *testing.T) {
	s := newLocal(t)
	ctx := context.Background()
	key := UploadKey(uuid.New(), "ledger.csv")

	info, err := s.Put(ctx, key, strings.NewReader(ledgerCSV), PutOptions{})
	require.NoError(t, err)
	assert.Equal(t, key, info.Key)
	assert.Equal(t, int64(len(ledgerCSV)), info.Size)
	assert.Equal(t, CSVContentType, info.ContentType)
	assert.Equal(t, ledgerSum, info.SHA256)

	exists, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)

	rc, opened, err := s.Open(ctx, key)
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, ledgerCSV, string(body), "open rewinds after hashing")
	assert.Equal(t, info.SHA256, opened.SHA256)
	assert.Equal(t, info.Size, opened.Size)

	require.NoError(t, s.Delete(ctx, key))
	require.NoError(t, s.Delete(ctx, key), "delete is idempotent")

	_, _, err = s.Open(ctx, key)
	assert.True(t, IsNotFound(err))
}

func TestLocalStorage_PutRules(t *testing.T) {
	s := newLocal(t)
	ctx := context.Background()

	_, err := s.Put(ctx, "uploads/a.csv", strings.NewReader("one"), PutOptions{})
	require.NoError(t, err)

	_, err = s.Put(ctx, "uploads/a.csv", strings.NewReader("two"), PutOptions{})
	assert.True(t, IsKeyExists(err), "keys are written once")

	_, err = s.Put(ctx, "uploads/big.csv", strings.NewReader("0123456789"), PutOptions{MaxSize: 5})
	assert.True(t, IsTooLarge(err))
	exists, err := s.Exists(ctx, "uploads/big.csv")
	require.NoError(t, err)
	assert.False(t, exists, "oversized file is not left behind")

	for _, key := range []string{"", "../escape.csv", "uploads/../../escape.csv", "/etc/passwd"} {
		_, err = s.Put(ctx, key, strings.NewReader("x"), PutOptions{})
		assert.True(t, IsInvalidKey(err), "key %q", key)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.Put(cancelled, "uploads/c.csv", strings.NewReader("x"), PutOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDigest_RewindsPartiallyReadInput(t *testing.T) {
	r := strings.NewReader("skip" + ledgerCSV)
	_, err := r.Seek(4, io.SeekStart)
	require.NoError(t, err)

	sum, size, err := digest(r)
	require.NoError(t, err)
	assert.Equal(t, ledgerSum, sum)
	assert.Equal(t, int64(len(ledgerCSV)), size)

	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, ledgerCSV, string(rest))
}

func TestToDomain(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"not found", &StorageError{Op: "open", Key: "k", Err: ErrNotFound}, domain.ENOTFOUND},
		{"too large", &StorageError{Op: "put", Key: "k", Err: ErrTooLarge}, domain.ETOOLARGE},
		{"invalid key", &StorageError{Op: "put", Key: "..", Err: ErrInvalidKey}, domain.EINVALID},
		{"other", errors.New("disk on fire"), domain.EINTERNAL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, domain.ErrorCode(ToDomain(tt.err, "test.op")))
		})
	}
	assert.NoError(t, ToDomain(nil, "test.op"))
}

func TestClassifyS3Error(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{"NoSuchKey", ErrNotFound},
		{"PreconditionFailed", ErrKeyExists},
		{"AccessDenied", ErrAccessDenied},
		{"EntityTooLarge", ErrTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := classifyS3Error(&smithy.GenericAPIError{Code: tt.code})
			assert.ErrorIs(t, err, tt.want)
		})
	}

	other := classifyS3Error(&smithy.GenericAPIError{Code: "SlowDown"})
	assert.False(t, IsNotFound(other))
	assert.Contains(t, other.Error(), "r2:")
}

// fakeBucket answers just enough of the S3 API for existence checks,
// conditional writes and deletes.
func fakeBucket(t *testing.T, objects map[string]bool) *R2Storage {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/archive/")
		switch r.Method {
		case http.MethodHead:
			if !objects[key] {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Length", "0")
			w.WriteHeader(http.StatusOK)
		case http.MethodPut:
			if objects[key] && r.Header.Get("If-None-Match") == "*" {
				w.Header().Set("Content-Type", "application/xml")
				w.WriteHeader(http.StatusPreconditionFailed)
				_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>PreconditionFailed</Code><Message>At least one of the pre-conditions you specified did not hold</Message></Error>`)
				return
			}
			_, _ = io.Copy(io.Discard, r.Body)
			objects[key] = true
			w.WriteHeader(http.StatusOK)
		case http.MethodDelete:
			delete(objects, key)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(srv.Close)

	s, err := NewR2Storage(R2Config{
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		BucketName:      "archive",
		Endpoint:        srv.URL,
	}, testLogger())
	require.NoError(t, err)
	return s
}

func TestR2Storage_ExistsAndDelete(t *testing.T) {
	objects := map[string]bool{"uploads/a.csv": true}
	s := fakeBucket(t, objects)
	ctx := context.Background()

	exists, err := s.Exists(ctx, "uploads/a.csv")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.Exists(ctx, "uploads/missing.csv")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, s.Delete(ctx, "uploads/a.csv"))
	assert.False(t, objects["uploads/a.csv"])

	_, err = s.Exists(ctx, "../a.csv")
	assert.True(t, IsInvalidKey(err))
}

func TestR2Storage_PutRefusesExistingKey(t *testing.T) {
	s := fakeBucket(t, map[string]bool{"uploads/a.csv": true})

	_, err := s.Put(context.Background(), "uploads/a.csv", strings.NewReader(ledgerCSV), PutOptions{})
	assert.True(t, IsKeyExists(err), "got %v", err)

	_, err = s.Put(context.Background(), "uploads/b.csv", strings.NewReader(ledgerCSV), PutOptions{MaxSize: 4})
	assert.True(t, IsTooLarge(err), "size is checked before sending")
}

func TestUploadKey(t *testing.T) {
	id := uuid.Must(uuid.NewV7())
	key := UploadKey(id, "reports/Q1 ledger (final).csv")

	assert.True(t, strings.HasPrefix(key, "uploads/"))
	assert.True(t, strings.HasSuffix(key, "/"+id.String()+"/Q1_ledger_final_.csv"), key)
	assert.Len(t, strings.Split(key, "/"), 5)
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "ledger.csv", "ledger.csv"},
		{"path stripped", "../../etc/passwd", "passwd.csv"},
		{"windows path", `C:\Users\me\data.csv`, "data.csv"},
		{"spaces", "my data.csv", "my_data.csv"},
		{"empty", "", "upload.csv"},
		{"only dots", "...", "upload.csv"},
		{"tsv kept", "export.tsv", "export.tsv"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeFilename(tt.in))
		})
	}
}

func TestDetectContentType(t *testing.T) {
	tests := []struct {
		name     string
		provided string
		filename string
		data     io.Reader
		want     string
	}{
		{"provided wins", "text/plain; charset=utf-8", "a.csv", nil, "text/plain; charset=utf-8"},
		{"octet stream ignored", "application/octet-stream", "a.csv", nil, CSVContentType},
		{"csv extension", "", "A.CSV", nil, CSVContentType},
		{"tsv extension", "", "a.tsv", nil, "text/tab-separated-values"},
		{"sniffed delimited text", "", "export", strings.NewReader("a,b\n1,2\n"), CSVContentType},
		{"no hints", "", "export", nil, CSVContentType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectContentType(tt.provided, tt.filename, tt.data))
		})
	}
}

func TestIsAllowedUploadType(t *testing.T) {
	assert.True(t, IsAllowedUploadType(""))
	assert.True(t, IsAllowedUploadType("text/csv; charset=utf-8"))
	assert.True(t, IsAllowedUploadType("application/vnd.ms-excel"))
	assert.False(t, IsAllowedUploadType("image/png"))
	assert.True(t, IsCSV("Text/CSV"))
	assert.False(t, IsCSV("text/plain"))
}

func TestNew(t *testing.T) {
	s, err := New(Config{Provider: ProviderLocal, Local: LocalConfig{BasePath: t.TempDir()}}, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &LocalStorage{}, s)

	_, err = New(Config{Provider: "ftp"}, testLogger())
	assert.Error(t, err)

	_, err = New(Config{Provider: ProviderR2}, testLogger())
	assert.Error(t, err, "bucket is required")

	_, err = New(Config{Provider: ProviderR2, R2: R2Config{BucketName: "uploads"}}, testLogger())
	assert.Error(t, err, "account id or endpoint is required")

	r2, err := New(Config{Provider: ProviderR2, R2: R2Config{
		BucketName: "uploads",
		Endpoint:   "http://127.0.0.1:9000",
	}}, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &R2Storage{}, r2)
}
