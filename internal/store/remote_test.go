package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/quantmind-br/reposheet-go/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSheetAPI is an httptest stand-in for the collaborative sheet
// service: token handshake, range read, append, update and row delete.
type fakeSheetAPI struct {
	t *testing.T

	tokenRequests atomic.Int64
	appendCalls   atomic.Int64
	updateCalls   atomic.Int64
	deleteCalls   atomic.Int64
	readCalls     atomic.Int64

	// rows preloaded into the repository sheet, returned on range reads
	seededRows [][]interface{}

	rejectAppendWith string // non-empty makes values_append fail with this msg
	rateLimitNext    atomic.Bool
}

func (f *fakeSheetAPI) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/auth/v3/tenant_access_token/internal", func(w http.ResponseWriter, r *http.Request) {
		f.tokenRequests.Add(1)
		var creds map[string]string
		_ = json.NewDecoder(r.Body).Decode(&creds)
		if creds["app_id"] != "test-app" || creds["app_secret"] != "test-secret" {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"code": 99991663, "msg": "app not found"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"code": 0, "tenant_access_token": "t-token", "expire": 7200,
		})
	})

	mux.HandleFunc("/sheets/v2/spreadsheets/spread-tok/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer t-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if f.rateLimitNext.CompareAndSwap(true, false) {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}

		switch {
		case strings.Contains(r.URL.Path, "/values_append"):
			f.appendCalls.Add(1)
			if f.rejectAppendWith != "" {
				_ = json.NewEncoder(w).Encode(map[string]interface{}{"code": 90210, "msg": f.rejectAppendWith})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"code": 0, "msg": "success"})
		case strings.Contains(r.URL.Path, "/dimension_range"):
			f.deleteCalls.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"code": 0, "msg": "success"})
		case strings.Contains(r.URL.Path, "/values/"):
			// Range read for the lazy index load; only the rows inside
			// the requested window are returned, like the real service
			f.readCalls.Add(1)
			start, end := parseRowRange(r.URL.Path)
			var window [][]interface{}
			for row := start; row <= end; row++ {
				idx := row - 2 // seeded rows occupy sheet rows 2..n
				if idx < 0 || idx >= len(f.seededRows) {
					break
				}
				window = append(window, f.seededRows[idx])
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"code": 0, "msg": "success",
				"data": map[string]interface{}{
					"valueRange": map[string]interface{}{"values": window},
				},
			})
		case strings.HasSuffix(r.URL.Path, "/values") && r.Method == http.MethodPut:
			f.updateCalls.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"code": 0, "msg": "success"})
		default:
			f.t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})

	return mux
}

// parseRowRange pulls the start and end row numbers out of an A1-notation
// range like "sheetRepo!A2:N1001"
func parseRowRange(path string) (int, int) {
	bang := strings.Index(path, "!A")
	if bang < 0 {
		return 2, 2
	}
	rest := path[bang+2:]
	colon := strings.Index(rest, ":")
	start, _ := strconv.Atoi(rest[:colon])
	end, _ := strconv.Atoi(strings.TrimLeft(rest[colon+1:], "ABCDEFGHIJKLMNOPQRSTUVWXYZ"))
	return start, end
}

func newFakeRemote(t *testing.T) (*RemoteStore, *fakeSheetAPI) {
	t.Helper()
	api := &fakeSheetAPI{t: t}
	server := httptest.NewServer(api.handler())
	t.Cleanup(server.Close)

	s, err := NewRemoteStore(RemoteOptions{
		BaseURL:           server.URL,
		AppID:             "test-app",
		AppSecret:         "test-secret",
		SpreadsheetToken:  "spread-tok",
		RepositorySheetID: "sheetRepo",
		PageSheetID:       "sheetPage",
		RequestsPerSecond: 1000, // tests should not wait on the limiter
		Burst:             100,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, api
}

func seededRow(url string, stars int) []interface{} {
	row := make([]interface{}, len(RepositoryColumns))
	for i := range row {
		row[i] = ""
	}
	row[0] = url
	row[4] = float64(stars) // numeric cells arrive as float64
	return row
}

func TestNewRemoteStoreRequiresCredentials(t *testing.T) {
	t.Parallel()

	_, err := NewRemoteStore(RemoteOptions{})
	assert.ErrorIs(t, err, domain.ErrMissingCredentials)

	_, err = NewRemoteStore(RemoteOptions{AppID: "a", AppSecret: "b"})
	assert.ErrorIs(t, err, domain.ErrMissingCredentials)
}

func TestRemoteStoreInsertAndGet(t *testing.T) {
	t.Parallel()

	s, api := newFakeRemote(t)
	ctx := context.Background()
	rec := sampleRepo("https://github.com/owner/repo")

	require.NoError(t, s.Insert(ctx, rec))
	assert.Equal(t, int64(1), api.appendCalls.Load())

	got, err := s.Get(ctx, domain.KindRepository, rec.CanonicalURL)
	require.NoError(t, err)
	assert.True(t, rec.Equal(got))

	// Second insert under the same key never reaches the wire
	assert.ErrorIs(t, s.Insert(ctx, rec), domain.ErrRecordExists)
	assert.Equal(t, int64(1), api.appendCalls.Load())
}

func TestRemoteStoreTokenIsReused(t *testing.T) {
	t.Parallel()

	s, api := newFakeRemote(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, sampleRepo("https://github.com/owner/a")))
	require.NoError(t, s.Insert(ctx, sampleRepo("https://github.com/owner/b")))

	assert.Equal(t, int64(1), api.tokenRequests.Load(), "token must be cached across calls")
}

func TestRemoteStoreBadCredentials(t *testing.T) {
	t.Parallel()

	api := &fakeSheetAPI{t: t}
	server := httptest.NewServer(api.handler())
	t.Cleanup(server.Close)

	s, err := NewRemoteStore(RemoteOptions{
		BaseURL:           server.URL,
		AppID:             "wrong",
		AppSecret:         "wrong",
		SpreadsheetToken:  "spread-tok",
		RepositorySheetID: "sheetRepo",
		PageSheetID:       "sheetPage",
		RequestsPerSecond: 1000,
		Burst:             100,
	})
	require.NoError(t, err)
	defer s.Close()

	err = s.Insert(context.Background(), sampleRepo("https://github.com/owner/repo"))
	assert.ErrorIs(t, err, domain.ErrMissingCredentials)
}

func TestRemoteStoreLazyIndexLoad(t *testing.T) {
	t.Parallel()

	s, api := newFakeRemote(t)
	api.seededRows = [][]interface{}{
		seededRow("https://github.com/owner/existing", 5),
	}
	ctx := context.Background()

	got, err := s.Get(ctx, domain.KindRepository, "https://github.com/owner/existing")
	require.NoError(t, err)
	assert.Equal(t, 5, got.(*domain.RepositoryRecord).Stars)

	// Inserting against a preloaded key is caught locally
	assert.ErrorIs(t, s.Insert(ctx, sampleRepo("https://github.com/owner/existing")),
		domain.ErrRecordExists)
	assert.Zero(t, api.appendCalls.Load())
}

func TestRemoteStoreIndexLoadPagesLargeSheets(t *testing.T) {
	t.Parallel()

	s, api := newFakeRemote(t)
	total := indexPageRows + 5
	api.seededRows = make([][]interface{}, total)
	for i := range api.seededRows {
		api.seededRows[i] = seededRow(fmt.Sprintf("https://github.com/owner/repo%04d", i), i)
	}
	ctx := context.Background()

	// The last seeded row sits past the first window
	deepURL := fmt.Sprintf("https://github.com/owner/repo%04d", total-1)
	got, err := s.Get(ctx, domain.KindRepository, deepURL)
	require.NoError(t, err)
	assert.Equal(t, total-1, got.(*domain.RepositoryRecord).Stars)
	assert.GreaterOrEqual(t, api.readCalls.Load(), int64(2), "sheets longer than one window take several reads")

	// Dedup sees it too: the insert never reaches the wire
	assert.ErrorIs(t, s.Insert(ctx, sampleRepo(deepURL)), domain.ErrRecordExists)
	assert.Zero(t, api.appendCalls.Load())
}

func TestRemoteStoreInsertBulk(t *testing.T) {
	t.Parallel()

	s, api := newFakeRemote(t)
	ctx := context.Background()

	recs := []domain.Record{
		sampleRepo("https://github.com/owner/a"),
		sampleRepo("https://github.com/owner/b"),
		sampleRepo("https://github.com/owner/c"),
	}
	require.NoError(t, s.InsertBulk(ctx, recs))
	assert.Equal(t, int64(1), api.appendCalls.Load(), "bulk insert is one append call")

	for _, rec := range recs {
		_, err := s.Get(ctx, domain.KindRepository, rec.Key())
		assert.NoError(t, err)
	}
}

func TestRemoteStoreInsertBulkRejectsMixedKinds(t *testing.T) {
	t.Parallel()

	s, _ := newFakeRemote(t)
	err := s.InsertBulk(context.Background(), []domain.Record{
		sampleRepo("https://github.com/owner/a"),
		&domain.PageRecord{CanonicalURL: "https://example.com"},
	})
	assert.Error(t, err)
}

func TestRemoteStoreUpdate(t *testing.T) {
	t.Parallel()

	s, api := newFakeRemote(t)
	ctx := context.Background()
	rec := sampleRepo("https://github.com/owner/repo")
	require.NoError(t, s.Insert(ctx, rec))

	changed := sampleRepo(rec.CanonicalURL)
	changed.Stars = 99
	require.NoError(t, s.Update(ctx, rec.CanonicalURL, changed))
	assert.Equal(t, int64(1), api.updateCalls.Load())

	got, err := s.Get(ctx, domain.KindRepository, rec.CanonicalURL)
	require.NoError(t, err)
	assert.Equal(t, 99, got.(*domain.RepositoryRecord).Stars)

	assert.ErrorIs(t, s.Update(ctx, "https://github.com/no/such", changed), domain.ErrNotFound)
}

func TestRemoteStoreDelete(t *testing.T) {
	t.Parallel()

	s, api := newFakeRemote(t)
	ctx := context.Background()
	first := sampleRepo("https://github.com/owner/first")
	second := sampleRepo("https://github.com/owner/second")
	require.NoError(t, s.Insert(ctx, first))
	require.NoError(t, s.Insert(ctx, second))

	require.NoError(t, s.Delete(ctx, domain.KindRepository, first.CanonicalURL))
	assert.Equal(t, int64(1), api.deleteCalls.Load())
	assert.ErrorIs(t, s.Delete(ctx, domain.KindRepository, first.CanonicalURL), domain.ErrNotFound)

	// The remaining row is still addressable after the index shift
	changed := sampleRepo(second.CanonicalURL)
	changed.Stars = 123
	require.NoError(t, s.Update(ctx, second.CanonicalURL, changed))
}

func TestRemoteStoreDuplicateFromService(t *testing.T) {
	t.Parallel()

	s, api := newFakeRemote(t)
	api.rejectAppendWith = "row already exists"

	err := s.Insert(context.Background(), sampleRepo("https://github.com/owner/repo"))
	assert.ErrorIs(t, err, domain.ErrRecordExists)
}

func TestRemoteStoreRateLimitSurfaces(t *testing.T) {
	t.Parallel()

	s, api := newFakeRemote(t)
	api.rateLimitNext.Store(true)

	err := s.Insert(context.Background(), sampleRepo("https://github.com/owner/repo"))
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.True(t, domain.IsRetryable(err))
}

func TestColumnLetter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		n        int
		expected string
	}{
		{1, "A"}, {8, "H"}, {14, "N"}, {26, "Z"}, {27, "AA"}, {52, "AZ"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, columnLetter(tt.n), fmt.Sprintf("n=%d", tt.n))
	}
}

func TestCellString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "text", cellString("text"))
	assert.Equal(t, "42", cellString(float64(42)))
	assert.Equal(t, "1.5", cellString(1.5))
	assert.Equal(t, "true", cellString(true))
	assert.Equal(t, "", cellString(nil))
}
