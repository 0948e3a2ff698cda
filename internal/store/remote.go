package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quantmind-br/reposheet-go/internal/domain"
	"github.com/quantmind-br/reposheet-go/internal/utils"
	"golang.org/x/time/rate"
)

// RemoteStore is the collaborative sheet backend. It talks to a
// Feishu-style sheets API through a tenant-token-scoped HTTP client,
// serializes its own outgoing requests behind a rate limiter, and keeps
// an in-memory row index per sheet for O(1) canonical URL lookup.
type RemoteStore struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *utils.Logger

	baseURL          string
	appID            string
	appSecret        string
	spreadsheetToken string
	sheetIDs         map[domain.RecordKind]string

	tokenMu     sync.Mutex
	tenantToken string
	tokenExpiry time.Time

	mu      sync.Mutex
	loaded  map[domain.RecordKind]bool
	index   map[domain.RecordKind]map[string]int // canonical URL -> row number
	records map[domain.RecordKind]map[string]domain.Record
	nextRow map[domain.RecordKind]int // first row past the occupied range
}

// RemoteOptions contains options for creating a RemoteStore
type RemoteOptions struct {
	BaseURL           string
	AppID             string
	AppSecret         string
	SpreadsheetToken  string
	RepositorySheetID string
	PageSheetID       string
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
	Logger            *utils.Logger
}

// NewRemoteStore creates a remote sheet store client
func NewRemoteStore(opts RemoteOptions) (*RemoteStore, error) {
	if opts.AppID == "" || opts.AppSecret == "" {
		return nil, domain.ErrMissingCredentials
	}
	if opts.SpreadsheetToken == "" || opts.RepositorySheetID == "" || opts.PageSheetID == "" {
		return nil, fmt.Errorf("%w: spreadsheet token and sheet ids are required", domain.ErrMissingCredentials)
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 2
	}
	if opts.Burst < 1 {
		opts.Burst = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = utils.NewDefaultLogger()
	}

	s := &RemoteStore{
		httpClient:       &http.Client{Timeout: opts.Timeout},
		limiter:          rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		logger:           opts.Logger.WithComponent("remote-store"),
		baseURL:          strings.TrimSuffix(opts.BaseURL, "/"),
		appID:            opts.AppID,
		appSecret:        opts.AppSecret,
		spreadsheetToken: opts.SpreadsheetToken,
		sheetIDs: map[domain.RecordKind]string{
			domain.KindRepository: opts.RepositorySheetID,
			domain.KindPage:       opts.PageSheetID,
		},
		loaded:  make(map[domain.RecordKind]bool),
		index:   make(map[domain.RecordKind]map[string]int),
		records: make(map[domain.RecordKind]map[string]domain.Record),
		nextRow: make(map[domain.RecordKind]int),
	}
	for _, kind := range []domain.RecordKind{domain.KindRepository, domain.KindPage} {
		s.index[kind] = make(map[string]int)
		s.records[kind] = make(map[string]domain.Record)
		s.nextRow[kind] = 2
	}
	return s, nil
}

// ID returns the backend identifier
func (s *RemoteStore) ID() domain.BackendID { return domain.BackendRemote }

// Get returns the record stored under canonicalURL, or ErrNotFound
func (s *RemoteStore) Get(ctx context.Context, kind domain.RecordKind, canonicalURL string) (domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureIndexLocked(ctx, kind); err != nil {
		return nil, err
	}
	rec, ok := s.records[kind][canonicalURL]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return rec, nil
}

// Insert appends a new row; ErrRecordExists when the key is taken
func (s *RemoteStore) Insert(ctx context.Context, rec domain.Record) error {
	return s.InsertBulk(ctx, []domain.Record{rec})
}

// InsertBulk appends several rows in one values_append call. Every
// record must be new; a known key fails the whole call with
// ErrRecordExists before anything is written.
func (s *RemoteStore) InsertBulk(ctx context.Context, recs []domain.Record) error {
	if len(recs) == 0 {
		return nil
	}
	kind := recs[0].Kind()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureIndexLocked(ctx, kind); err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.Kind() != kind {
			return fmt.Errorf("bulk insert mixes record kinds")
		}
		if _, exists := s.index[kind][rec.Key()]; exists {
			return domain.ErrRecordExists
		}
	}

	values := make([][]interface{}, len(recs))
	for i, rec := range recs {
		values[i] = rowCells(RecordToRow(rec))
	}

	sheetID := s.sheetIDs[kind]
	body := map[string]interface{}{
		"valueRange": map[string]interface{}{
			"range":  fmt.Sprintf("%s!A1:%s1", sheetID, columnLetter(len(Columns(kind)))),
			"values": values,
		},
	}
	path := fmt.Sprintf("/sheets/v2/spreadsheets/%s/values_append", s.spreadsheetToken)
	if err := s.call(ctx, http.MethodPost, path, body, nil); err != nil {
		return err
	}

	next := s.nextRow[kind]
	for _, rec := range recs {
		s.index[kind][rec.Key()] = next
		s.records[kind][rec.Key()] = rec
		next++
	}
	s.nextRow[kind] = next
	return nil
}

// Update overwrites the row stored under canonicalURL
func (s *RemoteStore) Update(ctx context.Context, canonicalURL string, rec domain.Record) error {
	kind := rec.Kind()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureIndexLocked(ctx, kind); err != nil {
		return err
	}
	rowNum, exists := s.index[kind][canonicalURL]
	if !exists {
		return domain.ErrNotFound
	}

	sheetID := s.sheetIDs[kind]
	body := map[string]interface{}{
		"valueRange": map[string]interface{}{
			"range": fmt.Sprintf("%s!A%d:%s%d", sheetID, rowNum,
				columnLetter(len(Columns(kind))), rowNum),
			"values": [][]interface{}{rowCells(RecordToRow(rec))},
		},
	}
	path := fmt.Sprintf("/sheets/v2/spreadsheets/%s/values", s.spreadsheetToken)
	if err := s.call(ctx, http.MethodPut, path, body, nil); err != nil {
		return err
	}
	s.records[kind][canonicalURL] = rec
	return nil
}

// Delete removes the row stored under canonicalURL, or ErrNotFound
func (s *RemoteStore) Delete(ctx context.Context, kind domain.RecordKind, canonicalURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureIndexLocked(ctx, kind); err != nil {
		return err
	}
	rowNum, exists := s.index[kind][canonicalURL]
	if !exists {
		return domain.ErrNotFound
	}

	body := map[string]interface{}{
		"dimension": map[string]interface{}{
			"sheetId":        s.sheetIDs[kind],
			"majorDimension": "ROWS",
			"startIndex":     rowNum,
			"endIndex":       rowNum,
		},
	}
	path := fmt.Sprintf("/sheets/v2/spreadsheets/%s/dimension_range", s.spreadsheetToken)
	if err := s.call(ctx, http.MethodDelete, path, body, nil); err != nil {
		return err
	}

	delete(s.index[kind], canonicalURL)
	delete(s.records[kind], canonicalURL)
	for key, row := range s.index[kind] {
		if row > rowNum {
			s.index[kind][key] = row - 1
		}
	}
	if s.nextRow[kind] > 2 {
		s.nextRow[kind]--
	}
	return nil
}

// List lazily yields records matching the filter, ordered by key
func (s *RemoteStore) List(ctx context.Context, filter domain.ListFilter) iter.Seq2[domain.Record, error] {
	return func(yield func(domain.Record, error) bool) {
		s.mu.Lock()
		if err := s.ensureIndexLocked(ctx, filter.Kind); err != nil {
			s.mu.Unlock()
			yield(nil, err)
			return
		}
		recs := s.sortedRecordsLocked(filter.Kind)
		s.mu.Unlock()

		for _, rec := range recs {
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}
			if filter.Host != "" && utils.Host(rec.Key()) != filter.Host {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// Export serializes one kind's table as an xlsx byte stream
func (s *RemoteStore) Export(ctx context.Context, kind domain.RecordKind) ([]byte, error) {
	s.mu.Lock()
	if err := s.ensureIndexLocked(ctx, kind); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	recs := s.sortedRecordsLocked(kind)
	s.mu.Unlock()

	return exportRecords(kind, recs)
}

// Close releases resources
func (s *RemoteStore) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}

func (s *RemoteStore) sortedRecordsLocked(kind domain.RecordKind) []domain.Record {
	keys := make([]string, 0, len(s.records[kind]))
	for key := range s.records[kind] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	recs := make([]domain.Record, 0, len(keys))
	for _, key := range keys {
		recs = append(recs, s.records[kind][key])
	}
	return recs
}

// indexPageRows is the window size for the initial sheet scan; sheets
// longer than one window are read page by page until a short or empty
// page marks the end of the data.
const indexPageRows = 1000

// ensureIndexLocked loads the sheet's rows into the index on first use.
// Caller holds s.mu.
func (s *RemoteStore) ensureIndexLocked(ctx context.Context, kind domain.RecordKind) error {
	if s.loaded[kind] {
		return nil
	}

	sheetID := s.sheetIDs[kind]
	lastCol := columnLetter(len(Columns(kind)))
	next := 2

	for start := 2; ; start += indexPageRows {
		cellRange := fmt.Sprintf("%s!A%d:%s%d", sheetID, start, lastCol, start+indexPageRows-1)
		path := fmt.Sprintf("/sheets/v2/spreadsheets/%s/values/%s?valueRenderOption=ToString",
			s.spreadsheetToken, cellRange)

		var payload struct {
			Data struct {
				ValueRange struct {
					Values [][]interface{} `json:"values"`
				} `json:"valueRange"`
			} `json:"data"`
		}
		if err := s.call(ctx, http.MethodGet, path, nil, &payload); err != nil {
			return err
		}

		values := payload.Data.ValueRange.Values
		occupied := 0
		for i, rawRow := range values {
			row := make([]string, len(rawRow))
			blank := true
			for j, cell := range rawRow {
				row[j] = cellString(cell)
				if row[j] != "" {
					blank = false
				}
			}
			if blank {
				continue // padding below the data
			}
			occupied++
			rowNum := start + i
			if rowNum+1 > next {
				next = rowNum + 1
			}
			rec, err := RowToRecord(kind, row)
			if err != nil {
				continue // occupied but unparseable, stays out of the index
			}
			s.index[kind][rec.Key()] = rowNum
			s.records[kind][rec.Key()] = rec
		}

		if len(values) < indexPageRows || occupied == 0 {
			break
		}
	}

	s.nextRow[kind] = next
	s.loaded[kind] = true
	return nil
}

type apiEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// call performs one rate-limited API request and decodes the envelope
func (s *RemoteStore) call(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	token, err := s.accessToken(ctx)
	if err != nil {
		return err
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return domain.NewFetchError(s.baseURL+path, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return domain.ErrRateLimited
	}
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return domain.NewFetchError(s.baseURL+path, resp.StatusCode,
			fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 200)))
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("malformed API response: %w", err)
	}
	if envelope.Code != 0 {
		if strings.Contains(strings.ToLower(envelope.Msg), "exist") {
			return domain.ErrRecordExists
		}
		return fmt.Errorf("remote API error %d: %s", envelope.Code, envelope.Msg)
	}

	if out != nil {
		return json.Unmarshal(respBody, out)
	}
	return nil
}

// accessToken returns a valid tenant token, refreshing when expired.
// The token handshake itself is treated as a black box.
func (s *RemoteStore) accessToken(ctx context.Context) (string, error) {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()

	if s.tenantToken != "" && time.Now().Before(s.tokenExpiry) {
		return s.tenantToken, nil
	}

	body, err := json.Marshal(map[string]string{
		"app_id":     s.appID,
		"app_secret": s.appSecret,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.baseURL+"/auth/v3/tenant_access_token/internal", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	var payload struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("malformed token response: %w", err)
	}
	if payload.Code != 0 || payload.TenantAccessToken == "" {
		return "", fmt.Errorf("%w: token request rejected: %s", domain.ErrMissingCredentials, payload.Msg)
	}

	s.tenantToken = payload.TenantAccessToken
	// Refresh a minute early so in-flight calls never race expiry
	s.tokenExpiry = time.Now().Add(time.Duration(payload.Expire)*time.Second - time.Minute)
	return s.tenantToken, nil
}

func rowCells(row []string) []interface{} {
	cells := make([]interface{}, len(row))
	for i, c := range row {
		cells[i] = c
	}
	return cells
}

func cellString(cell interface{}) string {
	switch v := cell.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	case bool:
		return fmt.Sprintf("%t", v)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// columnLetter converts a 1-based column count to its A1-notation letter
func columnLetter(n int) string {
	letters := ""
	for n > 0 {
		n--
		letters = string(rune('A'+n%26)) + letters
		n /= 26
	}
	return letters
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
