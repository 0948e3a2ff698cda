package store

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/quantmind-br/reposheet-go/internal/domain"
	"github.com/quantmind-br/reposheet-go/internal/utils"
	"github.com/xuri/excelize/v2"
)

// ExcelStore is the local spreadsheet backend: a single-writer xlsx
// workbook with one sheet per record kind and an in-memory index keyed
// by canonical URL. When the workbook is held by another process the
// write is preserved in a JSON-lines side buffer and reported as
// ErrStoreLocked for later replay.
type ExcelStore struct {
	path           string
	sideBufferPath string
	logger         *utils.Logger

	mu      sync.Mutex
	file    *excelize.File
	index   map[domain.RecordKind]map[string]int // canonical URL -> row number
	records map[domain.RecordKind]map[string]domain.Record
	nextRow map[domain.RecordKind]int // first free sheet row, counts rows the index skipped
}

// ExcelOptions contains options for opening an ExcelStore
type ExcelOptions struct {
	Path           string
	SideBufferPath string
	Logger         *utils.Logger
}

// NewExcelStore opens or creates the workbook at opts.Path and rebuilds
// the URL index from its rows
func NewExcelStore(opts ExcelOptions) (*ExcelStore, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("excel store path is required")
	}
	if opts.Logger == nil {
		opts.Logger = utils.NewDefaultLogger()
	}
	if opts.SideBufferPath == "" {
		opts.SideBufferPath = opts.Path + ".pending.jsonl"
	}

	s := &ExcelStore{
		path:           opts.Path,
		sideBufferPath: opts.SideBufferPath,
		logger:         opts.Logger.WithComponent("excel-store"),
		index:          make(map[domain.RecordKind]map[string]int),
		records:        make(map[domain.RecordKind]map[string]domain.Record),
		nextRow:        make(map[domain.RecordKind]int),
	}
	for _, kind := range []domain.RecordKind{domain.KindRepository, domain.KindPage} {
		s.index[kind] = make(map[string]int)
		s.records[kind] = make(map[string]domain.Record)
		s.nextRow[kind] = 2
	}

	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ExcelStore) open() error {
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
			return err
		}
		f := excelize.NewFile()
		for _, kind := range []domain.RecordKind{domain.KindRepository, domain.KindPage} {
			sheet := SheetName(kind)
			if _, err := f.NewSheet(sheet); err != nil {
				return err
			}
			if err := writeHeader(f, sheet, Columns(kind)); err != nil {
				return err
			}
		}
		_ = f.DeleteSheet("Sheet1")
		if err := f.SaveAs(s.path); err != nil {
			return fmt.Errorf("failed to create workbook: %w", err)
		}
		s.file = f
		return nil
	}

	f, err := excelize.OpenFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to open workbook: %w", err)
	}
	s.file = f

	for _, kind := range []domain.RecordKind{domain.KindRepository, domain.KindPage} {
		rows, err := f.GetRows(SheetName(kind))
		if err != nil {
			continue // sheet missing in a foreign workbook
		}
		// Skipped rows still occupy sheet positions, so the insert
		// cursor counts every row, not just the indexed ones
		if len(rows)+1 > s.nextRow[kind] {
			s.nextRow[kind] = len(rows) + 1
		}
		for i, row := range rows {
			if i == 0 {
				continue // header
			}
			rec, err := RowToRecord(kind, row)
			if err != nil {
				s.logger.Warn().Int("row", i+1).Err(err).Msg("Skipping unparseable row")
				continue
			}
			s.index[kind][rec.Key()] = i + 1
			s.records[kind][rec.Key()] = rec
		}
	}
	return nil
}

func writeHeader(f *excelize.File, sheet string, columns []string) error {
	cells := make([]interface{}, len(columns))
	for i, c := range columns {
		cells[i] = c
	}
	return f.SetSheetRow(sheet, "A1", &cells)
}

// ID returns the backend identifier
func (s *ExcelStore) ID() domain.BackendID { return domain.BackendLocal }

// Get returns the record stored under canonicalURL, or ErrNotFound
func (s *ExcelStore) Get(ctx context.Context, kind domain.RecordKind, canonicalURL string) (domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[kind][canonicalURL]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return rec, nil
}

// Insert stores a new record; ErrRecordExists when the key is taken
func (s *ExcelStore) Insert(ctx context.Context, rec domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kind := rec.Kind()
	if _, exists := s.index[kind][rec.Key()]; exists {
		return domain.ErrRecordExists
	}
	if s.lockedByOtherProcess() {
		s.bufferRecord(rec)
		return domain.ErrStoreLocked
	}

	rowNum := s.nextRow[kind]
	if err := s.writeRow(kind, rowNum, rec); err != nil {
		return err
	}
	s.index[kind][rec.Key()] = rowNum
	s.records[kind][rec.Key()] = rec
	s.nextRow[kind]++
	return nil
}

// Update overwrites the record stored under canonicalURL
func (s *ExcelStore) Update(ctx context.Context, canonicalURL string, rec domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kind := rec.Kind()
	rowNum, exists := s.index[kind][canonicalURL]
	if !exists {
		return domain.ErrNotFound
	}
	if s.lockedByOtherProcess() {
		s.bufferRecord(rec)
		return domain.ErrStoreLocked
	}

	if err := s.writeRow(kind, rowNum, rec); err != nil {
		return err
	}
	s.records[kind][canonicalURL] = rec
	return nil
}

// Delete removes the record stored under canonicalURL, or ErrNotFound
func (s *ExcelStore) Delete(ctx context.Context, kind domain.RecordKind, canonicalURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rowNum, exists := s.index[kind][canonicalURL]
	if !exists {
		return domain.ErrNotFound
	}
	if s.lockedByOtherProcess() {
		return domain.ErrStoreLocked
	}

	if err := s.file.RemoveRow(SheetName(kind), rowNum); err != nil {
		return err
	}
	if err := s.save(); err != nil {
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
func (s *ExcelStore) List(ctx context.Context, filter domain.ListFilter) iter.Seq2[domain.Record, error] {
	return func(yield func(domain.Record, error) bool) {
		s.mu.Lock()
		keys := make([]string, 0, len(s.records[filter.Kind]))
		for key := range s.records[filter.Kind] {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		recs := make([]domain.Record, 0, len(keys))
		for _, key := range keys {
			recs = append(recs, s.records[filter.Kind][key])
		}
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
func (s *ExcelStore) Export(ctx context.Context, kind domain.RecordKind) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return exportRecords(kind, s.sortedRecords(kind))
}

func (s *ExcelStore) sortedRecords(kind domain.RecordKind) []domain.Record {
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

// Close releases the workbook handle
func (s *ExcelStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

func (s *ExcelStore) writeRow(kind domain.RecordKind, rowNum int, rec domain.Record) error {
	row := RecordToRow(rec)
	cells := make([]interface{}, len(row))
	for i, c := range row {
		cells[i] = c
	}
	if err := s.file.SetSheetRow(SheetName(kind), fmt.Sprintf("A%d", rowNum), &cells); err != nil {
		return err
	}
	return s.save()
}

func (s *ExcelStore) save() error {
	if err := s.file.SaveAs(s.path); err != nil {
		if os.IsPermission(err) {
			return domain.ErrStoreLocked
		}
		return err
	}
	return nil
}

// lockedByOtherProcess detects the spreadsheet application's lock marker
// next to the workbook, or a workbook we can no longer open for writing
func (s *ExcelStore) lockedByOtherProcess() bool {
	marker := filepath.Join(filepath.Dir(s.path), "~$"+filepath.Base(s.path))
	if _, err := os.Stat(marker); err == nil {
		return true
	}
	f, err := os.OpenFile(s.path, os.O_WRONLY, 0)
	if err != nil {
		return !os.IsNotExist(err)
	}
	_ = f.Close()
	return false
}

type bufferedRow struct {
	Kind       domain.RecordKind `json:"kind"`
	Row        []string          `json:"row"`
	BufferedAt time.Time         `json:"buffered_at"`
}

// bufferRecord appends the record to the side buffer so a locked
// workbook never loses a write
func (s *ExcelStore) bufferRecord(rec domain.Record) {
	entry := bufferedRow{Kind: rec.Kind(), Row: RecordToRow(rec), BufferedAt: time.Now().UTC()}
	data, err := json.Marshal(entry)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode side-buffer entry")
		return
	}

	f, err := os.OpenFile(s.sideBufferPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to open side buffer")
		return
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		s.logger.Error().Err(err).Msg("Failed to append to side buffer")
		return
	}
	s.logger.Warn().Str("url", rec.Key()).Str("buffer", s.sideBufferPath).
		Msg("Workbook locked, record preserved in side buffer")
}

// ReplaySideBuffer applies buffered rows back into the workbook and
// truncates the buffer. Returns the number of rows replayed.
func (s *ExcelStore) ReplaySideBuffer(ctx context.Context) (int, error) {
	data, err := os.ReadFile(s.sideBufferPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	replayed := 0
	for _, line := range splitLines(data) {
		var entry bufferedRow
		if err := json.Unmarshal(line, &entry); err != nil {
			s.logger.Warn().Err(err).Msg("Skipping malformed side-buffer entry")
			continue
		}
		rec, err := RowToRecord(entry.Kind, entry.Row)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Skipping unparseable side-buffer row")
			continue
		}

		err = s.Insert(ctx, rec)
		if err == domain.ErrRecordExists {
			err = s.Update(ctx, rec.Key(), rec)
		}
		if err != nil {
			return replayed, err
		}
		replayed++
	}

	if err := os.Remove(s.sideBufferPath); err != nil && !os.IsNotExist(err) {
		return replayed, err
	}
	return replayed, nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

// exportRecords builds a fresh single-sheet workbook holding the given
// records, shared by both backends' Export implementations
func exportRecords(kind domain.RecordKind, recs []domain.Record) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	sheet := SheetName(kind)
	if _, err := f.NewSheet(sheet); err != nil {
		return nil, err
	}
	_ = f.DeleteSheet("Sheet1")

	if err := writeHeader(f, sheet, Columns(kind)); err != nil {
		return nil, err
	}
	for i, rec := range recs {
		row := RecordToRow(rec)
		cells := make([]interface{}, len(row))
		for j, c := range row {
			cells[j] = c
		}
		if err := f.SetSheetRow(sheet, fmt.Sprintf("A%d", i+2), &cells); err != nil {
			return nil, err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
