package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quantmind-br/reposheet-go/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func tempStore(t *testing.T) (*ExcelStore, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "reposheet.xlsx")
	s, err := NewExcelStore(ExcelOptions{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func sampleRepo(url string) *domain.RepositoryRecord {
	updated := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	return &domain.RepositoryRecord{
		CanonicalURL:    url,
		Name:            "repo",
		FullName:        "owner/repo",
		Description:     "a test repository",
		Stars:           42,
		Forks:           7,
		PrimaryLanguage: "Go",
		LastUpdated:     &updated,
		License:         "MIT License",
		Topics:          []string{"go", "testing"},
		OpenIssues:      3,
	}
}

func TestExcelStoreCreatesWorkbookWithHeaders(t *testing.T) {
	t.Parallel()

	_, path := tempStore(t)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(SheetName(domain.KindRepository))
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	assert.Equal(t, RepositoryColumns, rows[0])

	rows, err = f.GetRows(SheetName(domain.KindPage))
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	assert.Equal(t, PageColumns, rows[0])
}

func TestExcelStoreInsertGetRoundTrip(t *testing.T) {
	t.Parallel()

	s, _ := tempStore(t)
	ctx := context.Background()
	rec := sampleRepo("https://github.com/owner/repo")

	require.NoError(t, s.Insert(ctx, rec))

	got, err := s.Get(ctx, domain.KindRepository, rec.CanonicalURL)
	require.NoError(t, err)
	assert.True(t, rec.Equal(got))

	assert.ErrorIs(t, s.Insert(ctx, rec), domain.ErrRecordExists)
}

func TestExcelStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "reposheet.xlsx")

	s, err := NewExcelStore(ExcelOptions{Path: path})
	require.NoError(t, err)
	ctx := context.Background()
	rec := sampleRepo("https://github.com/owner/repo")
	page := &domain.PageRecord{
		CanonicalURL: "https://example.com/docs",
		Title:        "Docs",
		StatusCode:   200,
		Links:        []string{"https://example.com/a", "https://example.com/b"},
	}
	require.NoError(t, s.Insert(ctx, rec))
	require.NoError(t, s.Insert(ctx, page))
	require.NoError(t, s.Close())

	// Fresh handle rebuilds the index from the workbook rows
	s2, err := NewExcelStore(ExcelOptions{Path: path})
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get(ctx, domain.KindRepository, rec.CanonicalURL)
	require.NoError(t, err)
	assert.True(t, rec.Equal(got))

	gotPage, err := s2.Get(ctx, domain.KindPage, page.CanonicalURL)
	require.NoError(t, err)
	assert.True(t, page.Equal(gotPage))
}

func TestExcelStoreInsertSkipsOccupiedForeignRows(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "reposheet.xlsx")

	// A workbook touched by hand: row 2 has no canonical URL so it never
	// enters the index, but it still occupies the sheet position
	f := excelize.NewFile()
	repoSheet := SheetName(domain.KindRepository)
	_, err := f.NewSheet(repoSheet)
	require.NoError(t, err)
	pageSheet := SheetName(domain.KindPage)
	_, err = f.NewSheet(pageSheet)
	require.NoError(t, err)
	_ = f.DeleteSheet("Sheet1")
	header := make([]interface{}, len(RepositoryColumns))
	for i, c := range RepositoryColumns {
		header[i] = c
	}
	require.NoError(t, f.SetSheetRow(repoSheet, "A1", &header))
	junk := []interface{}{"", "hand-entered note"}
	require.NoError(t, f.SetSheetRow(repoSheet, "A2", &junk))
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	s, err := NewExcelStore(ExcelOptions{Path: path})
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	rec := sampleRepo("https://github.com/owner/repo")
	require.NoError(t, s.Insert(ctx, rec))

	check, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer check.Close()

	note, err := check.GetCellValue(repoSheet, "B2")
	require.NoError(t, err)
	assert.Equal(t, "hand-entered note", note, "inserts must not overwrite occupied rows")

	urlCell, err := check.GetCellValue(repoSheet, "A3")
	require.NoError(t, err)
	assert.Equal(t, rec.CanonicalURL, urlCell, "the new record lands on the first free row")
}

func TestExcelStoreUpdate(t *testing.T) {
	t.Parallel()

	s, _ := tempStore(t)
	ctx := context.Background()
	rec := sampleRepo("https://github.com/owner/repo")
	require.NoError(t, s.Insert(ctx, rec))

	changed := sampleRepo(rec.CanonicalURL)
	changed.Stars = 100
	require.NoError(t, s.Update(ctx, rec.CanonicalURL, changed))

	got, err := s.Get(ctx, domain.KindRepository, rec.CanonicalURL)
	require.NoError(t, err)
	assert.Equal(t, 100, got.(*domain.RepositoryRecord).Stars)

	assert.ErrorIs(t, s.Update(ctx, "https://github.com/no/such", sampleRepo("https://github.com/no/such")),
		domain.ErrNotFound)
}

func TestExcelStoreDeleteShiftsIndex(t *testing.T) {
	t.Parallel()

	s, _ := tempStore(t)
	ctx := context.Background()

	first := sampleRepo("https://github.com/owner/first")
	second := sampleRepo("https://github.com/owner/second")
	third := sampleRepo("https://github.com/owner/third")
	for _, rec := range []*domain.RepositoryRecord{first, second, third} {
		require.NoError(t, s.Insert(ctx, rec))
	}

	require.NoError(t, s.Delete(ctx, domain.KindRepository, first.CanonicalURL))
	assert.ErrorIs(t, s.Delete(ctx, domain.KindRepository, first.CanonicalURL), domain.ErrNotFound)

	// Rows below the removed one must still resolve after the shift
	got, err := s.Get(ctx, domain.KindRepository, third.CanonicalURL)
	require.NoError(t, err)
	assert.True(t, third.Equal(got))

	// And an update against the shifted row lands on the right cells
	changed := sampleRepo(second.CanonicalURL)
	changed.Stars = 999
	require.NoError(t, s.Update(ctx, second.CanonicalURL, changed))
	got, err = s.Get(ctx, domain.KindRepository, second.CanonicalURL)
	require.NoError(t, err)
	assert.Equal(t, 999, got.(*domain.RepositoryRecord).Stars)
}

func TestExcelStoreList(t *testing.T) {
	t.Parallel()

	s, _ := tempStore(t)
	ctx := context.Background()

	urls := []string{
		"https://github.com/owner/beta",
		"https://github.com/owner/alpha",
		"https://gitlab.com/group/gamma",
	}
	for _, u := range urls {
		require.NoError(t, s.Insert(ctx, sampleRepo(u)))
	}

	var got []string
	for rec, err := range s.List(ctx, domain.ListFilter{Kind: domain.KindRepository}) {
		require.NoError(t, err)
		got = append(got, rec.Key())
	}
	assert.Equal(t, []string{
		"https://github.com/owner/alpha",
		"https://github.com/owner/beta",
		"https://gitlab.com/group/gamma",
	}, got, "ordered by key")

	got = nil
	for rec, err := range s.List(ctx, domain.ListFilter{Kind: domain.KindRepository, Host: "gitlab.com"}) {
		require.NoError(t, err)
		got = append(got, rec.Key())
	}
	assert.Equal(t, []string{"https://gitlab.com/group/gamma"}, got)
}

func TestExcelStoreLockedWritesGoToSideBuffer(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "reposheet.xlsx")
	s, err := NewExcelStore(ExcelOptions{Path: path})
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	// Drop the spreadsheet application's lock marker next to the workbook
	marker := filepath.Join(dir, "~$reposheet.xlsx")
	require.NoError(t, os.WriteFile(marker, nil, 0o644))

	rec := sampleRepo("https://github.com/owner/locked")
	assert.ErrorIs(t, s.Insert(ctx, rec), domain.ErrStoreLocked)

	buffered, err := os.ReadFile(path + ".pending.jsonl")
	require.NoError(t, err)
	assert.Contains(t, string(buffered), rec.CanonicalURL)

	// Unlock and replay
	require.NoError(t, os.Remove(marker))
	n, err := s.ReplaySideBuffer(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, domain.KindRepository, rec.CanonicalURL)
	require.NoError(t, err)
	assert.True(t, rec.Equal(got))

	// Buffer is consumed
	_, err = os.Stat(path + ".pending.jsonl")
	assert.True(t, os.IsNotExist(err))
}

func TestExcelStoreReplayUpdatesExistingRows(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "reposheet.xlsx")
	s, err := NewExcelStore(ExcelOptions{Path: path})
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	rec := sampleRepo("https://github.com/owner/repo")
	require.NoError(t, s.Insert(ctx, rec))

	marker := filepath.Join(dir, "~$reposheet.xlsx")
	require.NoError(t, os.WriteFile(marker, nil, 0o644))
	changed := sampleRepo(rec.CanonicalURL)
	changed.Stars = 777
	assert.ErrorIs(t, s.Update(ctx, rec.CanonicalURL, changed), domain.ErrStoreLocked)
	require.NoError(t, os.Remove(marker))

	n, err := s.ReplaySideBuffer(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, domain.KindRepository, rec.CanonicalURL)
	require.NoError(t, err)
	assert.Equal(t, 777, got.(*domain.RepositoryRecord).Stars)
}

func TestExcelStoreReplayEmptyBuffer(t *testing.T) {
	t.Parallel()

	s, _ := tempStore(t)
	n, err := s.ReplaySideBuffer(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExcelStoreExport(t *testing.T) {
	t.Parallel()

	s, _ := tempStore(t)
	ctx := context.Background()
	rec := sampleRepo("https://github.com/owner/repo")
	require.NoError(t, s.Insert(ctx, rec))

	data, err := s.Export(ctx, domain.KindRepository)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	// The export is a standalone workbook with the same schema
	exported := filepath.Join(t.TempDir(), "export.xlsx")
	require.NoError(t, os.WriteFile(exported, data, 0o644))
	f, err := excelize.OpenFile(exported)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(SheetName(domain.KindRepository))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, RepositoryColumns, rows[0])
	assert.Equal(t, rec.CanonicalURL, rows[1][0])
}
