package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"espctl/services/inventory"
)

const (
	// BaseSheet holds the base host inventory.
	BaseSheet = "BaseHost"
	// Dir is the directory under the output root that holds reports.
	Dir = "installed_apps"

	defaultSheet = "Sheet1"
	maxSheetName = 31
)

// Format selects the report encoding.
type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatCSV  Format = "csv"
)

// ParseFormat accepts xlsx or csv, case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatXLSX, FormatCSV:
		return f, nil
	case "":
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("report: unknown format %q (want xlsx or csv)", s)
	}
}

// Path returns <root>/installed_apps/installed_apps_<epoch>.<format>.
func Path(root string, format Format, now time.Time) string {
	return filepath.Join(root, Dir, fmt.Sprintf("installed_apps_%d.%s", now.Unix(), format))
}

// Writer is a report sink for inventory scans. Close flushes it to disk.
type Writer interface {
	inventory.Sink
	Path() string
	Close() error
}

// Create opens a report of the given format at path, creating its directory.
func Create(path string, format Format) (Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("report: create dir: %w", err)
	}
	switch format {
	case FormatCSV:
		return NewCSV(path)
	default:
		return NewWorkbook(path)
	}
}

// Workbook writes one sheet for the base host and one sheet per compared host.
type Workbook struct {
	path string

	mu     sync.Mutex
	file   *excelize.File
	title  int
	names  map[string]struct{}
	dirty  bool
	closed bool
}

// NewWorkbook prepares an empty workbook that is saved to path on Close.
func NewWorkbook(path string) (*Workbook, error) {
	f := excelize.NewFile()
	title, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
		Fill:      excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"FFFF00"}},
	})
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("report: title style: %w", err)
	}
	return &Workbook{path: path, file: f, title: title, names: map[string]struct{}{}}, nil
}

// Path returns the file the workbook is saved to.
func (w *Workbook) Path() string { return w.path }

// WriteBase writes the BaseHost sheet: NAME and COLUMNS, one titled block per non-empty query.
func (w *Workbook) WriteBase(base []inventory.QueryRecords) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	sheet, err := w.addSheet(BaseSheet)
	if err != nil {
		return err
	}
	if err := w.file.SetSheetRow(sheet, "A1", &[]string{"NAME", "COLUMNS"}); err != nil {
		return err
	}
	row := 2
	for _, q := range base {
		if len(q.Records) == 0 {
			continue
		}
		if err := w.writeTitle(sheet, row, "B", q.Query); err != nil {
			return err
		}
		row++
		for _, r := range q.Records {
			if err := w.file.SetSheetRow(sheet, cell("A", row), &[]string{r.Name(), columnsJSON(r)}); err != nil {
				return err
			}
			row++
		}
		row++
	}
	return nil
}

// WriteHost writes one host sheet: NAME, STATUS, ACTUAL COLUMNS and EXPECTED COLUMNS. MATCHED
// results and queries without differences are left out.
func (w *Workbook) WriteHost(name string, comparisons []inventory.QueryComparison) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	sheet, err := w.addSheet(name)
	if err != nil {
		return err
	}
	header := []string{"NAME", "STATUS", "ACTUAL COLUMNS", "EXPECTED COLUMNS"}
	if err := w.file.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}
	row := 2
	for _, c := range comparisons {
		results := inventory.Reportable(c.Results)
		if len(results) == 0 {
			continue
		}
		if err := w.writeTitle(sheet, row, "C", c.Query); err != nil {
			return err
		}
		row++
		for _, r := range results {
			values := []string{r.Name, string(r.Status), columnsJSON(r.Actual), columnsJSON(r.Expected)}
			if err := w.file.SetSheetRow(sheet, cell("A", row), &values); err != nil {
				return err
			}
			row++
		}
		row++
	}
	return nil
}

// Close saves the workbook if anything was written. It is safe to call more than once.
func (w *Workbook) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var saveErr error
	if w.dirty {
		if err := w.file.SaveAs(w.path); err != nil {
			saveErr = fmt.Errorf("report: save %s: %w", w.path, err)
		}
	}
	return errors.Join(saveErr, w.file.Close())
}

func (w *Workbook) writeTitle(sheet string, row int, lastCol, title string) error {
	first, last := cell("A", row), cell(lastCol, row)
	if err := w.file.MergeCell(sheet, first, last); err != nil {
		return err
	}
	if err := w.file.SetCellValue(sheet, first, title); err != nil {
		return err
	}
	return w.file.SetCellStyle(sheet, first, last, w.title)
}

// addSheet creates a uniquely named sheet. The workbook's default sheet is renamed on first use.
func (w *Workbook) addSheet(name string) (string, error) {
	if w.closed {
		return "", errors.New("report: workbook is closed")
	}
	sheet := uniqueSheetName(SheetName(name), w.names)
	if !w.dirty {
		if err := w.file.SetSheetName(defaultSheet, sheet); err != nil {
			return "", fmt.Errorf("report: sheet %q: %w", sheet, err)
		}
	} else if _, err := w.file.NewSheet(sheet); err != nil {
		return "", fmt.Errorf("report: sheet %q: %w", sheet, err)
	}
	w.names[strings.ToLower(sheet)] = struct{}{}
	w.dirty = true
	return sheet, nil
}

// SheetName maps name onto a valid sheet name: at most 31 characters, none of []:*?/\, and not
// empty.
func SheetName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '[', ']', ':', '*', '?', '/', '\\':
			return '_'
		}
		return r
	}, name)
	name = strings.Trim(strings.TrimSpace(name), "'")
	if name == "" {
		name = "host"
	}
	return truncate(name, maxSheetName)
}

// uniqueSheetName appends " (n)" until name is unused. Sheet names compare case-insensitively.
func uniqueSheetName(name string, used map[string]struct{}) string {
	if _, ok := used[strings.ToLower(name)]; !ok {
		return name
	}
	for n := 2; ; n++ {
		suffix := fmt.Sprintf(" (%d)", n)
		candidate := truncate(name, maxSheetName-len(suffix)) + suffix
		if _, ok := used[strings.ToLower(candidate)]; !ok {
			return candidate
		}
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func cell(col string, row int) string {
	return fmt.Sprintf("%s%d", col, row)
}

// columnsJSON serializes a record. A missing side is an empty cell.
func columnsJSON(r inventory.Record) string {
	if r == nil {
		return ""
	}
	b, err := json.Marshal(r)
	if err != nil {
		return ""
	}
	return string(b)
}
