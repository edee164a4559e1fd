package report

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"sync"

	"espctl/services/inventory"
)

var csvHeader = []string{"SHEET", "QUERY", "NAME", "STATUS", "ACTUAL COLUMNS", "EXPECTED COLUMNS"}

// CSV writes the same content as Workbook as one flat table. The SHEET column names the sheet the
// row would have been written to.
type CSV struct {
	path string

	mu     sync.Mutex
	file   *os.File
	w      *csv.Writer
	closed bool
}

// NewCSV creates path and writes a UTF-8 BOM and the header row.
func NewCSV(path string) (*CSV, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("report: create %s: %w", path, err)
	}
	// Excel needs the BOM to read the file as UTF-8.
	if _, err := f.WriteString("\xEF\xBB\xBF"); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("report: write %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("report: write %s: %w", path, err)
	}
	return &CSV{path: path, file: f, w: w}, nil
}

// Path returns the output file.
func (c *CSV) Path() string { return c.path }

// WriteBase writes the base host records with their columns under EXPECTED COLUMNS.
func (c *CSV) WriteBase(base []inventory.QueryRecords) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("report: csv is closed")
	}
	for _, q := range base {
		for _, r := range q.Records {
			if err := c.w.Write([]string{BaseSheet, q.Query, r.Name(), "", "", columnsJSON(r)}); err != nil {
				return err
			}
		}
	}
	c.w.Flush()
	return c.w.Error()
}

// WriteHost writes every non-MATCHED result of one host.
func (c *CSV) WriteHost(name string, comparisons []inventory.QueryComparison) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("report: csv is closed")
	}
	for _, q := range comparisons {
		for _, r := range inventory.Reportable(q.Results) {
			row := []string{name, q.Query, r.Name, string(r.Status), columnsJSON(r.Actual), columnsJSON(r.Expected)}
			if err := c.w.Write(row); err != nil {
				return err
			}
		}
	}
	c.w.Flush()
	return c.w.Error()
}

// Close flushes and closes the file. It is safe to call more than once.
func (c *CSV) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.w.Flush()
	return errors.Join(c.w.Error(), c.file.Close())
}
