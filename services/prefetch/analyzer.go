package prefetch

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"
	goprefetch "www.velocidex.com/golang/go-prefetch"
)

// Entry is the parsed summary of one prefetch file.
type Entry struct {
	File          string
	Executable    string
	RunCount      string
	LastRun       time.Time
	Size          string
	Hash          string
	FilesAccessed int
}

// Analyzer parses carved *.pf files and prints an execution table.
type Analyzer struct {
	Stdout io.Writer
	Logger logrus.FieldLogger
}

// Analyze walks dir for prefetch files. Files that fail to parse are logged and skipped.
func (a *Analyzer) Analyze(ctx context.Context, dir string) error {
	entries, err := a.Parse(ctx, dir)
	if err != nil {
		return err
	}

	out := a.Stdout
	if out == nil {
		out = os.Stdout
	}
	if len(entries) == 0 {
		fmt.Fprintf(out, "No prefetch files could be parsed in %s\n", dir)
		return nil
	}
	writeTable(out, entries)
	return nil
}

// Parse returns one Entry per readable prefetch file under dir, most recently run first.
func (a *Analyzer) Parse(ctx context.Context, dir string) ([]Entry, error) {
	var entries []Entry
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".pf") {
			return nil
		}

		entry, err := parseFile(path)
		if err != nil {
			a.logger().WithError(err).WithField("file", path).Warn("skipping unparseable prefetch file")
			return nil
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("prefetch: walk %s: %w", dir, err)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].LastRun.Equal(entries[j].LastRun) {
			return entries[i].LastRun.After(entries[j].LastRun)
		}
		return entries[i].Executable < entries[j].Executable
	})
	return entries, nil
}

func (a *Analyzer) logger() logrus.FieldLogger {
	if a.Logger == nil {
		return logrus.StandardLogger()
	}
	return a.Logger
}

func parseFile(path string) (entry Entry, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parse %s: %v", filepath.Base(path), r)
		}
	}()

	file, err := os.Open(path)
	if err != nil {
		return Entry{}, err
	}
	defer file.Close()

	info, err := goprefetch.LoadPrefetch(file)
	if err != nil {
		return Entry{}, err
	}

	entry = Entry{
		File:          filepath.Base(path),
		Executable:    info.Executable,
		RunCount:      fmt.Sprint(info.RunCount),
		Size:          humanize.Bytes(uint64(info.FileSize)),
		Hash:          fmt.Sprint(info.Hash),
		FilesAccessed: len(info.FilesAccessed),
	}
	for _, t := range info.LastRunTimes {
		if t.After(entry.LastRun) {
			entry.LastRun = t
		}
	}
	return entry, nil
}

func writeTable(out io.Writer, entries []Entry) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Executable", "Run Count", "Last Run", "Size", "Hash", "Files Accessed", "Prefetch File"})
	table.SetAutoWrapText(false)
	for _, e := range entries {
		lastRun := ""
		if !e.LastRun.IsZero() {
			lastRun = e.LastRun.UTC().Format(time.RFC3339)
		}
		table.Append([]string{
			e.Executable,
			e.RunCount,
			lastRun,
			e.Size,
			e.Hash,
			fmt.Sprint(e.FilesAccessed),
			e.File,
		})
	}
	table.Render()
}
