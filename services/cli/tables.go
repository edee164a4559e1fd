package cli

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"espctl/pkg/espapi"
	"espctl/services/findings"
	"espctl/services/runs"
)

func newTable(out io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	return table
}

// writeRows prints rows with one column per key seen in any row, sorted by name.
func writeRows(out io.Writer, rows []espapi.Row) {
	seen := make(map[string]struct{})
	for _, row := range rows {
		for k := range row {
			seen[k] = struct{}{}
		}
	}
	columns := make([]string, 0, len(seen))
	for k := range seen {
		columns = append(columns, k)
	}
	sort.Strings(columns)

	table := newTable(out, columns...)
	for _, row := range rows {
		line := make([]string, len(columns))
		for i, c := range columns {
			line[i] = row[c]
		}
		table.Append(line)
	}
	table.Render()
}

func writeCarves(out io.Writer, carves []espapi.Carve) {
	table := newTable(out, "ID", "SESSION", "STATUS", "SIZE", "BLOCKS", "CREATED")
	for _, c := range carves {
		table.Append([]string{
			string(c.ID),
			c.SessionID,
			c.Status,
			humanize.Bytes(uint64(max(c.CarveSize, 0))),
			fmt.Sprint(c.BlockCount),
			c.CreatedAt,
		})
	}
	table.Render()
}

func writeRuns(out io.Writer, list []runs.Run) {
	table := newTable(out, "ID", "TOOL", "STATUS", "STARTED", "DURATION")
	for _, r := range list {
		duration := ""
		if r.FinishedAt != nil {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		table.Append([]string{
			r.ID.String(),
			r.Tool,
			r.Status,
			r.StartedAt.Local().Format(time.RFC3339),
			duration,
		})
	}
	table.Render()
}

func writeRun(out io.Writer, r runs.Run) {
	finished := ""
	if r.FinishedAt != nil {
		finished = r.FinishedAt.Local().Format(time.RFC3339)
	}
	keys := make([]string, 0, len(r.Params))
	for k := range r.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	table := newTable(out, "FIELD", "VALUE")
	table.Append([]string{"id", r.ID.String()})
	table.Append([]string{"tool", r.Tool})
	table.Append([]string{"status", r.Status})
	table.Append([]string{"started", r.StartedAt.Local().Format(time.RFC3339)})
	table.Append([]string{"finished", finished})
	for _, k := range keys {
		table.Append([]string{"params." + k, fmt.Sprint(r.Params[k])})
	}
	table.Append([]string{"summary", r.Summary})
	table.Render()
}

func writeCarveRows(out io.Writer, rows []findings.CarveRow) {
	table := newTable(out, "HOST", "QUERY", "SESSION", "ARCHIVE", "SIZE", "ENCRYPTED", "MIRROR")
	for _, c := range rows {
		mirror := ""
		if c.MirrorURL != nil {
			mirror = *c.MirrorURL
		}
		table.Append([]string{
			c.Host,
			c.QueryID,
			c.SessionID,
			c.ArchivePath,
			humanize.Bytes(uint64(max(c.Size, 0))),
			fmt.Sprint(c.Encrypted),
			mirror,
		})
	}
	table.Render()
}

func writeDeviationRows(out io.Writer, rows []findings.DeviationRow) {
	table := newTable(out, "BASE HOST", "HOST", "QUERY", "NAME", "STATUS")
	for _, d := range rows {
		table.Append([]string{d.BaseHost, d.Host, d.QueryName, d.Name, d.Status})
	}
	table.Render()
}

func writeVulnerabilityRows(out io.Writer, rows []findings.VulnerabilityRow) {
	table := newTable(out, "HOST", "PRODUCT", "VERSION", "CVES")
	for _, v := range rows {
		version := ""
		if v.Version != nil {
			version = *v.Version
		}
		table.Append([]string{v.Host, v.Product, version, v.CVEs})
	}
	table.Render()
}
