package espapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// envelope is the common {status, message, data} wrapper returned by every ESP endpoint.
type envelope[T any] struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    *T     `json:"data"`
}

func (e envelope[T]) payload() (T, error) {
	var zero T
	if e.Data == nil {
		if e.Message != "" {
			return zero, fmt.Errorf("%w: %s", ErrMalformedResponse, e.Message)
		}
		return zero, ErrMalformedResponse
	}
	return *e.Data, nil
}

type listing[T any] struct {
	Count   int `json:"count"`
	Results []T `json:"results"`
}

// ID is an identifier the server may encode either as a JSON string or a number.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("espapi: id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// Row is one result row. Values are always strings on the wire from osquery, but numbers and
// booleans are tolerated and stringified.
type Row map[string]string

func (r *Row) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if raw == nil {
		*r = nil
		return nil
	}
	out := make(Row, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case nil:
			out[key] = ""
		case string:
			out[key] = v
		case json.Number:
			out[key] = v.String()
		case bool:
			out[key] = strconv.FormatBool(v)
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				return err
			}
			out[key] = string(encoded)
		}
	}
	*r = out
	return nil
}

type OSInfo struct {
	Name     string `json:"name"`
	Platform string `json:"platform"`
	Version  string `json:"version"`
}

// Host is a managed endpoint.
type Host struct {
	ID             ID     `json:"id"`
	HostIdentifier string `json:"host_identifier"`
	DisplayName    string `json:"display_name"`
	Platform       string `json:"platform"`
	OSInfo         OSInfo `json:"os_info"`
	Online         bool   `json:"is_active"`
}

// Name returns the display name, falling back to the host identifier.
func (h Host) Name() string {
	if strings.TrimSpace(h.DisplayName) != "" {
		return h.DisplayName
	}
	return h.HostIdentifier
}

// HostFilter narrows the /hosts listing. Start is always sent; zero Limit is omitted.
type HostFilter struct {
	Platform string `json:"platform,omitempty"`
	Status   *bool  `json:"status,omitempty"`
	Start    int    `json:"start"`
	Limit    int    `json:"limit,omitempty"`
}

// PlatformCount is the online/offline split for one platform.
type PlatformCount struct {
	Online  int `json:"online"`
	Offline int `json:"offline"`
}

func (c PlatformCount) Total() int { return c.Online + c.Offline }

// HostCounts maps platform name to its online/offline counts.
type HostCounts map[string]PlatformCount

type PackQuery struct {
	ID       ID     `json:"id"`
	Name     string `json:"name"`
	SQL      string `json:"sql"`
	Interval int    `json:"interval"`
}

type Pack struct {
	ID      ID          `json:"id"`
	Name    string      `json:"name"`
	Queries []PackQuery `json:"queries"`
}

// QueryNames returns the names of the pack's queries in server order.
func (p Pack) QueryNames() []string {
	names := make([]string, 0, len(p.Queries))
	for _, q := range p.Queries {
		names = append(names, q.Name)
	}
	return names
}

// QuerySubmission is the raw /distributed/add response. Older servers put query_id at the top
// level, newer ones nest it under data.
type QuerySubmission struct {
	Status  *string `json:"status"`
	Message string  `json:"message"`
	QueryID ID      `json:"query_id"`
	Data    *struct {
		QueryID ID `json:"query_id"`
	} `json:"data"`
}

// ID returns the assigned query id from whichever location carries it.
func (s QuerySubmission) ID() ID {
	if s.QueryID != "" {
		return s.QueryID
	}
	if s.Data != nil {
		return s.Data.QueryID
	}
	return ""
}

// CarveSession is the state of a carve requested by a distributed query.
type CarveSession struct {
	SessionID string
	QueryID   string
	Ready     bool
}

type carveStatus struct {
	SessionID string          `json:"session_id"`
	Archive   json.RawMessage `json:"archive"`
}

// archiveReady interprets the archive field the way a truthiness check would: false, "", 0 and
// "false" are not ready. A missing or null field is reported as absent.
func archiveReady(raw json.RawMessage) (ready bool, present bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return false, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, false
	}
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		s := strings.TrimSpace(t)
		return s != "" && !strings.EqualFold(s, "false") && s != "0", true
	case float64:
		return t != 0, true
	default:
		return true, true
	}
}

// Carve is one entry of the /carves listing.
type Carve struct {
	ID         ID     `json:"id"`
	SessionID  string `json:"session_id"`
	CarveGUID  string `json:"carve_guid"`
	Status     string `json:"status"`
	CarveSize  int64  `json:"carve_size"`
	BlockCount int    `json:"block_count"`
	CreatedAt  string `json:"created_at"`
}

// ActivityQuery selects one page of recent activity for a host and query name.
type ActivityQuery struct {
	HostIdentifier string `json:"host_identifier"`
	QueryName      string `json:"query_name"`
	Start          int    `json:"start"`
	Limit          int    `json:"limit"`
}

type ActivityResult struct {
	Name    string `json:"name"`
	Columns Row    `json:"columns"`
}

// ActivityPage is one page of scheduled query results.
type ActivityPage struct {
	TotalCount int              `json:"total_count"`
	Results    []ActivityResult `json:"results"`
}

// Rows returns the column maps of the page in order.
func (p ActivityPage) Rows() []Row {
	rows := make([]Row, 0, len(p.Results))
	for _, r := range p.Results {
		rows = append(rows, r.Columns)
	}
	return rows
}

// QueryCount is the number of stored results of one query on a host.
type QueryCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// ResultBatch is one websocket frame of distributed query results.
type ResultBatch struct {
	Data    []Row
	HasData bool
}

func (b *ResultBatch) UnmarshalJSON(data []byte) error {
	var raw struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	b.Data = nil
	b.HasData = false
	trimmed := bytes.TrimSpace(raw.Data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(trimmed, &b.Data); err != nil {
		return err
	}
	b.HasData = true
	return nil
}
