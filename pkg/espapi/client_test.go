package espapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"espctl/pkg/espapi"
	"espctl/pkg/espapi/espapitest"
)

func newClient(t *testing.T, srv *espapitest.Server) *espapi.Client {
	t.Helper()
	client, err := espapi.NewClient(context.Background(), srv.Config())
	require.NoError(t, err)
	return client
}

func TestNewClientLogsInOnce(t *testing.T) {
	srv := espapitest.NewServer(t)
	srv.HandleJSON(http.MethodGet, "/hosts/count", http.StatusOK, espapitest.Envelope(map[string]any{
		"windows": map[string]int{"online": 2, "offline": 1},
	}))

	client := newClient(t, srv)
	counts, err := client.HostCounts(context.Background())
	require.NoError(t, err)
	_, err = client.HostCounts(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, counts["windows"].Total())
	assert.Len(t, srv.Requests(http.MethodPost, "/login"), 1)

	calls := srv.Requests(http.MethodGet, "/hosts/count")
	require.Len(t, calls, 2)
	assert.Equal(t, espapitest.Token, calls[0].Token)
}

func TestNewClientRejectsBadCredentials(t *testing.T) {
	srv := espapitest.NewServer(t)
	cfg := srv.Config()
	cfg.Password = "wrong"

	_, err := espapi.NewClient(context.Background(), cfg)
	require.ErrorIs(t, err, espapi.ErrUnauthorized)

	cfg.Password = ""
	_, err = espapi.NewClient(context.Background(), cfg)
	require.Error(t, err)
}

func TestStatusMapping(t *testing.T) {
	srv := espapitest.NewServer(t)
	srv.HandleJSON(http.MethodPost, "/packs", http.StatusBadRequest, nil)
	srv.HandleJSON(http.MethodGet, "/hosts/count", http.StatusInternalServerError, map[string]string{"message": "boom"})
	client := newClient(t, srv)

	_, err := client.Packs(context.Background())
	assert.ErrorIs(t, err, espapi.ErrBadRequest)

	_, err = client.Host(context.Background(), "missing")
	assert.ErrorIs(t, err, espapi.ErrNotFound)

	_, err = client.HostCounts(context.Background())
	var se *espapi.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.Code)
	assert.Contains(t, se.Body, "boom")
	assert.True(t, espapi.IsTransient(err))
}

func TestEnvelopeWithoutDataIsMalformed(t *testing.T) {
	srv := espapitest.NewServer(t)
	srv.HandleJSON(http.MethodPost, "/hosts", http.StatusOK, map[string]string{"status": "failure", "message": "nope"})
	client := newClient(t, srv)

	_, err := client.Hosts(context.Background(), espapi.HostFilter{})
	require.ErrorIs(t, err, espapi.ErrMalformedResponse)
	assert.Contains(t, err.Error(), "nope")
}

func TestHostsSendsFilter(t *testing.T) {
	srv := espapitest.NewServer(t)
	srv.HandleJSON(http.MethodPost, "/hosts", http.StatusOK, espapitest.Listing(
		map[string]any{"host_identifier": "H1", "display_name": "alpha", "os_info": map[string]string{"platform": "windows"}},
		map[string]any{"host_identifier": "H2", "display_name": "", "os_info": map[string]string{"platform": "ubuntu"}},
	))
	client := newClient(t, srv)

	online := true
	hosts, err := client.Hosts(context.Background(), espapi.HostFilter{Status: &online, Limit: 7})
	require.NoError(t, err)
	require.Len(t, hosts, 2)
	assert.Equal(t, "alpha", hosts[0].Name())
	assert.Equal(t, "H2", hosts[1].Name())
	assert.Equal(t, "ubuntu", hosts[1].OSInfo.Platform)

	calls := srv.Requests(http.MethodPost, "/hosts")
	require.Len(t, calls, 1)
	var body map[string]any
	require.NoError(t, calls[0].Decode(&body))
	assert.Equal(t, map[string]any{"status": true, "start": float64(0), "limit": float64(7)}, body)
}

func TestSubmitQueryIsNotRetried(t *testing.T) {
	srv := espapitest.NewServer(t)
	srv.HandleJSON(http.MethodPost, "/distributed/add", http.StatusServiceUnavailable, nil)
	cfg := srv.Config()
	cfg.RetryMax = 3
	client, err := espapi.NewClient(context.Background(), cfg)
	require.NoError(t, err)

	_, err = client.SubmitQuery(context.Background(), "select 1;", nil, []string{"H1", "H2"})
	require.Error(t, err)
	calls := srv.Requests(http.MethodPost, "/distributed/add")
	require.Len(t, calls, 1)

	var body map[string]string
	require.NoError(t, calls[0].Decode(&body))
	assert.Equal(t, map[string]string{"query": "select 1;", "nodes": "H1,H2", "tags": ""}, body)
}

func TestQuerySubmissionID(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want espapi.ID
	}{
		{name: "top level number", raw: `{"status":"success","query_id":42}`, want: "42"},
		{name: "nested string", raw: `{"status":"success","data":{"query_id":"q-7"}}`, want: "q-7"},
		{name: "missing", raw: `{"status":"success"}`, want: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var sub espapi.QuerySubmission
			require.NoError(t, json.Unmarshal([]byte(tc.raw), &sub))
			assert.Equal(t, tc.want, sub.ID())
		})
	}
}

func TestCarveStatus(t *testing.T) {
	tests := []struct {
		name    string
		data    any
		ready   bool
		session string
		wantErr error
	}{
		{name: "not ready", data: map[string]any{"archive": false}, ready: false},
		{name: "ready", data: map[string]any{"archive": true, "session_id": "S1"}, ready: true, session: "S1"},
		{name: "archive path", data: map[string]any{"archive": "/carves/S2.tar", "session_id": "S2"}, ready: true, session: "S2"},
		{name: "missing archive", data: map[string]any{"session_id": "S3"}, wantErr: espapi.ErrMalformedResponse},
		{name: "ready without session", data: map[string]any{"archive": true}, wantErr: espapi.ErrMalformedResponse},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := espapitest.NewServer(t)
			srv.HandleJSON(http.MethodPost, "/carves/query", http.StatusOK, espapitest.Envelope(tc.data))
			client := newClient(t, srv)

			got, err := client.CarveStatus(context.Background(), "H1", "99")
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.ready, got.Ready)
			assert.Equal(t, tc.session, got.SessionID)
			assert.Equal(t, "99", got.QueryID)
		})
	}
}

func TestDownloadCarve(t *testing.T) {
	srv := espapitest.NewServer(t)
	srv.Handle(http.MethodGet, "/carves/download/S1", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte("archive-bytes"))
	})
	client := newClient(t, srv)

	rc, err := client.DownloadCarve(context.Background(), "S1")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "archive-bytes", string(data))

	_, err = client.DownloadCarve(context.Background(), "nope")
	assert.ErrorIs(t, err, espapi.ErrNotFound)
}

func TestRecentActivityLenientRows(t *testing.T) {
	srv := espapitest.NewServer(t)
	srv.HandleJSON(http.MethodPost, "/hosts/recent_activity", http.StatusOK, espapitest.Envelope(map[string]any{
		"total_count": 1,
		"results": []any{
			map[string]any{"name": "pack/apps/programs", "columns": map[string]any{"name": "7-Zip", "version": 19, "installed": true}},
		},
	}))
	client := newClient(t, srv)

	page, err := client.RecentActivity(context.Background(), espapi.ActivityQuery{HostIdentifier: "H1", QueryName: "pack/apps/programs", Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, 1, page.TotalCount)
	assert.Equal(t, []espapi.Row{{"name": "7-Zip", "version": "19", "installed": "true"}}, page.Rows())
}

func TestRecentActivityCount(t *testing.T) {
	srv := espapitest.NewServer(t)
	srv.HandleJSON(http.MethodPost, "/hosts/recent_activity/count", http.StatusOK, espapitest.Envelope([]map[string]any{
		{"name": "pack/apps/programs", "count": 12},
		{"name": "pack/apps/services", "count": 0},
	}))
	client := newClient(t, srv)

	counts, err := client.RecentActivityCount(context.Background(), "H1")
	require.NoError(t, err)
	assert.Equal(t, []espapi.QueryCount{{Name: "pack/apps/programs", Count: 12}, {Name: "pack/apps/services", Count: 0}}, counts)

	reqs := srv.Requests(http.MethodPost, "/hosts/recent_activity/count")
	require.Len(t, reqs, 1)
	var body map[string]string
	require.NoError(t, reqs[0].Decode(&body))
	assert.Equal(t, "H1", body["host_identifier"])
}

func TestIsTransient(t *testing.T) {
	assert.True(t, espapi.IsTransient(&espapi.TransportError{Op: "GET /hosts", Err: io.ErrUnexpectedEOF}))
	assert.True(t, espapi.IsTransient(&espapi.StatusError{Code: 503}))
	assert.True(t, espapi.IsTransient(espapi.ErrMalformedResponse))
	assert.False(t, espapi.IsTransient(&espapi.StatusError{Code: 400}))
	assert.False(t, espapi.IsTransient(espapi.ErrNotFound))
	assert.False(t, espapi.IsTransient(espapi.ErrUnauthorized))
}

func TestResultStream(t *testing.T) {
	srv := espapitest.NewServer(t)
	srv.Stream("17", map[string]any{"data": []map[string]string{{"count(*)": "3"}}}, map[string]any{"node": "H1"})
	client := newClient(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.OpenResults(ctx, "17")
	require.NoError(t, err)
	defer stream.Close()

	batch, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.True(t, batch.HasData)
	assert.Equal(t, []espapi.Row{{"count(*)": "3"}}, batch.Data)

	batch, err = stream.Next(ctx)
	require.NoError(t, err)
	assert.False(t, batch.HasData)
}

func TestResultStreamNextHonoursCancel(t *testing.T) {
	srv := espapitest.NewServer(t)
	client := newClient(t, srv)

	stream, err := client.OpenResults(context.Background(), "18")
	require.NoError(t, err)
	defer stream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = stream.Next(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
