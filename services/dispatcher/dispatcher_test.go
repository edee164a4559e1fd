package dispatcher

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"espctl/pkg/espapi"
	"espctl/pkg/espapi/espapitest"
)

func newDispatcher(t *testing.T, srv *espapitest.Server) *Dispatcher {
	t.Helper()
	client, err := espapi.NewClient(context.Background(), srv.Config())
	require.NoError(t, err)
	d, err := New(client, nil)
	require.NoError(t, err)
	return d
}

func TestDispatch(t *testing.T) {
	tests := []struct {
		name     string
		response any
		wantID   string
		wantErr  error
		rejected string
	}{
		{name: "top level id", response: map[string]any{"status": "success", "query_id": 12}, wantID: "12"},
		{name: "nested id", response: map[string]any{"status": "success", "data": map[string]any{"query_id": "34"}}, wantID: "34"},
		{name: "no status", response: map[string]any{"query_id": 12}, wantErr: ErrDispatchFailed},
		{name: "success without id", response: map[string]any{"status": "success"}, wantErr: ErrDispatchFailed},
		{name: "rejected", response: map[string]any{"status": "failure", "message": "No active hosts"}, rejected: "No active hosts"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := espapitest.NewServer(t)
			srv.HandleJSON(http.MethodPost, "/distributed/add", http.StatusOK, tc.response)
			d := newDispatcher(t, srv)

			q, err := d.Dispatch(context.Background(), "select 1;", []string{"t1"}, []string{"H1"})
			switch {
			case tc.rejected != "":
				var rejected *DispatchRejectedError
				require.ErrorAs(t, err, &rejected)
				assert.Equal(t, tc.rejected, rejected.Message)
			case tc.wantErr != nil:
				require.ErrorIs(t, err, tc.wantErr)
			default:
				require.NoError(t, err)
				assert.Equal(t, tc.wantID, q.QueryID)
				assert.Equal(t, StatusSuccess, q.Status)
				assert.Equal(t, []string{"H1"}, q.Hosts)
				assert.Equal(t, []string{"t1"}, q.Tags)
			}
		})
	}
}

func TestDispatchTransportFailureIsNotRetried(t *testing.T) {
	srv := espapitest.NewServer(t)
	srv.HandleJSON(http.MethodPost, "/distributed/add", http.StatusBadGateway, nil)
	cfg := srv.Config()
	cfg.RetryMax = 5
	client, err := espapi.NewClient(context.Background(), cfg)
	require.NoError(t, err)
	d, err := New(client, nil)
	require.NoError(t, err)

	_, err = d.Dispatch(context.Background(), "select 1;", nil, []string{"H1"})
	require.ErrorIs(t, err, ErrDispatchFailed)
	assert.Len(t, srv.Requests(http.MethodPost, "/distributed/add"), 1)
}

func TestRunReturnsFirstBatch(t *testing.T) {
	srv := espapitest.NewServer(t)
	srv.HandleJSON(http.MethodPost, "/distributed/add", http.StatusOK, map[string]any{"status": "success", "query_id": 5})
	srv.Stream("5", map[string]any{"data": []map[string]string{{"name": "cmd.exe"}}})
	d := newDispatcher(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q, batch, err := d.Run(ctx, "select name from processes;", nil, []string{"H1"})
	require.NoError(t, err)
	assert.Equal(t, "5", q.QueryID)
	assert.True(t, batch.HasData)
	assert.Equal(t, []espapi.Row{{"name": "cmd.exe"}}, batch.Data)
}

func TestDispatchRequiresSQL(t *testing.T) {
	srv := espapitest.NewServer(t)
	d := newDispatcher(t, srv)

	_, err := d.Dispatch(context.Background(), "  ", nil, nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrDispatchFailed))
	assert.Empty(t, srv.Requests(http.MethodPost, "/distributed/add"))
}
