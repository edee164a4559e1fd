package findings

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"espctl/pkg/db"
	"espctl/services/carver"
	"espctl/services/cve"
	"espctl/services/inventory"
)

func sampleComparisons() []inventory.QueryComparison {
	return []inventory.QueryComparison{
		{Query: "programs", Results: []inventory.ComparisonResult{
			{Name: "Chrome", Status: inventory.StatusMatched, Actual: inventory.Record{"name": "Chrome"}, Expected: inventory.Record{"name": "Chrome"}},
			{Name: "VLC", Status: inventory.StatusAdded, Actual: inventory.Record{"name": "VLC"}},
			{Name: "7-Zip", Status: inventory.StatusRemoved, Expected: inventory.Record{"name": "7-Zip"}},
		}},
		{Query: "extensions"},
	}
}

func TestQueueDeviationsSkipsMatches(t *testing.T) {
	batch := &pgx.Batch{}
	require.NoError(t, queueDeviations(batch, uuid.New(), "H0", "H1", sampleComparisons()))
	require.Equal(t, 2, batch.Len())

	q := batch.QueuedQueries[0]
	assert.Equal(t, insertDeviation, q.SQL)
	assert.Equal(t, "VLC", q.Arguments[4])
	assert.Equal(t, "ADDED", q.Arguments[5])
	assert.Nil(t, q.Arguments[7])
}

func TestNullableRun(t *testing.T) {
	assert.Nil(t, nullableRun(uuid.Nil))
	id := uuid.New()
	require.NotNil(t, nullableRun(id))
	assert.Equal(t, id, *nullableRun(id))
}

func TestJSONColumn(t *testing.T) {
	got, err := jsonColumn(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = jsonColumn(inventory.Record{"name": "VLC", "version": "3.0"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.JSONEq(t, `{"name":"VLC","version":"3.0"}`, *got)
}

func TestNewRequiresPool(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

// TestStoreRoundTrip needs a scratch Postgres database in ESP_TEST_DATABASE_URL.
func TestStoreRoundTrip(t *testing.T) {
	dsn := os.Getenv("ESP_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("ESP_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.Open(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()
	require.NoError(t, db.Migrate(ctx, pool))

	runID := uuid.New()
	_, err = db.Exec(ctx, pool, `INSERT INTO runs (id, tool, status) VALUES ($1, 'test', 'running')`, runID)
	require.NoError(t, err)

	store, err := New(pool)
	require.NoError(t, err)

	m := carver.Manifest{
		Host: "H1", QueryID: "7", SessionID: "S-" + runID.String(), Archive: "/tmp/x.tar",
		SHA256: "abc", Size: 10, DownloadedAt: time.Now().UTC(),
	}
	require.NoError(t, store.RecordCarve(ctx, runID, m))
	m.MirrorURL = "s3://carves/x.tar"
	require.NoError(t, store.RecordCarve(ctx, runID, m))

	carves, err := store.ListCarves(ctx, runID)
	require.NoError(t, err)
	require.Len(t, carves, 1)
	require.NotNil(t, carves[0].MirrorURL)
	assert.Equal(t, "s3://carves/x.tar", *carves[0].MirrorURL)

	require.NoError(t, store.RecordComparisons(ctx, runID, "H0", "H1", sampleComparisons()))
	devs, err := store.ListDeviations(ctx, runID)
	require.NoError(t, err)
	require.Len(t, devs, 2)
	assert.Equal(t, map[string]string{"name": "VLC"}, devs[0].Actual)
	assert.Nil(t, devs[0].Expected)

	f := cve.Finding{Host: "H1", Software: cve.Software{Part: "a", Product: "firefox", Version: "52.0"}, CPE: "a,,firefox,52.0", CVEs: "CVE-2017-5375"}
	require.NoError(t, store.RecordVulnerability(ctx, runID, f))
	vulns, err := store.ListVulnerabilities(ctx, runID)
	require.NoError(t, err)
	require.Len(t, vulns, 1)
	assert.Equal(t, "CVE-2017-5375", vulns[0].CVEs)
}
