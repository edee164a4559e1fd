package findings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"espctl/pkg/db"
	"espctl/services/carver"
	"espctl/services/cve"
	"espctl/services/inventory"
)

// Store persists what each run found: carves, inventory deviations and vulnerabilities.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an open pool. Migrations are applied by db.Migrate.
func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, errors.New("findings: pool is required")
	}
	return &Store{pool: pool}, nil
}

type CarveRow struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	RunID        *uuid.UUID `db:"run_id" json:"run_id,omitempty"`
	Host         string     `db:"host" json:"host"`
	QueryID      string     `db:"query_id" json:"query_id"`
	SessionID    string     `db:"session_id" json:"session_id"`
	ArchivePath  string     `db:"archive_path" json:"archive_path"`
	SHA256       string     `db:"sha256" json:"sha256"`
	Size         int64      `db:"size" json:"size"`
	Encrypted    bool       `db:"encrypted" json:"encrypted"`
	MirrorURL    *string    `db:"mirror_url" json:"mirror_url,omitempty"`
	DownloadedAt time.Time  `db:"downloaded_at" json:"downloaded_at"`
}

type DeviationRow struct {
	ID        int64             `db:"id" json:"id"`
	RunID     *uuid.UUID        `db:"run_id" json:"run_id,omitempty"`
	BaseHost  string            `db:"base_host" json:"base_host"`
	Host      string            `db:"host" json:"host"`
	QueryName string            `db:"query_name" json:"query_name"`
	Name      string            `db:"name" json:"name"`
	Status    string            `db:"status" json:"status"`
	Actual    map[string]string `db:"actual" json:"actual,omitempty"`
	Expected  map[string]string `db:"expected" json:"expected,omitempty"`
	CreatedAt time.Time         `db:"created_at" json:"created_at"`
}

type VulnerabilityRow struct {
	ID        int64      `db:"id" json:"id"`
	RunID     *uuid.UUID `db:"run_id" json:"run_id,omitempty"`
	Host      string     `db:"host" json:"host"`
	Product   string     `db:"product" json:"product"`
	Version   *string    `db:"version" json:"version,omitempty"`
	CPE       *string    `db:"cpe" json:"cpe,omitempty"`
	CVEs      string     `db:"cves" json:"cves"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

// RecordCarve stores a downloaded carve. Fetching the same session again updates the row.
func (s *Store) RecordCarve(ctx context.Context, runID uuid.UUID, m carver.Manifest) error {
	path, sum, size := m.StoredFile()
	_, err := db.Exec(ctx, s.pool, `
INSERT INTO carves (id, run_id, host, query_id, session_id, archive_path, sha256, size, encrypted, mirror_url, downloaded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (session_id) DO UPDATE SET
	run_id = EXCLUDED.run_id,
	archive_path = EXCLUDED.archive_path,
	sha256 = EXCLUDED.sha256,
	size = EXCLUDED.size,
	encrypted = EXCLUDED.encrypted,
	mirror_url = EXCLUDED.mirror_url,
	downloaded_at = EXCLUDED.downloaded_at
`, uuid.New(), nullableRun(runID), m.Host, m.QueryID, m.SessionID, path, sum, size, m.Encrypted(), m.MirrorURL, m.DownloadedAt)
	if err != nil {
		return fmt.Errorf("findings: record carve %s: %w", m.SessionID, err)
	}
	return nil
}

// RecordComparisons stores every non-MATCHED result of one host in a single batch.
func (s *Store) RecordComparisons(ctx context.Context, runID uuid.UUID, baseHost, host string, comparisons []inventory.QueryComparison) error {
	batch := &pgx.Batch{}
	if err := queueDeviations(batch, runID, baseHost, host, comparisons); err != nil {
		return err
	}
	if err := db.SendBatch(ctx, s.pool, batch); err != nil {
		return fmt.Errorf("findings: record deviations of %s: %w", host, err)
	}
	return nil
}

const insertDeviation = `
INSERT INTO deviations (run_id, base_host, host, query_name, name, status, actual, expected)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb)
`

func queueDeviations(batch *pgx.Batch, runID uuid.UUID, baseHost, host string, comparisons []inventory.QueryComparison) error {
	for _, c := range comparisons {
		for _, r := range inventory.Reportable(c.Results) {
			actual, err := jsonColumn(r.Actual)
			if err != nil {
				return err
			}
			expected, err := jsonColumn(r.Expected)
			if err != nil {
				return err
			}
			batch.Queue(insertDeviation, nullableRun(runID), baseHost, host, c.Query, r.Name, string(r.Status), actual, expected)
		}
	}
	return nil
}

// RecordVulnerability stores one CVE finding.
func (s *Store) RecordVulnerability(ctx context.Context, runID uuid.UUID, f cve.Finding) error {
	_, err := db.Exec(ctx, s.pool, `
INSERT INTO vulnerabilities (run_id, host, product, version, cpe, cves)
VALUES ($1, $2, $3, $4, $5, $6)
`, nullableRun(runID), f.Host, f.Product, f.Version, f.CPE, f.CVEs)
	if err != nil {
		return fmt.Errorf("findings: record vulnerability of %s on %s: %w", f.Product, f.Host, err)
	}
	return nil
}

func (s *Store) ListCarves(ctx context.Context, runID uuid.UUID) ([]CarveRow, error) {
	var rows []CarveRow
	err := db.Select(ctx, s.pool, &rows, `
SELECT id, run_id, host, query_id, session_id, archive_path, sha256, size, encrypted, mirror_url, downloaded_at
FROM carves
WHERE run_id = $1
ORDER BY downloaded_at
`, runID)
	if err != nil {
		return nil, fmt.Errorf("findings: list carves: %w", err)
	}
	return rows, nil
}

func (s *Store) ListDeviations(ctx context.Context, runID uuid.UUID) ([]DeviationRow, error) {
	var rows []DeviationRow
	err := db.Select(ctx, s.pool, &rows, `
SELECT id, run_id, base_host, host, query_name, name, status, actual, expected, created_at
FROM deviations
WHERE run_id = $1
ORDER BY id
`, runID)
	if err != nil {
		return nil, fmt.Errorf("findings: list deviations: %w", err)
	}
	return rows, nil
}

func (s *Store) ListVulnerabilities(ctx context.Context, runID uuid.UUID) ([]VulnerabilityRow, error) {
	var rows []VulnerabilityRow
	err := db.Select(ctx, s.pool, &rows, `
SELECT id, run_id, host, product, version, cpe, cves, created_at
FROM vulnerabilities
WHERE run_id = $1
ORDER BY id
`, runID)
	if err != nil {
		return nil, fmt.Errorf("findings: list vulnerabilities: %w", err)
	}
	return rows, nil
}

// nullableRun stores findings of runs that were not ledgered with a NULL run id.
func nullableRun(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

// jsonColumn encodes a record as jsonb text. A nil record is NULL.
func jsonColumn(r inventory.Record) (*string, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("findings: encode record: %w", err)
	}
	s := string(b)
	return &s, nil
}
