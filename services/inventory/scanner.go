package inventory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"espctl/pkg/bus"
	"espctl/pkg/espapi"
	"espctl/pkg/telemetry"
)

// DefaultPageSize is the recent activity page size.
const DefaultPageSize = 5

// API is the subset of the ESP client the scanner needs.
type API interface {
	Host(ctx context.Context, hostIdentifier string) (espapi.Host, error)
	HostCounts(ctx context.Context) (espapi.HostCounts, error)
	Hosts(ctx context.Context, filter espapi.HostFilter) ([]espapi.Host, error)
	Packs(ctx context.Context) ([]espapi.Pack, error)
	RecentActivity(ctx context.Context, q espapi.ActivityQuery) (espapi.ActivityPage, error)
	RecentActivityCount(ctx context.Context, hostIdentifier string) ([]espapi.QueryCount, error)
}

// Sink receives the base host inventory once and then one comparison per host.
type Sink interface {
	WriteBase(base []QueryRecords) error
	WriteHost(name string, comparisons []QueryComparison) error
}

// Publisher emits deviation events.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// Recorder persists comparison results.
type Recorder interface {
	RecordComparisons(ctx context.Context, runID uuid.UUID, baseHost, host string, comparisons []QueryComparison) error
}

// Scanner compares the pack query results of every host sharing the base host's platform against
// the base host.
type Scanner struct {
	API  API
	Sink Sink

	PageSize int
	Workers  int

	// SkipEmpty leaves a query out of a host's comparison when the host's result count for it is
	// zero, so hosts that never ran the query do not report the whole base inventory as REMOVED.
	SkipEmpty bool

	Stdout  io.Writer
	Logger  logrus.FieldLogger
	Metrics *telemetry.Metrics

	Publisher Publisher
	Recorder  Recorder
	RunID     uuid.UUID

	mu sync.Mutex
}

// Summary describes a finished scan.
type Summary struct {
	BaseHost string         `json:"base_host"`
	Platform string         `json:"platform"`
	Pack     string         `json:"pack"`
	Hosts    int            `json:"hosts"`
	Scanned  int            `json:"scanned"`
	Failed   int            `json:"failed"`
	Results  map[Status]int `json:"results"`
}

// DeviationEvent is published for every host with at least one reportable result.
type DeviationEvent struct {
	RunID    uuid.UUID          `json:"run_id"`
	BaseHost string             `json:"base_host"`
	Host     string             `json:"host"`
	Results  []ComparisonResult `json:"results"`
}

// NormalizePlatform folds every platform other than windows, darwin and freebsd into linux.
func NormalizePlatform(platform string) string {
	switch platform {
	case "windows", "darwin", "freebsd":
		return platform
	default:
		return "linux"
	}
}

// PackedQueryName is the recent activity name of a scheduled pack query.
func PackedQueryName(pack, query string) string {
	return fmt.Sprintf("pack/%s/%s", pack, query)
}

// Scan runs the comparison. An unknown base host or pack is fatal; failures on other hosts are
// logged and counted.
func (s *Scanner) Scan(ctx context.Context, pack, baseHost string) (Summary, error) {
	if s.API == nil || s.Sink == nil {
		return Summary{}, errors.New("inventory: api and sink are required")
	}
	if pack == "" || baseHost == "" {
		return Summary{}, errors.New("inventory: pack name and base host are required")
	}
	log := s.logger().WithFields(logrus.Fields{"pack": pack, "base_host": baseHost})

	platform, hosts, err := s.samePlatformHosts(ctx, baseHost)
	if err != nil {
		return Summary{}, err
	}
	queries, err := s.packQueries(ctx, pack)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{BaseHost: baseHost, Platform: platform, Pack: pack, Hosts: len(hosts), Results: map[Status]int{}}
	log.WithFields(logrus.Fields{"platform": platform, "hosts": len(hosts), "queries": len(queries)}).Info("inventory scan started")

	base := make([]QueryRecords, 0, len(queries))
	for _, q := range queries {
		records, err := s.queryRecords(ctx, baseHost, PackedQueryName(pack, q))
		if err != nil {
			return sum, fmt.Errorf("inventory: base host query %s: %w", q, err)
		}
		base = append(base, QueryRecords{Query: q, Records: records})
	}
	if err := s.Sink.WriteBase(base); err != nil {
		return sum, fmt.Errorf("inventory: write base host: %w", err)
	}

	workers := s.Workers
	if workers <= 0 {
		workers = 1
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for _, host := range hosts {
		if host.HostIdentifier == baseHost {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			comparisons, err := s.scanHost(ctx, pack, baseHost, host, base)
			s.mu.Lock()
			defer s.mu.Unlock()
			if err != nil {
				sum.Failed++
				log.WithError(err).WithField("host", host.HostIdentifier).Error("inventory scan of host failed")
				return nil
			}
			sum.Scanned++
			for _, c := range comparisons {
				for _, r := range c.Results {
					sum.Results[r.Status]++
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return sum, err
	}

	log.WithFields(logrus.Fields{"scanned": sum.Scanned, "failed": sum.Failed}).Info("inventory scan finished")
	return sum, nil
}

func (s *Scanner) scanHost(ctx context.Context, pack, baseHost string, host espapi.Host, base []QueryRecords) ([]QueryComparison, error) {
	log := s.logger().WithField("host", host.HostIdentifier)
	s.printf("Started scanning host %s for additional programs installed...\n", host.HostIdentifier)

	var counts map[string]int
	if s.SkipEmpty {
		c, err := s.API.RecentActivityCount(ctx, host.HostIdentifier)
		if err != nil {
			return nil, fmt.Errorf("result counts: %w", err)
		}
		counts = make(map[string]int, len(c))
		for _, qc := range c {
			counts[qc.Name] = qc.Count
		}
	}

	comparisons := make([]QueryComparison, 0, len(base))
	var reportable []ComparisonResult
	for _, b := range base {
		if counts != nil && counts[PackedQueryName(pack, b.Query)] == 0 {
			log.WithField("query", b.Query).Debug("no results, comparison skipped")
			continue
		}
		records, err := s.queryRecords(ctx, host.HostIdentifier, PackedQueryName(pack, b.Query))
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", b.Query, err)
		}
		results := Compare(b.Query, b.Records, records)
		for _, r := range results {
			s.Metrics.InventoryResult(string(r.Status))
			entry := log.WithFields(logrus.Fields{"query": r.QueryName, "name": r.Name, "status": r.Status})
			if r.Status == StatusMatched {
				entry.Debug("inventory entry matched")
			} else {
				entry.Info("inventory entry differs")
			}
		}
		comparisons = append(comparisons, QueryComparison{Query: b.Query, Results: results})
		reportable = append(reportable, Reportable(results)...)
	}

	if err := s.Sink.WriteHost(host.Name(), comparisons); err != nil {
		return nil, fmt.Errorf("write report: %w", err)
	}

	if len(reportable) > 0 && s.Publisher != nil {
		ev := DeviationEvent{RunID: s.RunID, BaseHost: baseHost, Host: host.HostIdentifier, Results: reportable}
		if err := s.Publisher.Publish(ctx, bus.SubjectInventoryDeviated, ev); err != nil {
			log.WithError(err).Warn("publish inventory deviations")
		}
	}
	if len(reportable) > 0 && s.Recorder != nil {
		if err := s.Recorder.RecordComparisons(ctx, s.RunID, baseHost, host.HostIdentifier, comparisons); err != nil {
			log.WithError(err).Warn("record inventory deviations")
		}
	}

	s.printf("Completed scanning host %s for additional programs installed...\n", host.HostIdentifier)
	return comparisons, nil
}

// samePlatformHosts returns the normalized platform of baseHost and every host on it.
func (s *Scanner) samePlatformHosts(ctx context.Context, baseHost string) (string, []espapi.Host, error) {
	host, err := s.API.Host(ctx, baseHost)
	if err != nil {
		if errors.Is(err, espapi.ErrNotFound) || errors.Is(err, espapi.ErrMalformedResponse) {
			return "", nil, fmt.Errorf("inventory: no host found with identifier %q: %w", baseHost, espapi.ErrNotFound)
		}
		return "", nil, fmt.Errorf("inventory: fetch base host: %w", err)
	}
	platform := NormalizePlatform(host.Platform)

	counts, err := s.API.HostCounts(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("inventory: host counts: %w", err)
	}
	hosts, err := s.API.Hosts(ctx, espapi.HostFilter{Platform: platform, Start: 0, Limit: counts[platform].Total()})
	if err != nil {
		return "", nil, fmt.Errorf("inventory: list %s hosts: %w", platform, err)
	}
	return platform, hosts, nil
}

func (s *Scanner) packQueries(ctx context.Context, name string) ([]string, error) {
	packs, err := s.API.Packs(ctx)
	if err != nil {
		return nil, fmt.Errorf("inventory: list packs: %w", err)
	}
	for _, p := range packs {
		if p.Name == name {
			return p.QueryNames(), nil
		}
	}
	return nil, fmt.Errorf("inventory: no pack found with name %q: %w", name, espapi.ErrNotFound)
}

// queryRecords pages through recent activity. After the first page of PageSize rows, page i asks
// for start i*PageSize and limit (i+1)*PageSize, for i up to total/PageSize.
func (s *Scanner) queryRecords(ctx context.Context, host, queryName string) ([]Record, error) {
	size := s.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	q := espapi.ActivityQuery{HostIdentifier: host, QueryName: queryName, Start: 0, Limit: size}
	page, err := s.API.RecentActivity(ctx, q)
	if err != nil {
		return nil, err
	}
	records := FromRows(page.Rows())
	for i := 1; i <= page.TotalCount/size; i++ {
		q.Start, q.Limit = i*size, (i+1)*size
		next, err := s.API.RecentActivity(ctx, q)
		if err != nil {
			return nil, err
		}
		records = append(records, FromRows(next.Rows())...)
	}
	return records, nil
}

func (s *Scanner) printf(format string, args ...any) {
	out := s.Stdout
	if out == nil {
		out = os.Stdout
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(out, format, args...)
}

func (s *Scanner) logger() logrus.FieldLogger {
	if s.Logger == nil {
		return logrus.StandardLogger()
	}
	return s.Logger
}
