package prefetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"espctl/pkg/espapi"
	"espctl/services/carver"
	"espctl/services/dispatcher"
)

const (
	CountQuery = `select count(*) from file where path like 'C:\WINDOWS\Prefetch\%.pf' ;`
	CarveQuery = `select carve(path) from file where path like 'C:\WINDOWS\Prefetch\%.pf' ;`

	countColumn = "count(*)"
)

// Outcome says how far a scan got.
type Outcome string

const (
	OutcomeOffline    Outcome = "offline"
	OutcomeNoPrefetch Outcome = "no_prefetch"
	OutcomeAcquired   Outcome = "acquired"
)

// Runner dispatches a query and returns its first result batch.
type Runner interface {
	Run(ctx context.Context, sql string, tags, hosts []string) (dispatcher.DistributedQuery, espapi.ResultBatch, error)
}

// Fetcher waits for and downloads a carve.
type Fetcher interface {
	Fetch(ctx context.Context, host, queryID string) (carver.Manifest, error)
}

// Result summarises one prefetch scan.
type Result struct {
	Outcome  Outcome
	Count    int
	Manifest *carver.Manifest
}

// Scanner counts prefetch files on a host, carves them and hands the archive to the carver.
type Scanner struct {
	Runner  Runner
	Fetcher Fetcher
	Stdout  io.Writer
	Logger  logrus.FieldLogger
}

// Scan acquires the prefetch files of host. An offline host or a host without prefetch files is
// reported on Stdout and is not an error.
func (s *Scanner) Scan(ctx context.Context, host string) (Result, error) {
	if s.Runner == nil || s.Fetcher == nil {
		return Result{}, errors.New("prefetch: runner and fetcher are required")
	}
	if strings.TrimSpace(host) == "" {
		return Result{}, errors.New("prefetch: host identifier is required")
	}
	out := s.Stdout
	if out == nil {
		out = os.Stdout
	}
	log := s.logger().WithField("host", host)

	_, batch, err := s.Runner.Run(ctx, CountQuery, nil, []string{host})
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		log.WithError(err).Warn("prefetch count query failed")
		fmt.Fprintln(out, "Host is offline or host identifier provided may be invalid!")
		return Result{Outcome: OutcomeOffline}, nil
	}

	count, err := prefetchCount(batch)
	if err != nil {
		return Result{}, err
	}
	if count == 0 {
		fmt.Fprintln(out, "No prefetch file found to be scanned!")
		return Result{Outcome: OutcomeNoPrefetch}, nil
	}

	fmt.Fprintf(out, "Acquiring prefetch files for the node : %s\n", host)
	q, _, err := s.Runner.Run(ctx, CarveQuery, nil, []string{host})
	if err != nil {
		return Result{Count: count}, fmt.Errorf("prefetch: carve query: %w", err)
	}
	log.WithFields(logrus.Fields{"query_id": q.QueryID, "files": count}).Info("prefetch carve requested")

	m, err := s.Fetcher.Fetch(ctx, host, q.QueryID)
	if err != nil {
		return Result{Count: count}, err
	}
	return Result{Outcome: OutcomeAcquired, Count: count, Manifest: &m}, nil
}

// prefetchCount reads count(*) from the first row. A batch without data counts as zero.
func prefetchCount(batch espapi.ResultBatch) (int, error) {
	if !batch.HasData || len(batch.Data) == 0 {
		return 0, nil
	}
	raw, ok := batch.Data[0][countColumn]
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("prefetch: parse %s %q: %w", countColumn, raw, err)
	}
	return n, nil
}

func (s *Scanner) logger() logrus.FieldLogger {
	if s.Logger == nil {
		return logrus.StandardLogger()
	}
	return s.Logger
}
