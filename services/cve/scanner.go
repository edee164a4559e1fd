package cve

import (
	"context"
	"encoding/csv"
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
	"espctl/pkg/render"
	"espctl/pkg/telemetry"
	"espctl/services/dispatcher"
)

const (
	ScanningTemplate   = "cve_scanning.tmpl"
	VulnerableTemplate = "cve_vulnerable.tmpl"
	CleanTemplate      = "cve_clean.tmpl"
)

// ActivePlatforms are summed to size the active host listing.
var ActivePlatforms = []string{"windows", "linux", "darwin"}

// ErrUnsupportedPlatform is returned for hosts whose platform has no inventory query.
var ErrUnsupportedPlatform = errors.New("cve: no inventory query for platform")

// API lists the active hosts.
type API interface {
	HostCounts(ctx context.Context) (espapi.HostCounts, error)
	Hosts(ctx context.Context, filter espapi.HostFilter) ([]espapi.Host, error)
}

// Runner dispatches a query and returns its first result batch.
type Runner interface {
	Run(ctx context.Context, sql string, tags, hosts []string) (dispatcher.DistributedQuery, espapi.ResultBatch, error)
}

// Publisher emits vulnerability events.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// Recorder persists vulnerability findings.
type Recorder interface {
	RecordVulnerability(ctx context.Context, runID uuid.UUID, f Finding) error
}

// Finding is one vulnerable application on one host.
type Finding struct {
	RunID uuid.UUID `json:"run_id"`
	Host  string    `json:"host"`
	Software
	CPE  string `json:"cpe"`
	CVEs string `json:"cves"`
}

// Scanner runs the inventory query on every active host and matches each application.
type Scanner struct {
	API      API
	Runner   Runner
	Matcher  Matcher
	Messages *render.Engine

	Workers int

	Stdout  io.Writer
	Export  io.Writer
	Logger  logrus.FieldLogger
	Metrics *telemetry.Metrics

	Publisher Publisher
	Recorder  Recorder
	RunID     uuid.UUID

	mu       sync.Mutex
	exporter *csv.Writer
}

// Summary describes a finished scan.
type Summary struct {
	Hosts      int `json:"hosts"`
	Scanned    int `json:"scanned"`
	Failed     int `json:"failed"`
	Vulnerable int `json:"vulnerable_hosts"`
	Findings   int `json:"findings"`
}

// Scan checks every active host. Failures on a host are logged and the scan moves on.
func (s *Scanner) Scan(ctx context.Context) (Summary, error) {
	if s.API == nil || s.Runner == nil || s.Matcher == nil || s.Messages == nil {
		return Summary{}, errors.New("cve: api, runner, matcher and messages are required")
	}
	log := s.logger()

	hosts, err := s.activeHosts(ctx)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{Hosts: len(hosts)}
	log.WithField("hosts", len(hosts)).Info("cve scan started")

	workers := s.Workers
	if workers <= 0 {
		workers = 1
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for _, host := range hosts {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			findings, err := s.scanHost(ctx, host)
			s.mu.Lock()
			defer s.mu.Unlock()
			if err != nil {
				sum.Failed++
				log.WithError(err).WithField("host", host.HostIdentifier).Error("cve scan of host failed")
				return nil
			}
			sum.Scanned++
			sum.Findings += findings
			if findings > 0 {
				sum.Vulnerable++
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return sum, err
	}
	log.WithFields(logrus.Fields{"scanned": sum.Scanned, "failed": sum.Failed, "findings": sum.Findings}).Info("cve scan finished")
	return sum, nil
}

// activeHosts sums the online hosts of ActivePlatforms and lists that many active hosts.
func (s *Scanner) activeHosts(ctx context.Context) ([]espapi.Host, error) {
	counts, err := s.API.HostCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("cve: host counts: %w", err)
	}
	online := 0
	for _, p := range ActivePlatforms {
		online += counts[p].Online
	}
	if online == 0 {
		return nil, nil
	}
	active := true
	hosts, err := s.API.Hosts(ctx, espapi.HostFilter{Status: &active, Start: 0, Limit: online})
	if err != nil {
		return nil, fmt.Errorf("cve: list active hosts: %w", err)
	}
	return hosts, nil
}

// scanHost returns the number of vulnerable applications found on host.
func (s *Scanner) scanHost(ctx context.Context, host espapi.Host) (int, error) {
	id := host.HostIdentifier
	log := s.logger().WithField("host", id)
	if err := s.say(ScanningTemplate, map[string]string{"Host": id}); err != nil {
		return 0, err
	}

	sql, ok := PlatformSQL[host.OSInfo.Platform]
	if !ok {
		return 0, fmt.Errorf("%w %q", ErrUnsupportedPlatform, host.OSInfo.Platform)
	}
	_, batch, err := s.Runner.Run(ctx, sql, nil, []string{id})
	if err != nil {
		return 0, fmt.Errorf("inventory query: %w", err)
	}

	found := 0
	for _, row := range batch.Data {
		sw := FromRow(row)
		cves, err := s.Matcher.Match(ctx, sw)
		if err != nil {
			if ctx.Err() != nil {
				return found, ctx.Err()
			}
			log.WithError(err).WithField("product", sw.Product).Warn("cve match failed")
			continue
		}
		if cves == "" {
			continue
		}
		found++
		f := Finding{RunID: s.RunID, Host: id, Software: sw, CPE: sw.CSV(), CVEs: cves}
		if err := s.report(ctx, f); err != nil {
			return found, err
		}
	}

	if found == 0 {
		if err := s.say(CleanTemplate, map[string]string{"Host": id}); err != nil {
			return 0, err
		}
	}
	return found, nil
}

func (s *Scanner) report(ctx context.Context, f Finding) error {
	log := s.logger().WithFields(logrus.Fields{"host": f.Host, "product": f.Product, "version": f.Version})
	s.Metrics.CVEFinding()
	err := s.say(VulnerableTemplate, map[string]string{
		"Product": f.Product, "Version": f.Version, "Host": f.Host, "CVEs": f.CVEs,
	})
	if err != nil {
		return err
	}
	if err := s.export(f); err != nil {
		log.WithError(err).Warn("export cve finding")
	}
	if s.Publisher != nil {
		if err := s.Publisher.Publish(ctx, bus.SubjectCVEVulnerable, f); err != nil {
			log.WithError(err).Warn("publish cve finding")
		}
	}
	if s.Recorder != nil {
		if err := s.Recorder.RecordVulnerability(ctx, s.RunID, f); err != nil {
			log.WithError(err).Warn("record cve finding")
		}
	}
	return nil
}

var exportHeader = []string{"HOST", "PART", "VENDOR", "PRODUCT", "VERSION", "CVES"}

func (s *Scanner) export(f Finding) error {
	if s.Export == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exporter == nil {
		s.exporter = csv.NewWriter(s.Export)
		if err := s.exporter.Write(exportHeader); err != nil {
			return err
		}
	}
	if err := s.exporter.Write([]string{f.Host, f.Part, f.Vendor, f.Product, f.Version, f.CVEs}); err != nil {
		return err
	}
	s.exporter.Flush()
	return s.exporter.Error()
}

func (s *Scanner) say(name string, data any) error {
	line, err := s.Messages.Render(name, data)
	if err != nil {
		return fmt.Errorf("cve: render %s: %w", name, err)
	}
	out := s.Stdout
	if out == nil {
		out = os.Stdout
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = fmt.Fprintln(out, line)
	return err
}

func (s *Scanner) logger() logrus.FieldLogger {
	if s.Logger == nil {
		return logrus.StandardLogger()
	}
	return s.Logger
}
