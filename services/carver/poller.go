package carver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"espctl/pkg/espapi"
	"espctl/pkg/telemetry"
)

const (
	// DefaultInterval is the wait before every carve status check.
	DefaultInterval = 30 * time.Second
	// DefaultSubdir is the directory under the output root that holds carves.
	DefaultSubdir = "prefetch"

	presignTTL = 15 * time.Minute
)

var (
	// ErrPollExhausted is returned when MaxAttempts checks saw no ready archive.
	ErrPollExhausted = errors.New("carver: carve not ready after max attempts")
	// ErrCircuitOpen is returned after MaxConsecutiveErrors transport failures in a row.
	ErrCircuitOpen = errors.New("carver: too many consecutive errors polling carve status")
)

// API is the subset of the ESP client used to poll and download carves.
type API interface {
	CarveStatus(ctx context.Context, hostIdentifier, queryID string) (espapi.CarveSession, error)
	DownloadCarve(ctx context.Context, sessionID string) (io.ReadCloser, error)
}

// Analyzer inspects an extracted carve directory.
type Analyzer interface {
	Analyze(ctx context.Context, dir string) error
}

// Mirror uploads archives to object storage.
type Mirror interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// Publisher emits events about downloaded carves.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// Recorder persists downloaded carves.
type Recorder interface {
	RecordCarve(ctx context.Context, runID uuid.UUID, m Manifest) error
}

// Config controls polling and what happens to a carve after download.
type Config struct {
	API        API
	OutputRoot string
	Subdir     string

	Interval             time.Duration
	MaxInterval          time.Duration
	MaxAttempts          int
	MaxConsecutiveErrors int
	Timeout              time.Duration

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error

	Logger  logrus.FieldLogger
	Metrics *telemetry.Metrics

	Analyzer  Analyzer
	Sealer    *Sealer
	Mirror    Mirror
	Bucket    string
	Publisher Publisher
	Recorder  Recorder
	RunID     uuid.UUID
}

// Poller waits for a carve, downloads it once and extracts it.
type Poller struct {
	cfg    Config
	tracer trace.Tracer
}

// New validates cfg and fills defaults.
func New(cfg Config) (*Poller, error) {
	if cfg.API == nil {
		return nil, errors.New("carver: api client is required")
	}
	if cfg.OutputRoot == "" {
		cfg.OutputRoot = "."
	}
	if cfg.Subdir == "" {
		cfg.Subdir = DefaultSubdir
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxAttempts < 0 || cfg.MaxConsecutiveErrors < 0 {
		return nil, errors.New("carver: poll bounds must not be negative")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if cfg.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		cfg.Logger = l
	}
	if cfg.Mirror != nil && cfg.Bucket == "" {
		return nil, errors.New("carver: bucket is required when mirroring")
	}
	return &Poller{cfg: cfg, tracer: telemetry.Tracer("espctl/carver")}, nil
}

// Fetch polls until the carve produced by queryID is ready, downloads and extracts it, runs the
// optional post-processing and finally hands the extracted directory to the Analyzer.
func (p *Poller) Fetch(ctx context.Context, host, queryID string) (Manifest, error) {
	session, err := p.Poll(ctx, host, queryID)
	if err != nil {
		return Manifest{}, err
	}

	m, err := p.Download(ctx, host, session)
	if err != nil {
		return Manifest{}, err
	}

	files, err := Extract(ctx, m.Archive, m.ExtractDir)
	if err != nil {
		return m, err
	}
	m.Files = files
	p.cfg.Logger.WithFields(logrus.Fields{
		"session_id": m.SessionID,
		"dir":        m.ExtractDir,
		"files":      len(files),
	}).Info("carve extracted")

	p.finalize(ctx, &m)

	if p.cfg.Analyzer != nil {
		if err := p.cfg.Analyzer.Analyze(ctx, m.ExtractDir); err != nil {
			return m, fmt.Errorf("carver: analyze %s: %w", m.ExtractDir, err)
		}
	}
	return m, nil
}

// Poll waits one interval before every status check and returns once the archive is ready.
// Malformed responses and transport errors count as not ready.
func (p *Poller) Poll(ctx context.Context, host, queryID string) (espapi.CarveSession, error) {
	if err := validateComponent("host identifier", host); err != nil {
		return espapi.CarveSession{}, err
	}
	if queryID == "" {
		return espapi.CarveSession{}, errors.New("carver: query id is required")
	}

	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	ctx, span := p.tracer.Start(ctx, "carve.poll", trace.WithAttributes(
		attribute.String("host", host),
		attribute.String("query_id", queryID),
	))
	defer span.End()

	log := p.cfg.Logger.WithFields(logrus.Fields{"host": host, "query_id": queryID})
	consecutive := 0

	for attempt := 1; ; attempt++ {
		if p.cfg.MaxAttempts > 0 && attempt > p.cfg.MaxAttempts {
			span.SetStatus(codes.Error, "exhausted")
			return espapi.CarveSession{}, fmt.Errorf("%w (%d checks)", ErrPollExhausted, p.cfg.MaxAttempts)
		}

		if err := p.cfg.Sleep(ctx, p.wait(attempt)); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return espapi.CarveSession{}, err
		}

		session, err := p.cfg.API.CarveStatus(ctx, host, queryID)
		switch {
		case err == nil && session.Ready:
			p.cfg.Metrics.CarvePoll("ready")
			span.SetAttributes(attribute.Int("attempts", attempt))
			log.WithFields(logrus.Fields{"session_id": session.SessionID, "attempt": attempt}).Info("carve ready")
			return session, nil
		case err == nil:
			consecutive = 0
			p.cfg.Metrics.CarvePoll("not_ready")
			log.WithField("attempt", attempt).Debug("carve not ready")
		case errors.Is(err, espapi.ErrMalformedResponse):
			consecutive = 0
			p.cfg.Metrics.CarvePoll("malformed")
			log.WithError(err).WithField("attempt", attempt).Debug("carve status incomplete")
		case ctx.Err() != nil:
			span.SetStatus(codes.Error, ctx.Err().Error())
			return espapi.CarveSession{}, ctx.Err()
		case !espapi.IsTransient(err):
			// a rejected request fails the same way on every later check
			p.cfg.Metrics.CarvePoll("rejected")
			span.SetStatus(codes.Error, err.Error())
			return espapi.CarveSession{}, fmt.Errorf("carve status: %w", err)
		default:
			consecutive++
			p.cfg.Metrics.CarvePoll("error")
			log.WithError(err).WithField("attempt", attempt).Warn("carve status check failed")
			if p.cfg.MaxConsecutiveErrors > 0 && consecutive >= p.cfg.MaxConsecutiveErrors {
				span.SetStatus(codes.Error, "circuit open")
				return espapi.CarveSession{}, fmt.Errorf("%w: %w", ErrCircuitOpen, err)
			}
		}
	}
}

func (p *Poller) wait(attempt int) time.Duration {
	if p.cfg.MaxInterval <= p.cfg.Interval {
		return p.cfg.Interval
	}
	return retryablehttp.DefaultBackoff(p.cfg.Interval, p.cfg.MaxInterval, attempt-1, nil)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
