package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"espctl/pkg/bus"
	"espctl/pkg/db"
	"espctl/pkg/espapi"
	"espctl/pkg/s3"
	"espctl/pkg/telemetry"
	"espctl/services/carver"
	"espctl/services/findings"
	"espctl/services/runs"
)

const metricsJob = "espctl"

// publisher is satisfied by *bus.Bus and by every component's Publisher.
type publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// app holds what a single command invocation shares between the root hooks and the subcommand.
type app struct {
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time

	settings Settings
	logger   *logrus.Logger
	metrics  *telemetry.Metrics
	shutdown func(context.Context) error

	bus    *bus.Bus
	pool   *pgxpool.Pool
	orm    *gorm.DB
	ledger *runs.Ledger
	store  *findings.Store
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{stdout: stdout, stderr: stderr, now: time.Now}
}

func (a *app) log() logrus.FieldLogger {
	if a.logger == nil {
		return logrus.StandardLogger()
	}
	return a.logger
}

// client logs in to ESP with the merged settings.
func (a *app) client(ctx context.Context) (*espapi.Client, error) {
	cfg := a.settings.apiConfig()
	cfg.Logger = a.log()
	cfg.Metrics = a.metrics
	return espapi.NewClient(ctx, cfg)
}

// publisher returns a nil interface when no bus is connected.
func (a *app) publisher() publisher {
	if a.bus == nil {
		return nil
	}
	return a.bus
}

func (a *app) connectBus() error {
	if a.bus != nil || a.settings.NATSURL == "" {
		return nil
	}
	b, err := bus.New(a.settings.NATSURL)
	if err != nil {
		return err
	}
	a.bus = b
	a.log().WithField("url", a.settings.NATSURL).Debug("event bus connected")
	return nil
}

// connectDatabase migrates the schema and opens both the findings pool and the ledger session.
func (a *app) connectDatabase(ctx context.Context) error {
	if a.pool != nil || a.settings.DatabaseURL == "" {
		return nil
	}
	pool, err := db.Open(ctx, a.settings.DatabaseURL)
	if err != nil {
		return err
	}
	a.pool = pool
	if err := db.Migrate(ctx, pool); err != nil {
		return err
	}

	orm, err := runs.Connect(ctx, a.settings.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect run ledger: %w", err)
	}
	a.orm = orm
	if a.ledger, err = runs.NewLedger(orm, a.publisher(), a.log()); err != nil {
		return err
	}
	if a.store, err = findings.New(pool); err != nil {
		return err
	}
	return nil
}

// run records fn as one ledger entry. Without a database the run id only tags events.
func (a *app) run(ctx context.Context, tool string, params map[string]any, fn func(ctx context.Context, runID uuid.UUID) (any, error)) error {
	if err := a.connectBus(); err != nil {
		return err
	}
	if err := a.connectDatabase(ctx); err != nil {
		return err
	}

	runID := uuid.New()
	if a.ledger != nil {
		r, err := a.ledger.Start(ctx, tool, params)
		if err != nil {
			return err
		}
		runID = r.ID
	}
	log := a.log().WithFields(logrus.Fields{"tool": tool, "run_id": runID})
	log.Debug("run started")

	summary, runErr := fn(ctx, runID)

	// the ledger and the pushgateway still hear about interrupted runs
	detached := context.WithoutCancel(ctx)
	if a.ledger != nil {
		if err := a.ledger.Finish(detached, runID, summary, runErr); err != nil {
			log.WithError(err).Warn("record run result")
		}
	}
	if err := a.metrics.Push(detached, a.settings.Pushgateway, metricsJob); err != nil {
		log.WithError(err).Warn("push metrics")
	}
	if runErr != nil {
		return runErr
	}
	log.Debug("run finished")
	return nil
}

// poller builds a carve poller with the optional sealer, mirror, bus and findings sinks.
func (a *app) poller(ctx context.Context, client carver.API, runID uuid.UUID, analyzer carver.Analyzer) (*carver.Poller, error) {
	cfg := carver.Config{
		API:                  client,
		OutputRoot:           a.settings.OutputDir,
		Interval:             a.settings.PollInterval,
		MaxInterval:          a.settings.PollMaxInterval,
		MaxAttempts:          a.settings.PollMaxAttempts,
		MaxConsecutiveErrors: a.settings.PollMaxErrors,
		Timeout:              a.settings.PollTimeout,
		Logger:               a.log(),
		Metrics:              a.metrics,
		Analyzer:             analyzer,
		Publisher:            a.publisher(),
		RunID:                runID,
	}
	if a.store != nil {
		cfg.Recorder = a.store
	}
	if a.settings.AgeRecipient != "" {
		sealer, err := carver.NewSealer(a.settings.AgeRecipient)
		if err != nil {
			return nil, err
		}
		cfg.Sealer = sealer
	}
	if a.settings.S3Bucket != "" {
		mirror, err := s3.NewClient(ctx, s3.ConfigFromEnv())
		if err != nil {
			return nil, fmt.Errorf("s3 client: %w", err)
		}
		cfg.Mirror = mirror
		cfg.Bucket = a.settings.S3Bucket
	}
	return carver.New(cfg)
}

// close releases every connection opened by the invocation.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.bus != nil {
		a.bus.Close()
	}
	if a.orm != nil {
		errs = append(errs, runs.Close(a.orm))
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.shutdown != nil {
		errs = append(errs, a.shutdown(ctx))
	}
	return errors.Join(errs...)
}
