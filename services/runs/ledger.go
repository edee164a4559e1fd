package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"espctl/pkg/bus"
)

const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// ErrRunNotFound is returned for unknown run ids.
var ErrRunNotFound = errors.New("runs: run not found")

type runModel struct {
	ID         uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Tool       string            `gorm:"type:text"`
	Params     datatypes.JSONMap `gorm:"type:jsonb"`
	Status     string            `gorm:"type:text"`
	Summary    string            `gorm:"type:text"`
	StartedAt  time.Time         `gorm:"type:timestamptz"`
	FinishedAt *time.Time        `gorm:"type:timestamptz"`
}

func (runModel) TableName() string { return "runs" }

// Run is one recorded command invocation.
type Run struct {
	ID         uuid.UUID      `json:"id"`
	Tool       string         `json:"tool"`
	Params     map[string]any `json:"params,omitempty"`
	Status     string         `json:"status"`
	Summary    string         `json:"summary,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

func (m runModel) run() Run {
	return Run{
		ID:         m.ID,
		Tool:       m.Tool,
		Params:     map[string]any(m.Params),
		Status:     m.Status,
		Summary:    m.Summary,
		StartedAt:  m.StartedAt,
		FinishedAt: m.FinishedAt,
	}
}

// Publisher emits run lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// Ledger records every command invocation as a run row.
type Ledger struct {
	orm    *gorm.DB
	pub    Publisher
	logger logrus.FieldLogger
	now    func() time.Time
}

// NewLedger binds a ledger to orm. pub may be nil.
func NewLedger(orm *gorm.DB, pub Publisher, logger logrus.FieldLogger) (*Ledger, error) {
	if orm == nil {
		return nil, errors.New("runs: orm is required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Ledger{orm: orm, pub: pub, logger: logger, now: time.Now}, nil
}

// Start inserts a running run for tool.
func (l *Ledger) Start(ctx context.Context, tool string, params map[string]any) (Run, error) {
	startedAt := l.now().UTC()
	model := runModel{
		ID:        uuid.New(),
		Tool:      tool,
		Params:    datatypes.JSONMap(params),
		Status:    StatusRunning,
		StartedAt: startedAt,
	}
	if err := l.orm.WithContext(ctx).Create(&model).Error; err != nil {
		return Run{}, fmt.Errorf("runs: start %s: %w", tool, err)
	}

	l.publish(ctx, bus.SubjectRunStarted, map[string]any{
		"run_id":     model.ID,
		"tool":       tool,
		"status":     StatusRunning,
		"started_at": startedAt,
	})
	return model.run(), nil
}

// Finish marks run id as success with summary encoded as JSON, or as failure with runErr's text.
func (l *Ledger) Finish(ctx context.Context, id uuid.UUID, summary any, runErr error) error {
	status, text := StatusSuccess, ""
	if runErr != nil {
		status, text = StatusFailure, runErr.Error()
	} else if summary != nil {
		b, err := json.Marshal(summary)
		if err != nil {
			return fmt.Errorf("runs: encode summary: %w", err)
		}
		text = string(b)
	}

	finishedAt := l.now().UTC()
	res := l.orm.WithContext(ctx).
		Model(&runModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":      status,
			"summary":     text,
			"finished_at": finishedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("runs: finish %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}

	l.publish(ctx, bus.SubjectRunFinished, map[string]any{
		"run_id":      id,
		"status":      status,
		"finished_at": finishedAt,
	})
	return nil
}

// List returns the most recent runs first.
func (l *Ledger) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	var models []runModel
	if err := l.orm.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, fmt.Errorf("runs: list: %w", err)
	}
	out := make([]Run, 0, len(models))
	for _, m := range models {
		out = append(out, m.run())
	}
	return out, nil
}

// Get loads one run.
func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (Run, error) {
	var model runModel
	err := l.orm.WithContext(ctx).Where("id = ?", id).First(&model).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	case err != nil:
		return Run{}, fmt.Errorf("runs: get %s: %w", id, err)
	}
	return model.run(), nil
}

func (l *Ledger) publish(ctx context.Context, subj string, payload map[string]any) {
	if l.pub == nil {
		return
	}
	if err := l.pub.Publish(ctx, subj, payload); err != nil {
		l.logger.WithError(err).WithField("subject", subj).Warn("publish run event")
	}
}
