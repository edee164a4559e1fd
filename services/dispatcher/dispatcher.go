package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"espctl/pkg/espapi"
)

// Status is the lifecycle state of a distributed query as seen by the dispatcher.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// ErrDispatchFailed reports that the server gave no usable answer to a dispatch.
var ErrDispatchFailed = errors.New("dispatcher: error sending the query")

// DispatchRejectedError carries the server's message when it refuses a query.
type DispatchRejectedError struct {
	Message string
}

func (e *DispatchRejectedError) Error() string {
	if e.Message == "" {
		return "dispatcher: query rejected"
	}
	return "dispatcher: query rejected: " + e.Message
}

// DistributedQuery is an accepted ad-hoc query. It is not modified after Dispatch returns it.
type DistributedQuery struct {
	SQL     string
	Hosts   []string
	Tags    []string
	QueryID string
	Status  Status
}

// Client is the subset of the ESP API the dispatcher needs.
type Client interface {
	SubmitQuery(ctx context.Context, sql string, tags, hostIdentifiers []string) (espapi.QuerySubmission, error)
	OpenResults(ctx context.Context, queryID string) (*espapi.ResultStream, error)
}

// Dispatcher submits distributed queries and reads their results.
type Dispatcher struct {
	client Client
	logger logrus.FieldLogger
}

// New returns a Dispatcher using client. A nil logger discards output.
func New(client Client, logger logrus.FieldLogger) (*Dispatcher, error) {
	if client == nil {
		return nil, errors.New("dispatcher: client is required")
	}
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		logger = l
	}
	return &Dispatcher{client: client, logger: logger}, nil
}

// Dispatch submits sql to the given hosts and tags. It is attempted once.
func (d *Dispatcher) Dispatch(ctx context.Context, sql string, tags, hosts []string) (DistributedQuery, error) {
	if strings.TrimSpace(sql) == "" {
		return DistributedQuery{}, errors.New("dispatcher: sql is required")
	}

	sub, err := d.client.SubmitQuery(ctx, sql, tags, hosts)
	if err != nil {
		if ctx.Err() != nil {
			return DistributedQuery{}, ctx.Err()
		}
		return DistributedQuery{}, fmt.Errorf("%w: %w", ErrDispatchFailed, err)
	}

	if sub.Status == nil {
		return DistributedQuery{}, fmt.Errorf("%w: response has no status", ErrDispatchFailed)
	}
	switch Status(*sub.Status) {
	case StatusFailure:
		return DistributedQuery{}, &DispatchRejectedError{Message: sub.Message}
	case StatusSuccess:
	default:
		return DistributedQuery{}, fmt.Errorf("%w: unexpected status %q", ErrDispatchFailed, *sub.Status)
	}

	id := sub.ID().String()
	if id == "" {
		return DistributedQuery{}, fmt.Errorf("%w: response has no query id", ErrDispatchFailed)
	}

	q := DistributedQuery{
		SQL:     sql,
		Hosts:   append([]string(nil), hosts...),
		Tags:    append([]string(nil), tags...),
		QueryID: id,
		Status:  StatusSuccess,
	}
	d.logger.WithFields(logrus.Fields{
		"query_id": id,
		"hosts":    strings.Join(hosts, ","),
	}).Debug("distributed query dispatched")
	return q, nil
}

// Results opens the result stream for queryID. The caller closes it.
func (d *Dispatcher) Results(ctx context.Context, queryID string) (*espapi.ResultStream, error) {
	stream, err := d.client.OpenResults(ctx, queryID)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: open results for %s: %w", queryID, err)
	}
	return stream, nil
}

// Run dispatches sql, opens its result stream and returns the first batch.
func (d *Dispatcher) Run(ctx context.Context, sql string, tags, hosts []string) (DistributedQuery, espapi.ResultBatch, error) {
	q, err := d.Dispatch(ctx, sql, tags, hosts)
	if err != nil {
		return DistributedQuery{}, espapi.ResultBatch{}, err
	}

	stream, err := d.Results(ctx, q.QueryID)
	if err != nil {
		return q, espapi.ResultBatch{}, err
	}
	defer stream.Close()

	batch, err := stream.Next(ctx)
	if err != nil {
		return q, espapi.ResultBatch{}, fmt.Errorf("dispatcher: read results for %s: %w", q.QueryID, err)
	}
	return q, batch, nil
}
