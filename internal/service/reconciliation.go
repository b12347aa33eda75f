package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"bitespeed-identity/internal/lock"
	"bitespeed-identity/internal/metrics"
	"bitespeed-identity/internal/models"
)

// DefaultTimeout bounds one identify unit of work when the caller's context
// has no deadline.
const DefaultTimeout = 5 * time.Second

var tracer = otel.Tracer("bitespeed-identity/internal/service")

// ReconciliationService handles identity reconciliation logic
type ReconciliationService struct {
	store   ContactStore
	locker  lock.Locker
	metrics *metrics.Metrics
	log     *slog.Logger
	timeout time.Duration
}

// Option configures a ReconciliationService.
type Option func(*ReconciliationService)

// WithLocker serializes sightings that share an identifier.
func WithLocker(l lock.Locker) Option {
	return func(s *ReconciliationService) { s.locker = l }
}

// WithMetrics records Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *ReconciliationService) { s.metrics = m }
}

// WithTimeout overrides DefaultTimeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(s *ReconciliationService) { s.timeout = d }
}

// NewReconciliationService creates a new reconciliation service
func NewReconciliationService(log *slog.Logger, store ContactStore, opts ...Option) *ReconciliationService {
	s := &ReconciliationService{
		store:   store,
		locker:  lock.Noop{},
		log:     log.With("service", "reconciliation"),
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Identify resolves a sighting into its identity. Resolve and merge run as
// one transaction: on any error nothing is written.
func (s *ReconciliationService) Identify(ctx context.Context, req models.IdentifyRequest) (*models.IdentifyResponse, error) {
	sighting, err := req.Sighting()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	ctx, span := tracer.Start(ctx, "identity.Identify", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	cluster, outcome, w, err := s.identify(ctx, sighting)
	if err != nil {
		s.metrics.ObserveIdentify("error", time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, "identify failed")
		return nil, err
	}
	s.metrics.ObserveIdentify(string(outcome), time.Since(start))
	for _, precedence := range w.created {
		s.metrics.IncContactsCreated(string(precedence))
	}
	s.metrics.AddDemotions(w.demoted)

	resp := assemble(cluster)
	span.SetAttributes(
		attribute.String("identity.outcome", string(outcome)),
		attribute.Int64("identity.primary_id", resp.Contact.PrimaryContactID),
	)
	s.log.InfoContext(ctx, "contact identified",
		slog.String("outcome", string(outcome)),
		slog.String("trace_id", span.SpanContext().TraceID().String()),
		slog.Int64("primary_id", resp.Contact.PrimaryContactID),
		slog.Int("secondaries", len(resp.Contact.SecondaryContactIDs)),
	)
	return resp, nil
}

func (s *ReconciliationService) identify(ctx context.Context, sighting models.Sighting) (Cluster, Outcome, writes, error) {
	release, err := s.locker.Lock(ctx, sighting.Keys()...)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return Cluster{}, "", writes{}, models.NewConflictError("lock identifiers", err)
		}
		return Cluster{}, "", writes{}, models.NewStorageError("lock identifiers", err)
	}
	defer release()

	var (
		cluster Cluster
		outcome Outcome
		w       writes
	)
	err = s.store.RunInTx(ctx, func(ctx context.Context) error {
		w = writes{}
		res, err := s.resolve(ctx, sighting)
		if err != nil {
			return err
		}
		cluster, outcome, err = s.merge(ctx, sighting, res, &w)
		return err
	})
	if err != nil {
		return Cluster{}, "", writes{}, models.NewStorageError("identify", fmt.Errorf("resolve and merge: %w", err))
	}
	return cluster, outcome, w, nil
}
