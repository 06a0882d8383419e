package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aleister1102/vulnerax/internal/agent"
	"github.com/aleister1102/vulnerax/internal/common"
	"github.com/aleister1102/vulnerax/internal/config"
	"github.com/aleister1102/vulnerax/internal/datastore"
	"github.com/aleister1102/vulnerax/internal/metrics"
	"github.com/aleister1102/vulnerax/internal/models"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/aleister1102/vulnerax/internal/dispatcher"

// AgentClient is the part of the agent client the dispatcher needs.
type AgentClient interface {
	Scan(ctx context.Context, instruction, idempotencyKey string) (models.Findings, error)
}

// Directive is one scan submission.
type Directive struct {
	Target models.Target
	// Instruction defaults to "Scan <url>".
	Instruction string
	// Nonce makes resubmissions of the same form idempotent. A missing nonce
	// means every submission is a new scan.
	Nonce string
}

// DispatchResult is the scan a submission produced. Replayed is true when an
// earlier submission with the same idempotency key is returned instead.
type DispatchResult struct {
	Scan     *models.Scan
	Replayed bool
}

// Dispatcher validates submissions, records them, calls the agent exactly once,
// and reconciles the reply into a terminal scan record.
type Dispatcher struct {
	store   datastore.ScanStore
	agent   AgentClient
	keys    *expirable.LRU[string, string]
	metrics *metrics.Metrics
	tracer  trace.Tracer
	timeout time.Duration
	now     func() time.Time
	newID   func() string
	logger  zerolog.Logger

	inflight sync.WaitGroup
}

// Builder provides a fluent interface for creating a Dispatcher
type Builder struct {
	store     datastore.ScanStore
	agent     AgentClient
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	timeout   time.Duration
	cacheSize int
	cacheTTL  time.Duration
	now       func() time.Time
	newID     func() string
	logger    zerolog.Logger
}

// NewBuilder creates a Builder with default settings.
func NewBuilder(logger zerolog.Logger) *Builder {
	return &Builder{
		timeout:   time.Duration(config.DefaultAgentTimeoutSecs) * time.Second,
		cacheSize: config.DefaultIdempotencyCacheSize,
		cacheTTL:  time.Duration(config.DefaultIdempotencyWindowSecs) * time.Second,
		now:       time.Now,
		newID:     uuid.NewString,
		logger:    logger,
	}
}

func (b *Builder) WithStore(store datastore.ScanStore) *Builder {
	b.store = store
	return b
}

func (b *Builder) WithAgent(client AgentClient) *Builder {
	b.agent = client
	return b
}

// WithTimeout sets the deadline for each agent call.
func (b *Builder) WithTimeout(timeout time.Duration) *Builder {
	b.timeout = timeout
	return b
}

// WithDispatchConfig sizes the idempotency cache.
func (b *Builder) WithDispatchConfig(cfg config.DispatchConfig) *Builder {
	b.cacheSize = cfg.IdempotencyCacheSize
	b.cacheTTL = cfg.IdempotencyWindow()
	return b
}

func (b *Builder) WithMetrics(m *metrics.Metrics) *Builder {
	b.metrics = m
	return b
}

func (b *Builder) WithTracer(tracer trace.Tracer) *Builder {
	b.tracer = tracer
	return b
}

// WithClock overrides time.Now.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// WithIDGenerator overrides the scan id source.
func (b *Builder) WithIDGenerator(newID func() string) *Builder {
	b.newID = newID
	return b
}

// Build creates the Dispatcher.
func (b *Builder) Build() (*Dispatcher, error) {
	if b.store == nil {
		return nil, common.NewValidationError("store", nil, "scan store is required")
	}
	if b.agent == nil {
		return nil, common.NewValidationError("agent", nil, "agent client is required")
	}
	if b.timeout <= 0 {
		return nil, common.NewValidationError("timeout", b.timeout, "agent timeout must be positive")
	}
	if b.cacheSize <= 0 {
		b.cacheSize = config.DefaultIdempotencyCacheSize
	}

	tracer := b.tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	return &Dispatcher{
		store:   b.store,
		agent:   b.agent,
		keys:    expirable.NewLRU[string, string](b.cacheSize, nil, b.cacheTTL),
		metrics: b.metrics,
		tracer:  tracer,
		timeout: b.timeout,
		now:     b.now,
		newID:   b.newID,
		logger:  b.logger.With().Str("component", "Dispatcher").Logger(),
	}, nil
}

type outcome struct {
	scan *models.Scan
	err  error
}

// Dispatch runs one submission for the session's account.
//
// An invalid target returns an error wrapping models.ErrInvalidTarget and leaves
// no record. Otherwise the scan is persisted as queued then in_progress before
// the agent is called. A failed scan is returned together with a
// *models.DispatchError. If ctx ends first, Dispatch returns the in-progress
// record and ctx.Err(); the scan still reaches a terminal state.
func (d *Dispatcher) Dispatch(ctx context.Context, session models.UserSession, directive Directive) (*DispatchResult, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch")
	defer span.End()

	if session.UID == "" {
		return nil, common.NewValidationError("session", session.UID, "dispatch requires an authenticated session")
	}

	target := directive.Target
	target.URL = strings.TrimSpace(target.URL)
	if err := target.Validate(); err != nil {
		d.metrics.DispatchOutcome(metrics.OutcomeRejected)
		span.SetStatus(codes.Error, "invalid target")
		d.logger.Debug().Err(err).Str("uid", session.UID).Msg("Rejected scan submission")
		return nil, err
	}
	span.SetAttributes(attribute.String("scan.target", target.URL))

	nonce := directive.Nonce
	if nonce == "" {
		nonce = d.newID()
	}
	key := IdempotencyKey(session.UID, target.URL, nonce)

	if existing, err := d.lookup(ctx, key); err != nil {
		return nil, err
	} else if existing != nil {
		return d.replay(span, existing)
	}

	// From here on the record's writes must survive the caller going away;
	// only the caller's wait below watches ctx.
	detached := context.WithoutCancel(ctx)

	scan := models.NewScan(d.newID(), session.UID, target, key, d.now())
	if err := d.store.Create(detached, scan); err != nil {
		if errors.Is(err, datastore.ErrDuplicateKey) {
			// Lost a race with a concurrent submission under the same key.
			if existing, lookupErr := d.lookup(detached, key); lookupErr == nil && existing != nil {
				return d.replay(span, existing)
			}
		}
		return nil, fmt.Errorf("failed to record scan: %w", err)
	}
	d.keys.Add(key, scan.ID)
	span.SetAttributes(attribute.String("scan.id", scan.ID))

	if err := scan.Start(); err != nil {
		return nil, err
	}
	if err := d.store.Update(detached, scan, models.ScanStatusQueued); err != nil {
		d.logger.Error().Err(err).Str("scan_id", scan.ID).Msg("Failed to start scan")
		startErr := fmt.Errorf("failed to start scan %s: %w", scan.ID, err)
		settled, _ := d.settle(detached, scan, startErr)
		d.metrics.DispatchOutcome(metrics.OutcomeFailed)
		return &DispatchResult{Scan: settled}, settledError(settled, startErr)
	}

	instruction := models.ComposeInstruction(directive.Instruction, target.URL)

	d.logger.Info().Str("scan_id", scan.ID).Str("uid", session.UID).Str("target", target.URL).Msg("Dispatching scan")

	done := make(chan outcome, 1)
	d.inflight.Add(1)
	go func(running *models.Scan) {
		defer d.inflight.Done()
		done <- d.execute(detached, running, instruction)
	}(scan.Clone())

	select {
	case out := <-done:
		if out.err != nil {
			span.SetStatus(codes.Error, out.err.Error())
		}
		span.SetAttributes(attribute.String("scan.status", string(out.scan.Status)))
		return &DispatchResult{Scan: out.scan}, out.err
	case <-ctx.Done():
		span.SetAttributes(attribute.Bool("scan.detached", true))
		d.logger.Info().Str("scan_id", scan.ID).Msg("Caller stopped waiting; scan continues in background")
		return &DispatchResult{Scan: scan}, ctx.Err()
	}
}

// execute performs the single agent call and the terminal write.
func (d *Dispatcher) execute(ctx context.Context, scan *models.Scan, instruction string) outcome {
	ctx, span := d.tracer.Start(ctx, "agent.scan", trace.WithAttributes(attribute.String("scan.id", scan.ID)))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	d.metrics.AgentCallStarted()
	started := time.Now()

	findings, callErr := d.agent.Scan(callCtx, instruction, scan.IdempotencyKey)
	if callErr == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		// A reply that raced the deadline is still late.
		callErr = &agent.TransportError{Message: models.TimeoutMessage, Err: context.DeadlineExceeded}
	}

	completedAt := d.now()
	if callErr == nil {
		if err := scan.Complete(findings, completedAt); err != nil {
			callErr = fmt.Errorf("%w: %v", agent.ErrMalformedReply, err)
		}
	}

	var dispatchErr error
	if callErr != nil {
		reason := agent.FailureReason(callErr)
		if err := scan.Fail(reason, completedAt); err != nil {
			d.logger.Error().Err(err).Str("scan_id", scan.ID).Msg("Failed to mark scan failed")
			return outcome{scan: scan, err: err}
		}
		dispatchErr = &models.DispatchError{ScanID: scan.ID, Reason: reason}
		span.SetStatus(codes.Error, reason.String())
	}

	resultLabel := string(scan.Status)
	failureKind := ""
	if scan.FailureReason != nil {
		failureKind = string(scan.FailureReason.Kind)
	}
	d.metrics.AgentCallFinished(resultLabel, failureKind, time.Since(started))

	// callCtx may already be expired; the terminal write uses the undeadlined parent.
	if err := d.store.Update(ctx, scan, models.ScanStatusInProgress); err != nil {
		d.logger.Error().Err(err).Str("scan_id", scan.ID).Str("status", resultLabel).Msg("Failed to persist terminal scan state")
		persistErr := fmt.Errorf("failed to persist scan %s: %w", scan.ID, err)
		settled, stored := d.settle(ctx, scan, persistErr)
		if stored {
			return outcome{scan: settled, err: dispatchErr}
		}
		return outcome{scan: settled, err: settledError(settled, persistErr)}
	}

	event := d.logger.Info()
	if dispatchErr != nil {
		event = d.logger.Warn().Str("failure_kind", failureKind).Str("reason", scan.FailureReason.Message)
	}
	event.Str("scan_id", scan.ID).Str("status", resultLabel).Dur("elapsed", time.Since(started)).Msg("Scan finished")

	return outcome{scan: scan, err: dispatchErr}
}

// settle drives the stored record of a scan whose normal write failed to a
// terminal state, best effort. intended is the state the dispatcher meant to
// store and is retried once; failing that, the record is marked failed with
// cause. It returns the last state known to be stored and whether that state
// is intended.
func (d *Dispatcher) settle(ctx context.Context, intended *models.Scan, cause error) (*models.Scan, bool) {
	log := d.logger.With().Str("scan_id", intended.ID).Logger()

	stored, err := d.store.Get(ctx, intended.ID)
	if err != nil {
		log.Error().Err(err).Msg("Cannot settle scan: record unreadable")
		return intended, false
	}
	if stored.Status.IsTerminal() {
		return stored, false
	}

	if stored.Status == models.ScanStatusQueued {
		if err := stored.Start(); err != nil {
			log.Error().Err(err).Msg("Cannot settle scan")
			return stored, false
		}
		if err := d.store.Update(ctx, stored, models.ScanStatusQueued); err != nil {
			log.Error().Err(err).Msg("Cannot settle scan: start write failed again")
			return stored, false
		}
	}

	if intended.Status.IsTerminal() {
		if err := d.store.Update(ctx, intended, models.ScanStatusInProgress); err == nil {
			log.Info().Str("status", string(intended.Status)).Msg("Terminal scan state persisted on retry")
			return intended, true
		}
	}

	reason := models.TransportFailure(cause.Error())
	if err := stored.Fail(reason, d.now()); err != nil {
		log.Error().Err(err).Msg("Cannot settle scan")
		return stored, false
	}
	if err := d.store.Update(ctx, stored, models.ScanStatusInProgress); err != nil {
		log.Error().Err(err).Msg("Cannot settle scan: failure write failed")
		return stored, false
	}
	log.Warn().Str("reason", reason.Message).Msg("Scan settled as failed")
	return stored, false
}

// settledError reports a settled failure as a DispatchError and anything else as cause.
func settledError(settled *models.Scan, cause error) error {
	if settled.Status == models.ScanStatusFailed && settled.FailureReason != nil {
		return &models.DispatchError{ScanID: settled.ID, Reason: *settled.FailureReason}
	}
	return cause
}

// lookup finds a scan already created under key, consulting the cache first.
func (d *Dispatcher) lookup(ctx context.Context, key string) (*models.Scan, error) {
	if id, ok := d.keys.Get(key); ok {
		scan, err := d.store.Get(ctx, id)
		if err == nil {
			return scan, nil
		}
		if !errors.Is(err, datastore.ErrScanNotFound) {
			return nil, err
		}
		d.keys.Remove(key)
	}

	scan, err := d.store.FindByIdempotencyKey(ctx, key)
	if errors.Is(err, datastore.ErrScanNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	d.keys.Add(key, scan.ID)
	return scan, nil
}

func (d *Dispatcher) replay(span trace.Span, existing *models.Scan) (*DispatchResult, error) {
	d.metrics.DispatchOutcome(metrics.OutcomeReplayed)
	span.SetAttributes(attribute.String("scan.id", existing.ID), attribute.Bool("scan.replayed", true))
	d.logger.Debug().Str("scan_id", existing.ID).Msg("Returning existing scan for idempotency key")

	result := &DispatchResult{Scan: existing, Replayed: true}
	if existing.Status == models.ScanStatusFailed && existing.FailureReason != nil {
		return result, &models.DispatchError{ScanID: existing.ID, Reason: *existing.FailureReason}
	}
	return result, nil
}

// Wait blocks until every detached agent call has reached a terminal state or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
