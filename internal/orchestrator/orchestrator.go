// Package orchestrator drives one inbound question through admission,
// cache, discovery, generation, and execution, persisting every
// outcome and streaming progress to the caller.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/querypilot/querypilot/internal/audit"
	"github.com/querypilot/querypilot/internal/auth"
	"github.com/querypilot/querypilot/internal/cache"
	"github.com/querypilot/querypilot/internal/db"
	"github.com/querypilot/querypilot/internal/metrics"
	"github.com/querypilot/querypilot/internal/queryexpert"
	"github.com/querypilot/querypilot/internal/ratelimit"
	"github.com/querypilot/querypilot/pkg/models"
)

// Authorizer is the orchestrator's view of the permission guard.
type Authorizer interface {
	Authorize(ctx context.Context, principal models.Principal, capability models.Capability) (*models.Identity, error)
}

// Admitter is the orchestrator's view of the rate limiter.
type Admitter interface {
	Admit(ctx context.Context, principal models.Principal) error
}

// ProgressFunc receives stage transitions. It must not block; the
// orchestrator isolates panics but delivers synchronously.
type ProgressFunc func(models.ProgressUpdate)

// Config bounds one orchestrated request.
type Config struct {
	// QueryTimeout is the ceiling for the whole generation/execution
	// pipeline.
	QueryTimeout time.Duration
	// StoreTimeout bounds individual shared-store round trips,
	// independent of the pipeline deadline.
	StoreTimeout time.Duration
	// CacheTTL is applied to results stored on completion.
	CacheTTL time.Duration
	// Exec pins generated statements to a warehouse context.
	Exec queryexpert.ExecOptions
	// MaxResultRows truncates oversized result sets before they are
	// returned or cached.
	MaxResultRows int
}

// Orchestrator coordinates one request at a time; instances are
// stateless and safe for concurrent use.
type Orchestrator struct {
	guard    Authorizer
	limiter  Admitter
	cache    *cache.Cache
	sessions *db.SessionStore
	records  *db.RecordStore
	client   queryexpert.Client
	audit    *audit.Logger
	cfg      Config
	progress ProgressFunc
	now      func() time.Time
}

// New creates an orchestrator.
func New(guard Authorizer, limiter Admitter, resultCache *cache.Cache, sessions *db.SessionStore, records *db.RecordStore, client queryexpert.Client, auditLog *audit.Logger, cfg Config) *Orchestrator {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 5 * time.Minute
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 3 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Minute
	}
	return &Orchestrator{
		guard:    guard,
		limiter:  limiter,
		cache:    resultCache,
		sessions: sessions,
		records:  records,
		client:   client,
		audit:    auditLog,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetProgress installs the stage-transition listener. Call before the
// first Run.
func (o *Orchestrator) SetProgress(fn ProgressFunc) { o.progress = fn }

// Run drives a question to a terminal answer. Admission failures
// (denied, rate limited, unknown identity) return both the terminal
// answer and the typed error so transports can map status codes;
// post-admission outcomes are encoded in the answer alone.
func (o *Orchestrator) Run(ctx context.Context, q models.Question) (*models.Answer, error) {
	sctx, cancel := o.storeCtx(ctx)
	session, err := o.sessions.GetOrCreate(sctx, q.Principal, q.ChannelID)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("session lookup: %w", err)
	}

	rec := &models.QueryRecord{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Principal: q.Principal,
		ChannelID: q.ChannelID,
		Question:  q.Text,
		CreatedAt: o.now().UTC(),
	}
	sctx, cancel = o.storeCtx(ctx)
	err = o.records.Create(sctx, rec)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("create query record: %w", err)
	}
	o.emit(rec.ID, models.StagePending)

	_, err = retryCall(ctx, func() (*models.Identity, error) {
		return o.guard.Authorize(ctx, q.Principal, models.CapabilityQueryExecute)
	})
	if err != nil {
		answer := o.finish(ctx, rec, terminal{
			status:   models.QueryStatusFailed,
			stage:    models.StageFailed,
			reason:   admissionReason(err),
			category: models.CategoryError,
			detail:   map[string]any{"error": err.Error(), "phase": "authorize"},
		})
		return answer, err
	}

	if err := o.limiter.Admit(ctx, q.Principal); err != nil {
		var rlErr *ratelimit.Error
		if errors.As(err, &rlErr) {
			metrics.RecordRateLimited(ctx, string(rlErr.Scope))
		}
		answer := o.finish(ctx, rec, terminal{
			status:   models.QueryStatusFailed,
			stage:    models.StageFailed,
			reason:   admissionReason(err),
			category: models.CategoryError,
			detail:   map[string]any{"error": err.Error(), "phase": "admit"},
		})
		return answer, err
	}

	metrics.RecordAdmitted(ctx)
	o.emit(rec.ID, models.StageAdmitted)

	runCtx, runCancel := context.WithTimeout(ctx, o.cfg.QueryTimeout)
	defer runCancel()

	return o.pipeline(runCtx, session, rec, q), nil
}

// pipeline runs the post-admission stages. Every exit path goes
// through finish, so exactly one audit entry is written per request.
func (o *Orchestrator) pipeline(ctx context.Context, session *models.Session, rec *models.QueryRecord, q models.Question) *models.Answer {
	o.emit(rec.ID, models.StageCacheCheck)

	// Fast path: a question this principal already asked maps to known
	// SQL, so the cache key is derivable without any service call.
	if priorSQL, err := o.lookupPriorSQL(ctx, q); err == nil && priorSQL != "" {
		key := cache.Key(priorSQL, o.keyContext())
		if entry := o.lookupCache(ctx, key); entry != nil {
			return o.completeFromCache(ctx, session, rec, priorSQL, entry)
		}
	}
	metrics.RecordCacheMiss(ctx)

	if err := o.transition(ctx, rec, models.QueryStatusRunning, nil); err != nil {
		return o.finish(ctx, rec, classify(err))
	}

	o.emit(rec.ID, models.StageFindTables)
	started := o.now()
	tables, err := retryCall(ctx, func() ([]models.TableRef, error) {
		return o.client.FindTables(ctx, q.Text, 5)
	})
	metrics.RecordStageLatency(ctx, models.StageFindTables, o.now().Sub(started))
	if err != nil {
		return o.finish(ctx, rec, classify(err))
	}

	o.emit(rec.ID, models.StageFindQueries)
	started = o.now()
	similar, err := retryCall(ctx, func() ([]models.SimilarQuery, error) {
		return o.client.SearchQueries(ctx, q.Text, string(q.Principal), 3)
	})
	metrics.RecordStageLatency(ctx, models.StageFindQueries, o.now().Sub(started))
	if err != nil {
		return o.finish(ctx, rec, classify(err))
	}

	o.emit(rec.ID, models.StageGenerating)
	sql, err := o.client.GenerateSQL(ctx, q.Text, tables, similar)
	if err != nil {
		return o.finish(ctx, rec, classify(err))
	}

	rec.SQL = sql
	rec.TableRefs = tables
	rec.SimilarQueries = similar
	sctx, cancel := o.storeCtx(ctx)
	err = o.records.Update(sctx, rec.ID, map[string]any{
		"sql":             sql,
		"table_refs":      models.JSONTableRefs(tables),
		"similar_queries": models.JSONSimilarQueries(similar),
	})
	cancel()
	if err != nil {
		return o.finish(ctx, rec, classify(err))
	}

	// Two phrasings that generate identical SQL share a cache entry;
	// check again now that the key is known, before touching the
	// warehouse.
	key := cache.Key(sql, o.keyContext())
	if entry := o.lookupCache(ctx, key); entry != nil {
		return o.completeFromCache(ctx, session, rec, sql, entry)
	}

	o.emit(rec.ID, models.StageExecuting)
	started = o.now()
	result, err := retryCall(ctx, func() (*models.ResultSet, error) {
		return o.client.Execute(ctx, sql, o.cfg.Exec)
	})
	metrics.RecordStageLatency(ctx, models.StageExecuting, o.now().Sub(started))
	if err != nil {
		return o.finish(ctx, rec, classify(err))
	}

	o.emit(rec.ID, models.StageFormatting)
	o.truncate(result)

	answer := o.finish(ctx, rec, terminal{
		status:   models.QueryStatusSucceeded,
		stage:    models.StageCompleted,
		category: models.CategoryQuery,
		result:   result,
		sql:      sql,
		detail:   map[string]any{"row_count": result.RowCount, "duration_ms": result.DurationMs},
	})

	// Populate only on a genuine miss; a hit never rewrites the entry.
	sctx, cancel = o.storeCtx(ctx)
	err = o.cache.Store(sctx, key, sql, result, o.cfg.CacheTTL)
	cancel()
	if err != nil {
		log.Warn().Err(err).Str("query_id", rec.ID).Msg("Result cache store failed")
	}
	o.touchSession(ctx, session, sql, tables)
	return answer
}

func (o *Orchestrator) lookupPriorSQL(ctx context.Context, q models.Question) (string, error) {
	sctx, cancel := o.storeCtx(ctx)
	defer cancel()
	return o.records.LatestSucceededSQL(sctx, q.Principal, q.Text)
}

func (o *Orchestrator) lookupCache(ctx context.Context, key string) *models.CacheEntry {
	sctx, cancel := o.storeCtx(ctx)
	defer cancel()
	entry, err := o.cache.Lookup(sctx, key)
	if err != nil {
		log.Warn().Err(err).Str("cache_key", key).Msg("Cache lookup failed")
		return nil
	}
	if entry == nil || entry.Result == nil {
		return nil
	}
	return entry
}

func (o *Orchestrator) completeFromCache(ctx context.Context, session *models.Session, rec *models.QueryRecord, sql string, entry *models.CacheEntry) *models.Answer {
	metrics.RecordCacheHit(ctx)
	o.emit(rec.ID, models.StageCacheHit)

	if rec.SQL == "" {
		rec.SQL = sql
		sctx, cancel := o.storeCtx(ctx)
		err := o.records.Update(sctx, rec.ID, map[string]any{"sql": sql})
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("query_id", rec.ID).Msg("Record update failed on cache hit")
		}
	}

	answer := o.finish(ctx, rec, terminal{
		status:    models.QueryStatusSucceeded,
		stage:     models.StageCompleted,
		category:  models.CategoryQuery,
		result:    entry.Result,
		sql:       sql,
		fromCache: true,
		detail:    map[string]any{"cache_key": entry.Key, "hit_count": entry.HitCount},
	})
	o.touchSession(ctx, session, sql, rec.TableRefs)
	return answer
}

// terminal describes how a request ends.
type terminal struct {
	status    models.QueryStatus
	stage     models.Stage
	reason    string
	category  models.EventCategory
	detail    map[string]any
	result    *models.ResultSet
	sql       string
	fromCache bool
}

// finish moves the record to its terminal status, writes the single
// audit entry for the request, and assembles the answer. Storage
// trouble here is logged, never surfaced: the answer is already
// decided.
func (o *Orchestrator) finish(ctx context.Context, rec *models.QueryRecord, t terminal) *models.Answer {
	fields := map[string]any{}
	if t.reason != "" {
		fields["error_reason"] = t.reason
	}
	if t.result != nil {
		payload := models.JSONResultSet(*t.result)
		fields["result"] = &payload
		fields["row_count"] = t.result.RowCount
		fields["duration_ms"] = t.result.DurationMs
	}
	if err := o.transition(ctx, rec, t.status, fields); err != nil {
		log.Error().Err(err).
			Str("query_id", rec.ID).
			Str("status", string(t.status)).
			Msg("Terminal transition failed")
	}

	payload := map[string]any{
		"status":   string(t.status),
		"question": rec.Question,
	}
	if t.reason != "" {
		payload["reason"] = t.reason
	}
	if t.fromCache {
		payload["from_cache"] = true
	}
	for k, v := range t.detail {
		payload[k] = v
	}
	severity := models.SeverityInfo
	if t.category == models.CategoryError {
		severity = models.SeverityWarning
	}
	actx, acancel := o.storeCtx(ctx)
	defer acancel()
	_ = o.audit.Record(actx, &models.AuditEntry{
		EventType: "query_" + string(t.status),
		Category:  t.category,
		Severity:  severity,
		Principal: rec.Principal,
		SessionID: rec.SessionID,
		QueryID:   rec.ID,
		Payload:   payload,
	})

	metrics.RecordQueryTerminal(ctx, t.status)
	o.emit(rec.ID, t.stage)

	answer := &models.Answer{
		QueryID:     rec.ID,
		Status:      t.status,
		SQL:         t.sql,
		FromCache:   t.fromCache,
		ErrorReason: t.reason,
	}
	if cid, ok := t.detail["correlation_id"].(string); ok {
		answer.CorrelationID = cid
	}
	if t.result != nil {
		answer.Columns = t.result.Columns
		answer.Rows = t.result.Rows
		answer.RowCount = t.result.RowCount
		answer.DurationMs = t.result.DurationMs
	}
	return answer
}

func (o *Orchestrator) transition(ctx context.Context, rec *models.QueryRecord, next models.QueryStatus, fields map[string]any) error {
	sctx, cancel := o.storeCtx(ctx)
	defer cancel()
	if err := o.records.Transition(sctx, rec.ID, next, fields); err != nil {
		return err
	}
	rec.Status = next
	return nil
}

func (o *Orchestrator) touchSession(ctx context.Context, session *models.Session, sql string, tables []models.TableRef) {
	patch := map[string]any{
		"last_sql":       sql,
		"last_warehouse": o.cfg.Exec.Warehouse,
	}
	if len(tables) > 0 {
		names := make([]string, 0, len(tables))
		for _, t := range tables {
			names = append(names, t.Name)
		}
		patch["last_tables"] = names
	}
	sctx, cancel := o.storeCtx(ctx)
	defer cancel()
	if err := o.sessions.Touch(sctx, session.ID, patch); err != nil {
		log.Warn().Err(err).Str("session_id", session.ID).Msg("Session touch failed")
	}
}

// emit delivers a progress update. Listener panics are contained; a
// misbehaving consumer cannot corrupt the state machine.
func (o *Orchestrator) emit(queryID string, stage models.Stage) {
	if o.progress == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("query_id", queryID).
				Str("stage", string(stage)).
				Msg("Progress listener panicked")
		}
	}()
	o.progress(models.ProgressUpdate{QueryID: queryID, Stage: stage, At: o.now().UTC()})
}

// storeCtx bounds a shared-store round trip independently of the
// pipeline deadline, and survives pipeline cancellation so terminal
// bookkeeping still lands.
func (o *Orchestrator) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.cfg.StoreTimeout)
}

func (o *Orchestrator) keyContext() cache.ExecContext {
	return cache.ExecContext{
		Database:  o.cfg.Exec.Database,
		Schema:    o.cfg.Exec.Schema,
		Warehouse: o.cfg.Exec.Warehouse,
	}
}

func (o *Orchestrator) truncate(result *models.ResultSet) {
	if o.cfg.MaxResultRows > 0 && len(result.Rows) > o.cfg.MaxResultRows {
		result.Rows = result.Rows[:o.cfg.MaxResultRows]
	}
}

// admissionReason renders an admission failure for the end user.
func admissionReason(err error) string {
	var denied *auth.DeniedError
	if errors.As(err, &denied) {
		return fmt.Sprintf("you do not have the %s permission", denied.Capability)
	}
	var rlErr *ratelimit.Error
	if errors.As(err, &rlErr) {
		return fmt.Sprintf("rate limit reached; retry in %ds", int(rlErr.RetryAfter.Seconds())+1)
	}
	if errors.Is(err, auth.ErrIdentityNotFound) {
		return "your account is not registered for data queries"
	}
	return "request could not be admitted; try again later"
}

// classify maps a pipeline error to its terminal shape per the error
// taxonomy: timeouts and cancellations are their own statuses,
// semantic service errors carry their specific reason, and
// infrastructure failures hide detail behind a correlation id.
func classify(err error) terminal {
	if errors.Is(err, context.Canceled) {
		return terminal{
			status:   models.QueryStatusCancelled,
			stage:    models.StageCancelled,
			reason:   "query cancelled",
			category: models.CategoryQuery,
			detail:   map[string]any{"error": err.Error()},
		}
	}

	var svcErr *queryexpert.ServiceError
	timedOut := errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &svcErr) && svcErr.Kind == queryexpert.KindTimeout)
	if timedOut {
		return terminal{
			status:   models.QueryStatusTimedOut,
			stage:    models.StageTimedOut,
			reason:   "query timed out; try narrowing your question",
			category: models.CategoryError,
			detail:   map[string]any{"error": err.Error()},
		}
	}

	if errors.As(err, &svcErr) {
		switch svcErr.Kind {
		case queryexpert.KindNoResult:
			return terminal{
				status:   models.QueryStatusFailed,
				stage:    models.StageFailed,
				reason:   "no tables or prior queries matched your question; try rephrasing",
				category: models.CategoryError,
				detail:   map[string]any{"error": err.Error()},
			}
		case queryexpert.KindRemote:
			return terminal{
				status:   models.QueryStatusFailed,
				stage:    models.StageFailed,
				reason:   svcErr.Message,
				category: models.CategoryError,
				detail:   map[string]any{"error": err.Error(), "tool": svcErr.Tool},
			}
		}
	}

	cid := uuid.NewString()
	return terminal{
		status:   models.QueryStatusFailed,
		stage:    models.StageFailed,
		reason:   fmt.Sprintf("something went wrong; try again later (ref %s)", cid),
		category: models.CategoryError,
		detail:   map[string]any{"error": err.Error(), "correlation_id": cid},
	}
}

// retryCall retries transient infrastructure unavailability — an
// unreachable query-expert service or identity resolver — with bounded
// exponential backoff; every other failure is permanent.
func retryCall[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var out T
	op := func() error {
		v, err := fn()
		if err != nil {
			if retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		out = v
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return out, err
	}
	return out, nil
}

func retryable(err error) bool {
	if errors.Is(err, auth.ErrResolverUnavailable) {
		return true
	}
	var svcErr *queryexpert.ServiceError
	return errors.As(err, &svcErr) && svcErr.Kind == queryexpert.KindUnavailable
}
