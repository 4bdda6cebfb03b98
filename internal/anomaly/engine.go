package anomaly

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"stocktrail.org/internal/audit"
	"stocktrail.org/internal/authz"
	"stocktrail.org/internal/ids"
	"stocktrail.org/internal/obs"
)

const (
	defaultInterval    = 5 * time.Minute
	defaultScanWindow  = 15 * time.Minute
	defaultHistory     = 90 * 24 * time.Hour
	defaultConcurrency = 4
	// minSamples suppresses detectors with too little history to be
	// statistically meaningful.
	minSamples = 10

	alertWriteRetries = 3
	alertRetryBase    = 100 * time.Millisecond
)

// Suspender is the slice of the capability service the engine uses for
// auto-suspend on critical findings.
type Suspender interface {
	SuspendUser(ctx context.Context, userID, reason string) error
}

// Engine runs the periodic detection loop and the synchronous scan hook. It
// never blocks request handling: the loop is an independent task and writes
// are serialized per subject so suspend and alert creation cannot race.
type Engine struct {
	store     authz.Store
	recorder  *audit.Recorder
	alerts    Store
	suspender Suspender

	interval    time.Duration
	scanWindow  time.Duration
	history     time.Duration
	concurrency int
	now         func() time.Time

	mu        sync.Mutex
	userLocks map[string]*sync.Mutex
}

// Option configures the Engine.
type Option func(*Engine)

// WithInterval overrides the loop cadence.
func WithInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithScanWindow overrides the "recent activity" window.
func WithScanWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.scanWindow = d
		}
	}
}

// WithConcurrency bounds the parallel user scans per tick.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithEngineClock overrides the time source (tests).
func WithEngineClock(fn func() time.Time) Option {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// NewEngine constructs the anomaly engine.
func NewEngine(store authz.Store, recorder *audit.Recorder, alerts Store, suspender Suspender, opts ...Option) (*Engine, error) {
	if store == nil || recorder == nil || alerts == nil {
		return nil, errors.New("anomaly: store, recorder and alert store are required")
	}
	e := &Engine{
		store:       store,
		recorder:    recorder,
		alerts:      alerts,
		suspender:   suspender,
		interval:    defaultInterval,
		scanWindow:  defaultScanWindow,
		history:     defaultHistory,
		concurrency: defaultConcurrency,
		now:         time.Now,
		userLocks:   map[string]*sync.Mutex{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Run executes the detection loop until the context ends. Intended to be
// started as `go engine.Run(ctx)` from main.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.ScanOnce(ctx)
		}
	}
}

// ScanOnce scans every recently active user in bounded-parallel batches,
// then the organization-scoped detectors, then sweeps expired alerts. A
// single failing detector or user is logged and skipped, never fatal to the
// batch.
func (e *Engine) ScanOnce(ctx context.Context) {
	now := e.now().UTC()

	users, err := e.store.Users().ActiveSince(ctx, now.Add(-e.scanWindow))
	if err != nil {
		e.logError("list active users", err)
	} else {
		sem := make(chan struct{}, e.concurrency)
		var wg sync.WaitGroup
		for _, userID := range users {
			select {
			case <-ctx.Done():
				wg.Wait()
				return
			case sem <- struct{}{}:
			}
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				defer func() { <-sem }()
				e.ScanUser(ctx, id)
			}(userID)
		}
		wg.Wait()
	}

	orgs, err := e.store.Organizations().List(ctx)
	if err != nil {
		e.logError("list organizations", err)
	} else {
		for _, org := range orgs {
			if ctx.Err() != nil {
				return
			}
			alert, err := e.detectSyncFailureSpike(ctx, org.ID)
			if err != nil {
				e.logError("sync failure detector", err)
				continue
			}
			if alert != nil {
				e.raise(ctx, alert)
			}
		}
	}

	if _, err := e.alerts.DeleteOlderThan(ctx, now.Add(-AlertRetention)); err != nil {
		e.logError("alert retention sweep", err)
	}
}

// ScanUser runs every per-user detector. Detector checks are independent and
// run concurrently; resulting writes are serialized under the user's lock.
// Also invoked synchronously after high-risk writes (bulk export, grant).
func (e *Engine) ScanUser(ctx context.Context, userID string) {
	detectors := []func(context.Context, string) (*Alert, error){
		e.detectNewOrgAccess,
		e.detectEscalation,
		e.detectExportAnomaly,
	}

	results := make([]*Alert, len(detectors))
	var wg sync.WaitGroup
	for i, detect := range detectors {
		wg.Add(1)
		go func(i int, detect func(context.Context, string) (*Alert, error)) {
			defer wg.Done()
			alert, err := detect(ctx, userID)
			if err != nil {
				e.logError("detector", err)
				return
			}
			results[i] = alert
		}(i, detect)
	}
	wg.Wait()

	lock := e.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()
	for _, alert := range results {
		if alert != nil {
			e.raiseLocked(ctx, alert)
		}
	}
}

// raise serializes on the subject lock before writing.
func (e *Engine) raise(ctx context.Context, alert *Alert) {
	subject := alert.UserID
	if subject == "" {
		subject = "org:" + alert.OrgID
	}
	lock := e.lockFor(subject)
	lock.Lock()
	defer lock.Unlock()
	e.raiseLocked(ctx, alert)
}

// raiseLocked persists the alert with bounded retry, then applies the
// severity policy. Missed alerts are a security gap, so store failures are
// retried with backoff before being surfaced in the log.
func (e *Engine) raiseLocked(ctx context.Context, alert *Alert) {
	alert.ID = ids.New()
	alert.CreatedAt = e.now().UTC()

	var err error
	for attempt := 0; attempt < alertWriteRetries; attempt++ {
		if err = e.alerts.Create(ctx, alert); err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(alertRetryBase << attempt):
		}
	}
	if err != nil {
		e.logError("alert write", err)
		return
	}
	obs.AnomalyAlerts.WithLabelValues(string(alert.Type), string(alert.Severity)).Inc()

	if alert.Severity == SeverityCritical && alert.UserID != "" && e.suspender != nil {
		reason := "critical anomaly alert " + alert.ID + " (" + string(alert.Type) + ")"
		if err := e.suspender.SuspendUser(ctx, alert.UserID, reason); err != nil {
			e.logError("auto-suspend", err)
		}
	}
}

func (e *Engine) lockFor(subject string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.userLocks[subject]
	if !ok {
		lock = &sync.Mutex{}
		e.userLocks[subject] = lock
	}
	return lock
}

func (e *Engine) logError(op string, err error) {
	line, merr := json.Marshal(map[string]any{
		"ts":    e.now().UTC().Format(time.RFC3339Nano),
		"level": "error",
		"msg":   "anomaly engine: " + op,
		"error": err.Error(),
	})
	if merr != nil {
		return
	}
	obs.Logger().Println(string(line))
}
