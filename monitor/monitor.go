// Package monitor discovers new contracts in storage and turns each one
// into a signing envelope exactly once.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/v1nometrics/docusign-ura/cache"
	"github.com/v1nometrics/docusign-ura/identity"
	"github.com/v1nometrics/docusign-ura/model"
	"github.com/v1nometrics/docusign-ura/pkg/logger"
	"github.com/v1nometrics/docusign-ura/pkg/metrics"
)

// Monitor owns the processed set and runs the polling loop. Processing is
// sequential: the loop and the event entry points share one lock.
type Monitor struct {
	storage   Storage
	processor *Processor
	cache     *cache.Cache
	prefix    string
	interval  IntervalPolicy
	now       func() time.Time
	random    func() float64
	wake      chan struct{}

	mu           sync.Mutex // one candidate at a time
	actMu        sync.Mutex
	lastActivity time.Time
	cycle        atomic.Int64
}

type Option func(*Monitor)

func WithIntervalPolicy(p IntervalPolicy) Option {
	return func(m *Monitor) { m.interval = p }
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithRandom sets the jitter sample source
func WithRandom(r func() float64) Option {
	return func(m *Monitor) { m.random = r }
}

func New(storage Storage, processor *Processor, c *cache.Cache, prefix string, opts ...Option) *Monitor {
	m := &Monitor{
		storage:   storage,
		processor: processor,
		cache:     c,
		prefix:    prefix,
		interval:  DefaultIntervalPolicy(),
		now:       time.Now,
		random:    rand.Float64,
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.lastActivity = m.now()
	metrics.ProcessedSetSize.Set(float64(c.Len()))
	return m
}

// Summary describes one discovery and processing pass
type Summary struct {
	Found     int         `json:"found"`
	Processed int         `json:"processed"`
	Errors    int         `json:"errors"`
	Dropped   int         `json:"dropped"`
	Skipped   int         `json:"skipped"`
	Results   []KeyResult `json:"results,omitempty"`
}

// KeyResult pairs an object key with its processing result
type KeyResult struct {
	Key    string                 `json:"key"`
	Result model.ProcessingResult `json:"result"`
}

// Wake ends the current sleep early. It never blocks.
func (m *Monitor) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// IsContract reports whether key names a contract under the prefix
func (m *Monitor) IsContract(key string) bool {
	return strings.HasPrefix(key, m.prefix) &&
		strings.HasSuffix(strings.ToLower(key), ".pdf") &&
		!strings.HasPrefix(key, m.prefix+"audit/")
}

// Check lists storage and returns the unprocessed contracts with a complete
// signer identity, in listing order. Contracts whose identity cannot be
// resolved are dropped for this pass and counted as errors.
func (m *Monitor) Check(ctx context.Context) ([]model.Candidate, error) {
	candidates, dropped, err := m.discover(ctx)
	if err != nil {
		return nil, err
	}
	m.cache.MarkChecked(m.now())
	if dropped > 0 {
		m.cache.RecordError(dropped)
		metrics.DroppedCandidates.Add(float64(dropped))
	}
	return candidates, nil
}

func (m *Monitor) discover(ctx context.Context) ([]model.Candidate, int, error) {
	if err := m.cache.Sync(ctx); err != nil {
		logger.Warn(ctx, "could not reload processed set", "error", err)
	}

	objects, err := m.storage.List(ctx, m.prefix)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list contracts: %w", err)
	}

	var (
		candidates []model.Candidate
		dropped    int
	)
	for _, obj := range objects {
		if !m.IsContract(obj.Key) || m.cache.Contains(obj.Key) {
			continue
		}
		cand, ok := m.resolve(ctx, obj)
		if !ok {
			dropped++
			continue
		}
		logger.Info(ctx, "new contract detected", "object_key", obj.Key)
		candidates = append(candidates, cand)
	}
	return candidates, dropped, nil
}

// resolve extracts the signer from the key, then from the listed metadata,
// then from a fresh stat of the object.
func (m *Monitor) resolve(ctx context.Context, obj model.ObjectInfo) (model.Candidate, bool) {
	cand := model.NewCandidate(obj)
	id := identity.Resolve(obj.Key, m.prefix, obj.Metadata)
	if !usable(id) {
		fresh, err := m.storage.Stat(ctx, obj.Key)
		if err != nil {
			logger.Warn(ctx, "could not refetch contract", "object_key", obj.Key, "error", err)
		} else {
			cand.Metadata = fresh.Metadata
			id = identity.Resolve(obj.Key, m.prefix, fresh.Metadata)
		}
	}
	if !usable(id) {
		logger.Warn(ctx, "contract name does not carry a signer, skipping this cycle",
			"object_key", obj.Key, "name", id.Name, "email", id.Email)
		return cand, false
	}
	return cand.WithIdentity(id), true
}

func usable(id model.Identity) bool {
	return id.Complete() && identity.Valid(id.Email)
}

// RunOnce performs one polling cycle: discover, then process every candidate
// in order, persisting after each success.
func (m *Monitor) RunOnce(ctx context.Context) (Summary, error) {
	ctx = logger.WithCycle(ctx, m.cycle.Add(1))
	start := time.Now()
	defer func() { metrics.CycleDuration.Observe(time.Since(start).Seconds()) }()

	candidates, dropped, err := m.discover(ctx)
	m.cache.MarkChecked(m.now())
	if err != nil {
		m.cache.RecordError(1)
		m.flush(ctx)
		metrics.CycleTotal.WithLabelValues("list_error").Inc()
		return Summary{}, err
	}
	if dropped > 0 {
		m.cache.RecordError(dropped)
		metrics.DroppedCandidates.Add(float64(dropped))
	}

	sum := Summary{Found: len(candidates), Dropped: dropped, Errors: dropped}
	for _, cand := range candidates {
		if ctx.Err() != nil {
			break
		}
		res := m.processCandidate(ctx, cand)
		sum.Results = append(sum.Results, KeyResult{Key: cand.Key, Result: res})
		switch {
		case res.Skipped:
			sum.Skipped++
		case res.Success:
			sum.Processed++
		default:
			sum.Errors++
		}
	}

	m.flush(ctx)
	metrics.CycleTotal.WithLabelValues("ok").Inc()
	if len(candidates) > 0 {
		logger.Info(ctx, "polling cycle finished", "found", sum.Found, "processed", sum.Processed, "errors", sum.Errors)
	}
	return sum, nil
}

// ProcessAll processes every pending contract once
func (m *Monitor) ProcessAll(ctx context.Context) (Summary, error) {
	return m.RunOnce(ctx)
}

// processCandidate runs the processor under the lock and records the result
func (m *Monitor) processCandidate(ctx context.Context, cand model.Candidate) model.ProcessingResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cache.Contains(cand.Key) {
		return model.ProcessingResult{Success: true, Skipped: true, Message: "already processed"}
	}
	release, err := m.cache.Claim(ctx, cand.Key)
	if errors.Is(err, cache.ErrClaimed) {
		logger.Info(ctx, "contract claimed by another worker", "object_key", cand.Key)
		return model.ProcessingResult{Skipped: true, Message: err.Error()}
	}
	if err != nil {
		logger.Warn(ctx, "claim failed, processing without it", "object_key", cand.Key, "error", err)
	}
	defer release()

	res := m.processor.Process(ctx, cand)
	m.record(ctx, cand.Key, res)
	return res
}

// record applies a processor result to the processed set and statistics.
// A created envelope is recorded even when ctx was cancelled meanwhile.
func (m *Monitor) record(ctx context.Context, key string, res model.ProcessingResult) {
	if !res.Success {
		m.cache.RecordError(1)
		return
	}
	if err := m.cache.MarkProcessed(context.WithoutCancel(ctx), key); err != nil {
		logger.Error(ctx, "failed to persist processed contract", "object_key", key, "error", err)
	}
	metrics.ProcessedSetSize.Set(float64(m.cache.Len()))
	m.touch()
}

// ProcessKey handles a storage event for a single key. Already processed
// keys are reported as skipped without calling the processor.
func (m *Monitor) ProcessKey(ctx context.Context, key string) (model.ProcessingResult, error) {
	ctx = logger.WithObjectKey(ctx, key)
	if !m.IsContract(key) {
		return model.ProcessingResult{
			Skipped: true,
			Error:   model.ErrValidation,
			Message: "not a contract under " + m.prefix,
		}, nil
	}

	if err := m.cache.Sync(ctx); err != nil {
		logger.Warn(ctx, "could not reload processed set", "error", err)
	}
	if m.cache.Contains(key) {
		logger.Info(ctx, "contract already processed")
		return model.ProcessingResult{Success: true, Skipped: true, Message: "already processed"}, nil
	}

	info, err := m.storage.Stat(ctx, key)
	if err != nil {
		m.cache.RecordError(1)
		m.flush(ctx)
		return model.Failure(err), nil
	}
	cand := model.NewCandidate(info)
	cand.Key = key
	cand = cand.WithIdentity(identity.Resolve(key, m.prefix, info.Metadata))

	res := m.processCandidate(ctx, cand)
	m.flush(ctx)
	return res, nil
}

// SignRequest is a direct request to send a contract for signature. Empty
// fields are extracted from the contract when AutoExtract is set.
type SignRequest struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	Contract    string `json:"contract"`
	AutoExtract bool   `json:"auto_extract"`
}

// Sign sends the named contract, or the most recently modified one, to the
// given signer. Unlike the polling loop it does not skip processed keys; a
// successful call is added to the processed set.
func (m *Monitor) Sign(ctx context.Context, req SignRequest) (model.ProcessingResult, error) {
	var info model.ObjectInfo
	var err error
	if req.Contract != "" {
		info, err = m.storage.Stat(ctx, m.contractKey(req.Contract))
	} else {
		info, err = m.latest(ctx)
	}
	if err != nil {
		return model.Failure(err), nil
	}
	ctx = logger.WithObjectKey(ctx, info.Key)

	id := model.Identity{Name: strings.TrimSpace(req.Name), Email: strings.TrimSpace(req.Email)}
	if req.AutoExtract && !id.Complete() {
		extracted := identity.Resolve(info.Key, m.prefix, info.Metadata)
		if id.Name == "" {
			id.Name = extracted.Name
		}
		if id.Email == "" {
			id.Email = extracted.Email
		}
		logger.Info(ctx, "signer extracted from contract", "name", id.Name, "email", id.Email)
	}

	cand := model.NewCandidate(info).WithIdentity(id)

	res := m.send(ctx, cand)
	m.flush(ctx)
	return res, nil
}

// send runs the processor under the lock without the processed-set checks
// of processCandidate.
func (m *Monitor) send(ctx context.Context, cand model.Candidate) model.ProcessingResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := m.processor.Process(ctx, cand)
	m.record(ctx, cand.Key, res)
	return res
}

func (m *Monitor) contractKey(name string) string {
	key := name
	if !strings.HasPrefix(key, m.prefix) {
		key = m.prefix + strings.TrimPrefix(key, "/")
	}
	if !strings.HasSuffix(strings.ToLower(key), ".pdf") {
		key += ".pdf"
	}
	return key
}

// latest returns the most recently modified contract under the prefix
func (m *Monitor) latest(ctx context.Context) (model.ObjectInfo, error) {
	objects, err := m.storage.List(ctx, m.prefix)
	if err != nil {
		return model.ObjectInfo{}, fmt.Errorf("failed to list contracts: %w", err)
	}
	var contracts []model.ObjectInfo
	for _, obj := range objects {
		if m.IsContract(obj.Key) {
			contracts = append(contracts, obj)
		}
	}
	if len(contracts) == 0 {
		return model.ObjectInfo{}, fmt.Errorf("no contract under %s: %w", m.prefix, model.ErrObjectNotFound)
	}
	sort.SliceStable(contracts, func(i, j int) bool {
		return contracts[i].LastModified.After(contracts[j].LastModified)
	})
	return contracts[0], nil
}

// Run polls until ctx is cancelled. A panic inside a cycle is logged and
// counted; the loop continues. The cache is flushed on every exit path.
func (m *Monitor) Run(ctx context.Context) error {
	defer m.flush(context.WithoutCancel(ctx))
	logger.Info(ctx, "monitor started", "prefix", m.prefix, "processed", m.cache.Len())

	for {
		m.safeCycle(ctx)
		if ctx.Err() != nil {
			logger.Info(ctx, "monitor stopping")
			return nil
		}

		d := m.NextInterval()
		metrics.PollInterval.Set(d.Seconds())
		logger.Debug(ctx, "next check scheduled", "interval", d.String())

		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info(ctx, "monitor stopping")
			return nil
		case <-m.wake:
			timer.Stop()
			logger.Debug(ctx, "monitor woken early")
		case <-timer.C:
		}
	}
}

func (m *Monitor) safeCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "panic in polling cycle", "panic", r)
			m.cache.RecordError(1)
			metrics.CycleTotal.WithLabelValues("panic").Inc()
		}
	}()
	if _, err := m.RunOnce(ctx); err != nil {
		logger.Error(ctx, "polling cycle failed", "error", err)
	}
}

// NextInterval returns the sleep before the next cycle
func (m *Monitor) NextInterval() time.Duration {
	m.actMu.Lock()
	idle := m.now().Sub(m.lastActivity)
	m.actMu.Unlock()
	return m.interval.Next(idle, m.random())
}

func (m *Monitor) touch() {
	m.actMu.Lock()
	m.lastActivity = m.now()
	m.actMu.Unlock()
}

func (m *Monitor) flush(ctx context.Context) {
	if err := m.cache.Flush(ctx); err != nil {
		logger.Error(ctx, "failed to persist processed set", "error", err)
	}
}

// Report is the statistics summary printed on shutdown and by the stats
// command.
type Report struct {
	ContractsProcessed int        `json:"contracts_processed"`
	Errors             int        `json:"errors"`
	StartTime          time.Time  `json:"start_time"`
	LastCheck          *time.Time `json:"last_check"`
	Uptime             string     `json:"uptime"`
	PerHour            float64    `json:"contracts_per_hour"`
	Tracked            int        `json:"tracked_contracts"`
	Recent             []string   `json:"recent_contracts"`
}

// Report summarises the run statistics
func (m *Monitor) Report() Report {
	return BuildReport(m.cache, m.now())
}

// BuildReport summarises c as of now
func BuildReport(c *cache.Cache, now time.Time) Report {
	stats := c.Stats()
	uptime := now.Sub(stats.StartTime)
	r := Report{
		ContractsProcessed: stats.ContractsProcessed,
		Errors:             stats.Errors,
		StartTime:          stats.StartTime,
		LastCheck:          stats.LastCheck,
		Uptime:             uptime.Round(time.Second).String(),
		Tracked:            c.Len(),
		Recent:             c.Recent(5),
	}
	if hours := uptime.Hours(); hours > 0 {
		r.PerHour = float64(stats.ContractsProcessed) / hours
	}
	for i, k := range r.Recent {
		r.Recent[i] = path.Base(k)
	}
	return r
}
