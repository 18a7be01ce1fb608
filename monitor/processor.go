package monitor

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"

	"github.com/v1nometrics/docusign-ura/identity"
	"github.com/v1nometrics/docusign-ura/model"
	"github.com/v1nometrics/docusign-ura/pkg/logger"
	"github.com/v1nometrics/docusign-ura/pkg/metrics"
)

// Storage lists and fetches contract objects
type Storage interface {
	List(ctx context.Context, prefix string) ([]model.ObjectInfo, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Stat(ctx context.Context, key string) (model.ObjectInfo, error)
}

// EnvelopeCreator sends a document for signature. Errors should be
// *model.EnvelopeError; anything else is treated as transient.
type EnvelopeCreator interface {
	CreateEnvelope(ctx context.Context, req model.EnvelopeRequest) (model.Envelope, error)
}

// Tracker records the signing link for a signer
type Tracker interface {
	Upsert(ctx context.Context, rec model.TrackingRecord) error
}

// AuditWriter persists one record per processed candidate
type AuditWriter interface {
	Write(ctx context.Context, name string, rec model.AuditRecord) error
}

// PageCounter returns the number of pages of a PDF document
type PageCounter func(data []byte) (int, error)

// Processor turns one candidate into an envelope
type Processor struct {
	storage      Storage
	creator      EnvelopeCreator
	tracker      Tracker
	audit        AuditWriter
	auditHistory bool
	pages        PageCounter
	retry        RetryPolicy
	now          func() time.Time
}

type ProcessorOption func(*Processor)

func WithTracker(t Tracker) ProcessorOption {
	return func(p *Processor) { p.tracker = t }
}

// WithAudit writes a record after every invocation. With history set each
// record gets a timestamp suffix instead of replacing the previous one.
func WithAudit(w AuditWriter, history bool) ProcessorOption {
	return func(p *Processor) {
		p.audit = w
		p.auditHistory = history
	}
}

func WithRetryPolicy(r RetryPolicy) ProcessorOption {
	return func(p *Processor) { p.retry = r }
}

func WithPageCounter(pc PageCounter) ProcessorOption {
	return func(p *Processor) { p.pages = pc }
}

func WithProcessorClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = now }
}

func NewProcessor(storage Storage, creator EnvelopeCreator, opts ...ProcessorOption) *Processor {
	p := &Processor{
		storage: storage,
		creator: creator,
		retry:   DefaultRetryPolicy(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process creates the envelope for cand, retrying transient failures, and
// always writes an audit record. It never returns an error: every failure
// is described by the result.
func (p *Processor) Process(ctx context.Context, cand model.Candidate) model.ProcessingResult {
	ctx = logger.WithObjectKey(ctx, cand.Key)

	res := p.process(ctx, cand)

	outcome := "success"
	if !res.Success {
		outcome = string(res.Error)
	}
	metrics.EnvelopeTotal.WithLabelValues(outcome).Inc()
	if res.Attempts > 0 {
		metrics.EnvelopeAttempts.Observe(float64(res.Attempts))
	}

	p.writeAudit(ctx, cand, res)
	return res
}

func (p *Processor) process(ctx context.Context, cand model.Candidate) model.ProcessingResult {
	id := cand.Identity()
	if !id.Complete() {
		logger.Warn(ctx, "candidate without signer identity", "name", id.Name, "email", id.Email)
		return model.ProcessingResult{
			Error:   model.ErrMissingParameters,
			Message: "signer name and email are required",
		}
	}
	if !identity.Valid(id.Email) {
		logger.Warn(ctx, "candidate with malformed signer email", "email", id.Email)
		return model.ProcessingResult{
			Error:   model.ErrDataQuality,
			Message: "malformed signer email: " + id.Email,
		}
	}

	var (
		doc      []byte
		env      model.Envelope
		err      error
		attempts int
		pages    int
	)
	maxAttempts := p.retry.attempts()
	for attempts = 1; attempts <= maxAttempts; attempts++ {
		if doc == nil {
			doc, err = p.storage.Get(ctx, cand.Key)
			if err == nil {
				pages = p.countPages(ctx, doc)
			}
		}
		if err == nil {
			env, err = p.creator.CreateEnvelope(ctx, model.EnvelopeRequest{
				SignerName:       id.Name,
				SignerEmail:      id.Email,
				Document:         doc,
				DocumentFilename: path.Base(cand.Key),
			})
		}
		if err == nil {
			break
		}

		kind := model.KindOf(err)
		logger.Warn(ctx, "envelope attempt failed", "attempt", attempts, "max_attempts", maxAttempts, "kind", kind, "error", err)
		if !kind.Retryable() || attempts == maxAttempts {
			break
		}
		if serr := sleep(ctx, p.retry.Delay); serr != nil {
			err = &model.EnvelopeError{Kind: model.ErrTransient, Message: "interrupted: " + err.Error(), Err: errors.Join(err, serr)}
			break
		}
	}
	if attempts > maxAttempts {
		attempts = maxAttempts
	}

	if err != nil {
		res := model.Failure(err)
		res.Attempts = attempts
		res.PageCount = pages
		if res.Error == model.ErrConsentRequired {
			logger.Error(ctx, "consent required, grant access and retry", "consent_url", res.ConsentURL)
		} else {
			logger.Error(ctx, "contract processing failed", "kind", res.Error, "attempts", attempts, "error", err)
		}
		return res
	}

	logger.Info(ctx, "envelope created for contract", "envelope_id", env.EnvelopeID, "attempts", attempts)
	res := model.ProcessingResult{
		Success:    true,
		EnvelopeID: env.EnvelopeID,
		SigningURL: env.SigningURL,
		Message:    "signing link generated",
		Attempts:   attempts,
		PageCount:  pages,
	}
	p.track(ctx, cand, id, &res)
	return res
}

func (p *Processor) countPages(ctx context.Context, doc []byte) int {
	if p.pages == nil {
		return 0
	}
	n, err := p.pages(doc)
	if err != nil {
		logger.Warn(ctx, "could not inspect document", "error", err)
		return 0
	}
	return n
}

// track failures are recorded on the result and never fail the candidate
func (p *Processor) track(ctx context.Context, cand model.Candidate, id model.Identity, res *model.ProcessingResult) {
	if p.tracker == nil {
		return
	}
	err := p.tracker.Upsert(ctx, model.TrackingRecord{
		Name:             id.Name,
		Email:            id.Email,
		ContractFilename: path.Base(cand.Key),
		SigningURL:       res.SigningURL,
		Status:           model.TrackingStatusSent,
	})
	if err != nil {
		logger.Warn(ctx, "tracking store update failed", "error", err)
		metrics.TrackerUpdates.WithLabelValues("upsert", "error").Inc()
		res.TrackerError = err.Error()
		return
	}
	metrics.TrackerUpdates.WithLabelValues("upsert", "ok").Inc()
	res.TrackerUpdated = true
}

func (p *Processor) writeAudit(ctx context.Context, cand model.Candidate, res model.ProcessingResult) {
	if p.audit == nil {
		return
	}
	now := p.now()
	rec := model.AuditRecord{
		ContractInfo:     cand,
		ProcessingResult: res,
		ProcessedAt:      now,
		MonitorVersion:   model.MonitorVersion,
	}
	if err := p.audit.Write(ctx, AuditName(cand.Key, now, p.auditHistory), rec); err != nil {
		logger.Warn(ctx, "failed to write audit record", "error", err)
	}
}

// AuditName derives the record file name from an object key: slashes become
// underscores and the .pdf extension is dropped.
func AuditName(key string, at time.Time, history bool) string {
	name := strings.ReplaceAll(key, "/", "_")
	if len(name) >= 4 && strings.EqualFold(name[len(name)-4:], ".pdf") {
		name = name[:len(name)-4]
	}
	if history {
		name += "_" + at.UTC().Format("20060102T150405.000Z")
	}
	return name + "_result.json"
}
