package monitor

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/v1nometrics/docusign-ura/model"
)

type fakeStorage struct {
	mu      sync.Mutex
	objects map[string]model.ObjectInfo
	data    map[string][]byte
	listErr error
	getErr  error
	gets    int
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		objects: make(map[string]model.ObjectInfo),
		data:    make(map[string][]byte),
	}
}

func (s *fakeStorage) add(key string, modified time.Time, meta map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = model.ObjectInfo{Key: key, Size: 10, LastModified: modified, Metadata: meta}
	s.data[key] = []byte("%PDF-1.4 " + key)
}

func (s *fakeStorage) List(_ context.Context, prefix string) ([]model.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []model.ObjectInfo
	for k, obj := range s.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, obj)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *fakeStorage) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.getErr != nil {
		return nil, s.getErr
	}
	data, ok := s.data[key]
	if !ok {
		return nil, model.ErrObjectNotFound
	}
	return data, nil
}

func (s *fakeStorage) Stat(_ context.Context, key string) (model.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return model.ObjectInfo{}, model.ErrObjectNotFound
	}
	return obj, nil
}

// fakeCreator returns errs in order, then succeeds
type fakeCreator struct {
	mu        sync.Mutex
	errs      []error
	calls     []model.EnvelopeRequest
	callTimes []time.Time
	panicNext bool
}

func (c *fakeCreator) CreateEnvelope(_ context.Context, req model.EnvelopeRequest) (model.Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.panicNext {
		c.panicNext = false
		panic("creator exploded")
	}
	n := len(c.calls)
	c.calls = append(c.calls, req)
	c.callTimes = append(c.callTimes, time.Now())
	if n < len(c.errs) && c.errs[n] != nil {
		return model.Envelope{}, c.errs[n]
	}
	return model.Envelope{
		EnvelopeID: "env-" + req.DocumentFilename,
		SigningURL: "https://sign.example/" + req.DocumentFilename,
	}, nil
}

func (c *fakeCreator) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type fakeTracker struct {
	err     error
	records []model.TrackingRecord
}

func (t *fakeTracker) Upsert(_ context.Context, rec model.TrackingRecord) error {
	t.records = append(t.records, rec)
	return t.err
}

type memAudit struct {
	mu      sync.Mutex
	records map[string]model.AuditRecord
}

func (a *memAudit) Write(_ context.Context, name string, rec model.AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.records == nil {
		a.records = make(map[string]model.AuditRecord)
	}
	a.records[name] = rec
	return nil
}

func transient(msg string) error {
	return &model.EnvelopeError{Kind: model.ErrTransient, Message: msg, StatusCode: 503}
}

var noDelay = RetryPolicy{MaxAttempts: 3}
