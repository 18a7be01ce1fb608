package monitor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/v1nometrics/docusign-ura/cache"
	"github.com/v1nometrics/docusign-ura/model"
)

const prefix = "contratos-gerados/"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	storage *fakeStorage
	creator *fakeCreator
	cache   *cache.Cache
	clock   *testClock
	monitor *Monitor
	path    string
}

func newHarness(t *testing.T, path string) *harness {
	t.Helper()
	if path == "" {
		path = filepath.Join(t.TempDir(), "contrato_cache.json")
	}
	h := &harness{
		storage: newFakeStorage(),
		creator: &fakeCreator{},
		clock:   &testClock{now: fixedNow},
		path:    path,
	}
	h.reopen(t)
	return h
}

// reopen simulates a process restart over the same cache file and storage
func (h *harness) reopen(t *testing.T) {
	t.Helper()
	c, err := cache.Open(context.Background(), cache.NewFileBackend(h.path), cache.WithClock(h.clock.Now))
	require.NoError(t, err)
	h.cache = c
	p := NewProcessor(h.storage, h.creator, WithRetryPolicy(noDelay))
	h.monitor = New(h.storage, p, c, prefix,
		WithClock(h.clock.Now),
		WithRandom(func() float64 { return 0.5 }),
	)
}

func TestRunOnceProcessesNewContracts(t *testing.T) {
	h := newHarness(t, "")
	h.storage.add(prefix+"joao-da-silva_joao-gmail-com.pdf", fixedNow, nil)
	h.storage.add(prefix+"maria_maria-empresa-com-br.pdf", fixedNow, nil)

	sum, err := h.monitor.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Found)
	assert.Equal(t, 2, sum.Processed)
	assert.Zero(t, sum.Errors)
	require.Len(t, h.creator.calls, 2)
	assert.Equal(t, "Joao Da Silva", h.creator.calls[0].SignerName)
	assert.Equal(t, "joao@gmail.com", h.creator.calls[0].SignerEmail)
	assert.Equal(t, "maria@empresa.com.br", h.creator.calls[1].SignerEmail)

	stats := h.cache.Stats()
	assert.Equal(t, 2, stats.ContractsProcessed)
	require.NotNil(t, stats.LastCheck)
}

// A restart over the same cache file must not send anything twice.
func TestRunOnceIdempotentAcrossRestarts(t *testing.T) {
	h := newHarness(t, "")
	h.storage.add(prefix+"joao_joao-gmail-com.pdf", fixedNow, nil)

	_, err := h.monitor.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, h.creator.count())

	h.reopen(t)
	sum, err := h.monitor.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Zero(t, sum.Found)
	assert.Equal(t, 1, h.creator.count())
	assert.True(t, h.cache.Contains(prefix+"joao_joao-gmail-com.pdf"))
}

func TestRunOnceFailureIsRetriedNextCycle(t *testing.T) {
	h := newHarness(t, "")
	h.storage.add(prefix+"joao_joao-gmail-com.pdf", fixedNow, nil)
	h.creator.errs = []error{transient("a"), transient("b"), transient("c")}

	sum, err := h.monitor.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Errors)
	assert.Equal(t, 3, h.creator.count())
	assert.False(t, h.cache.Contains(prefix+"joao_joao-gmail-com.pdf"))
	assert.Equal(t, 1, h.cache.Stats().Errors)

	sum, err = h.monitor.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Processed)
	assert.Equal(t, 4, h.creator.count())
}

func TestCheckFiltersObjects(t *testing.T) {
	h := newHarness(t, "")
	h.storage.add(prefix+"joao_joao-gmail-com.pdf", fixedNow, nil)
	h.storage.add(prefix+"notes_joao-gmail-com.txt", fixedNow, nil)
	h.storage.add(prefix+"audit/contratos-gerados_x_result.json", fixedNow, nil)
	h.storage.add(prefix+"audit/old_x-y-com.pdf", fixedNow, nil)
	h.storage.add("outros/ana_ana-x-com.pdf", fixedNow, nil)
	require.NoError(t, h.cache.MarkProcessed(context.Background(), prefix+"done_done-x-com.pdf"))
	h.storage.add(prefix+"done_done-x-com.pdf", fixedNow, nil)

	cands, err := h.monitor.Check(context.Background())
	require.NoError(t, err)

	require.Len(t, cands, 1)
	assert.Equal(t, prefix+"joao_joao-gmail-com.pdf", cands[0].Key)
	assert.Equal(t, "Joao", cands[0].ExtractedName)
	assert.Zero(t, h.creator.count(), "check does not process")
}

func TestCheckDropsUnresolvableIdentity(t *testing.T) {
	h := newHarness(t, "")
	h.storage.add(prefix+"contrato-sem-email.pdf", fixedNow, nil)
	h.storage.add(prefix+"ana_anaxcom.pdf", fixedNow, nil)
	h.storage.add(prefix+"contrato.pdf", fixedNow, map[string]string{
		"signer-name":  "Carla Souza",
		"signer-email": "carla@x.com",
	})

	cands, err := h.monitor.Check(context.Background())
	require.NoError(t, err)

	require.Len(t, cands, 1)
	assert.Equal(t, prefix+"contrato.pdf", cands[0].Key)
	assert.Equal(t, "Carla Souza", cands[0].ExtractedName)
	assert.Equal(t, "carla@x.com", cands[0].ExtractedEmail)
	assert.Equal(t, 2, h.cache.Stats().Errors)
}

func TestRunOnceListError(t *testing.T) {
	h := newHarness(t, "")
	h.storage.listErr = errors.New("bucket unreachable")

	_, err := h.monitor.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, h.cache.Stats().Errors)
	assert.NotNil(t, h.cache.Stats().LastCheck)
}

func TestNextIntervalFollowsActivity(t *testing.T) {
	h := newHarness(t, "")

	assert.Equal(t, 5*time.Second, h.monitor.NextInterval(), "fresh start counts as activity")

	h.clock.Advance(10 * time.Minute)
	assert.Equal(t, 30*time.Second, h.monitor.NextInterval())

	h.clock.Advance(2 * time.Hour)
	assert.Equal(t, 120*time.Second, h.monitor.NextInterval())

	h.storage.add(prefix+"joao_joao-gmail-com.pdf", fixedNow, nil)
	_, err := h.monitor.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, h.monitor.NextInterval(), "success resets the idle time")
}

func TestNextIntervalIgnoresFailures(t *testing.T) {
	h := newHarness(t, "")
	h.clock.Advance(2 * time.Hour)
	h.storage.add(prefix+"joao_joao-gmail-com.pdf", fixedNow, nil)
	h.creator.errs = []error{transient("a"), transient("b"), transient("c")}

	_, err := h.monitor.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 120*time.Second, h.monitor.NextInterval())
}

func TestRunWakeAndStop(t *testing.T) {
	h := newHarness(t, "")
	h.monitor.interval = IntervalPolicy{Fast: time.Hour, Normal: time.Hour, Slow: time.Hour, FastWindow: time.Minute, NormalWindow: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.monitor.Run(ctx) }()

	// the first cycle runs immediately and finds nothing
	time.Sleep(50 * time.Millisecond)
	h.storage.add(prefix+"joao_joao-gmail-com.pdf", fixedNow, nil)
	h.monitor.Wake()

	assert.Eventually(t, func() bool { return h.creator.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	reopened, err := cache.Open(context.Background(), cache.NewFileBackend(h.path))
	require.NoError(t, err)
	assert.True(t, reopened.Contains(prefix+"joao_joao-gmail-com.pdf"))
}

func TestWakeDoesNotBlock(t *testing.T) {
	h := newHarness(t, "")
	for i := 0; i < 5; i++ {
		h.monitor.Wake()
	}
}

func TestProcessKey(t *testing.T) {
	h := newHarness(t, "")
	key := prefix + "joao_joao-gmail-com.pdf"
	h.storage.add(key, fixedNow, nil)
	ctx := context.Background()

	res, err := h.monitor.ProcessKey(ctx, key)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Skipped)
	assert.True(t, h.cache.Contains(key))

	res, err = h.monitor.ProcessKey(ctx, key)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, 1, h.creator.count())

	res, err = h.monitor.ProcessKey(ctx, "outros/file.pdf")
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.False(t, res.Success)

	res, err = h.monitor.ProcessKey(ctx, prefix+"gone_gone-x-com.pdf")
	require.NoError(t, err)
	assert.Equal(t, model.ErrNotFound, res.Error)
}

func TestSignLatestContract(t *testing.T) {
	h := newHarness(t, "")
	h.storage.add(prefix+"old_old-x-com.pdf", fixedNow.Add(-time.Hour), nil)
	h.storage.add(prefix+"new_new-x-com.pdf", fixedNow, nil)

	res, err := h.monitor.Sign(context.Background(), SignRequest{Name: "Pedro", Email: "pedro@x.com"})
	require.NoError(t, err)

	require.True(t, res.Success, res.Message)
	require.Len(t, h.creator.calls, 1)
	assert.Equal(t, "new_new-x-com.pdf", h.creator.calls[0].DocumentFilename)
	assert.Equal(t, "pedro@x.com", h.creator.calls[0].SignerEmail)
	assert.True(t, h.cache.Contains(prefix+"new_new-x-com.pdf"))
}

func TestSignNamedContractAutoExtract(t *testing.T) {
	h := newHarness(t, "")
	h.storage.add(prefix+"ana-lima_ana-x-com.pdf", fixedNow, nil)

	res, err := h.monitor.Sign(context.Background(), SignRequest{Contract: "ana-lima_ana-x-com", AutoExtract: true})
	require.NoError(t, err)

	require.True(t, res.Success, res.Message)
	assert.Equal(t, "Ana Lima", h.creator.calls[0].SignerName)
	assert.Equal(t, "ana@x.com", h.creator.calls[0].SignerEmail)
}

func TestSignPanicReleasesLock(t *testing.T) {
	h := newHarness(t, "")
	h.storage.add(prefix+"ana_ana-x-com.pdf", fixedNow, nil)
	h.creator.panicNext = true

	assert.Panics(t, func() {
		_, _ = h.monitor.Sign(context.Background(), SignRequest{Name: "Ana", Email: "ana@x.com"})
	})

	done := make(chan Summary, 1)
	go func() {
		sum, _ := h.monitor.RunOnce(context.Background())
		done <- sum
	}()
	select {
	case sum := <-done:
		assert.Equal(t, 1, sum.Processed)
		assert.True(t, h.cache.Contains(prefix+"ana_ana-x-com.pdf"))
	case <-time.After(2 * time.Second):
		t.Fatal("RunOnce blocked after a panic in Sign")
	}
}

func TestSignErrors(t *testing.T) {
	h := newHarness(t, "")
	h.storage.add(prefix+"ana_ana-x-com.pdf", fixedNow, nil)
	ctx := context.Background()

	res, err := h.monitor.Sign(ctx, SignRequest{Contract: "ana_ana-x-com.pdf"})
	require.NoError(t, err)
	assert.Equal(t, model.ErrMissingParameters, res.Error, "no extraction without auto_extract")

	res, err = h.monitor.Sign(ctx, SignRequest{Contract: "missing.pdf", Name: "A", Email: "a@x.com"})
	require.NoError(t, err)
	assert.Equal(t, model.ErrNotFound, res.Error)

	empty := newHarness(t, "")
	res, err = empty.monitor.Sign(ctx, SignRequest{Name: "A", Email: "a@x.com"})
	require.NoError(t, err)
	assert.Equal(t, model.ErrNotFound, res.Error)

	assert.Zero(t, h.creator.count())
}

func TestReport(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	for _, k := range []string{"a_a-x-com.pdf", "b_b-x-com.pdf"} {
		require.NoError(t, h.cache.MarkProcessed(ctx, prefix+k))
	}
	h.cache.RecordError(1)
	h.clock.Advance(2 * time.Hour)

	r := h.monitor.Report()
	assert.Equal(t, 2, r.ContractsProcessed)
	assert.Equal(t, 1, r.Errors)
	assert.Equal(t, 2, r.Tracked)
	assert.Equal(t, "2h0m0s", r.Uptime)
	assert.InDelta(t, 1.0, r.PerHour, 0.001)
	assert.Equal(t, []string{"a_a-x-com.pdf", "b_b-x-com.pdf"}, r.Recent)
}
