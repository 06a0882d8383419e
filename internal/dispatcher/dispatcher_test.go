package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aleister1102/vulnerax/internal/agent"
	"github.com/aleister1102/vulnerax/internal/config"
	"github.com/aleister1102/vulnerax/internal/datastore"
	"github.com/aleister1102/vulnerax/internal/metrics"
	"github.com/aleister1102/vulnerax/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var session = models.UserSession{UID: "user-1", ProfileExists: true}

func sampleFindings() models.Findings {
	return models.Findings{
		Vulnerabilities: models.VulnerabilityCounts{Critical: 2, High: 5, Medium: 8, Low: 12, Info: 15},
		PrivacyIssues:   models.PrivacyCounts{High: 3, Medium: 7, Low: 8},
		Dependencies:    models.DependencyCounts{Total: 156},
	}
}

// fakeAgent records calls and answers with scanFn.
type fakeAgent struct {
	calls  int32
	scanFn func(ctx context.Context, instruction, key string) (models.Findings, error)
}

func (f *fakeAgent) Scan(ctx context.Context, instruction, key string) (models.Findings, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.scanFn(ctx, instruction, key)
}

func (f *fakeAgent) Calls() int {
	return int(atomic.LoadInt32(&f.calls))
}

func newDispatcher(t *testing.T, store datastore.ScanStore, client AgentClient, timeout time.Duration) *Dispatcher {
	t.Helper()
	m, err := metrics.New()
	require.NoError(t, err)

	var seq int32
	d, err := NewBuilder(zerolog.Nop()).
		WithStore(store).
		WithAgent(client).
		WithTimeout(timeout).
		WithDispatchConfig(config.NewDefaultDispatchConfig()).
		WithMetrics(m).
		WithIDGenerator(func() string { return fmt.Sprintf("id-%d", atomic.AddInt32(&seq, 1)) }).
		Build()
	require.NoError(t, err)
	return d
}

func directive(url string) Directive {
	return Directive{Target: models.Target{Name: "Example", URL: url}}
}

func TestBuilder_RequiresDependencies(t *testing.T) {
	_, err := NewBuilder(zerolog.Nop()).Build()
	assert.Error(t, err)

	_, err = NewBuilder(zerolog.Nop()).WithStore(datastore.NewMemoryScanStore(zerolog.Nop())).Build()
	assert.Error(t, err)
}

func TestDispatch_InvalidTargetCreatesNothing(t *testing.T) {
	store := datastore.NewMemoryScanStore(zerolog.Nop())
	fake := &fakeAgent{scanFn: func(context.Context, string, string) (models.Findings, error) {
		return sampleFindings(), nil
	}}
	d := newDispatcher(t, store, fake, time.Second)

	for _, url := range []string{"", "   ", "not a url", "ftp://example.com", "https://"} {
		result, err := d.Dispatch(context.Background(), session, directive(url))
		assert.Nil(t, result)
		assert.True(t, errors.Is(err, models.ErrInvalidTarget), "url %q: %v", url, err)
	}

	scans, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, scans)
	assert.Equal(t, 0, fake.Calls())
}

func TestDispatch_RequiresSession(t *testing.T) {
	store := datastore.NewMemoryScanStore(zerolog.Nop())
	fake := &fakeAgent{scanFn: func(context.Context, string, string) (models.Findings, error) {
		return sampleFindings(), nil
	}}
	d := newDispatcher(t, store, fake, time.Second)

	_, err := d.Dispatch(context.Background(), models.UserSession{}, directive("https://example.com"))
	assert.Error(t, err)
	assert.Equal(t, 0, fake.Calls())
}

func TestDispatch_Completed(t *testing.T) {
	store := datastore.NewMemoryScanStore(zerolog.Nop())
	var statusDuringCall models.ScanStatus
	fake := &fakeAgent{scanFn: func(ctx context.Context, instruction, key string) (models.Findings, error) {
		assert.Equal(t, "Scan https://example.com", instruction)
		assert.NotEmpty(t, key)
		scans, err := store.List(ctx)
		if assert.NoError(t, err) && assert.Len(t, scans, 1) {
			statusDuringCall = scans[0].Status
		}
		return sampleFindings(), nil
	}}
	d := newDispatcher(t, store, fake, time.Second)

	result, err := d.Dispatch(context.Background(), session, directive("  https://example.com "))
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, models.ScanStatusInProgress, statusDuringCall)
	assert.False(t, result.Replayed)
	assert.Equal(t, models.ScanStatusCompleted, result.Scan.Status)
	assert.Equal(t, "user-1", result.Scan.AccountID)
	assert.Equal(t, "https://example.com", result.Scan.Target.URL)
	require.NoError(t, result.Scan.Validate())

	stored, err := store.Get(context.Background(), result.Scan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScanStatusCompleted, stored.Status)
	assert.Equal(t, sampleFindings(), *stored.Findings)
	assert.Equal(t, 1, fake.Calls())
}

func TestDispatch_CustomInstruction(t *testing.T) {
	store := datastore.NewMemoryScanStore(zerolog.Nop())
	fake := &fakeAgent{scanFn: func(_ context.Context, instruction, _ string) (models.Findings, error) {
		assert.Equal(t, "Scan https://example.com for XSS only", instruction)
		return sampleFindings(), nil
	}}
	d := newDispatcher(t, store, fake, time.Second)

	dir := directive("https://example.com")
	dir.Instruction = "Scan https://example.com for XSS only"
	_, err := d.Dispatch(context.Background(), session, dir)
	require.NoError(t, err)
}

func TestDispatch_Failures(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		kind    models.FailureKind
		message string
	}{
		{"unreachable", &agent.TransportError{Message: "dial tcp 127.0.0.1:8000: connect: connection refused"}, models.FailureTransport, "dial tcp 127.0.0.1:8000: connect: connection refused"},
		{"non-success", &agent.TransportError{Message: "agent returned status 500"}, models.FailureTransport, "agent returned status 500"},
		{"malformed", fmt.Errorf("%w: expected a JSON object", agent.ErrMalformedReply), models.FailureMalformedResponse, "malformed agent reply: expected a JSON object"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := datastore.NewMemoryScanStore(zerolog.Nop())
			fake := &fakeAgent{scanFn: func(context.Context, string, string) (models.Findings, error) {
				return models.Findings{}, tt.err
			}}
			d := newDispatcher(t, store, fake, time.Second)

			result, err := d.Dispatch(context.Background(), session, directive("https://example.com"))
			require.Error(t, err)

			var dispatchErr *models.DispatchError
			require.ErrorAs(t, err, &dispatchErr)
			assert.Equal(t, tt.kind, dispatchErr.Reason.Kind)
			assert.Equal(t, tt.message, err.Error())

			require.NotNil(t, result)
			assert.Equal(t, models.ScanStatusFailed, result.Scan.Status)
			assert.Equal(t, dispatchErr.ScanID, result.Scan.ID)

			stored, err := store.Get(context.Background(), result.Scan.ID)
			require.NoError(t, err)
			assert.Equal(t, models.ScanStatusFailed, stored.Status)
			require.NotNil(t, stored.FailureReason)
			assert.Equal(t, tt.message, stored.FailureReason.Message)
			assert.NotNil(t, stored.CompletedAt)
			assert.Nil(t, stored.Findings)
			assert.Equal(t, 1, fake.Calls())
		})
	}
}

func TestDispatch_NegativeCountsAreMalformed(t *testing.T) {
	store := datastore.NewMemoryScanStore(zerolog.Nop())
	fake := &fakeAgent{scanFn: func(context.Context, string, string) (models.Findings, error) {
		f := sampleFindings()
		f.Dependencies.Total = -1
		return f, nil
	}}
	d := newDispatcher(t, store, fake, time.Second)

	result, err := d.Dispatch(context.Background(), session, directive("https://example.com"))
	var dispatchErr *models.DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.Equal(t, models.FailureMalformedResponse, dispatchErr.Reason.Kind)
	assert.Equal(t, models.ScanStatusFailed, result.Scan.Status)
}

func TestDispatch_Timeout(t *testing.T) {
	store := datastore.NewMemoryScanStore(zerolog.Nop())
	fake := &fakeAgent{scanFn: func(ctx context.Context, _, _ string) (models.Findings, error) {
		<-ctx.Done()
		return models.Findings{}, ctx.Err()
	}}
	d := newDispatcher(t, store, fake, 50*time.Millisecond)

	result, err := d.Dispatch(context.Background(), session, directive("https://example.com"))
	require.Error(t, err)
	assert.Equal(t, "timeout", err.Error())

	var dispatchErr *models.DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.True(t, dispatchErr.IsTimeout())

	stored, err := store.Get(context.Background(), result.Scan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScanStatusFailed, stored.Status)
	assert.Equal(t, models.TransportFailure("timeout"), *stored.FailureReason)
}

func TestDispatch_CallerCancellationStillTerminates(t *testing.T) {
	store := datastore.NewMemoryScanStore(zerolog.Nop())
	entered := make(chan struct{})
	release := make(chan struct{})
	fake := &fakeAgent{scanFn: func(ctx context.Context, _, _ string) (models.Findings, error) {
		close(entered)
		select {
		case <-release:
			return sampleFindings(), nil
		case <-ctx.Done():
			return models.Findings{}, ctx.Err()
		}
	}}
	d := newDispatcher(t, store, fake, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-entered
		cancel()
	}()

	result, err := d.Dispatch(ctx, session, directive("https://example.com"))
	assert.True(t, errors.Is(err, context.Canceled))
	require.NotNil(t, result)
	assert.Equal(t, models.ScanStatusInProgress, result.Scan.Status)

	close(release)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, d.Wait(waitCtx))

	stored, err := store.Get(context.Background(), result.Scan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScanStatusCompleted, stored.Status)
}

func TestDispatch_IdempotentResubmission(t *testing.T) {
	store := datastore.NewMemoryScanStore(zerolog.Nop())
	fake := &fakeAgent{scanFn: func(context.Context, string, string) (models.Findings, error) {
		return sampleFindings(), nil
	}}
	d := newDispatcher(t, store, fake, time.Second)

	dir := directive("https://example.com")
	dir.Nonce = "form-123"

	first, err := d.Dispatch(context.Background(), session, dir)
	require.NoError(t, err)
	second, err := d.Dispatch(context.Background(), session, dir)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Scan.ID, second.Scan.ID)
	assert.Equal(t, 1, fake.Calls())

	// A fresh dispatcher over the same store still finds the key.
	other := newDispatcher(t, store, fake, time.Second)
	third, err := other.Dispatch(context.Background(), session, dir)
	require.NoError(t, err)
	assert.True(t, third.Replayed)
	assert.Equal(t, first.Scan.ID, third.Scan.ID)
	assert.Equal(t, 1, fake.Calls())

	// Another account with the same nonce gets its own scan.
	fourth, err := d.Dispatch(context.Background(), models.UserSession{UID: "user-2", ProfileExists: true}, dir)
	require.NoError(t, err)
	assert.NotEqual(t, first.Scan.ID, fourth.Scan.ID)
	assert.Equal(t, 2, fake.Calls())
}

func TestDispatch_ReplayOfFailedScanReturnsError(t *testing.T) {
	store := datastore.NewMemoryScanStore(zerolog.Nop())
	fake := &fakeAgent{scanFn: func(context.Context, string, string) (models.Findings, error) {
		return models.Findings{}, &agent.TransportError{Message: "agent returned status 503"}
	}}
	d := newDispatcher(t, store, fake, time.Second)

	dir := directive("https://example.com")
	dir.Nonce = "n"
	_, err := d.Dispatch(context.Background(), session, dir)
	require.Error(t, err)

	result, err := d.Dispatch(context.Background(), session, dir)
	require.Error(t, err)
	assert.True(t, result.Replayed)
	assert.Equal(t, "agent returned status 503", err.Error())
	assert.Equal(t, 1, fake.Calls())
}

func TestDispatch_WithoutNonceAlwaysNew(t *testing.T) {
	store := datastore.NewMemoryScanStore(zerolog.Nop())
	fake := &fakeAgent{scanFn: func(context.Context, string, string) (models.Findings, error) {
		return sampleFindings(), nil
	}}
	d := newDispatcher(t, store, fake, time.Second)

	first, err := d.Dispatch(context.Background(), session, directive("https://example.com"))
	require.NoError(t, err)
	second, err := d.Dispatch(context.Background(), session, directive("https://example.com"))
	require.NoError(t, err)

	assert.NotEqual(t, first.Scan.ID, second.Scan.ID)
	assert.Equal(t, 2, fake.Calls())
}

func TestDispatch_ConcurrentIndependent(t *testing.T) {
	store := datastore.NewMemoryScanStore(zerolog.Nop())
	fake := &fakeAgent{scanFn: func(context.Context, string, string) (models.Findings, error) {
		return sampleFindings(), nil
	}}
	d := newDispatcher(t, store, fake, time.Second)

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := d.Dispatch(context.Background(), session, directive(fmt.Sprintf("https://example.com/%d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	scans, err := store.ListByAccount(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Len(t, scans, n)
	for _, scan := range scans {
		assert.Equal(t, models.ScanStatusCompleted, scan.Status)
	}
}

func TestDispatch_AgentContractEndToEnd(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Equal(t, `{"input":"Scan https://example.com"}`, string(body))
		assert.Equal(t, agent.ContractVersion, r.Header.Get(agent.HeaderContract))
		assert.Len(t, r.Header.Get(agent.HeaderIdempotencyKey), 64)
		_, _ = w.Write([]byte(`{"stats": {
			"vulnerabilities": {"critical": 2, "high": 5, "medium": 8, "low": 12, "info": 15, "total": 42},
			"privacyIssues": {"high": 3, "medium": 7, "low": 8, "total": 18},
			"dependencies": {"total": 156}
		}}`))
	}))
	defer server.Close()

	cfg := config.NewDefaultAgentConfig()
	cfg.Endpoint = server.URL
	client, err := agent.NewClient(cfg, zerolog.Nop())
	require.NoError(t, err)

	store := datastore.NewMemoryScanStore(zerolog.Nop())
	d := newDispatcher(t, store, client, time.Second)

	result, err := d.Dispatch(context.Background(), session, directive("https://example.com"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	assert.Equal(t, 42, result.Scan.Findings.Vulnerabilities.Total())
	assert.Equal(t, 18, result.Scan.Findings.PrivacyIssues.Total())
}

func TestDispatch_AgentUnreachableEndToEnd(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := server.URL
	server.Close()

	cfg := config.NewDefaultAgentConfig()
	cfg.Endpoint = endpoint
	client, err := agent.NewClient(cfg, zerolog.Nop())
	require.NoError(t, err)

	store := datastore.NewMemoryScanStore(zerolog.Nop())
	d := newDispatcher(t, store, client, time.Second)

	result, err := d.Dispatch(context.Background(), session, directive("https://example.com"))
	var dispatchErr *models.DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.Equal(t, models.FailureTransport, dispatchErr.Reason.Kind)
	assert.Equal(t, models.ScanStatusFailed, result.Scan.Status)
}

func TestIdempotencyKey(t *testing.T) {
	a := IdempotencyKey("user-1", "https://example.com", "n")
	assert.Len(t, a, 64)
	assert.Equal(t, a, IdempotencyKey("user-1", "https://example.com", "n"))
	assert.NotEqual(t, a, IdempotencyKey("user-2", "https://example.com", "n"))
	assert.NotEqual(t, IdempotencyKey("ab", "c", ""), IdempotencyKey("a", "bc", ""))
}

// ctxStore honors context cancellation on writes like a database driver does,
// and can fail chosen Update calls (counted from 1).
type ctxStore struct {
	*datastore.MemoryScanStore
	afterCreate func()

	mu          sync.Mutex
	updates     int
	failUpdates map[int]bool
}

func newCtxStore() *ctxStore {
	return &ctxStore{
		MemoryScanStore: datastore.NewMemoryScanStore(zerolog.Nop()),
		failUpdates:     map[int]bool{},
	}
}

func (s *ctxStore) Create(ctx context.Context, scan *models.Scan) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.MemoryScanStore.Create(ctx, scan)
	if s.afterCreate != nil {
		s.afterCreate()
	}
	return err
}

func (s *ctxStore) Update(ctx context.Context, scan *models.Scan, from models.ScanStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.updates++
	fail := s.failUpdates[s.updates]
	s.mu.Unlock()
	if fail {
		return errors.New("disk I/O error")
	}
	return s.MemoryScanStore.Update(ctx, scan, from)
}

func waitIdle(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Wait(ctx))
}

func TestDispatch_CancelRightAfterCreateStillTerminates(t *testing.T) {
	store := newCtxStore()
	fake := &fakeAgent{scanFn: func(context.Context, string, string) (models.Findings, error) {
		return sampleFindings(), nil
	}}
	d := newDispatcher(t, store, fake, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	store.afterCreate = cancel

	result, err := d.Dispatch(ctx, session, directive("https://example.com"))
	require.NotNil(t, result)
	if err != nil {
		assert.True(t, errors.Is(err, context.Canceled), err)
	}
	waitIdle(t, d)

	stored, err := store.Get(context.Background(), result.Scan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScanStatusCompleted, stored.Status)
	assert.Equal(t, 1, fake.Calls())
}

func TestDispatch_StartWriteFailureSettlesFailed(t *testing.T) {
	store := newCtxStore()
	store.failUpdates[1] = true
	fake := &fakeAgent{scanFn: func(context.Context, string, string) (models.Findings, error) {
		return sampleFindings(), nil
	}}
	d := newDispatcher(t, store, fake, time.Second)

	result, err := d.Dispatch(context.Background(), session, directive("https://example.com"))
	var dispatchErr *models.DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.Contains(t, dispatchErr.Reason.Message, "failed to start scan")
	require.NotNil(t, result)
	assert.Equal(t, models.ScanStatusFailed, result.Scan.Status)

	stored, err := store.Get(context.Background(), result.Scan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScanStatusFailed, stored.Status)
	require.NoError(t, stored.Validate())
	assert.Equal(t, 0, fake.Calls())
}

func TestDispatch_TerminalWriteRetried(t *testing.T) {
	store := newCtxStore()
	store.failUpdates[2] = true
	fake := &fakeAgent{scanFn: func(context.Context, string, string) (models.Findings, error) {
		return sampleFindings(), nil
	}}
	d := newDispatcher(t, store, fake, time.Second)

	result, err := d.Dispatch(context.Background(), session, directive("https://example.com"))
	require.NoError(t, err)
	assert.Equal(t, models.ScanStatusCompleted, result.Scan.Status)

	stored, err := store.Get(context.Background(), result.Scan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScanStatusCompleted, stored.Status)
}

func TestDispatch_TerminalWriteFailureSettlesFailed(t *testing.T) {
	store := newCtxStore()
	store.failUpdates[2] = true
	store.failUpdates[3] = true
	fake := &fakeAgent{scanFn: func(context.Context, string, string) (models.Findings, error) {
		return sampleFindings(), nil
	}}
	d := newDispatcher(t, store, fake, time.Second)

	result, err := d.Dispatch(context.Background(), session, directive("https://example.com"))
	var dispatchErr *models.DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.Contains(t, dispatchErr.Reason.Message, "failed to persist scan")

	stored, err := store.Get(context.Background(), result.Scan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScanStatusFailed, stored.Status)
	assert.Equal(t, models.FailureTransport, stored.FailureReason.Kind)
}

func TestDispatch_InstructionAlwaysCarriesTarget(t *testing.T) {
	store := datastore.NewMemoryScanStore(zerolog.Nop())
	var got string
	fake := &fakeAgent{scanFn: func(_ context.Context, instruction, _ string) (models.Findings, error) {
		got = instruction
		return sampleFindings(), nil
	}}
	d := newDispatcher(t, store, fake, time.Second)

	dir := directive("https://a.com")
	dir.Instruction = "check XSS"
	_, err := d.Dispatch(context.Background(), session, dir)
	require.NoError(t, err)
	assert.Equal(t, "check XSS https://a.com", got)
}
