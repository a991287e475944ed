package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Arturo-Quiroga-MSFT/mssql-mcp/internal/auth"
	"github.com/Arturo-Quiroga-MSFT/mssql-mcp/internal/config"
)

// stubDriver backs *sql.DB values handed out by fake pool openers. No query
// ever reaches it in these tests.
type stubDriver struct{}

func (stubDriver) Open(string) (driver.Conn, error) { return stubConn{}, nil }

type stubConn struct{}

func (stubConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("stub") }
func (stubConn) Close() error                        { return nil }
func (stubConn) Begin() (driver.Tx, error)           { return nil, errors.New("stub") }

func init() {
	sql.Register("managerstub", stubDriver{})
}

func stubPool(t *testing.T) *sql.DB {
	t.Helper()
	pool, err := sql.Open("managerstub", "")
	require.NoError(t, err)
	return pool
}

// fakeTokens counts acquisitions and can be made slow or failing.
type fakeTokens struct {
	mu    sync.Mutex
	calls int
	delay time.Duration
	err   error
	tok   auth.AccessToken
}

func (f *fakeTokens) GetToken(context.Context) (auth.AccessToken, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return auth.AccessToken{}, f.err
	}
	return f.tok, nil
}

func (f *fakeTokens) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeOpener replaces Manager.open, counting attempts per auth mode and
// optionally failing one of them.
type fakeOpener struct {
	t          *testing.T
	opens      atomic.Int64
	tokenErr   error
	secretErr  error
	secretUsed atomic.Bool
}

func (f *fakeOpener) open(d Descriptor) (*sql.DB, error) {
	f.opens.Add(1)
	switch d.Mode {
	case config.AuthAccessToken:
		if f.tokenErr != nil {
			return nil, f.tokenErr
		}
	case config.AuthServicePrincipal:
		if f.secretErr != nil {
			return nil, f.secretErr
		}
		f.secretUsed.Store(true)
	}
	return stubPool(f.t), nil
}

func freshToken() auth.AccessToken {
	return auth.AccessToken{Token: "tok", ExpiresOn: time.Now().Add(time.Hour)}
}

func newTestManager(t *testing.T, cfg *config.Config, tokens auth.TokenProvider) (*Manager, *fakeOpener) {
	t.Helper()
	m := NewManager(cfg, tokens, nil)
	opener := &fakeOpener{t: t}
	m.open = opener.open
	t.Cleanup(func() { _ = m.Close() })
	return m, opener
}

func TestEnsureConnection_fastPath(t *testing.T) {
	tokens := &fakeTokens{tok: freshToken()}
	m, opener := newTestManager(t, testConfig(), tokens)
	ctx := context.Background()

	first, err := m.EnsureConnection(ctx)
	require.NoError(t, err)
	second, err := m.EnsureConnection(ctx)
	require.NoError(t, err)

	assert.Same(t, first, second, "fast path must reuse the pool")
	assert.Equal(t, 1, tokens.callCount(), "one token acquisition")
	assert.EqualValues(t, 1, opener.opens.Load(), "one pool open")
}

func TestEnsureConnection_tokenInsideBufferReconnects(t *testing.T) {
	// 90s of lifetime left is inside the 2-minute buffer: stale.
	tokens := &fakeTokens{tok: auth.AccessToken{Token: "tok", ExpiresOn: time.Now().Add(90 * time.Second)}}
	m, opener := newTestManager(t, testConfig(), tokens)
	ctx := context.Background()

	_, err := m.EnsureConnection(ctx)
	require.NoError(t, err)
	_, err = m.EnsureConnection(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, tokens.callCount(), "stale token must force re-acquisition")
	assert.EqualValues(t, 2, opener.opens.Load())
}

func TestEnsureConnection_fallbackSuccess(t *testing.T) {
	tokens := &fakeTokens{tok: freshToken()}
	m, opener := newTestManager(t, testConfig(), tokens)
	opener.tokenErr = errors.New("login failed for token principal")

	pool, err := m.EnsureConnection(context.Background())
	require.NoError(t, err, "fallback success must hide the primary error")
	require.NotNil(t, pool)
	assert.True(t, opener.secretUsed.Load(), "must have connected via service principal")
	assert.True(t, m.Ready())

	// Fallback pool has no expiring token; next call is the fast path.
	again, err := m.EnsureConnection(context.Background())
	require.NoError(t, err)
	assert.Same(t, pool, again)
	assert.EqualValues(t, 2, opener.opens.Load())
}

func TestEnsureConnection_fallbackDisabled(t *testing.T) {
	tokens := &fakeTokens{tok: freshToken()}
	cfg := testConfig()
	cfg.DisableFallback = true
	m, opener := newTestManager(t, cfg, tokens)
	primary := errors.New("login failed for token principal")
	opener.tokenErr = primary

	_, err := m.EnsureConnection(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, primary)
	assert.False(t, opener.secretUsed.Load())
	assert.False(t, m.Ready())
}

func TestEnsureConnection_fallbackNeedsCredentials(t *testing.T) {
	tokens := &fakeTokens{tok: freshToken()}
	cfg := config.Config{
		Server:            "s",
		Port:              1433,
		Database:          "d",
		AuthMode:          config.AuthAccessToken,
		ConnectionTimeout: time.Second,
		// no service-principal triple
	}.WithSecrets("", nil)
	m, opener := newTestManager(t, cfg, tokens)
	primary := errors.New("primary down")
	opener.tokenErr = primary

	_, err := m.EnsureConnection(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, primary)
	assert.EqualValues(t, 1, opener.opens.Load(), "no fallback attempt without credentials")
}

func TestEnsureConnection_fallbackFailurePropagatesPrimary(t *testing.T) {
	tokens := &fakeTokens{tok: freshToken()}
	m, opener := newTestManager(t, testConfig(), tokens)
	primary := errors.New("primary login failed")
	opener.tokenErr = primary
	opener.secretErr = errors.New("secret also rejected")

	_, err := m.EnsureConnection(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, primary, "caller must see the original primary error")
	assert.NotContains(t, err.Error(), "secret also rejected")
}

func TestEnsureConnection_secretPrimaryHasNoFallback(t *testing.T) {
	cfg := testConfig()
	cfg.AuthMode = config.AuthServicePrincipal
	m, opener := newTestManager(t, cfg, nil)
	boom := errors.New("secret rejected")
	opener.secretErr = boom

	_, err := m.EnsureConnection(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.EqualValues(t, 1, opener.opens.Load(), "exactly one attempt in secret mode")
}

func TestEnsureConnection_singleFlight(t *testing.T) {
	// A slow provider widens the window in which concurrent callers all
	// observe the disconnected state.
	tokens := &fakeTokens{tok: freshToken(), delay: 50 * time.Millisecond}
	m, opener := newTestManager(t, testConfig(), tokens)

	const callers = 10
	var wg sync.WaitGroup
	errs := make([]error, callers)
	pools := make([]*sql.DB, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pools[i], errs[i] = m.EnsureConnection(context.Background())
		}()
	}
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Same(t, pools[0], pools[i], "all callers share one pool")
	}
	assert.Equal(t, 1, tokens.callCount(), "one token acquisition for the whole burst")
	assert.EqualValues(t, 1, opener.opens.Load(), "one pool creation for the whole burst")
}

func TestEnsureConnection_waiterRespectsContext(t *testing.T) {
	tokens := &fakeTokens{tok: freshToken(), delay: 200 * time.Millisecond}
	m, _ := newTestManager(t, testConfig(), tokens)

	go func() { _, _ = m.EnsureConnection(context.Background()) }()
	time.Sleep(20 * time.Millisecond) // let the flight start

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := m.EnsureConnection(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReady_latchesPermanently(t *testing.T) {
	tokens := &fakeTokens{tok: freshToken()}
	m, opener := newTestManager(t, testConfig(), tokens)

	assert.False(t, m.Ready())
	_, err := m.EnsureConnection(context.Background())
	require.NoError(t, err)
	assert.True(t, m.Ready())

	// Make the cached token stale and the next attempt fail everywhere.
	m.mu.Lock()
	m.token = auth.AccessToken{Token: "tok", ExpiresOn: time.Now().Add(-time.Minute)}
	m.mu.Unlock()
	opener.tokenErr = errors.New("down")
	opener.secretErr = errors.New("down")

	_, err = m.EnsureConnection(context.Background())
	require.Error(t, err)
	assert.True(t, m.Ready(), "readiness never resets after the first success")
}

func TestClose_idempotent(t *testing.T) {
	m := NewManager(testConfig(), &fakeTokens{tok: freshToken()}, nil)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}
