package connection

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/driver"
	"chatrelay/internal/driver/drivertest"
	"chatrelay/internal/failure"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testPlatforms = []config.PlatformConfig{
	{Name: "alpha", URLPattern: `^https://alpha\.example/`, HomeURL: "https://alpha.example/new"},
	{Name: "beta", URLPattern: `^https://beta\.example/`, HomeURL: "https://beta.example/"},
}

func newTestManager(t *testing.T, conn *drivertest.Connector) *Manager {
	t.Helper()
	m, err := NewManager(Options{
		Connector:      conn,
		Platforms:      testPlatforms,
		ConnectTimeout: 2 * time.Second,
		ProbeTimeout:   time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestEnsure_ConnectsOnceUnderConcurrency(t *testing.T) {
	tab := drivertest.NewTab("a1", "https://alpha.example/c/1")
	drv := drivertest.NewDriver(tab)
	conn := &drivertest.Connector{
		Next: func() (*drivertest.Driver, error) { return drv, nil },
		Gate: make(chan struct{}),
	}
	m := newTestManager(t, conn)

	const callers = 8
	var wg sync.WaitGroup
	tabs := make([]driver.Tab, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tabs[i], errs[i] = m.Ensure(context.Background(), "alpha")
		}(i)
	}

	require.Eventually(t, func() bool { return m.State() == StateConnecting }, time.Second, time.Millisecond)
	close(conn.Gate)
	wg.Wait()

	assert.Equal(t, int64(1), conn.Calls.Load(), "connect must run exactly once")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "a1", tabs[i].ID())
	}
	assert.Equal(t, StateConnected, m.State())
}

func TestEnsure_TargetNotFound(t *testing.T) {
	drv := drivertest.NewDriver(drivertest.NewTab("x", "https://elsewhere.example/"))
	m := newTestManager(t, &drivertest.Connector{Next: func() (*drivertest.Driver, error) { return drv, nil }})

	_, err := m.Ensure(context.Background(), "alpha")
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindTargetNotFound), "got %v", err)
	assert.Contains(t, err.Error(), "open https://alpha.example/new manually")
}

func TestEnsure_UnknownPlatform(t *testing.T) {
	m := newTestManager(t, &drivertest.Connector{Next: func() (*drivertest.Driver, error) {
		return drivertest.NewDriver(), nil
	}})

	_, err := m.Ensure(context.Background(), "gamma")
	assert.Equal(t, failure.KindUnknownPlatform, failure.KindOf(err))
}

func TestEnsure_ReusesLiveTabAndRediscoversDeadOne(t *testing.T) {
	first := drivertest.NewTab("a1", "https://alpha.example/c/1")
	drv := drivertest.NewDriver(first)
	m := newTestManager(t, &drivertest.Connector{Next: func() (*drivertest.Driver, error) { return drv, nil }})
	ctx := context.Background()

	tab, err := m.Ensure(ctx, "alpha")
	require.NoError(t, err)
	tab, err = m.Ensure(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "a1", tab.ID())
	assert.Equal(t, int64(1), first.InfoCalls.Load(), "second use should probe the cached tab")

	_ = first.Close()
	drv.AddTab(drivertest.NewTab("a2", "https://alpha.example/c/2"))

	tab, err = m.Ensure(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "a2", tab.ID())
}

func TestEnsure_NavigatedAwayIsStale(t *testing.T) {
	first := drivertest.NewTab("a1", "https://alpha.example/c/1")
	drv := drivertest.NewDriver(first)
	m := newTestManager(t, &drivertest.Connector{Next: func() (*drivertest.Driver, error) { return drv, nil }})
	ctx := context.Background()

	_, err := m.Ensure(ctx, "alpha")
	require.NoError(t, err)
	require.NoError(t, first.Navigate(ctx, "https://news.example/"))

	_, err = m.Ensure(ctx, "alpha")
	assert.True(t, failure.Is(err, failure.KindTargetNotFound), "got %v", err)
}

func TestEnsure_DisconnectDropsEverything(t *testing.T) {
	var drivers []*drivertest.Driver
	conn := &drivertest.Connector{Next: func() (*drivertest.Driver, error) {
		d := drivertest.NewDriver(drivertest.NewTab("a1", "https://alpha.example/"))
		drivers = append(drivers, d)
		return d, nil
	}}
	m := newTestManager(t, conn)
	ctx := context.Background()

	_, err := m.Ensure(ctx, "alpha")
	require.NoError(t, err)

	drivers[0].Disconnect()
	require.Eventually(t, func() bool { return m.State() == StateDisconnected }, time.Second, time.Millisecond)

	_, err = m.Ensure(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, int64(2), conn.Calls.Load())
	assert.Equal(t, StateConnected, m.State())
}

func TestEnsure_ConnectFailureIsRetried(t *testing.T) {
	fail := true
	conn := &drivertest.Connector{Next: func() (*drivertest.Driver, error) {
		if fail {
			return nil, errors.New("connection refused")
		}
		return drivertest.NewDriver(drivertest.NewTab("b1", "https://beta.example/")), nil
	}}
	m := newTestManager(t, conn)
	ctx := context.Background()

	_, err := m.Ensure(ctx, "beta")
	require.Error(t, err)
	assert.Equal(t, failure.KindConnection, failure.KindOf(err))
	assert.True(t, strings.HasPrefix(err.Error(), "beta: "), "platform should be stamped: %v", err)
	assert.Equal(t, StateDisconnected, m.State())

	fail = false
	_, err = m.Ensure(ctx, "beta")
	require.NoError(t, err)
}

func TestEnsure_CallerContextBoundsWait(t *testing.T) {
	conn := &drivertest.Connector{
		Next: func() (*drivertest.Driver, error) { return drivertest.NewDriver(), nil },
		Gate: make(chan struct{}),
	}
	m := newTestManager(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Ensure(ctx, "alpha")
	assert.Equal(t, failure.KindConnection, failure.KindOf(err))

	close(conn.Gate)
	require.Eventually(t, func() bool { return m.State() == StateConnected }, time.Second, time.Millisecond)
}

func TestEnsureSession_OneTabPerSession(t *testing.T) {
	drv := drivertest.NewDriver()
	m := newTestManager(t, &drivertest.Connector{Next: func() (*drivertest.Driver, error) { return drv, nil }})
	ctx := context.Background()

	a, err := m.EnsureSession(ctx, "alpha", "s1")
	require.NoError(t, err)
	b, err := m.EnsureSession(ctx, "alpha", "s2")
	require.NoError(t, err)
	again, err := m.EnsureSession(ctx, "alpha", "s1")
	require.NoError(t, err)

	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, a.ID(), again.ID())
	info, err := a.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://alpha.example/new", info.URL)

	m.Invalidate("alpha", "s1")
	fresh, err := m.EnsureSession(ctx, "alpha", "s1")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), fresh.ID())
}

func TestOpenDisposable_AlwaysNew(t *testing.T) {
	drv := drivertest.NewDriver()
	m := newTestManager(t, &drivertest.Connector{Next: func() (*drivertest.Driver, error) { return drv, nil }})
	ctx := context.Background()

	a, err := m.OpenDisposable(ctx, "beta")
	require.NoError(t, err)
	b, err := m.OpenDisposable(ctx, "beta")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestPlatforms_Sorted(t *testing.T) {
	m := newTestManager(t, &drivertest.Connector{Next: func() (*drivertest.Driver, error) {
		return drivertest.NewDriver(), nil
	}})
	assert.Equal(t, []string{"alpha", "beta"}, m.Platforms())
}

func TestEnsure_SkipsSessionTabs(t *testing.T) {
	t.Run("no user tab", func(t *testing.T) {
		drv := drivertest.NewDriver()
		m := newTestManager(t, &drivertest.Connector{Next: func() (*drivertest.Driver, error) { return drv, nil }})
		ctx := context.Background()

		_, err := m.EnsureSession(ctx, "alpha", "a")
		require.NoError(t, err)
		_, err = m.Ensure(ctx, "alpha")
		assert.True(t, failure.Is(err, failure.KindTargetNotFound), "got %v", err)
	})

	t.Run("user tab preferred", func(t *testing.T) {
		drv := drivertest.NewDriver()
		m := newTestManager(t, &drivertest.Connector{Next: func() (*drivertest.Driver, error) { return drv, nil }})
		ctx := context.Background()

		sess, err := m.EnsureSession(ctx, "alpha", "a")
		require.NoError(t, err)
		drv.AddTab(drivertest.NewTab("u1", "https://alpha.example/c/9"))

		tab, err := m.Ensure(ctx, "alpha")
		require.NoError(t, err)
		assert.Equal(t, "u1", tab.ID())
		assert.NotEqual(t, sess.ID(), tab.ID())
	})

	t.Run("invalidated session tab stays claimed", func(t *testing.T) {
		drv := drivertest.NewDriver()
		m := newTestManager(t, &drivertest.Connector{Next: func() (*drivertest.Driver, error) { return drv, nil }})
		ctx := context.Background()

		_, err := m.EnsureSession(ctx, "alpha", "a")
		require.NoError(t, err)
		m.Invalidate("alpha", "a")
		_, err = m.Ensure(ctx, "alpha")
		assert.True(t, failure.Is(err, failure.KindTargetNotFound), "got %v", err)
	})

	t.Run("concurrent opens", func(t *testing.T) {
		drv := drivertest.NewDriver()
		m := newTestManager(t, &drivertest.Connector{Next: func() (*drivertest.Driver, error) { return drv, nil }})
		ctx := context.Background()

		const sessions = 8
		var wg sync.WaitGroup
		sessionIDs := make([]string, sessions)
		var mu sync.Mutex
		var adopted []string
		for i := 0; i < sessions; i++ {
			wg.Add(2)
			go func(i int) {
				defer wg.Done()
				tab, err := m.EnsureSession(ctx, "alpha", string(rune('a'+i)))
				if err == nil {
					sessionIDs[i] = tab.ID()
				}
			}(i)
			go func() {
				defer wg.Done()
				if tab, err := m.Ensure(ctx, "alpha"); err == nil {
					mu.Lock()
					adopted = append(adopted, tab.ID())
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		for _, id := range adopted {
			assert.NotContains(t, sessionIDs, id)
		}
	})
}

func TestDriverFailure_ClosesDroppedDriver(t *testing.T) {
	drv := drivertest.NewDriver()
	m := newTestManager(t, &drivertest.Connector{Next: func() (*drivertest.Driver, error) { return drv, nil }})
	ctx := context.Background()

	_, err := m.EnsureSession(ctx, "alpha", "a")
	require.NoError(t, err)

	drv.Fail(driver.ErrDisconnected)
	_, err = m.EnsureSession(ctx, "alpha", "b")
	require.Error(t, err)

	select {
	case <-drv.Disconnected():
	case <-time.After(time.Second):
		t.Fatal("dropped driver was not closed")
	}
	assert.Equal(t, StateDisconnected, m.State())
}
