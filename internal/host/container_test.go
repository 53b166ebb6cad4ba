package host

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline0/internal/negotiator"
	"offline0/internal/protocol"
	"offline0/internal/worker"
)

func register(t *testing.T, th *testHost) *Registration {
	t.Helper()
	reg, err := th.container.Register(context.Background(), th.scriptURL(), negotiator.RegisterOptions{
		UpdateViaCache: negotiator.UpdateViaCacheNone,
	})
	require.NoError(t, err)
	return reg.(*Registration)
}

func TestRegisterInstallsAndActivates(t *testing.T) {
	th := newTestHost(t)
	var changes atomic.Int32
	th.container.OnControllerChange(func() { changes.Add(1) })

	reg := register(t, th)

	require.NotNil(t, reg.Active())
	assert.Equal(t, "1", reg.Active().Version())
	assert.Equal(t, negotiator.StateActivated, reg.Active().State())
	assert.Nil(t, reg.Waiting())
	assert.Nil(t, reg.Installing())
	assert.Equal(t, "1", th.controllerVersion())
	assert.True(t, reg.NavigationPreload())
	assert.Equal(t, []string{"arcade-v1"}, th.caches(t))
	assert.Equal(t, int32(1), changes.Load())

	scripts := th.origin.seen("GET", "/sw.js")
	require.Len(t, scripts, 1)
	assert.Equal(t, "no-cache", scripts[0].Header.Get("Cache-Control"))
	assert.Equal(t, "script", scripts[0].Header.Get("Service-Worker"))
}

func TestRemovedListenersAreNotCalled(t *testing.T) {
	th := newTestHost(t)
	var kept, dropped atomic.Int32
	th.container.OnControllerChange(func() { kept.Add(1) })
	remove := th.container.OnControllerChange(func() { dropped.Add(1) })
	remove()
	remove()

	reg := register(t, th)
	assert.Equal(t, int32(1), kept.Load())
	assert.Zero(t, dropped.Load())

	th.container.mu.RLock()
	assert.Equal(t, 1, th.container.ccListeners.len())
	th.container.mu.RUnlock()

	removeFound := reg.OnUpdateFound(func() {})
	removeState := reg.Active().OnStateChange(func(negotiator.WorkerState) {})
	removeFound()
	removeState()
	reg.mu.Lock()
	assert.Zero(t, reg.updateFound.len())
	reg.mu.Unlock()
}

func TestRegisterUnchangedScriptInstallsNothing(t *testing.T) {
	th := newTestHost(t)
	reg := register(t, th)
	found := 0
	reg.OnUpdateFound(func() { found++ })

	register(t, th)
	require.NoError(t, reg.Update(context.Background()))
	assert.Zero(t, found)
	assert.Equal(t, "1", reg.Active().Version())
}

func TestUpdateWaitsForSkipWaiting(t *testing.T) {
	th := newTestHost(t)
	reg := register(t, th)
	v1 := reg.Active()

	th.origin.setRelease("2", "/", "/app.js")
	require.NoError(t, reg.Update(context.Background()))

	require.NotNil(t, reg.Waiting())
	assert.Equal(t, "2", reg.Waiting().Version())
	assert.Equal(t, "1", th.controllerVersion())
	assert.Equal(t, []string{"arcade-v1", "arcade-v2"}, th.caches(t))

	// skip-waiting sent to the active worker does nothing
	require.NoError(t, v1.PostMessage(context.Background(), protocol.SkipWaiting{}))
	require.NoError(t, reg.Waiting().PostMessage(context.Background(), protocol.SkipWaiting{}))

	require.Eventually(t, func() bool { return th.controllerVersion() == "2" }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"arcade-v2"}, th.caches(t))
	assert.Equal(t, negotiator.StateRedundant, v1.State())
	assert.Nil(t, reg.Waiting())
	assert.ErrorIs(t, v1.PostMessage(context.Background(), protocol.SkipWaiting{}), ErrRedundant)
}

func TestSkipWaitingOnInstallActivatesImmediately(t *testing.T) {
	th := newTestHost(t, func(o *Options) { o.SkipWaitingOnInstall = true })
	reg := register(t, th)

	th.origin.setRelease("2", "/")
	require.NoError(t, reg.Update(context.Background()))

	assert.Equal(t, "2", th.controllerVersion())
	assert.Nil(t, reg.Waiting())
	assert.Equal(t, []string{"arcade-v2"}, th.caches(t))
}

func TestFailedInstallKeepsCurrentWorker(t *testing.T) {
	th := newTestHost(t, func(o *Options) { o.SkipWaitingOnInstall = true })
	reg := register(t, th)

	var installing negotiator.WorkerHandle
	reg.OnUpdateFound(func() { installing = reg.Installing() })

	th.origin.setRelease("2", "/", "/missing.js")
	require.NoError(t, reg.Update(context.Background()))

	require.NotNil(t, installing)
	assert.Equal(t, negotiator.StateRedundant, installing.State())
	assert.Nil(t, reg.Waiting())
	assert.Equal(t, "1", reg.Active().Version())
	assert.Equal(t, "1", th.controllerVersion())
	assert.Equal(t, []string{"arcade-v1"}, th.caches(t))
}

func TestRegisterErrors(t *testing.T) {
	th := newTestHost(t)
	ctx := context.Background()

	_, err := th.container.Register(ctx, "https://elsewhere.example/sw.js", negotiator.RegisterOptions{})
	require.ErrorIs(t, err, ErrOutOfScope)

	th.origin.remove("/sw.js")
	_, err = th.container.Register(ctx, th.scriptURL(), negotiator.RegisterOptions{})
	require.ErrorIs(t, err, ErrScriptFetch)

	th.origin.set("/sw.js", "not json")
	_, err = th.container.Register(ctx, th.scriptURL(), negotiator.RegisterOptions{})
	require.ErrorIs(t, err, worker.ErrInvalidRelease)
	assert.Nil(t, th.container.Controller())
}

func TestNegotiatedUpdateReloadsOnce(t *testing.T) {
	th := newTestHost(t)
	var reloads atomic.Int32
	var asked []string

	sess := negotiator.NewSession(negotiator.Options{
		Container:      th.container,
		Store:          th.storage,
		BaseURL:        th.scope,
		InitialBackoff: time.Millisecond,
		Confirm: func(v string) bool {
			asked = append(asked, v)
			return true
		},
		Reload: func() { reloads.Add(1) },
	})
	defer sess.Close()

	th.origin.set("/version.json", `{"version":"1"}`)
	reg := sess.Boot(context.Background())
	require.NotNil(t, reg)
	assert.Equal(t, "1", th.controllerVersion())
	assert.Equal(t, th.scriptURL()+"?v=1", reg.Active().ScriptURL())
	assert.Zero(t, reloads.Load(), "first claim is not a transfer")

	th.origin.setRelease("2", "/")
	require.NoError(t, reg.Update(context.Background()))
	require.Eventually(t, func() bool { return th.controllerVersion() == "2" }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"2"}, asked)
	assert.Equal(t, int32(1), reloads.Load())

	th.origin.setRelease("3", "/")
	require.NoError(t, reg.Update(context.Background()))
	require.Eventually(t, func() bool { return th.controllerVersion() == "3" }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), reloads.Load())

	stored, ok, err := th.storage.Setting("app-version")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", stored)
}

func TestBootWithoutScriptDisablesOffline(t *testing.T) {
	th := newTestHost(t)
	th.origin.remove("/sw.js")

	sess := negotiator.NewSession(negotiator.Options{
		Container: th.container,
		BaseURL:   th.scope,
	})
	defer sess.Close()

	assert.Nil(t, sess.Boot(context.Background()))
	assert.True(t, sess.OfflineDisabled())
	assert.Nil(t, th.container.Registration())
}
