package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/blockstream/libs/log"
)

type testService struct {
	BaseService
	started, stopped int
	startErr         error
	order            *[]string
}

func newTestService(name string, order *[]string) *testService {
	ts := &testService{order: order}
	ts.BaseService = *NewBaseService(log.NewNopLogger(), name, ts)
	return ts
}

func (ts *testService) OnStart(context.Context) error {
	if ts.startErr != nil {
		return ts.startErr
	}
	ts.started++
	if ts.order != nil {
		*ts.order = append(*ts.order, "start "+ts.String())
	}
	return nil
}

func (ts *testService) OnStop() {
	ts.stopped++
	if ts.order != nil {
		*ts.order = append(*ts.order, "stop "+ts.String())
	}
}

func TestBaseServiceWait(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ts := newTestService("TestService", nil)
	require.NoError(t, ts.Start(ctx))
	require.True(t, ts.IsRunning())

	waitFinished := make(chan struct{})
	go func() {
		ts.Wait()
		close(waitFinished)
	}()

	go ts.Stop()

	select {
	case <-waitFinished:
		// all good
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected Wait() to finish within 100 ms.")
	}
	require.False(t, ts.IsRunning())
}

func TestBaseServiceLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ts := newTestService("TestService", nil)
	ts.Stop()
	require.Equal(t, 0, ts.stopped)

	require.NoError(t, ts.Start(ctx))
	require.ErrorIs(t, ts.Start(ctx), ErrAlreadyStarted)

	ts.Stop()
	ts.Stop()
	require.Equal(t, 1, ts.started)
	require.Equal(t, 1, ts.stopped)
	require.ErrorIs(t, ts.Start(ctx), ErrAlreadyStopped)
}

func TestBaseServiceStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	ts := newTestService("TestService", nil)
	require.NoError(t, ts.Start(ctx))

	cancel()
	ts.Wait()
	require.False(t, ts.IsRunning())
	require.Equal(t, 1, ts.stopped)
}

func TestBaseServiceStartError(t *testing.T) {
	ts := newTestService("TestService", nil)
	ts.startErr = errors.New("boom")

	require.Error(t, ts.Start(context.Background()))
	require.False(t, ts.IsRunning())

	ts.startErr = nil
	require.NoError(t, ts.Start(context.Background()))
	ts.Stop()
}

func TestGroupOrdering(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var order []string
	a := newTestService("a", &order)
	b := newTestService("b", &order)

	g := NewGroup(log.NewNopLogger(), "group", a, b)
	require.NoError(t, g.Start(ctx))
	g.Stop()

	require.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, order)
}

func TestGroupRollsBackOnStartFailure(t *testing.T) {
	var order []string
	a := newTestService("a", &order)
	b := newTestService("b", &order)
	b.startErr = errors.New("boom")

	g := NewGroup(log.NewNopLogger(), "group", a, b)
	require.Error(t, g.Start(context.Background()))
	require.Equal(t, []string{"start a", "stop a"}, order)
	require.False(t, g.IsRunning())
}
