// File: cmd/serve_test.go
package cmd

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/omegabot/omega/internal/evolution/mocks"
)

func TestRunServe_RunNowThenStops(t *testing.T) {
	recorded := make(chan struct{}, 1)
	store := new(mocks.MockStore)
	store.On("QueryMessages", mock.Anything, mock.Anything).Return(weatherHistory(), nil)
	store.On("RecentProposalTitles", mock.Anything, mock.Anything).Return([]string{}, nil)
	store.On("InsertProposals", mock.Anything, mock.Anything).Return(nil)
	store.On("UpdateProposalStatus", mock.Anything, mock.Anything).Return(nil)
	store.On("UpsertSelfReflection", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		recorded <- struct{}{}
	}).Return(nil)
	store.On("InsertAuditLog", mock.Anything, mock.Anything).Return(nil)
	factory := &fakeFactory{t: t, store: store, actor: prActor{}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := newTestConfig(t, nil)
	done := make(chan error, 1)
	go func() {
		done <- runServe(ctx, cfg, zaptest.NewLogger(t), factory, true)
	}()

	select {
	case <-recorded:
	case <-time.After(5 * time.Second):
		t.Fatal("the immediate cycle never recorded its reflection")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runServe did not return after cancellation")
	}
	store.AssertNumberOfCalls(t, "QueryMessages", 1)
}

func TestRunServe_Errors(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("Disabled", func(t *testing.T) {
		err := runServe(context.Background(), newTestConfig(t, map[string]any{"evolution.enabled": false}), logger, &fakeFactory{t: t}, false)
		assert.ErrorContains(t, err, "evolution is disabled")
	})

	t.Run("Factory Failure", func(t *testing.T) {
		err := runServe(context.Background(), newTestConfig(t, nil), logger, &fakeFactory{t: t, err: errors.New("redis unreachable")}, false)
		assert.ErrorContains(t, err, "redis unreachable")
	})
}

func TestCronLogger(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := cronLogger{zap.New(core).Sugar()}

	l.Info("wake", "now", "03:00")
	l.Error(errors.New("boom"), "panic", "job", 1)

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.DebugLevel, entries[0].Level)
	assert.Equal(t, "03:00", entries[0].ContextMap()["now"])
	assert.Equal(t, zap.ErrorLevel, entries[1].Level)
	assert.Equal(t, "boom", entries[1].ContextMap()["error"])
}
