package connection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/theta_engine/internal/broker"
	"github.com/eddiefleurent/theta_engine/internal/models"
)

type failingHandler struct{ err error }

func (f failingHandler) Connect(context.Context) (<-chan models.ConnectionStatus, error) {
	return nil, f.err
}

func (f failingHandler) Disconnect() error { return nil }

// droppingHandler ends the session from the brokerage side.
type droppingHandler struct{ ch chan models.ConnectionStatus }

func (d *droppingHandler) Connect(context.Context) (<-chan models.ConnectionStatus, error) {
	d.ch = make(chan models.ConnectionStatus, 1)
	d.ch <- models.NewConnectionStatus(models.Connected)
	return d.ch, nil
}

func (d *droppingHandler) Disconnect() error { return nil }

func next(t *testing.T, m *Manager) models.ConnectionStatus {
	t.Helper()
	select {
	case s := <-m.Statuses():
		return s
	case <-time.After(time.Second):
		t.Fatal("no connection status")
	}
	return models.ConnectionStatus{}
}

func TestConnectAndDisconnect(t *testing.T) {
	logger, _ := test.NewNullLogger()
	paper := broker.NewPaperBroker(logger)
	m := NewManager(paper, logger, 0)
	assert.False(t, m.Connected())
	assert.Equal(t, models.ManagerShutdown, m.Status().State)

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, models.Connected, next(t, m).State)
	assert.True(t, m.Connected())
	assert.True(t, paper.Connected())
	assert.Equal(t, models.ManagerRunning, m.Status().State)

	assert.ErrorIs(t, m.Connect(context.Background()), ErrAlreadyConnected)

	require.NoError(t, m.Disconnect())
	assert.Equal(t, models.Disconnected, next(t, m).State)
	assert.False(t, m.Connected())
	assert.False(t, paper.Connected())
	assert.Equal(t, models.ManagerShutdown, m.Status().State)

	// idempotent
	require.NoError(t, m.Disconnect())
	m.Shutdown()
}

func TestConnectFailure(t *testing.T) {
	logger, _ := test.NewNullLogger()
	boom := errors.New("gateway unreachable")
	m := NewManager(failingHandler{err: boom}, logger, 1)

	assert.ErrorIs(t, m.Connect(context.Background()), boom)
	assert.Equal(t, models.ManagerShutdown, m.Status().State)
	assert.False(t, m.Connected())
}

func TestRemoteDropPublishesDisconnected(t *testing.T) {
	logger, _ := test.NewNullLogger()
	h := &droppingHandler{}
	m := NewManager(h, logger, 4)

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, models.Connected, next(t, m).State)

	close(h.ch)
	assert.Equal(t, models.Disconnected, next(t, m).State)
	require.Eventually(t, func() bool { return m.Status().State == models.ManagerShutdown }, time.Second, 5*time.Millisecond)

	// reconnect after the drop
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, models.Connected, next(t, m).State)
}

func TestNewManagerPanicsOnNilHandler(t *testing.T) {
	assert.Panics(t, func() { NewManager(nil, nil, 1) })
}
