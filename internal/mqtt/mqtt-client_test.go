package mqtt

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucaslui/hems/roster-reconciler/internal/config"
	"github.com/lucaslui/hems/roster-reconciler/internal/session"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

func completedToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func TestWaitToken(t *testing.T) {
	require.NoError(t, waitToken(context.Background(), completedToken(nil)))

	boom := errors.New("boom")
	assert.ErrorIs(t, waitToken(context.Background(), completedToken(boom)), boom)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pending := &fakeToken{done: make(chan struct{})}
	assert.ErrorIs(t, waitToken(ctx, pending), context.Canceled)
}

func newTestClient(grace time.Duration) *Client {
	return &Client{
		logger: zerolog.Nop(),
		grace:  grace,
		subs:   make(map[string]subscription),
	}
}

func TestConnectionLost_FatalAfterGrace(t *testing.T) {
	c := newTestClient(20 * time.Millisecond)
	fatal := make(chan error, 1)
	c.OnFatal(func(err error) { fatal <- err })

	c.handleConnectionLost(errors.New("EOF"))

	select {
	case err := <-fatal:
		assert.ErrorIs(t, err, session.ErrBusLost)
	case <-time.After(2 * time.Second):
		t.Fatal("fatal callback not invoked")
	}
}

func TestConnectionLost_ReconnectCancelsFatal(t *testing.T) {
	c := newTestClient(50 * time.Millisecond)
	fatal := make(chan error, 1)
	c.OnFatal(func(err error) { fatal <- err })

	c.handleConnectionLost(errors.New("EOF"))
	c.handleConnect(nil)

	select {
	case err := <-fatal:
		t.Fatalf("unexpected fatal: %v", err)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestConnectionLost_NoGraceNeverFatal(t *testing.T) {
	c := newTestClient(0)
	called := false
	c.OnFatal(func(error) { called = true })
	c.handleConnectionLost(errors.New("EOF"))
	assert.False(t, called)
	assert.Nil(t, c.lostTimer)
}

func TestBuildMQTTClient_UnsubscribeWhileDisconnected(t *testing.T) {
	cfg := &config.Config{
		MQTTBrokerURL: "tcp://127.0.0.1:1",
		MQTTClientID:  "test",
		MQTTKeepAlive: 30 * time.Second,
	}
	c, err := BuildMQTTClient(cfg, zerolog.Nop())
	require.NoError(t, err)

	c.subs["ACME/+/connected"] = subscription{qos: 2}
	require.NoError(t, c.Unsubscribe(context.Background(), "ACME/+/connected"))
	assert.Empty(t, c.subs)
}

func TestBuildMQTTClient_BadTLSFiles(t *testing.T) {
	cfg := &config.Config{
		MQTTBrokerURL: "ssl://127.0.0.1:8883",
		MQTTClientID:  "test",
		TLSCACert:     filepath.Join(t.TempDir(), "missing.cer"),
	}
	_, err := BuildMQTTClient(cfg, zerolog.Nop())
	require.Error(t, err)
}

func TestNewTLSConfig(t *testing.T) {
	cfg, err := NewTLSConfig("", "", "")
	require.NoError(t, err)
	assert.Nil(t, cfg.RootCAs)
	assert.Empty(t, cfg.Certificates)

	notPEM := filepath.Join(t.TempDir(), "ca.cer")
	require.NoError(t, os.WriteFile(notPEM, []byte("not a certificate"), 0o600))
	_, err = NewTLSConfig(notPEM, "", "")
	require.Error(t, err)

	_, err = NewTLSConfig("", "missing.cer", "missing.key")
	require.Error(t, err)
}
