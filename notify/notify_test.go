package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockingSender struct {
	release chan struct{}
	mu      sync.Mutex
	sent    []Message
}

func (s *blockingSender) SendEmail(_ context.Context, msg Message) error {
	<-s.release
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.mu.Unlock()
	return nil
}

type failingSender struct{}

func (failingSender) SendSMS(context.Context, Message) error { return errors.New("gateway down") }

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestDispatcherDeliversAndDrainsOnClose(t *testing.T) {
	capture := &Capture{}
	d := NewDispatcher(capture, capture, DispatcherConfig{QueueSize: 8}, quietLogger())

	d.Email(context.Background(), Message{To: "a@example.com", Template: TemplateVerifyEmail})
	d.SMS(context.Background(), Message{To: "+15550001111", Template: TemplateMFACode, Params: map[string]string{"code": "123456"}})
	d.Close()

	require.Len(t, capture.Emails(), 1)
	require.Len(t, capture.Texts(), 1)
	last, ok := capture.Last("+15550001111")
	require.True(t, ok)
	assert.Equal(t, "123456", last.Params["code"])
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	sender := &blockingSender{release: make(chan struct{})}
	d := NewDispatcher(sender, nil, DispatcherConfig{QueueSize: 1}, quietLogger())

	for i := 0; i < 10; i++ {
		d.Email(context.Background(), Message{To: "a@example.com"})
	}
	assert.Positive(t, d.Dropped())

	close(sender.release)
	d.Close()
	d.Email(context.Background(), Message{To: "late@example.com"})

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.LessOrEqual(t, len(sender.sent), 2)
	for _, m := range sender.sent {
		assert.NotEqual(t, "late@example.com", m.To)
	}
}

func TestDispatcherFailuresAreCountedNotPropagated(t *testing.T) {
	d := NewDispatcher(nil, failingSender{}, DispatcherConfig{}, quietLogger())
	d.SMS(context.Background(), Message{To: "+15550001111"})
	d.Email(context.Background(), Message{To: "a@example.com"})
	d.Close()
	assert.Equal(t, uint64(2), d.Failed())
}

func TestNilDispatcherIsSafe(t *testing.T) {
	var d *Dispatcher
	d.Email(context.Background(), Message{})
	d.Close()
	assert.Zero(t, d.Dropped())
}
