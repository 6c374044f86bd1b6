package audit

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mir00r/gateway-mesh/internal/gatewaytypes"
)

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (s *recordingSink) Event(_ logrus.Level, _ string, _ logrus.Fields, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, msg)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestEmitWithoutBrokersLogsEvent(t *testing.T) {
	sink := &recordingSink{}
	p, err := New(nil, "", sink)
	require.NoError(t, err)
	defer p.Close()

	p.Emit(gatewaytypes.AuditEvent{
		Timestamp: time.Now(),
		RequestID: "req-1",
		Stage:     "authenticate",
		Decision:  "accept",
	})

	assert.Eventually(t, func() bool { return sink.count() >= 1 }, time.Second, time.Millisecond)
}

func TestEmitNeverBlocksWhenQueueFull(t *testing.T) {
	sink := &recordingSink{}
	p, err := New(nil, "", sink)
	require.NoError(t, err)
	defer p.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < queueDepth*2; i++ {
			p.Emit(gatewaytypes.AuditEvent{RequestID: "req-flood", Stage: "rate-limit"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked under queue pressure")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	sink := &recordingSink{}
	p, err := New(nil, "", sink)
	require.NoError(t, err)

	p.Close()
	p.Close()
}
