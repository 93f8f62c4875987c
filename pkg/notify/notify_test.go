package notify_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-hive/kernel/pkg/eventbus"
	"github.com/maestro-hive/kernel/pkg/notify"
)

type fakePoster struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakePoster) PostMessage(channelID string, options ...slack.MsgOption) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, channelID)
	return "ts", channelID, nil
}

func (f *fakePoster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func TestNotifierPostsOnPhaseBlocked(t *testing.T) {
	poster := &fakePoster{}
	n := notify.New(poster, "#eng-alerts", nil)
	bus := eventbus.New("exec-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n.Attach(ctx, "exec-1", bus)

	bus.Publish(eventbus.KindPhaseExited, map[string]any{"phase_id": "I", "verdict": "fail", "reason": "max_iterations_exhausted"})
	bus.Publish(eventbus.KindPhaseExited, map[string]any{"phase_id": "I", "verdict": "pass"})
	bus.Publish(eventbus.KindExecutionFailed, map[string]any{})

	require.Eventually(t, func() bool { return poster.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, poster.count())
}

func TestBreakerOpenedPostsDirectly(t *testing.T) {
	poster := &fakePoster{}
	n := notify.New(poster, "#eng-alerts", nil)
	n.BreakerOpened("exec-1", "backend_developer")
	assert.Equal(t, 1, poster.count())
}
