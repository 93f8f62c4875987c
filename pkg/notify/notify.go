// Package notify subscribes to an execution's EventBus and posts operator
// notifications to Slack on the transitions an on-call engineer actually
// needs to act on: a phase blocked after exhausting its rework budget, a
// circuit breaker opening, or an execution failing outright. It is a
// SUPPLEMENTED FEATURE (not part of spec.md's core) kept strictly
// downstream of the kernel: EventBus is the only kernel type it imports.
package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/maestro-hive/kernel/pkg/eventbus"
)

// Poster is the subset of the Slack client notify needs, so tests can stub
// it without a network-backed client.
type Poster interface {
	PostMessage(channelID string, options ...slack.MsgOption) (string, string, error)
}

// Notifier posts operator-facing alerts to a single Slack channel.
type Notifier struct {
	client  Poster
	channel string
	logger  *zap.Logger
}

// NewSlackClient wraps a real token-authenticated Slack client as a Poster.
func NewSlackClient(token string) Poster {
	return slack.New(token)
}

// New constructs a Notifier. Passing a token via slack.New(token) is the
// caller's responsibility (cmd/maestro-hive's composition root); Notifier
// itself only needs the Poster interface.
func New(client Poster, channel string, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

// Attach subscribes to bus and posts to Slack for the event kinds this
// notifier cares about, until ctx is cancelled.
func (n *Notifier) Attach(ctx context.Context, executionID string, bus *eventbus.Bus) {
	n.AttachSubscription(ctx, executionID, bus.Subscribe())
}

// AttachSubscription drives notifications off a Subscription the caller
// already holds (ExecutionSupervisor only exposes Subscribe, not the
// underlying Bus, to callers outside the kernel).
func (n *Notifier) AttachSubscription(ctx context.Context, executionID string, sub *eventbus.Subscription) {
	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				n.handle(executionID, ev)
			}
		}
	}()
}

func (n *Notifier) handle(executionID string, ev eventbus.Event) {
	text, notify := n.render(executionID, ev)
	if !notify {
		return
	}
	if _, _, err := n.client.PostMessage(n.channel, slack.MsgOptionText(text, false)); err != nil {
		n.logger.Warn("slack_notification_failed",
			zap.String("execution_id", executionID), zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}

// render decides whether ev warrants a notification and, if so, formats it.
// phase_exited with verdict=blocked_entry or a "fail"+"max_iterations_exhausted"
// reason both surface as the phase-blocked alert; execution_failed and
// bypass_recorded are always reported. Breaker openings are posted through
// BreakerOpened, not through render.
func (n *Notifier) render(executionID string, ev eventbus.Event) (string, bool) {
	payload, _ := ev.Payload.(map[string]any)

	switch ev.Kind {
	case eventbus.KindPhaseExited:
		verdict, _ := payload["verdict"].(string)
		reason, _ := payload["reason"].(string)
		if verdict == "blocked_entry" || (verdict == "fail" && reason == "max_iterations_exhausted") {
			return fmt.Sprintf(":warning: execution `%s` phase `%v` blocked (%s)", executionID, payload["phase_id"], reasonOr(verdict, reason)), true
		}
		return "", false
	case eventbus.KindExecutionFailed:
		return fmt.Sprintf(":rotating_light: execution `%s` failed", executionID), true
	case eventbus.KindBypassRecorded:
		return fmt.Sprintf(":unlock: execution `%s` recorded a quality-gate bypass: %v", executionID, payload["gate_name"]), true
	default:
		return "", false
	}
}

func reasonOr(verdict, reason string) string {
	if reason != "" {
		return reason
	}
	return verdict
}

// BreakerOpened posts a breaker_opened alert. DAGExecutor/breaker.Manager
// do not themselves know about Slack, so ExecutionSupervisor (or any other
// integrator) calls this directly when it observes a breaker transition to
// open, rather than Notifier inferring it from an event kind the EventBus
// does not currently emit for breaker state.
func (n *Notifier) BreakerOpened(executionID, personaID string) {
	text := fmt.Sprintf(":electric_plug: circuit breaker open for persona `%s` on execution `%s`", personaID, executionID)
	if _, _, err := n.client.PostMessage(n.channel, slack.MsgOptionText(text, false)); err != nil {
		n.logger.Warn("slack_notification_failed", zap.String("execution_id", executionID), zap.String("persona_id", personaID), zap.Error(err))
	}
}
