// Package chat delivers approval prompts to Slack and keeps the posted
// messages in sync with the approval outcome. All outbound calls run
// behind a circuit breaker with bounded retries so a Slack outage cannot
// stall the orchestrator core.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/slack-go/slack"
	"github.com/sony/gobreaker"

	"github.com/signoff-io/signoff/storage"
)

// Notifier errors.
var (
	// ErrDisabled is returned when no Slack credentials are configured.
	// Callers treat it as a skip, not a failure.
	ErrDisabled = errors.New("chat notifications disabled")

	// ErrCircuitOpen is returned while the breaker is rejecting calls.
	ErrCircuitOpen = errors.New("chat circuit open")
)

// callTimeout bounds every individual Slack API call.
const callTimeout = 10 * time.Second

// maxAttempts bounds retries of one logical delivery.
const maxAttempts = 3

// api is the slice of the Slack client the notifier uses.
type api interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
	OpenViewContext(ctx context.Context, triggerID string, view slack.ModalViewRequest) (*slack.ViewResponse, error)
}

// Config holds Slack settings. The notifier is disabled unless both
// BotToken and Channel are set.
type Config struct {
	BotToken string `yaml:"bot_token"`
	Channel  string `yaml:"channel"`

	// FailureThreshold consecutive failures open the circuit for
	// ResetTimeout. Zero values fall back to 5 failures / 60s.
	FailureThreshold uint32        `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// Enabled reports whether the notifier has enough configuration to post.
func (c Config) Enabled() bool {
	return c.BotToken != "" && c.Channel != ""
}

// Notifier posts approval prompts and resolution updates to a Slack
// channel.
type Notifier struct {
	client  api
	channel string
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewNotifier creates a Slack notifier. With an empty config the
// returned notifier is disabled and every call reports ErrDisabled.
func NewNotifier(cfg Config, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	resetTimeout := cfg.ResetTimeout
	if resetTimeout == 0 {
		resetTimeout = 60 * time.Second
	}
	n := &Notifier{
		channel: cfg.Channel,
		logger:  logger,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "slack",
			Timeout: resetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
		}),
	}
	if cfg.Enabled() {
		n.client = slack.New(cfg.BotToken)
	}
	return n
}

// Enabled reports whether the notifier will actually post.
func (n *Notifier) Enabled() bool { return n.client != nil }

// PostApproval posts the approval prompt and returns the message
// reference ("channel:timestamp") to store on the approval row.
func (n *Notifier) PostApproval(ctx context.Context, a *storage.Approval) (string, error) {
	if n.client == nil {
		return "", ErrDisabled
	}
	blocks, fallback, err := ApprovalBlocks(a)
	if err != nil {
		return "", err
	}

	var channel, ts string
	err = n.call(ctx, func(callCtx context.Context) error {
		var perr error
		channel, ts, perr = n.client.PostMessageContext(callCtx, n.channel,
			slack.MsgOptionBlocks(blocks...),
			slack.MsgOptionText(fallback, false))
		return perr
	})
	if err != nil {
		return "", fmt.Errorf("post approval message: %w", err)
	}
	return channel + ":" + ts, nil
}

// UpdateApproval replaces the posted prompt with the resolution text.
// Approvals that were never posted are skipped silently.
func (n *Notifier) UpdateApproval(ctx context.Context, a *storage.Approval) error {
	if n.client == nil {
		return ErrDisabled
	}
	channel, ts, ok := ParseMessageRef(a.ExternalMessageRef)
	if !ok {
		return nil
	}

	blocks, fallback := resolutionBlocks(a)
	err := n.call(ctx, func(callCtx context.Context) error {
		_, _, _, uerr := n.client.UpdateMessageContext(callCtx, channel, ts,
			slack.MsgOptionBlocks(blocks...),
			slack.MsgOptionText(fallback, false))
		return uerr
	})
	if err != nil {
		return fmt.Errorf("update approval message: %w", err)
	}
	return nil
}

// OpenModal opens the input form for an approval whose schema requires
// free-text input. callbackID carries "callback_token:decision" so the
// submission can be routed without server-side session state.
func (n *Notifier) OpenModal(ctx context.Context, triggerID string, a *storage.Approval, decision string) error {
	if n.client == nil {
		return ErrDisabled
	}
	view, err := ModalView(a, decision)
	if err != nil {
		return err
	}
	err = n.call(ctx, func(callCtx context.Context) error {
		_, oerr := n.client.OpenViewContext(callCtx, triggerID, view)
		return oerr
	})
	if err != nil {
		return fmt.Errorf("open approval modal: %w", err)
	}
	return nil
}

// call runs op through the breaker with bounded exponential retries. An
// open breaker fails fast with ErrCircuitOpen.
func (n *Notifier) call(ctx context.Context, op func(context.Context) error) error {
	attempt := func() error {
		_, err := n.breaker.Execute(func() (any, error) {
			callCtx, cancel := context.WithTimeout(ctx, callTimeout)
			defer cancel()
			return nil, op(callCtx)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(ErrCircuitOpen)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxAttempts-1), ctx)
	return backoff.Retry(attempt, policy)
}

// ParseMessageRef splits a stored "channel:timestamp" reference.
func ParseMessageRef(ref string) (channel, ts string, ok bool) {
	channel, ts, ok = strings.Cut(ref, ":")
	if !ok || channel == "" || ts == "" {
		return "", "", false
	}
	return channel, ts, true
}
