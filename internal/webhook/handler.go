// Package webhook receives the GitHub deliveries for the notice and status
// channels registered on every onboarded repository.
package webhook

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	gogithub "github.com/google/go-github/v66/github"

	"aelita/pkg/github"
)

// maxBodySize bounds a delivery; GitHub caps payloads at 25 MB
const maxBodySize = 25 << 20

// deduplicationWindow is how long delivery IDs are remembered
const deduplicationWindow = time.Hour

// Channel names one of the two webhook endpoints
type Channel string

const (
	ChannelNotice Channel = "notice"
	ChannelStatus Channel = "status"
)

// Events returns the event types the channel subscribes to
func (c Channel) Events() []string {
	switch c {
	case ChannelNotice:
		return []string{github.EventIssueComment, github.EventPullRequest, github.EventTeamAdd}
	case ChannelStatus:
		return []string{github.EventStatus}
	default:
		return nil
	}
}

// Event is one verified delivery
type Event struct {
	Channel    Channel
	Type       string
	DeliveryID string
	Repository string
	// Payload is the go-github event struct for Type, such as
	// *github.IssueCommentEvent
	Payload any
}

// Dispatch receives every verified, deduplicated event
type Dispatch func(ctx context.Context, event *Event)

// Handler verifies and dispatches the deliveries of one channel
type Handler struct {
	channel  Channel
	secret   []byte
	accepts  map[string]bool
	logger   *slog.Logger
	dispatch Dispatch
	now      func() time.Time

	mu         sync.Mutex
	deliveries map[string]time.Time
}

// NewHandler creates the handler for channel. Every delivery must be signed
// with secret.
func NewHandler(channel Channel, secret string, logger *slog.Logger, dispatch Dispatch) (*Handler, error) {
	events := channel.Events()
	if len(events) == 0 {
		return nil, errors.New("webhook: unknown channel " + string(channel))
	}
	if secret == "" {
		return nil, errors.New("webhook: secret is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if dispatch == nil {
		return nil, errors.New("webhook: dispatch callback is required")
	}

	accepts := make(map[string]bool, len(events))
	for _, e := range events {
		accepts[e] = true
	}
	return &Handler{
		channel:    channel,
		secret:     []byte(secret),
		accepts:    accepts,
		logger:     logger.With("channel", string(channel)),
		dispatch:   dispatch,
		now:        time.Now,
		deliveries: make(map[string]time.Time),
	}, nil
}

// ServeHTTP handles a single delivery
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	payload, err := gogithub.ValidatePayload(r, h.secret)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "", http.StatusRequestEntityTooLarge)
			return
		}
		h.logger.Warn("webhook signature rejected", "remote_addr", r.RemoteAddr)
		http.Error(w, "", http.StatusUnauthorized)
		return
	}

	eventType := gogithub.WebHookType(r)
	deliveryID := gogithub.DeliveryID(r)
	if eventType == "" {
		http.Error(w, "", http.StatusBadRequest)
		return
	}

	if deliveryID != "" && h.isDuplicate(deliveryID) {
		h.logger.Debug("duplicate delivery ignored", "event_type", eventType, "delivery_id", deliveryID)
		w.WriteHeader(http.StatusOK)
		return
	}

	if eventType == "ping" {
		h.logger.Info("webhook ping", "delivery_id", deliveryID)
		w.WriteHeader(http.StatusOK)
		return
	}
	if !h.accepts[eventType] {
		h.logger.Debug("unsubscribed event ignored", "event_type", eventType, "delivery_id", deliveryID)
		w.WriteHeader(http.StatusOK)
		return
	}

	parsed, err := gogithub.ParseWebHook(eventType, payload)
	if err != nil {
		h.logger.Error("webhook payload unreadable", "event_type", eventType, "delivery_id", deliveryID, "error", err)
		http.Error(w, "", http.StatusBadRequest)
		return
	}

	event := &Event{
		Channel:    h.channel,
		Type:       eventType,
		DeliveryID: deliveryID,
		Repository: repositoryOf(parsed),
		Payload:    parsed,
	}
	h.logger.Info("webhook received", "event_type", eventType, "delivery_id", deliveryID, "repo", event.Repository)
	h.dispatch(r.Context(), event)

	w.WriteHeader(http.StatusOK)
}

// isDuplicate records deliveryID and reports whether it was already seen
// within the deduplication window
func (h *Handler) isDuplicate(deliveryID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	for id, receivedAt := range h.deliveries {
		if now.Sub(receivedAt) > deduplicationWindow {
			delete(h.deliveries, id)
		}
	}

	if _, seen := h.deliveries[deliveryID]; seen {
		return true
	}
	h.deliveries[deliveryID] = now
	return false
}

func repositoryOf(event any) string {
	if e, ok := event.(interface {
		GetRepo() *gogithub.Repository
	}); ok {
		return e.GetRepo().GetFullName()
	}
	return ""
}

// LogDispatch returns a Dispatch that only logs accepted events
func LogDispatch(logger *slog.Logger) Dispatch {
	return func(_ context.Context, event *Event) {
		logger.Debug("webhook event accepted",
			"channel", string(event.Channel),
			"event_type", event.Type,
			"delivery_id", event.DeliveryID,
			"repo", event.Repository,
		)
	}
}
