package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	gogithub "github.com/google/go-github/v66/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	noticeSecret = "notice-secret"
	statusSecret = "status-secret"
)

const issueCommentPayload = `{"action":"created","issue":{"number":7},"comment":{"body":"r+"},"repository":{"full_name":"alice/one"}}`

type recorder struct {
	mu     sync.Mutex
	events []*Event
}

func (r *recorder) dispatch(_ context.Context, event *Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandler(t *testing.T, channel Channel, secret string) (*Handler, *recorder) {
	t.Helper()
	rec := &recorder{}
	h, err := NewHandler(channel, secret, testLogger(), rec.dispatch)
	require.NoError(t, err)
	return h, rec
}

func sign256(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func signedRequest(secret, eventType, deliveryID, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/github-notice", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(gogithub.SHA256SignatureHeader, sign256(secret, body))
	req.Header.Set(gogithub.EventTypeHeader, eventType)
	if deliveryID != "" {
		req.Header.Set(gogithub.DeliveryIDHeader, deliveryID)
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestNewHandlerValidation(t *testing.T) {
	_, err := NewHandler(Channel("other"), "s", testLogger(), func(context.Context, *Event) {})
	assert.Error(t, err)
	_, err = NewHandler(ChannelNotice, "", testLogger(), func(context.Context, *Event) {})
	assert.Error(t, err)
	_, err = NewHandler(ChannelNotice, "s", testLogger(), nil)
	assert.Error(t, err)
	h, err := NewHandler(ChannelStatus, "s", nil, func(context.Context, *Event) {})
	require.NoError(t, err)
	assert.NotNil(t, h)
}

func TestChannelEvents(t *testing.T) {
	assert.Equal(t, []string{"issue_comment", "pull_request", "team_add"}, ChannelNotice.Events())
	assert.Equal(t, []string{"status"}, ChannelStatus.Events())
	assert.Nil(t, Channel("x").Events())
}

func TestHandlerAcceptsSignedDelivery(t *testing.T) {
	h, rec := newTestHandler(t, ChannelNotice, noticeSecret)

	rr := serve(h, signedRequest(noticeSecret, "issue_comment", "d-1", issueCommentPayload))
	assert.Equal(t, http.StatusOK, rr.Code)

	require.Equal(t, 1, rec.count())
	event := rec.events[0]
	assert.Equal(t, ChannelNotice, event.Channel)
	assert.Equal(t, "issue_comment", event.Type)
	assert.Equal(t, "d-1", event.DeliveryID)
	assert.Equal(t, "alice/one", event.Repository)

	comment, ok := event.Payload.(*gogithub.IssueCommentEvent)
	require.True(t, ok)
	assert.Equal(t, "r+", comment.GetComment().GetBody())
}

func TestHandlerAcceptsLegacySignature(t *testing.T) {
	h, rec := newTestHandler(t, ChannelStatus, statusSecret)
	body := `{"sha":"abc","state":"success","context":"ci","repository":{"full_name":"alice/one"}}`

	mac := hmac.New(sha1.New, []byte(statusSecret))
	mac.Write([]byte(body))
	req := httptest.NewRequest(http.MethodPost, "/github-status", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(gogithub.SHA1SignatureHeader, "sha1="+hex.EncodeToString(mac.Sum(nil)))
	req.Header.Set(gogithub.EventTypeHeader, "status")

	rr := serve(h, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 1, rec.count())
	status, ok := rec.events[0].Payload.(*gogithub.StatusEvent)
	require.True(t, ok)
	assert.Equal(t, "success", status.GetState())
}

func TestHandlerAcceptsFormEncodedDelivery(t *testing.T) {
	h, rec := newTestHandler(t, ChannelNotice, noticeSecret)
	body := url.Values{"payload": {issueCommentPayload}}.Encode()

	req := httptest.NewRequest(http.MethodPost, "/github-notice", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(gogithub.SHA256SignatureHeader, sign256(noticeSecret, body))
	req.Header.Set(gogithub.EventTypeHeader, "issue_comment")

	rr := serve(h, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, rec.count())
}

func TestHandlerRejectsBadSignatures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(req *http.Request)
	}{
		{
			name: "wrong secret",
			mutate: func(req *http.Request) {
				req.Header.Set(gogithub.SHA256SignatureHeader, sign256(statusSecret, issueCommentPayload))
			},
		},
		{
			name: "missing signature",
			mutate: func(req *http.Request) {
				req.Header.Del(gogithub.SHA256SignatureHeader)
			},
		},
		{
			name: "garbage signature",
			mutate: func(req *http.Request) {
				req.Header.Set(gogithub.SHA256SignatureHeader, "sha256=zz")
			},
		},
		{
			name: "unsupported content type",
			mutate: func(req *http.Request) {
				req.Header.Set("Content-Type", "text/plain")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, rec := newTestHandler(t, ChannelNotice, noticeSecret)
			req := signedRequest(noticeSecret, "issue_comment", "d-1", issueCommentPayload)
			tt.mutate(req)

			rr := serve(h, req)
			assert.Equal(t, http.StatusUnauthorized, rr.Code)
			assert.NotContains(t, rr.Body.String(), "signature")
			assert.Zero(t, rec.count())
		})
	}
}

func TestHandlerDeduplicatesDeliveries(t *testing.T) {
	h, rec := newTestHandler(t, ChannelNotice, noticeSecret)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		rr := serve(h, signedRequest(noticeSecret, "issue_comment", "d-1", issueCommentPayload))
		assert.Equal(t, http.StatusOK, rr.Code)
	}
	assert.Equal(t, 1, rec.count())

	serve(h, signedRequest(noticeSecret, "issue_comment", "d-2", issueCommentPayload))
	assert.Equal(t, 2, rec.count())

	now = now.Add(deduplicationWindow + time.Minute)
	serve(h, signedRequest(noticeSecret, "issue_comment", "d-1", issueCommentPayload))
	assert.Equal(t, 3, rec.count(), "delivery IDs expire after the window")
}

func TestHandlerAcknowledgesWithoutDispatch(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		body      string
	}{
		{name: "ping", eventType: "ping", body: `{"zen":"Keep it logically awesome.","hook_id":1}`},
		{name: "unsubscribed event", eventType: "status", body: `{"state":"success"}`},
		{name: "unknown event", eventType: "sponsorship_tier_changed", body: `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, rec := newTestHandler(t, ChannelNotice, noticeSecret)
			rr := serve(h, signedRequest(noticeSecret, tt.eventType, "", tt.body))
			assert.Equal(t, http.StatusOK, rr.Code)
			assert.Zero(t, rec.count())
		})
	}
}

func TestHandlerRejectsMalformedRequests(t *testing.T) {
	h, rec := newTestHandler(t, ChannelNotice, noticeSecret)

	rr := serve(h, httptest.NewRequest(http.MethodGet, "/github-notice", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	rr = serve(h, signedRequest(noticeSecret, "", "d-1", issueCommentPayload))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(h, signedRequest(noticeSecret, "issue_comment", "d-2", `{"action":`))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	assert.Zero(t, rec.count())
}

func TestLogDispatch(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	LogDispatch(logger)(context.Background(), &Event{Channel: ChannelStatus, Type: "status", DeliveryID: "d-9", Repository: "alice/one"})
	assert.Contains(t, buf.String(), "delivery_id=d-9")
	assert.Contains(t, buf.String(), "repo=alice/one")
}
