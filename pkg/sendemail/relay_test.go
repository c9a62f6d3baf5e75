package sendemail

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"hirechat/pkg/events"
	"hirechat/pkg/feed"
)

type mockEmailService struct {
	mock.Mock
}

func (m *mockEmailService) SendEmail(subject, toEmail, plainTextContent, htmlContent string) error {
	args := m.Called(subject, toEmail, plainTextContent, htmlContent)
	return args.Error(0)
}

func TestRelay_SendsOnlyConfiguredTypes(t *testing.T) {
	svc := new(mockEmailService)
	svc.On("SendEmail", mock.MatchedBy(func(subject string) bool {
		return strings.Contains(subject, "New application from Ann")
	}), "hr@example.com", mock.Anything, mock.Anything).Return(nil)

	d := events.NewDispatcher(events.DefaultCapacity, nil)
	relay := NewRelay(svc, "hr@example.com", []string{events.TypeNewApplication}, nil)
	relay.Attach(d)

	d.Dispatch(events.New(events.TypeNewApplication, map[string]any{"candidate_name": "Ann"}, "2026-03-01T09:00:00Z"))
	d.Dispatch(events.New(events.TypeProfileViewed, map[string]any{"viewer": "Kim"}, ""))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool { return relay.Sent() == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	svc.AssertNumberOfCalls(t, "SendEmail", 1)
	require.Zero(t, d.Subscribers(events.TypeNewApplication))
}

func TestRelay_FailureIsCountedNotPropagated(t *testing.T) {
	svc := new(mockEmailService)
	svc.On("SendEmail", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("401"))

	d := events.NewDispatcher(events.DefaultCapacity, nil)
	relay := NewRelay(svc, "hr@example.com", []string{events.TypeAnnouncement}, nil)
	relay.Attach(d)

	require.NotPanics(t, func() {
		d.Dispatch(events.New(events.TypeAnnouncement, map[string]any{"message": "hi"}, ""))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = relay.Run(ctx) }()

	require.Eventually(t, func() bool { return relay.Failed() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Zero(t, relay.Sent())
}

func TestRender_EscapesHTML(t *testing.T) {
	entry := feed.Entry{Icon: "📣", Description: "Announcement from <b>Admin</b>: a & b", Timestamp: "t"}

	subject, text, html := Render(entry)
	require.Equal(t, "📣 Announcement from <b>Admin</b>: a & b", subject)
	require.Equal(t, "Announcement from <b>Admin</b>: a & b\n\nt", text)
	require.Contains(t, html, "&lt;b&gt;Admin&lt;/b&gt;: a &amp; b")
}
