package watch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/applyfeed/internal/applyfeed"
	"github.com/agentworkforce/applyfeed/internal/broadcast"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingNotifier struct {
	mu          sync.Mutex
	permissions int
	shown       []Notification
	ch          chan Notification
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{ch: make(chan Notification, 16)}
}

func (n *recordingNotifier) RequestPermission(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.permissions++
	return nil
}

func (n *recordingNotifier) Show(_ context.Context, notification Notification) error {
	n.mu.Lock()
	n.shown = append(n.shown, notification)
	n.mu.Unlock()
	n.ch <- notification
	return nil
}

func (n *recordingNotifier) snapshot() (int, []Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.permissions, append([]Notification(nil), n.shown...)
}

type scriptedStream struct {
	events []broadcast.Event
	errs   []error
	closed bool
}

func (s *scriptedStream) Next(context.Context) (broadcast.Event, error) {
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return broadcast.Event{}, err
		}
	}
	if len(s.events) == 0 {
		return broadcast.Event{}, io.ErrUnexpectedEOF
	}
	event := s.events[0]
	s.events = s.events[1:]
	return event, nil
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

// scriptedDialer returns each entry in turn; a nil stream means the dial
// fails. Once exhausted it cancels the run.
type scriptedDialer struct {
	mu      sync.Mutex
	streams []*scriptedStream
	dials   int
	cancel  context.CancelFunc
}

func (d *scriptedDialer) Dial(ctx context.Context) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.streams) == 0 {
		d.cancel()
		return nil, ctx.Err()
	}
	next := d.streams[0]
	d.streams = d.streams[1:]
	if next == nil {
		return nil, errors.New("connection refused")
	}
	return next, nil
}

type staticLister struct {
	mu      sync.Mutex
	records []applyfeed.ApplicationRecord
	err     error
	calls   int
}

func (l *staticLister) set(records ...applyfeed.ApplicationRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = records
}

func (l *staticLister) ListRecords(context.Context) ([]applyfeed.ApplicationRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return append([]applyfeed.ApplicationRecord(nil), l.records...), nil
}

func TestBackoffDelay(t *testing.T) {
	cases := map[int]time.Duration{
		-1: time.Second,
		0:  time.Second,
		1:  2 * time.Second,
		2:  4 * time.Second,
		3:  8 * time.Second,
		4:  16 * time.Second,
		5:  30 * time.Second,
		12: 30 * time.Second,
		80: 30 * time.Second,
	}
	for attempt, want := range cases {
		assert.Equal(t, want, BackoffDelay(attempt), "attempt %d", attempt)
	}
}

func TestAgentReconnectsWithBackoffAndDeduplicates(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	recA := record("a", "2026-03-01T10:00:00Z")
	recB := record("b", "2026-03-02T10:00:00Z")
	first := &scriptedStream{events: []broadcast.Event{
		broadcast.Connected(time.Now()),
		broadcast.NewRecord(recA),
		broadcast.Heartbeat(time.Now()),
	}}
	second := &scriptedStream{
		events: []broadcast.Event{
			broadcast.Connected(time.Now()),
			broadcast.NewRecord(recA),
			broadcast.NewRecord(recB),
		},
		errs: []error{nil, broadcast.ErrInvalidEvent},
	}
	dialer := &scriptedDialer{streams: []*scriptedStream{nil, nil, first, second}, cancel: cancel}
	notifier := newRecordingNotifier()

	agent, err := NewAgent(AgentOptions{Dialer: dialer, Notifier: notifier, Logger: discardLogger()})
	require.NoError(t, err)
	var delays []time.Duration
	agent.wait = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}

	require.NoError(t, agent.Run(ctx))

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, time.Second, time.Second}, delays)
	assert.Equal(t, 5, dialer.dials)
	assert.True(t, first.closed)
	assert.True(t, second.closed)
	assert.Equal(t, StateDisconnected, agent.State())

	permissions, shown := notifier.snapshot()
	assert.Equal(t, 1, permissions)
	require.Len(t, shown, 2)
	assert.Equal(t, "a", shown[0].ID)
	assert.Equal(t, "b", shown[1].ID)
	assert.Equal(t, 2, agent.Inbox().UnreadCount())
}

func TestHandleEventIgnoresNonRecordEvents(t *testing.T) {
	notifier := newRecordingNotifier()
	agent, err := NewAgent(AgentOptions{Lister: &staticLister{}, Notifier: notifier, Logger: discardLogger()})
	require.NoError(t, err)

	agent.HandleEvent(context.Background(), broadcast.Heartbeat(time.Now()))
	agent.HandleEvent(context.Background(), broadcast.Event{Type: broadcast.TypeNewEmail})
	agent.HandleEvent(context.Background(), broadcast.Event{Type: "something_else"})

	_, shown := notifier.snapshot()
	assert.Empty(t, shown)
}

func TestPollOnceSeedsThenCatchesUp(t *testing.T) {
	lister := &staticLister{}
	lister.set(record("a", "2026-03-01T10:00:00Z"))
	notifier := newRecordingNotifier()
	agent, err := NewAgent(AgentOptions{Lister: lister, Notifier: notifier, Logger: discardLogger()})
	require.NoError(t, err)
	ctx := context.Background()

	added, err := agent.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, added, "first poll of an empty inbox only records a baseline")

	lister.set(
		record("c", "2026-03-03T10:00:00Z"),
		record("a", "2026-03-01T10:00:00Z"),
		record("b", "2026-03-02T10:00:00Z"),
	)
	added, err = agent.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	recent := agent.Inbox().Recent(DefaultRecentLimit)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].ID)
	assert.Equal(t, "b", recent[1].ID)

	agent.HandleEvent(ctx, broadcast.NewRecord(record("c", "2026-03-03T10:00:00Z")))
	added, err = agent.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, added)
	_, shown := notifier.snapshot()
	assert.Len(t, shown, 2)
}

func TestPollOnceNotifyBacklog(t *testing.T) {
	lister := &staticLister{}
	lister.set(record("a", "2026-03-01T10:00:00Z"), record("b", "2026-03-02T10:00:00Z"))
	agent, err := NewAgent(AgentOptions{Lister: lister, NotifyBacklog: true, Notifier: newRecordingNotifier(), Logger: discardLogger()})
	require.NoError(t, err)

	added, err := agent.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.Equal(t, "b", agent.Inbox().Recent(1)[0].ID)
}

func TestPollOnceReturnsListerError(t *testing.T) {
	lister := &staticLister{err: &HTTPError{StatusCode: 500, Message: "boom"}}
	agent, err := NewAgent(AgentOptions{Lister: lister, Logger: discardLogger()})
	require.NoError(t, err)

	_, err = agent.PollOnce(context.Background())
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, 500, httpErr.StatusCode)
}

func TestNewAgentRequiresASource(t *testing.T) {
	_, err := NewAgent(AgentOptions{})
	assert.Error(t, err)
}
