package watch

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/applyfeed/internal/applyfeed"
	"github.com/agentworkforce/applyfeed/internal/broadcast"
)

const (
	DefaultPollInterval = 5 * time.Minute
	baseReconnectDelay  = time.Second
	maxReconnectDelay   = 30 * time.Second
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// BackoffDelay is the wait before reconnect attempt n (zero based):
// one second doubled per attempt, capped at thirty seconds.
func BackoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := baseReconnectDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= maxReconnectDelay {
			return maxReconnectDelay
		}
	}
	return delay
}

// Notifier surfaces notifications to the user.
type Notifier interface {
	RequestPermission(ctx context.Context) error
	Show(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to a structured logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) RequestPermission(context.Context) error {
	return nil
}

func (n LogNotifier) Show(ctx context.Context, notification Notification) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, notification.Message,
		slog.String("record_id", notification.ID),
		slog.String("status", string(notification.Record.Status)),
	)
	return nil
}

type AgentOptions struct {
	Dialer       Dialer
	Lister       RecordLister
	Inbox        *Inbox
	Notifier     Notifier
	PollInterval time.Duration
	// NotifyBacklog raises notifications for every record found by the first
	// poll of an empty inbox instead of only recording them as seen.
	NotifyBacklog bool
	Logger        *slog.Logger
}

// Agent keeps a live-update connection open, reconnecting with backoff, and
// polls the record list to catch anything the stream missed.
type Agent struct {
	dialer        Dialer
	lister        RecordLister
	inbox         *Inbox
	notifier      Notifier
	pollInterval  time.Duration
	notifyBacklog bool
	logger        *slog.Logger

	state      atomic.Int32
	permission sync.Once
	pollMu     sync.Mutex
	wait       func(ctx context.Context, d time.Duration) error
}

func NewAgent(opts AgentOptions) (*Agent, error) {
	if opts.Dialer == nil && opts.Lister == nil {
		return nil, errors.New("watch agent needs a dialer or a record lister")
	}
	if opts.Inbox == nil {
		inbox, err := NewInbox("")
		if err != nil {
			return nil, err
		}
		opts.Inbox = inbox
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = LogNotifier{Logger: opts.Logger}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Agent{
		dialer:        opts.Dialer,
		lister:        opts.Lister,
		inbox:         opts.Inbox,
		notifier:      opts.Notifier,
		pollInterval:  opts.PollInterval,
		notifyBacklog: opts.NotifyBacklog,
		logger:        opts.Logger,
		wait:          waitWithContext,
	}, nil
}

func (a *Agent) State() State {
	return State(a.state.Load())
}

func (a *Agent) Inbox() *Inbox {
	return a.inbox
}

func (a *Agent) setState(state State) {
	if State(a.state.Swap(int32(state))) != state {
		a.logger.Debug("live connection state", slog.String("state", state.String()))
	}
}

// Run blocks until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	if a.dialer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.runLive(ctx)
		}()
	}
	if a.lister != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.runPoller(ctx)
		}()
	}
	wg.Wait()
	return nil
}

func (a *Agent) runLive(ctx context.Context) {
	defer a.setState(StateDisconnected)
	attempt := 0
	for ctx.Err() == nil {
		a.setState(StateConnecting)
		stream, err := a.dialer.Dial(ctx)
		if err == nil {
			a.setState(StateConnected)
			attempt = 0
			a.ensurePermission(ctx)
			err = a.consume(ctx, stream)
			_ = stream.Close()
		}
		a.setState(StateDisconnected)
		if ctx.Err() != nil {
			return
		}
		delay := BackoffDelay(attempt)
		attempt++
		a.logger.Warn("live connection lost",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", delay),
		)
		if a.wait(ctx, delay) != nil {
			return
		}
	}
}

func (a *Agent) consume(ctx context.Context, stream Stream) error {
	for {
		event, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, broadcast.ErrInvalidEvent) {
				a.logger.Warn("skipping malformed live event", slog.Any("error", err))
				continue
			}
			return err
		}
		a.HandleEvent(ctx, event)
	}
}

// HandleEvent applies one live-update event. Only new_email events produce
// notifications.
func (a *Agent) HandleEvent(ctx context.Context, event broadcast.Event) {
	switch event.Type {
	case broadcast.TypeNewEmail:
		if event.Record == nil {
			return
		}
		notification, added, err := a.inbox.Offer(*event.Record)
		a.deliver(ctx, notification, added, err)
	case broadcast.TypeConnected, broadcast.TypeHeartbeat:
	default:
		a.logger.Debug("ignoring live event", slog.String("type", string(event.Type)))
	}
}

func (a *Agent) ensurePermission(ctx context.Context) {
	a.permission.Do(func() {
		if err := a.notifier.RequestPermission(ctx); err != nil {
			a.logger.Warn("notification permission request failed", slog.Any("error", err))
		}
	})
}

func (a *Agent) deliver(ctx context.Context, notification Notification, added bool, err error) {
	if err != nil {
		a.logger.Warn("persist notification state failed", slog.Any("error", err))
	}
	if !added {
		return
	}
	if err := a.notifier.Show(ctx, notification); err != nil {
		a.logger.Warn("show notification failed", slog.String("record_id", notification.ID), slog.Any("error", err))
	}
}

func (a *Agent) runPoller(ctx context.Context) {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()
	for {
		if _, err := a.PollOnce(ctx); err != nil && ctx.Err() == nil {
			a.logger.Warn("poll failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PollOnce fetches the full record list and admits anything dated after the
// newest date known when the poll started. It returns the number of new
// notifications.
func (a *Agent) PollOnce(ctx context.Context) (int, error) {
	if a.lister == nil {
		return 0, nil
	}
	a.pollMu.Lock()
	defer a.pollMu.Unlock()

	threshold, hasThreshold := a.inbox.Newest()
	firstRun := !a.inbox.Baselined()
	records, err := a.lister.ListRecords(ctx)
	if err != nil {
		return 0, err
	}
	if firstRun && !a.notifyBacklog {
		if err := a.inbox.Seed(records); err != nil {
			return 0, err
		}
		a.logger.Info("seeded notification inbox", slog.Int("records", len(records)))
		return 0, nil
	}

	sortRecordsByDate(records)
	added := 0
	for _, record := range records {
		notification, ok, offerErr := a.inbox.OfferSince(record, threshold, hasThreshold)
		if ok {
			added++
		}
		a.deliver(ctx, notification, ok, offerErr)
	}
	if added > 0 {
		a.logger.Info("poll found missed records", slog.Int("count", added))
	}
	return added, nil
}

// sortRecordsByDate orders records oldest first so the inbox ends newest
// first. Undated records keep their relative order at the front.
func sortRecordsByDate(records []applyfeed.ApplicationRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		left, lok := records[i].DateTime()
		right, rok := records[j].DateTime()
		switch {
		case !lok && !rok:
			return false
		case !lok:
			return true
		case !rok:
			return false
		default:
			return left.Before(right)
		}
	})
}
