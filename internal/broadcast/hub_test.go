package broadcast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/applyfeed/internal/applyfeed"
)

type fakeConn struct {
	id string

	mu      sync.Mutex
	events  []Event
	fail    bool
	closed  int
	onWrite func()
	onClose func()
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.onWrite != nil {
		c.onWrite()
	}
	if c.fail {
		return errors.New("broken pipe")
	}
	c.events = append(c.events, event)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed++
	onClose := c.onClose
	c.mu.Unlock()
	if onClose != nil {
		onClose()
	}
	return nil
}

func (c *fakeConn) setFail(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = fail
}

func (c *fakeConn) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *fakeConn) Closed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newTestHub(interval time.Duration) *Hub {
	return NewHub(HubOptions{
		HeartbeatInterval: interval,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:               func() time.Time { return time.UnixMilli(1704067200000) },
	})
}

func TestRegisterSendsConnectedEvent(t *testing.T) {
	hub := newTestHub(time.Hour)
	conn := newFakeConn("c1")
	require.NoError(t, hub.Register(conn))

	events := conn.Events()
	require.Len(t, events, 1)
	assert.Equal(t, TypeConnected, events[0].Type)
	assert.Equal(t, int64(1704067200000), events[0].Timestamp)
	assert.Equal(t, 1, hub.Len())
}

func TestRegisterRejectsDeadConnection(t *testing.T) {
	hub := newTestHub(time.Hour)
	conn := newFakeConn("dead")
	conn.setFail(true)

	err := hub.Register(conn)
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, ConnectionWriteFailed, connErr.Kind)
	assert.Equal(t, "dead", connErr.ConnectionID)
	assert.Equal(t, 0, hub.Len())
	assert.Equal(t, 1, conn.Closed())
}

func TestPublishFansOutToEveryMember(t *testing.T) {
	hub := newTestHub(time.Hour)
	const n = 5
	conns := make([]*fakeConn, n)
	for i := range conns {
		conns[i] = newFakeConn(fmt.Sprintf("c%d", i))
		require.NoError(t, hub.Register(conns[i]))
	}

	delivered := hub.Publish(NewRecord(applyfeed.ApplicationRecord{ID: "m1", Status: applyfeed.StatusOffer}))
	assert.Equal(t, n, delivered)
	for _, conn := range conns {
		events := conn.Events()
		require.Len(t, events, 2)
		require.NotNil(t, events[1].Record)
		assert.Equal(t, "m1", events[1].Record.ID)
	}
}

func TestPublishPrunesFailedConnections(t *testing.T) {
	hub := newTestHub(time.Hour)
	healthy := newFakeConn("healthy")
	broken := newFakeConn("broken")
	require.NoError(t, hub.Register(healthy))
	require.NoError(t, hub.Register(broken))

	broken.setFail(true)
	assert.Equal(t, 1, hub.Publish(Heartbeat(time.UnixMilli(1))))
	assert.Equal(t, 1, hub.Len())
	assert.Equal(t, 1, broken.Closed())

	broken.setFail(false)
	assert.Equal(t, 1, hub.Publish(Heartbeat(time.UnixMilli(2))))
	assert.Len(t, broken.Events(), 1, "pruned connection must not receive further writes")
	assert.Len(t, healthy.Events(), 3)
}

func TestSlowCloseDoesNotBlockHub(t *testing.T) {
	hub := newTestHub(time.Hour)
	healthy := newFakeConn("healthy")
	slow := newFakeConn("slow")
	require.NoError(t, hub.Register(healthy))
	require.NoError(t, hub.Register(slow))

	release := make(chan struct{})
	closing := make(chan struct{})
	slow.onClose = func() {
		close(closing)
		<-release
	}
	slow.setFail(true)

	done := make(chan int, 1)
	go func() { done <- hub.Publish(Heartbeat(time.UnixMilli(1))) }()
	<-closing

	assert.Equal(t, 1, hub.Len())
	assert.Equal(t, 1, hub.Publish(Heartbeat(time.UnixMilli(2))))
	require.NoError(t, hub.Register(newFakeConn("late")))

	close(release)
	assert.Equal(t, 1, <-done)
	assert.Equal(t, 1, slow.Closed())
}

func TestPublishDuringRegistrationIsSerialized(t *testing.T) {
	hub := newTestHub(time.Hour)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = hub.Register(newFakeConn(fmt.Sprintf("c%d", i)))
		}(i)
		go func() {
			defer wg.Done()
			hub.Publish(Heartbeat(time.Now()))
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, hub.Len())
}

func TestRemoveClosesConnection(t *testing.T) {
	hub := newTestHub(time.Hour)
	conn := newFakeConn("c1")
	require.NoError(t, hub.Register(conn))

	hub.Remove(conn)
	assert.Equal(t, 0, hub.Len())
	assert.Equal(t, 1, conn.Closed())
	hub.Remove(conn)
	assert.Equal(t, 1, conn.Closed(), "removing twice must not close twice")
	assert.Equal(t, 0, hub.Publish(Heartbeat(time.Now())))
}

func TestRunEmitsHeartbeats(t *testing.T) {
	hub := newTestHub(10 * time.Millisecond)
	conn := newFakeConn("c1")
	require.NoError(t, hub.Register(conn))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	require.Eventually(t, func() bool {
		heartbeats := 0
		for _, event := range conn.Events() {
			if event.Type == TypeHeartbeat {
				heartbeats++
			}
		}
		return heartbeats >= 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestCloseClosesEveryMember(t *testing.T) {
	hub := newTestHub(time.Hour)
	a, b := newFakeConn("a"), newFakeConn("b")
	require.NoError(t, hub.Register(a))
	require.NoError(t, hub.Register(b))
	hub.Close()
	assert.Equal(t, 0, hub.Len())
	assert.Equal(t, 1, a.Closed())
	assert.Equal(t, 1, b.Closed())
}
