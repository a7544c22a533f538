package channel

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"dev.c0redev.rdlink/internal/crypto"
	"dev.c0redev.rdlink/internal/errs"
	"dev.c0redev.rdlink/internal/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type events struct {
	created   chan Endpoint
	destroyed chan uint32
}

func newEvents() *events {
	return &events{created: make(chan Endpoint, 64), destroyed: make(chan uint32, 64)}
}

func (e *events) handler() Handler {
	return HandlerFuncs{
		OnCreate:  func(ep Endpoint) { e.created <- ep },
		OnDestroy: func(id uint32, _ proto.ChannelType) { e.destroyed <- id },
	}
}

func (e *events) nextCreated(t *testing.T) Endpoint {
	t.Helper()
	select {
	case ep := <-e.created:
		return ep
	case <-time.After(5 * time.Second):
		t.Fatal("no create event")
	}
	return nil
}

func (e *events) nextDestroyed(t *testing.T) uint32 {
	t.Helper()
	select {
	case id := <-e.destroyed:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("no destroy event")
	}
	return 0
}

func managers(t *testing.T) (*Manager, *events, *Manager, *events) {
	t.Helper()
	keys, err := crypto.NewSessionKeys(nil)
	require.NoError(t, err)
	ca, cb := net.Pipe()
	sa, err := proto.NewSecureConn(ca, keys, true)
	require.NoError(t, err)
	sb, err := proto.NewSecureConn(cb, keys, false)
	require.NoError(t, err)
	ea, eb := newEvents(), newEvents()
	a := New(sa, true, ea.handler())
	b := New(sb, false, eb.handler())
	t.Cleanup(func() {
		a.Abort()
		b.Abort()
	})
	return a, ea, b, eb
}

func recv(t *testing.T, r *Receiver) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, err := r.Recv(ctx)
	require.NoError(t, err)
	return p
}

func TestChannelIDParity(t *testing.T) {
	a, ea, b, eb := managers(t)
	var prev uint32
	for i := 0; i < 5; i++ {
		r, err := a.CreateRead(proto.ChannelVideo)
		require.NoError(t, err)
		assert.Zero(t, r.ID()%2)
		assert.Greater(t, r.ID(), prev)
		prev = r.ID()
		assert.Equal(t, r.ID(), eb.nextCreated(t).ChannelID())
	}
	assert.Equal(t, uint32(10), prev)

	prev = 1
	for i := 0; i < 5; i++ {
		s, err := b.CreateWrite(proto.ChannelMouse)
		require.NoError(t, err)
		assert.Equal(t, uint32(1), s.ID()%2)
		assert.Greater(t, s.ID(), prev)
		prev = s.ID()
		assert.Equal(t, s.ID(), ea.nextCreated(t).ChannelID())
	}
	assert.Equal(t, uint32(11), prev)
}

func TestDuplexChannel(t *testing.T) {
	a, _, _, eb := managers(t)
	s, r, err := a.CreateDuplex(proto.ChannelVideo)
	require.NoError(t, err)

	ep := eb.nextCreated(t)
	d, ok := ep.(DuplexChannel)
	require.True(t, ok, "got %T", ep)
	assert.Equal(t, s.ID(), d.ChannelID())
	assert.Equal(t, proto.ChannelVideo, d.ChannelType())
	assert.Equal(t, proto.PowerBoth, d.Power())

	require.NoError(t, s.Send([]byte("hello")))
	assert.Equal(t, "hello", string(recv(t, d.Receiver)))
	require.NoError(t, d.Sender.Send([]byte("world")))
	assert.Equal(t, "world", string(recv(t, r)))
}

func TestHalfDuplexChannels(t *testing.T) {
	a, _, _, eb := managers(t)

	r, err := a.CreateRead(proto.ChannelKeyboard)
	require.NoError(t, err)
	rc, ok := eb.nextCreated(t).(ReadChannel)
	require.True(t, ok)
	assert.Equal(t, proto.PowerRead, rc.Power())
	require.NoError(t, rc.Sender.Send([]byte("key")))
	assert.Equal(t, "key", string(recv(t, r)))

	s, err := a.CreateWrite(proto.ChannelMouse)
	require.NoError(t, err)
	wc, ok := eb.nextCreated(t).(WriteChannel)
	require.True(t, ok)
	assert.Equal(t, proto.ChannelMouse, wc.ChannelType())
	require.NoError(t, s.Send([]byte("move")))
	assert.Equal(t, "move", string(recv(t, wc.Receiver)))
}

func TestChannelOrdering(t *testing.T) {
	a, _, _, eb := managers(t)
	s, err := a.CreateWrite(proto.ChannelVideo)
	require.NoError(t, err)
	wc := eb.nextCreated(t).(WriteChannel)
	for i := 0; i < 100; i++ {
		require.NoError(t, s.Send([]byte(fmt.Sprint(i))))
	}
	for i := 0; i < 100; i++ {
		assert.Equal(t, fmt.Sprint(i), string(recv(t, wc.Receiver)))
	}
}

func TestIsolationUnderDeliveryFailure(t *testing.T) {
	a, _, b, eb := managers(t)
	_, rx, err := a.CreateDuplex(proto.ChannelVideo)
	require.NoError(t, err)
	sy, ry, err := a.CreateDuplex(proto.ChannelKeyboard)
	require.NoError(t, err)
	x := eb.nextCreated(t).(DuplexChannel)
	y := eb.nextCreated(t).(DuplexChannel)

	// nobody reads rx: the queue saturates and x is torn down
	for i := 0; i < QueueDepth+50; i++ {
		_ = x.Sender.Send([]byte{byte(i)})
	}
	assert.Equal(t, rx.ID(), eb.nextDestroyed(t))

	require.NoError(t, y.Sender.Send([]byte("y")))
	assert.Equal(t, "y", string(recv(t, ry)))
	// round trip on y so every Destroy a sent before it has reached b
	require.NoError(t, sy.Send([]byte("ack")))
	assert.Equal(t, "ack", string(recv(t, y.Receiver)))

	select {
	case id := <-eb.destroyed:
		t.Fatalf("second destroy for %d", id)
	default:
	}
	assert.Equal(t, 1, a.Channels())
	assert.Equal(t, 1, b.Channels())
	assert.ErrorIs(t, x.Sender.Send([]byte("late")), errs.ErrChannel)

	n := 0
	for range rx.C() {
		n++
	}
	assert.Equal(t, QueueDepth, n)
}

func TestDestroyPropagates(t *testing.T) {
	a, _, b, eb := managers(t)
	s, err := a.CreateWrite(proto.ChannelMouse)
	require.NoError(t, err)
	wc := eb.nextCreated(t).(WriteChannel)

	require.NoError(t, a.Destroy(s.ID()))
	assert.Equal(t, s.ID(), eb.nextDestroyed(t))
	assert.ErrorIs(t, s.Send([]byte("x")), errs.ErrChannel)
	_, ok := <-wc.Receiver.C()
	assert.False(t, ok)
	assert.Zero(t, b.Channels())
}

func TestReceiverCloseTearsDown(t *testing.T) {
	a, _, b, eb := managers(t)
	r, err := a.CreateRead(proto.ChannelVideo)
	require.NoError(t, err)
	rc := eb.nextCreated(t).(ReadChannel)

	r.Close()
	// the peer's next send discovers the dead queue
	require.NoError(t, rc.Sender.Send([]byte("x")))
	assert.Equal(t, r.ID(), eb.nextDestroyed(t))
	assert.Zero(t, a.Channels())
	assert.Zero(t, b.Channels())
	_, err = r.Recv(context.Background())
	assert.ErrorIs(t, err, errs.ErrChannel)
}

func TestDisconnection(t *testing.T) {
	a, _, b, _ := managers(t)
	_, r, err := a.CreateDuplex(proto.ChannelVideo)
	require.NoError(t, err)

	b.Abort()
	err = a.Wait()
	assert.ErrorIs(t, err, errs.ErrDisconnection)
	assert.NoError(t, b.Wait())
	assert.False(t, a.IsRunning())
	assert.Equal(t, Closed, a.State())

	_, _, err = a.CreateDuplex(proto.ChannelVideo)
	assert.ErrorIs(t, err, errs.ErrDisconnection)
	_, err = r.Recv(context.Background())
	assert.ErrorIs(t, err, errs.ErrDisconnection)
	assert.ErrorIs(t, a.Destroy(r.ID()), errs.ErrDisconnection)
}

func TestCloseSentinel(t *testing.T) {
	a, _, b, eb := managers(t)
	s, err := a.CreateWrite(proto.ChannelVideo)
	require.NoError(t, err)
	wc := eb.nextCreated(t).(WriteChannel)

	// accepting side is reactive
	require.NoError(t, b.Close())
	assert.True(t, b.IsRunning())

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Send([]byte{byte(i)}))
	}
	require.NoError(t, a.Close())
	assert.NoError(t, a.Wait())
	assert.ErrorIs(t, b.Wait(), errs.ErrDisconnection)

	var got []byte
	for p := range wc.Receiver.C() {
		got = append(got, p...)
	}
	assert.Equal(t, []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestUnknownChannelKindRejected(t *testing.T) {
	keys, err := crypto.NewSessionKeys(nil)
	require.NoError(t, err)
	ca, cb := net.Pipe()
	raw, err := proto.NewSecureConn(ca, keys, true)
	require.NoError(t, err)
	sb, err := proto.NewSecureConn(cb, keys, false)
	require.NoError(t, err)
	eb := newEvents()
	b := New(sb, false, eb.handler())
	t.Cleanup(func() {
		b.Abort()
		raw.Close()
	})

	for i, env := range []proto.Envelope{
		{ID: 2, Control: proto.ControlCreate, Type: proto.ChannelVideo, Power: 7},
		{ID: 4, Control: proto.ControlCreate, Type: 9, Power: proto.PowerBoth},
	} {
		msg, err := proto.Marshal(&env)
		require.NoError(t, err)
		require.NoError(t, raw.WriteMessage(msg), "envelope %d", i)

		reply, err := raw.ReadMessage()
		require.NoError(t, err)
		var got proto.Envelope
		require.NoError(t, proto.Unmarshal(reply, &got))
		assert.Equal(t, proto.ControlDestroy, got.Control)
		assert.Equal(t, env.ID, got.ID)
	}
	assert.Empty(t, eb.created)
	assert.Zero(t, b.Channels())
	assert.True(t, b.IsRunning())
}
