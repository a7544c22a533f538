// Package channel multiplexes logical channels (video, keyboard, mouse) over
// one encrypted session stream. A writer goroutine drains the outbound queue,
// a reader goroutine routes inbound envelopes by channel id.
package channel

import (
	"sync"
	"sync/atomic"

	"dev.c0redev.rdlink/internal/errs"
	"dev.c0redev.rdlink/internal/proto"
	"github.com/sirupsen/logrus"
)

const (
	// QueueDepth per-channel inbound buffer.
	QueueDepth = 256
	// WriterDepth outbound envelopes waiting for the writer.
	WriterDepth = 1024
)

var errDisconnected = errs.New(errs.KindDisconnection, "channel manager stopped")

// State of the manager.
type State uint32

const (
	Active State = iota
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Stream is the encrypted message stream a Manager owns. *proto.SecureConn
// and handshake.Session satisfy it.
type Stream interface {
	WriteMessage(p []byte) error
	ReadMessage() ([]byte, error)
	Close() error
}

// Handler gets remote-initiated lifecycle events on the reader goroutine.
// Implementations must not block.
type Handler interface {
	ChannelCreated(ep Endpoint)
	ChannelDestroyed(id uint32, t proto.ChannelType)
}

// HandlerFuncs adapts funcs to Handler; nil fields are skipped.
type HandlerFuncs struct {
	OnCreate  func(ep Endpoint)
	OnDestroy func(id uint32, t proto.ChannelType)
}

func (h HandlerFuncs) ChannelCreated(ep Endpoint) {
	if h.OnCreate != nil {
		h.OnCreate(ep)
	}
}

func (h HandlerFuncs) ChannelDestroyed(id uint32, t proto.ChannelType) {
	if h.OnDestroy != nil {
		h.OnDestroy(id, t)
	}
}

// Manager owns the stream and the channel id map.
type Manager struct {
	stream    Stream
	handler   Handler
	initiator bool
	log       *logrus.Entry

	nextID   atomic.Uint32
	channels sync.Map // uint32 -> *record
	out      chan []byte

	usable   atomic.Bool
	state    atomic.Uint32
	closing  atomic.Bool
	stopped  chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	errMu sync.Mutex
	err   error
}

// New starts the reader and writer. initiator selects even ids (control side)
// or odd ids (controlled side). h may be nil.
func New(stream Stream, initiator bool, h Handler) *Manager {
	if h == nil {
		h = HandlerFuncs{}
	}
	m := &Manager{
		stream:    stream,
		handler:   h,
		initiator: initiator,
		log:       logrus.WithFields(logrus.Fields{"component": "channel", "initiator": initiator}),
		out:       make(chan []byte, WriterDepth),
		stopped:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	if !initiator {
		m.nextID.Store(1)
	}
	m.usable.Store(true)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.writeLoop()
	}()
	go func() {
		defer wg.Done()
		m.readLoop()
	}()
	go func() {
		wg.Wait()
		m.channels.Range(func(k, v interface{}) bool {
			m.channels.Delete(k)
			v.(*record).close()
			return true
		})
		m.state.Store(uint32(Closed))
		m.log.WithError(m.Err()).Info("channel manager closed")
		close(m.done)
	}()
	return m
}

// IsRunning false once either worker has stopped.
func (m *Manager) IsRunning() bool { return m.usable.Load() }

func (m *Manager) State() State { return State(m.state.Load()) }

// Done is closed after both workers exit and all receivers are closed.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Err: the failure that stopped the manager; nil after Close/Abort.
func (m *Manager) Err() error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.err
}

// Wait blocks until Done and returns Err.
func (m *Manager) Wait() error {
	<-m.done
	return m.Err()
}

// Close: on the initiating side, queue the close sentinel so everything queued
// before it is written, then the stream is closed. The accepting side is
// reactive and Close is a no-op there; use Abort to drop it.
func (m *Manager) Close() error {
	if !m.initiator || !m.usable.Load() {
		return nil
	}
	select {
	case m.out <- []byte{}:
	case <-m.stopped:
	}
	return nil
}

// Abort closes the transport immediately on either side.
func (m *Manager) Abort() {
	m.closing.Store(true)
	m.stop(nil)
}

// CreateRead opens a channel this side reads from.
func (m *Manager) CreateRead(t proto.ChannelType) (*Receiver, error) {
	_, r, err := m.create(t, proto.PowerRead)
	return r, err
}

// CreateWrite opens a channel this side writes to.
func (m *Manager) CreateWrite(t proto.ChannelType) (*Sender, error) {
	s, _, err := m.create(t, proto.PowerWrite)
	return s, err
}

// CreateDuplex opens a two-way channel.
func (m *Manager) CreateDuplex(t proto.ChannelType) (*Sender, *Receiver, error) {
	return m.create(t, proto.PowerBoth)
}

func (m *Manager) create(t proto.ChannelType, power proto.ChannelPower) (*Sender, *Receiver, error) {
	if !m.usable.Load() {
		return nil, nil, errDisconnected
	}
	id := m.nextID.Add(2)
	rec := newRecord(id, t, power != proto.PowerWrite)
	// register before announcing so the first reply cannot miss
	m.channels.Store(id, rec)
	b, err := proto.Marshal(&proto.Envelope{ID: id, Control: proto.ControlCreate, Type: t, Power: power})
	if err == nil {
		err = m.enqueue(b)
	}
	if err != nil {
		m.channels.Delete(id)
		rec.close()
		return nil, nil, err
	}
	m.log.WithFields(logrus.Fields{"channel": id, "type": t, "power": power}).Debug("channel created")
	s, r := m.handles(rec, power, true)
	return s, r, nil
}

// handles builds the local handles for power; local is true for channels
// this side created, false for the peer's.
func (m *Manager) handles(rec *record, power proto.ChannelPower, local bool) (*Sender, *Receiver) {
	var s *Sender
	var r *Receiver
	send := power == proto.PowerBoth || (local && power == proto.PowerWrite) || (!local && power == proto.PowerRead)
	if send {
		s = &Sender{m: m, id: rec.id, typ: rec.typ}
	}
	if rec.q != nil {
		r = &Receiver{m: m, id: rec.id, typ: rec.typ, rec: rec}
	}
	return s, r
}

// Destroy removes the channel locally and tells the peer.
func (m *Manager) Destroy(id uint32) error {
	v, ok := m.channels.LoadAndDelete(id)
	t := proto.ChannelVideo
	if ok {
		rec := v.(*record)
		rec.close()
		t = rec.typ
	}
	return m.sendDestroy(id, t)
}

// Channels number of live ids.
func (m *Manager) Channels() int {
	n := 0
	m.channels.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

func (m *Manager) sendDestroy(id uint32, t proto.ChannelType) error {
	b, err := proto.Marshal(&proto.Envelope{ID: id, Control: proto.ControlDestroy, Type: t})
	if err != nil {
		return err
	}
	return m.enqueue(b)
}

func (m *Manager) enqueue(b []byte) error {
	if !m.usable.Load() {
		return errDisconnected
	}
	select {
	case m.out <- b:
		return nil
	case <-m.stopped:
		return errDisconnected
	}
}

func (m *Manager) stop(err error) {
	m.stopOnce.Do(func() {
		m.usable.Store(false)
		m.state.CompareAndSwap(uint32(Active), uint32(Closing))
		if err != nil && !m.closing.Load() {
			m.errMu.Lock()
			m.err = err
			m.errMu.Unlock()
		}
		close(m.stopped)
		m.stream.Close()
	})
}

func (m *Manager) writeLoop() {
	for {
		select {
		case b := <-m.out:
			if len(b) == 0 {
				m.log.Info("close requested")
				m.closing.Store(true)
				m.stop(nil)
				return
			}
			if err := m.stream.WriteMessage(b); err != nil {
				m.log.WithError(err).Info("write failed")
				m.stop(err)
				return
			}
		case <-m.stopped:
			return
		}
	}
}

func (m *Manager) readLoop() {
	for {
		b, err := m.stream.ReadMessage()
		if err != nil {
			m.stop(err)
			return
		}
		var env proto.Envelope
		if err := proto.Unmarshal(b, &env); err != nil {
			m.log.WithError(err).Warn("bad envelope")
			m.stop(err)
			return
		}
		m.dispatch(&env)
	}
}

func (m *Manager) dispatch(env *proto.Envelope) {
	log := m.log.WithField("channel", env.ID)
	switch env.Control {
	case proto.ControlCreate:
		if env.ID%2 == m.nextID.Load()%2 {
			log.Warn("peer created an id with our parity")
			_ = m.sendDestroy(env.ID, env.Type)
			return
		}
		if !env.Power.Valid() || !env.Type.Valid() {
			log.WithFields(logrus.Fields{"type": env.Type, "power": env.Power}).Warn("peer created an unknown channel kind")
			_ = m.sendDestroy(env.ID, env.Type)
			return
		}
		rec := newRecord(env.ID, env.Type, env.Power != proto.PowerRead)
		if _, loaded := m.channels.LoadOrStore(env.ID, rec); loaded {
			log.Warn("peer reused a live id")
			_ = m.sendDestroy(env.ID, env.Type)
			return
		}
		s, r := m.handles(rec, env.Power, false)
		var ep Endpoint
		switch env.Power {
		case proto.PowerRead:
			ep = ReadChannel{Sender: s}
		case proto.PowerWrite:
			ep = WriteChannel{Receiver: r}
		case proto.PowerBoth:
			ep = DuplexChannel{Sender: s, Receiver: r}
		}
		log.WithFields(logrus.Fields{"type": env.Type, "power": env.Power}).Debug("peer created channel")
		m.handler.ChannelCreated(ep)
	case proto.ControlDestroy:
		v, ok := m.channels.LoadAndDelete(env.ID)
		if !ok {
			return
		}
		rec := v.(*record)
		rec.close()
		log.Debug("peer destroyed channel")
		m.handler.ChannelDestroyed(env.ID, rec.typ)
	case proto.ControlData:
		v, ok := m.channels.Load(env.ID)
		if ok && v.(*record).deliver(env.Data) {
			return
		}
		t := env.Type
		if ok {
			rec := v.(*record)
			m.channels.CompareAndDelete(env.ID, v)
			rec.close()
			t = rec.typ
			log.Debug("delivery failed, destroying channel")
		}
		_ = m.sendDestroy(env.ID, t)
	default:
		log.WithField("control", env.Control).Warn("unknown control")
	}
}
