package channel

import (
	"context"
	"sync"

	"dev.c0redev.rdlink/internal/errs"
	"dev.c0redev.rdlink/internal/proto"
)

// Endpoint: the local handles for one channel. The concrete type tells which
// side reads: ReadChannel, WriteChannel or DuplexChannel.
type Endpoint interface {
	ChannelID() uint32
	ChannelType() proto.ChannelType
	Power() proto.ChannelPower
}

// ReadChannel: the creator reads, so this side only gets a Sender.
type ReadChannel struct {
	Sender *Sender
}

// WriteChannel: the creator writes, so this side only gets a Receiver.
type WriteChannel struct {
	Receiver *Receiver
}

// DuplexChannel: both directions.
type DuplexChannel struct {
	Sender   *Sender
	Receiver *Receiver
}

func (c ReadChannel) ChannelID() uint32 { return c.Sender.id }
func (c ReadChannel) ChannelType() proto.ChannelType { return c.Sender.typ }
func (c ReadChannel) Power() proto.ChannelPower { return proto.PowerRead }
func (c WriteChannel) ChannelID() uint32 { return c.Receiver.id }
func (c WriteChannel) ChannelType() proto.ChannelType { return c.Receiver.typ }
func (c WriteChannel) Power() proto.ChannelPower { return proto.PowerWrite }
func (c DuplexChannel) ChannelID() uint32 { return c.Sender.id }
func (c DuplexChannel) ChannelType() proto.ChannelType { return c.Sender.typ }
func (c DuplexChannel) Power() proto.ChannelPower { return proto.PowerBoth }

// record: one entry of the id map. q is nil when this side only sends on the id.
type record struct {
	id  uint32
	typ proto.ChannelType

	mu     sync.Mutex
	q      chan []byte
	closed bool
}

func newRecord(id uint32, typ proto.ChannelType, recv bool) *record {
	r := &record{id: id, typ: typ}
	if recv {
		r.q = make(chan []byte, QueueDepth)
	}
	return r
}

// deliver never blocks; false means full, closed or send-only.
func (r *record) deliver(p []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.q == nil {
		return false
	}
	select {
	case r.q <- p:
		return true
	default:
		return false
	}
}

func (r *record) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	if r.q != nil {
		close(r.q)
	}
}

// Sender writes application bytes into one channel.
type Sender struct {
	m   *Manager
	id  uint32
	typ proto.ChannelType
}

func (s *Sender) ID() uint32 { return s.id }

func (s *Sender) Type() proto.ChannelType { return s.typ }

// Send wraps p in a Data envelope and queues it for the writer.
func (s *Sender) Send(p []byte) error {
	if !s.m.usable.Load() {
		return errDisconnected
	}
	if _, ok := s.m.channels.Load(s.id); !ok {
		return errs.New(errs.KindChannel, "channel %d destroyed", s.id)
	}
	b, err := proto.Marshal(&proto.Envelope{ID: s.id, Control: proto.ControlData, Type: s.typ, Data: p})
	if err != nil {
		return err
	}
	return s.m.enqueue(b)
}

// Receiver yields inbound bytes for one channel, in send order.
type Receiver struct {
	m   *Manager
	id  uint32
	typ proto.ChannelType
	rec *record
}

func (r *Receiver) ID() uint32 { return r.id }

func (r *Receiver) Type() proto.ChannelType { return r.typ }

// C is closed once the channel is destroyed or the manager stops.
func (r *Receiver) C() <-chan []byte { return r.rec.q }

// Recv blocks for the next message.
func (r *Receiver) Recv(ctx context.Context) ([]byte, error) {
	select {
	case p, ok := <-r.rec.q:
		if ok {
			return p, nil
		}
		if !r.m.usable.Load() {
			return nil, errDisconnected
		}
		return nil, errs.New(errs.KindChannel, "channel %d destroyed", r.id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops local delivery. The next inbound message for this id tears the
// channel down on both ends.
func (r *Receiver) Close() { r.rec.close() }
