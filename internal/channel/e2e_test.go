package channel

import (
	"context"
	"math/rand"
	"net"
	"testing"
	"time"

	"dev.c0redev.rdlink/internal/crypto"
	"dev.c0redev.rdlink/internal/handshake"
	"dev.c0redev.rdlink/internal/proto"
	"dev.c0redev.rdlink/internal/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndToEndThroughRelay(t *testing.T) {
	relayKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	bobKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := relay.NewServer(relayKey, relay.WithRand(func() (uint64, error) { return 0x1122334455667788, nil }))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	go srv.Serve(ctx, ln)

	info := handshake.RelayInfo{ID: "e2e", Addr: ln.Addr().String(), PubKey: &relayKey.PublicKey}
	alice := &handshake.Initiator{
		MyID:     "alice",
		PeerID:   "bob",
		PeerKey:  &bobKey.PublicKey,
		Prompter: handshake.StaticPassword("hunter2"),
		Rand:     rand.New(rand.NewSource(1)),
	}
	bob := &handshake.Acceptor{
		MyID:       "bob",
		PeerID:     "alice",
		PrivateKey: bobKey,
		Password:   "hunter2",
		Rand:       rand.New(rand.NewSource(2)),
	}

	accepted := make(chan *handshake.Session, 1)
	go func() {
		s, err := handshake.Accept(ctx, info, bob)
		assert.NoError(t, err)
		accepted <- s
	}()
	sa, err := handshake.Connect(ctx, info, alice)
	require.NoError(t, err)
	sb := <-accepted
	require.NotNil(t, sb)
	assert.Equal(t, sa.Keys(), sb.Keys())

	created := make(chan Endpoint, 1)
	ma := New(sa, true, nil)
	mb := New(sb, false, HandlerFuncs{OnCreate: func(ep Endpoint) { created <- ep }})
	defer mb.Abort()

	s, _, err := ma.CreateDuplex(proto.ChannelVideo)
	require.NoError(t, err)
	var ep Endpoint
	select {
	case ep = <-created:
	case <-ctx.Done():
		t.Fatal("no channel on bob")
	}
	d := ep.(DuplexChannel)
	require.NoError(t, s.Send([]byte("hello")))
	p, err := d.Receiver.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), p)

	require.NoError(t, ma.Close())
	assert.NoError(t, ma.Wait())
	assert.Error(t, mb.Wait())
}
