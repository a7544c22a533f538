package directory

import (
	"context"
	"crypto/rsa"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.c0redev.rdlink/internal/crypto"
	"dev.c0redev.rdlink/internal/errs"
	"dev.c0redev.rdlink/internal/proto"
	"dev.c0redev.rdlink/internal/rendezvous"
	"dev.c0redev.rdlink/internal/server/auth"
	"dev.c0redev.rdlink/internal/store"
	"dev.c0redev.rdlink/internal/transport"
)

var (
	keyOnce sync.Once
	keys    [3]*rsa.PrivateKey
)

func testKey(t *testing.T, i int) []byte {
	t.Helper()
	keyOnce.Do(func() {
		for j := range keys {
			k, err := crypto.GenerateKey()
			if err != nil {
				panic(err)
			}
			keys[j] = k
		}
	})
	der, err := crypto.MarshalPublicKey(&keys[i].PublicKey)
	require.NoError(t, err)
	return der
}

type fixture struct {
	db   *store.DB
	srv  *Server
	addr string
}

func start(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := New(db, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return")
		}
	})
	return &fixture{db: db, srv: srv, addr: ln.Addr().String()}
}

type events struct {
	server  chan *proto.RelayResponse
	client  chan *proto.RelayResponse
	notices chan rendezvous.Notice
}

func newEvents() *events {
	return &events{
		server:  make(chan *proto.RelayResponse, 4),
		client:  make(chan *proto.RelayResponse, 4),
		notices: make(chan rendezvous.Notice, 4),
	}
}

func (e *events) handler() rendezvous.Handler {
	return rendezvous.HandlerFuncs{
		OnServerRelay: func(r *proto.RelayResponse) { e.server <- r },
		OnClientRelay: func(r *proto.RelayResponse) { e.client <- r },
		OnError:       func(n rendezvous.Notice) { e.notices <- n },
	}
}

// join runs a rendezvous client for id until the test ends.
func (f *fixture) join(t *testing.T, id string, key int, serverKey string, ev *events) *rendezvous.Client {
	t.Helper()
	var h rendezvous.Handler
	if ev != nil {
		h = ev.handler()
	}
	c := rendezvous.New(rendezvous.Registration{UserID: id, ServerKey: serverKey, PubKey: testKey(t, key)}, h,
		rendezvous.WithHeartbeat(50*time.Millisecond))
	conn, err := net.Dial("tcp", f.addr)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx, conn)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool {
		for _, o := range f.srv.Online() {
			if o == id {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	return c
}

func register(t *testing.T, addr, id, serverKey string, key []byte) error {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	c := rendezvous.New(rendezvous.Registration{UserID: id, ServerKey: serverKey, PubKey: key}, nil)
	return c.Register(conn)
}

func addRelay(t *testing.T, db *store.DB, name string) []byte {
	t.Helper()
	der := testKey(t, 2)
	require.NoError(t, db.UpsertRelay(name, "127.0.0.1:21117", der, 0))
	return der
}

func TestRegister(t *testing.T) {
	hash, err := auth.HashPassword("sk")
	require.NoError(t, err)
	f := start(t, WithServerKeyHash(hash))

	assert.ErrorIs(t, register(t, f.addr, "alpha", "wrong", testKey(t, 0)), errs.ErrServerKeyNotMatch)
	assert.ErrorIs(t, register(t, f.addr, "alpha", "sk", []byte("junk")), errs.ErrMessage)
	assert.ErrorIs(t, register(t, f.addr, "", "sk", testKey(t, 0)), errs.ErrMessage)

	f.join(t, "alpha", 0, "sk", nil)
	p, err := f.db.PeerByUserID("alpha")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, testKey(t, 0), p.PubKey)

	assert.ErrorIs(t, register(t, f.addr, "alpha", "sk", testKey(t, 1)), errs.ErrIDRepeat)
	assert.Equal(t, []string{"alpha"}, f.srv.Online())
}

func TestConnectAllocatesRelay(t *testing.T) {
	f := start(t)
	relayKey := addRelay(t, f.db, "r1")
	ea, eb := newEvents(), newEvents()
	alpha := f.join(t, "alpha", 0, "", ea)
	f.join(t, "beta", 1, "", eb)

	require.NoError(t, alpha.Connect(context.Background(), "beta"))

	var granted, incoming *proto.RelayResponse
	select {
	case granted = <-ea.client:
	case <-time.After(5 * time.Second):
		t.Fatal("requester got no relay")
	}
	select {
	case incoming = <-eb.server:
	case <-time.After(5 * time.Second):
		t.Fatal("target got no relay")
	}

	assert.Equal(t, "beta", granted.PeerID)
	assert.False(t, granted.IsControl)
	assert.Equal(t, testKey(t, 1), granted.PeerPubKey)
	assert.Equal(t, "127.0.0.1:21117", granted.RelayAddr)
	assert.Equal(t, relayKey, granted.RelayPubKey)

	assert.Equal(t, "alpha", incoming.PeerID)
	assert.True(t, incoming.IsControl)
	assert.Equal(t, granted.RelayID, incoming.RelayID)
	assert.NotEmpty(t, incoming.RelayID)

	require.Eventually(t, func() bool {
		list, err := f.db.RecentSessions(10)
		return err == nil && len(list) == 1
	}, 5*time.Second, 10*time.Millisecond)
	list, _ := f.db.RecentSessions(10)
	assert.Equal(t, granted.RelayID, list[0].RelayID)
	assert.Equal(t, "r1", list[0].RelayName)
	assert.Equal(t, "alpha", list[0].FromUser)
	assert.Equal(t, "beta", list[0].ToUser)
}

func TestConnectRefusals(t *testing.T) {
	f := start(t)
	ea := newEvents()
	alpha := f.join(t, "alpha", 0, "", ea)
	f.join(t, "beta", 1, "", nil)

	next := func() rendezvous.Notice {
		t.Helper()
		select {
		case n := <-ea.notices:
			return n
		case <-time.After(5 * time.Second):
			t.Fatal("no notice")
		}
		return rendezvous.Notice{}
	}

	require.NoError(t, alpha.Connect(context.Background(), "ghost"))
	n := next()
	assert.Equal(t, rendezvous.NoticePeerOffline, n.Code)
	assert.Equal(t, "ghost", n.PeerID)

	// no relay registered
	require.NoError(t, alpha.Connect(context.Background(), "beta"))
	n = next()
	assert.Equal(t, rendezvous.NoticeMessage, n.Code)
	assert.Contains(t, n.Message, "no relay")

	require.NoError(t, alpha.Connect(context.Background(), "alpha"))
	n = next()
	assert.Equal(t, rendezvous.NoticeMessage, n.Code)
	assert.Empty(t, ea.client)
}

func TestDisconnectGoesOffline(t *testing.T) {
	f := start(t, WithIdleTimeout(time.Second))
	conn, err := net.Dial("tcp", f.addr)
	require.NoError(t, err)
	c := rendezvous.New(rendezvous.Registration{UserID: "alpha", PubKey: testKey(t, 0)}, nil)
	require.NoError(t, c.Register(conn))
	assert.Equal(t, []string{"alpha"}, f.srv.Online())

	// silent peer: idle timeout drops it
	require.Eventually(t, func() bool { return len(f.srv.Online()) == 0 }, 5*time.Second, 20*time.Millisecond)
	conn.Close()

	// same id may register again
	require.NoError(t, register(t, f.addr, "alpha", "", testKey(t, 0)))
}

func TestServeTLS(t *testing.T) {
	cert, _, _, err := transport.SelfSignedCert("127.0.0.1")
	require.NoError(t, err)
	ln, err := transport.ListenTLS("127.0.0.1:0", transport.ServerTLS(cert))
	require.NoError(t, err)
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()
	srv := New(db)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	conn, err := transport.DialTLS(context.Background(), ln.Addr().String(), transport.ClientTLS(true, ""))
	require.NoError(t, err)
	c := rendezvous.New(rendezvous.Registration{UserID: "alpha", PubKey: testKey(t, 0)}, nil)
	require.NoError(t, c.Register(conn))
	assert.Equal(t, []string{"alpha"}, srv.Online())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	conn.Close()
}
