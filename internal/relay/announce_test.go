package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.c0redev.rdlink/internal/crypto"
	"dev.c0redev.rdlink/internal/server/api"
	"dev.c0redev.rdlink/internal/store"
)

func TestAnnounceToDirectory(t *testing.T) {
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()
	opID, err := db.CreateOperator("ops", "x")
	require.NoError(t, err)
	tok, err := db.CreateToken(opID)
	require.NoError(t, err)

	mux := http.NewServeMux()
	api.New(db, nil).Mount(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	der, err := crypto.MarshalPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	a := &Announcer{ServerURL: ts.URL, Token: tok, Name: "eu-1", Addr: "203.0.113.5:21117", PubKey: der}
	require.NoError(t, a.Announce(context.Background(), 3))

	relays, err := db.ListRelays()
	require.NoError(t, err)
	require.Len(t, relays, 1)
	assert.Equal(t, "eu-1", relays[0].Name)
	assert.Equal(t, "203.0.113.5:21117", relays[0].Addr)
	assert.Equal(t, der, relays[0].PubKey)
	assert.Equal(t, 3, relays[0].ActivePairs)

	bad := *a
	bad.Token = "nope"
	err = bad.Announce(context.Background(), 0)
	assert.EqualError(t, err, "directory returned 401")

	// Run announces immediately, then on every tick
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	calls := make(chan int, 16)
	go func() {
		defer close(done)
		a.Run(ctx, 20*time.Millisecond, func() int {
			select {
			case calls <- 1:
			default:
			}
			return 7
		})
	}()
	for i := 0; i < 2; i++ {
		select {
		case <-calls:
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not announce")
		}
	}
	cancel()
	<-done
	relays, _ = db.ListRelays()
	assert.Equal(t, 7, relays[0].ActivePairs)
}
