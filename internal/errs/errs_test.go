package errs

import (
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMatchesByKind(t *testing.T) {
	err := New(KindLogin, "too many attempts")
	assert.True(t, errors.Is(err, ErrLogin))
	assert.False(t, errors.Is(err, ErrPeer))

	wrapped := fmt.Errorf("handshake: %w", err)
	assert.True(t, errors.Is(wrapped, ErrLogin))
	assert.Equal(t, KindLogin, KindOf(wrapped))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindDecrypt, cause, "server hello")
	require.Error(t, err)
	assert.True(t, errors.Is(err, cause))
	assert.True(t, errors.Is(err, ErrDecrypt))
	assert.Equal(t, "decrypt: server hello: boom", err.Error())
	assert.NoError(t, Wrap(KindIO, nil, "x"))
}

func TestFromIO(t *testing.T) {
	assert.True(t, errors.Is(FromIO(io.EOF), ErrDisconnection))
	assert.True(t, errors.Is(FromIO(io.ErrUnexpectedEOF), ErrDisconnection))
	assert.True(t, errors.Is(FromIO(net.ErrClosed), ErrDisconnection))
	assert.True(t, errors.Is(FromIO(errors.New("reset")), ErrIO))
	orig := New(KindInvalidData, "bad sentinel")
	assert.Same(t, orig, FromIO(orig))
	assert.Nil(t, FromIO(nil))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "server key not match", KindServerKeyNotMatch.String())
	assert.Equal(t, "kind(200)", Kind(200).String())
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}
