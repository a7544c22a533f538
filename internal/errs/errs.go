// Package errs: shared failure vocabulary for codec, handshake, multiplexer and rendezvous.
package errs

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Kind classifies a failure.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindMessage
	KindRelay
	KindPeer
	KindInvalidData
	KindCipherInit
	KindDecrypt
	KindEncrypt
	KindLogin
	KindChannel
	KindIO
	KindIDRepeat
	KindServerKeyNotMatch
	KindDisconnection
)

var kindNames = [...]string{
	"unknown", "message", "relay", "peer", "invalid data", "cipher init",
	"decrypt", "encrypt", "login", "channel", "io", "id repeat",
	"server key not match", "disconnection",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Error: kind + optional message + optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrLogin) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg)
}

// Sentinels for errors.Is.
var (
	ErrMessage           = &Error{Kind: KindMessage}
	ErrRelay             = &Error{Kind: KindRelay}
	ErrPeer              = &Error{Kind: KindPeer}
	ErrInvalidData       = &Error{Kind: KindInvalidData}
	ErrCipherInit        = &Error{Kind: KindCipherInit}
	ErrDecrypt           = &Error{Kind: KindDecrypt}
	ErrEncrypt           = &Error{Kind: KindEncrypt}
	ErrLogin             = &Error{Kind: KindLogin}
	ErrChannel           = &Error{Kind: KindChannel}
	ErrIO                = &Error{Kind: KindIO}
	ErrIDRepeat          = &Error{Kind: KindIDRepeat}
	ErrServerKeyNotMatch = &Error{Kind: KindServerKeyNotMatch}
	ErrDisconnection     = &Error{Kind: KindDisconnection}
)

// New returns an *Error of kind k with a formatted message.
func New(k Kind, format string, args ...interface{}) error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind k and msg to err. A nil err stays nil.
func Wrap(k Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Msg: msg, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// FromIO maps transport errors: closed/EOF -> Disconnection, else IO. Already
// classified errors pass through.
func FromIO(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if IsClosed(err) {
		return &Error{Kind: KindDisconnection, Err: err}
	}
	return &Error{Kind: KindIO, Err: err}
}

// IsClosed true if err means the peer or the local side closed the stream.
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
