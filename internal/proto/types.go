package proto

import (
	"fmt"
	"io"

	"dev.c0redev.rdlink/internal/errs"
	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{MaxArrayElements: 1024, MaxMapPairs: 64}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Marshal CBOR (core deterministic).
func Marshal(v interface{}) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, errs.Wrap(errs.KindMessage, err, "encode")
	}
	return b, nil
}

// Unmarshal CBOR; malformed input is a Message error.
func Unmarshal(b []byte, v interface{}) error {
	if err := decMode.Unmarshal(b, v); err != nil {
		return errs.Wrap(errs.KindMessage, err, fmt.Sprintf("decode %T", v))
	}
	return nil
}

// WriteRecord CBOR-encodes rec as one plaintext frame.
func WriteRecord(w io.Writer, v Variant, rec interface{}) error {
	b, err := Marshal(rec)
	if err != nil {
		return err
	}
	return WriteFrame(w, v, b)
}

// ReadRecord reads one plaintext frame into rec.
func ReadRecord(r io.Reader, v Variant, rec interface{}) error {
	f, err := ReadFrame(r, v)
	if err != nil {
		return err
	}
	return Unmarshal(f.Payload, rec)
}

// RelayJoin: sent RSA-encrypted to the relay (Phase A).
type RelayJoin struct {
	RelayID string `cbor:"1,keyasint"`
	Key     []byte `cbor:"2,keyasint"`
	Nonce   []byte `cbor:"3,keyasint"`
}

// RelayAccept: relay reply sealed under the join key.
type RelayAccept struct {
	Rand uint64 `cbor:"1,keyasint"`
}

// ClientHello: initiator -> acceptor, RSA-encrypted to the acceptor's key.
type ClientHello struct {
	MyID   string `cbor:"1,keyasint"`
	PeerID string `cbor:"2,keyasint"`
	Rand1  uint64 `cbor:"3,keyasint"`
	Rand2  uint64 `cbor:"4,keyasint"`
	Key    []byte `cbor:"5,keyasint"`
	Nonce  []byte `cbor:"6,keyasint"`
}

// ServerHello: acceptor -> initiator, sealed under the ClientHello key.
type ServerHello struct {
	Rand1 uint64 `cbor:"1,keyasint"`
	Rand2 uint64 `cbor:"2,keyasint"`
	Hash  []byte `cbor:"3,keyasint"`
}

// LoginRequest: hash(serverHello.Hash || password || Salt).
type LoginRequest struct {
	PasswordHash []byte `cbor:"1,keyasint"`
	Salt         []byte `cbor:"2,keyasint"`
}

// LoginResult acceptor verdict.
type LoginResult uint8

const (
	LoginSuccess LoginResult = iota
	LoginNotMatch
	LoginFrequently
)

func (r LoginResult) String() string {
	switch r {
	case LoginSuccess:
		return "success"
	case LoginNotMatch:
		return "not match"
	case LoginFrequently:
		return "frequently"
	}
	return fmt.Sprintf("login result %d", uint8(r))
}

// LoginResponse acceptor -> initiator.
type LoginResponse struct {
	Result LoginResult `cbor:"1,keyasint"`
}

// Control multiplexer envelope verb.
type Control uint8

const (
	ControlCreate Control = iota
	ControlDestroy
	ControlData
)

func (c Control) String() string {
	switch c {
	case ControlCreate:
		return "create"
	case ControlDestroy:
		return "destroy"
	case ControlData:
		return "data"
	}
	return fmt.Sprintf("control %d", uint8(c))
}

// ChannelType application payload kind.
type ChannelType uint8

const (
	ChannelVideo ChannelType = iota
	ChannelKeyboard
	ChannelMouse
)

func (t ChannelType) String() string {
	switch t {
	case ChannelVideo:
		return "video"
	case ChannelKeyboard:
		return "keyboard"
	case ChannelMouse:
		return "mouse"
	}
	return fmt.Sprintf("channel type %d", uint8(t))
}

// Valid reports whether t is a known channel type.
func (t ChannelType) Valid() bool { return t <= ChannelMouse }

// ChannelPower: what the creating side does with the channel.
type ChannelPower uint8

const (
	PowerRead ChannelPower = iota
	PowerWrite
	PowerBoth
)

func (p ChannelPower) String() string {
	switch p {
	case PowerRead:
		return "read"
	case PowerWrite:
		return "write"
	case PowerBoth:
		return "both"
	}
	return fmt.Sprintf("channel power %d", uint8(p))
}

// Valid reports whether p is one of Read, Write, Both.
func (p ChannelPower) Valid() bool { return p <= PowerBoth }

// Envelope: the multiplexer's whole vocabulary.
type Envelope struct {
	ID      uint32       `cbor:"1,keyasint"`
	Control Control      `cbor:"2,keyasint"`
	Type    ChannelType  `cbor:"3,keyasint"`
	Power   ChannelPower `cbor:"4,keyasint"`
	Data    []byte       `cbor:"5,keyasint,omitempty"`
}
