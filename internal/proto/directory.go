package proto

import "fmt"

// RegisterPeer: first message on the rendezvous leg.
type RegisterPeer struct {
	UserID    string `cbor:"1,keyasint"`
	ServerKey string `cbor:"2,keyasint"`
	Cert      []byte `cbor:"3,keyasint,omitempty"`
	PubKey    []byte `cbor:"4,keyasint"`
}

// RegisterResult directory verdict.
type RegisterResult uint8

const (
	RegisterSuccess RegisterResult = iota
	RegisterFail
	RegisterError
	RegisterRepeat
	RegisterKeyNotMatch
)

func (r RegisterResult) String() string {
	switch r {
	case RegisterSuccess:
		return "success"
	case RegisterFail:
		return "fail"
	case RegisterError:
		return "error"
	case RegisterRepeat:
		return "repeat"
	case RegisterKeyNotMatch:
		return "key not match"
	}
	return fmt.Sprintf("register result %d", uint8(r))
}

// RegisterPeerResponse directory -> peer.
type RegisterPeerResponse struct {
	Result  RegisterResult `cbor:"1,keyasint"`
	Message string         `cbor:"2,keyasint,omitempty"`
}

// Ping heartbeat; SentAt unix millis of the sender.
type Ping struct {
	SentAt int64 `cbor:"1,keyasint"`
}

// ConnectRequest: ask the directory to broker a relay to PeerID.
type ConnectRequest struct {
	PeerID string `cbor:"1,keyasint"`
}

// RelayResult outcome of a ConnectRequest.
type RelayResult uint8

const (
	RelaySuccess RelayResult = iota
	RelayFail
	RelayOffline
)

func (r RelayResult) String() string {
	switch r {
	case RelaySuccess:
		return "success"
	case RelayFail:
		return "fail"
	case RelayOffline:
		return "offline"
	}
	return fmt.Sprintf("relay result %d", uint8(r))
}

// RelayResponse: relay coordinates for a session with PeerID. IsControl is
// set on the copy sent to the peer being controlled.
type RelayResponse struct {
	PeerID      string      `cbor:"1,keyasint"`
	RelayID     string      `cbor:"2,keyasint,omitempty"`
	RelayAddr   string      `cbor:"3,keyasint,omitempty"`
	RelayPubKey []byte      `cbor:"4,keyasint,omitempty"`
	PeerPubKey  []byte      `cbor:"5,keyasint,omitempty"`
	Result      RelayResult `cbor:"6,keyasint"`
	IsControl   bool        `cbor:"7,keyasint"`
	Message     string      `cbor:"8,keyasint,omitempty"`
}

// ErrorNotice: directory-side error for the peer.
type ErrorNotice struct {
	Code    uint32 `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint"`
}

// Message: rendezvous-leg union; exactly one field is set.
type Message struct {
	RegisterPeer         *RegisterPeer         `cbor:"1,keyasint,omitempty"`
	RegisterPeerResponse *RegisterPeerResponse `cbor:"2,keyasint,omitempty"`
	Ping                 *Ping                 `cbor:"3,keyasint,omitempty"`
	ConnectRequest       *ConnectRequest       `cbor:"4,keyasint,omitempty"`
	RelayResponse        *RelayResponse        `cbor:"5,keyasint,omitempty"`
	Error                *ErrorNotice          `cbor:"6,keyasint,omitempty"`
}

// Kind names the set field, "" when none.
func (m *Message) Kind() string {
	switch {
	case m.RegisterPeer != nil:
		return "register_peer"
	case m.RegisterPeerResponse != nil:
		return "register_peer_response"
	case m.Ping != nil:
		return "ping"
	case m.ConnectRequest != nil:
		return "connect_request"
	case m.RelayResponse != nil:
		return "relay_response"
	case m.Error != nil:
		return "error"
	}
	return ""
}
