package handshake

import (
	"fmt"

	"dev.c0redev.rdlink/internal/crypto"
	"dev.c0redev.rdlink/internal/errs"
	"dev.c0redev.rdlink/internal/proto"
)

// DefaultMaxLoginAttempts: the acceptor answers Frequently on this attempt and aborts.
const DefaultMaxLoginAttempts = 6

// SaltSize per-attempt login salt.
const SaltSize = 16

// LoginStatus what the prompter is told before each attempt.
type LoginStatus uint8

const (
	LoginFirst LoginStatus = iota
	LoginNotMatch
	LoginFrequently
)

func (s LoginStatus) String() string {
	switch s {
	case LoginFirst:
		return "first"
	case LoginNotMatch:
		return "not match"
	case LoginFrequently:
		return "frequently"
	}
	return fmt.Sprintf("login status %d", uint8(s))
}

// LoginState: attempts so far + last verdict.
type LoginState struct {
	Status   LoginStatus
	Attempts int
}

// PasswordPrompter supplies the password for the next attempt; ok=false cancels.
type PasswordPrompter interface {
	Password(state LoginState) (password string, ok bool)
}

// PromptFunc adapts a func to PasswordPrompter.
type PromptFunc func(state LoginState) (string, bool)

func (f PromptFunc) Password(state LoginState) (string, bool) { return f(state) }

// StaticPassword answers every prompt with the same password.
type StaticPassword string

func (p StaticPassword) Password(LoginState) (string, bool) { return string(p), true }

// LoginError: login exhausted or cancelled. Matches errs.ErrLogin.
type LoginError struct {
	State  LoginState
	Reason string
}

func (e *LoginError) Error() string {
	return fmt.Sprintf("login: %s after %d attempt(s) (%s)", e.Reason, e.State.Attempts, e.State.Status)
}

func (e *LoginError) Is(target error) bool {
	return target == errs.ErrLogin
}

// loginHash = H(challenge || password || salt).
func loginHash(challenge []byte, password string, salt []byte) []byte {
	return crypto.Hash(challenge, []byte(password), salt)
}

// runLogin: initiator side. Loops until Success, Frequently, cancel or maxAttempts.
func runLogin(sc *proto.SecureConn, challenge []byte, p PasswordPrompter, maxAttempts int, opts *options) error {
	if p == nil {
		return &LoginError{State: LoginState{Status: LoginFirst}, Reason: "no password prompter"}
	}
	state := LoginState{Status: LoginFirst}
	for {
		password, ok := p.Password(state)
		if !ok {
			return &LoginError{State: state, Reason: "cancelled"}
		}
		salt, err := crypto.RandomBytes(opts.rand, SaltSize)
		if err != nil {
			return errs.Wrap(errs.KindLogin, err, "salt")
		}
		req := &proto.LoginRequest{PasswordHash: loginHash(challenge, password, salt), Salt: salt}
		if err := sc.WriteRecord(req); err != nil {
			return err
		}
		var resp proto.LoginResponse
		if err := sc.ReadRecord(&resp); err != nil {
			return err
		}
		state.Attempts++
		switch resp.Result {
		case proto.LoginSuccess:
			return nil
		case proto.LoginNotMatch:
			state.Status = LoginNotMatch
			if state.Attempts >= maxAttempts {
				return &LoginError{State: state, Reason: "attempt limit"}
			}
		case proto.LoginFrequently:
			state.Status = LoginFrequently
			return &LoginError{State: state, Reason: "too many attempts"}
		default:
			return errs.New(errs.KindMessage, "unexpected %s", resp.Result)
		}
	}
}

// verifyLogin: acceptor side. NotMatch until maxAttempts, then Frequently + abort.
func verifyLogin(sc *proto.SecureConn, challenge []byte, password string, maxAttempts int) error {
	for attempt := 1; ; attempt++ {
		var req proto.LoginRequest
		if err := sc.ReadRecord(&req); err != nil {
			return err
		}
		want := loginHash(challenge, password, req.Salt)
		if crypto.Equal(want, req.PasswordHash) {
			return sc.WriteRecord(&proto.LoginResponse{Result: proto.LoginSuccess})
		}
		if attempt >= maxAttempts {
			if err := sc.WriteRecord(&proto.LoginResponse{Result: proto.LoginFrequently}); err != nil {
				return err
			}
			return &LoginError{State: LoginState{Status: LoginFrequently, Attempts: attempt}, Reason: "too many attempts"}
		}
		if err := sc.WriteRecord(&proto.LoginResponse{Result: proto.LoginNotMatch}); err != nil {
			return err
		}
	}
}
