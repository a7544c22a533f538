// Package config: TOML configuration for the peer, directory and relay
// binaries. Files are optional; RDLINK_* environment variables override them.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"dev.c0redev.rdlink/internal/handshake"
	"dev.c0redev.rdlink/internal/relay"
	"dev.c0redev.rdlink/internal/rendezvous"
)

const (
	defaultLogLevel      = "info"
	defaultDirectoryAddr = "127.0.0.1:21116"
	defaultServerListen  = ":21116"
	defaultAPIListen     = ":21114"
	defaultRelayListen   = ":21117"
	defaultDB            = "rdlink.db"
	defaultAnnounce      = 10 * time.Second
	defaultIdleTimeout   = 30 * time.Second
)

// Logging configuration shared by every binary.
type Logging struct {
	// Level: trace, debug, info, warn, error.
	Level string

	// File specifies the log file, if omitted stderr will be used.
	File string
}

func (l *Logging) validate() error {
	if l.Level == "" {
		l.Level = defaultLogLevel
	}
	lvl, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return fmt.Errorf("config: Logging: Level '%v' is invalid", l.Level)
	}
	l.Level = lvl.String()
	return nil
}

// Duration wraps time.Duration for TOML strings such as "500ms".
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText formats as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Peer is the peer (controlling or controlled) configuration.
type Peer struct {
	// DataDir holds identity.pem and user_id.
	DataDir string

	// UserID overrides the generated five-word id.
	UserID string

	// Directory is the rendezvous server host:port.
	Directory string

	// Network selects the rendezvous transport: "tls" or "quic".
	Network string

	// VerifyCert requires a valid directory certificate chain. Off by default:
	// directories commonly run with self-signed certificates.
	VerifyCert bool

	// ServerName for certificate verification; defaults to the Directory host.
	ServerName string

	// ServerKey presented at registration.
	ServerKey string

	// Password the controlled side verifies logins against.
	Password string

	// MaxLoginAttempts before the controlled side answers Frequently.
	MaxLoginAttempts int

	// Heartbeat between pings.
	Heartbeat Duration

	Logging *Logging
}

func (p *Peer) applyEnv() {
	envString("RDLINK_DATA", &p.DataDir)
	envString("RDLINK_USER_ID", &p.UserID)
	envString("RDLINK_SERVER_ADDR", &p.Directory)
	envString("RDLINK_NETWORK", &p.Network)
	envString("RDLINK_SERVER_KEY", &p.ServerKey)
	envString("RDLINK_PASSWORD", &p.Password)
	envInt("RDLINK_MAX_LOGIN_ATTEMPTS", &p.MaxLoginAttempts)
	envString("RDLINK_LOG_LEVEL", &p.Logging.Level)
}

// FixupAndValidate applies defaults and validates.
func (p *Peer) FixupAndValidate() error {
	if p.Logging == nil {
		p.Logging = &Logging{}
	}
	p.applyEnv()
	if p.DataDir == "" {
		p.DataDir = "."
	}
	if p.Directory == "" {
		p.Directory = defaultDirectoryAddr
	}
	host, _, err := net.SplitHostPort(p.Directory)
	if err != nil {
		return fmt.Errorf("config: Peer: Directory '%v' is invalid: %v", p.Directory, err)
	}
	if p.ServerName == "" {
		p.ServerName = host
	}
	switch p.Network {
	case "":
		p.Network = "tls"
	case "tls", "quic":
	default:
		return fmt.Errorf("config: Peer: Network '%v' is invalid", p.Network)
	}
	if p.MaxLoginAttempts == 0 {
		p.MaxLoginAttempts = handshake.DefaultMaxLoginAttempts
	}
	if p.MaxLoginAttempts < 1 {
		return errors.New("config: Peer: MaxLoginAttempts must be positive")
	}
	if p.Heartbeat.Duration <= 0 {
		p.Heartbeat.Duration = rendezvous.HeartbeatInterval
	}
	return p.Logging.validate()
}

// StaticRelay is a relay the directory hands out without an announce.
type StaticRelay struct {
	Name string
	Addr string
	// PubKeyFile holds the relay's RSA public key, PEM "PUBLIC KEY" or PKCS#1 private key.
	PubKeyFile string
}

// Server is the directory server configuration.
type Server struct {
	// Listen is the TLS rendezvous address.
	Listen string

	// QUICListen enables the QUIC rendezvous transport when set.
	QUICListen string

	// API is the admin HTTP address; empty disables it.
	API string

	// DB is the sqlite path.
	DB string

	// CertFile and KeyFile are generated self-signed when missing.
	CertFile string
	KeyFile  string

	// Hosts for the generated certificate.
	Hosts []string

	// ServerKeyHash is a bcrypt hash peers' ServerKey must match; empty accepts any.
	ServerKeyHash string

	// IdleTimeout drops silent peers.
	IdleTimeout Duration

	Relays []*StaticRelay

	Logging *Logging
}

func (s *Server) applyEnv() {
	envString("RDLINK_SERVER_ADDR", &s.Listen)
	envString("RDLINK_QUIC_ADDR", &s.QUICListen)
	envString("RDLINK_API_ADDR", &s.API)
	envString("RDLINK_DB", &s.DB)
	envString("RDLINK_SERVER_KEY_HASH", &s.ServerKeyHash)
	envString("RDLINK_LOG_LEVEL", &s.Logging.Level)
}

// FixupAndValidate applies defaults and validates.
func (s *Server) FixupAndValidate() error {
	if s.Logging == nil {
		s.Logging = &Logging{}
	}
	s.applyEnv()
	if s.Listen == "" {
		s.Listen = defaultServerListen
	}
	if s.API == "" {
		s.API = defaultAPIListen
	}
	if s.API == "off" {
		s.API = ""
	}
	if s.DB == "" {
		s.DB = defaultDB
	}
	if s.CertFile == "" {
		s.CertFile = "directory.crt"
	}
	if s.KeyFile == "" {
		s.KeyFile = "directory.key"
	}
	if len(s.Hosts) == 0 {
		s.Hosts = []string{"localhost", "127.0.0.1"}
	}
	if s.IdleTimeout.Duration <= 0 {
		s.IdleTimeout.Duration = defaultIdleTimeout
	}
	for i, r := range s.Relays {
		if r == nil || r.Name == "" || r.Addr == "" || r.PubKeyFile == "" {
			return fmt.Errorf("config: Server: Relays[%d] needs Name, Addr and PubKeyFile", i)
		}
		if _, _, err := net.SplitHostPort(r.Addr); err != nil {
			return fmt.Errorf("config: Server: Relays[%d] Addr '%v' is invalid", i, r.Addr)
		}
	}
	return s.Logging.validate()
}

// Relay is the relay server configuration.
type Relay struct {
	// Name the relay announces under.
	Name string

	// Listen is the TCP relay address.
	Listen string

	// Advertise is the host:port peers dial; defaults to Listen.
	Advertise string

	// DataDir holds relay.pem.
	DataDir string

	// Metrics serves /metrics when set.
	Metrics string

	// DirectoryAPI is the directory admin base URL for announces; empty disables them.
	DirectoryAPI string

	// APIToken is an operator bearer token for the announce.
	APIToken string

	AnnounceInterval Duration

	PairTimeout Duration

	Logging *Logging
}

func (r *Relay) applyEnv() {
	envString("RDLINK_RELAY_NAME", &r.Name)
	envString("RDLINK_RELAY_ADDR", &r.Listen)
	envString("RDLINK_RELAY_ADVERTISE", &r.Advertise)
	envString("RDLINK_DATA", &r.DataDir)
	envString("RDLINK_API_URL", &r.DirectoryAPI)
	envString("RDLINK_API_TOKEN", &r.APIToken)
	envString("RDLINK_LOG_LEVEL", &r.Logging.Level)
}

// FixupAndValidate applies defaults and validates.
func (r *Relay) FixupAndValidate() error {
	if r.Logging == nil {
		r.Logging = &Logging{}
	}
	r.applyEnv()
	if r.Listen == "" {
		r.Listen = defaultRelayListen
	}
	if r.Advertise == "" {
		r.Advertise = r.Listen
	}
	if _, _, err := net.SplitHostPort(r.Advertise); err != nil {
		return fmt.Errorf("config: Relay: Advertise '%v' is invalid", r.Advertise)
	}
	if r.Name == "" {
		h, err := os.Hostname()
		if err != nil || h == "" {
			h = "relay"
		}
		r.Name = h
	}
	if r.DataDir == "" {
		r.DataDir = "."
	}
	r.DirectoryAPI = strings.TrimRight(r.DirectoryAPI, "/")
	if r.DirectoryAPI != "" && !strings.HasPrefix(r.DirectoryAPI, "http://") && !strings.HasPrefix(r.DirectoryAPI, "https://") {
		r.DirectoryAPI = "https://" + r.DirectoryAPI
	}
	if r.DirectoryAPI != "" && r.APIToken == "" {
		return errors.New("config: Relay: DirectoryAPI requires APIToken")
	}
	if r.AnnounceInterval.Duration <= 0 {
		r.AnnounceInterval.Duration = defaultAnnounce
	}
	if r.PairTimeout.Duration <= 0 {
		r.PairTimeout.Duration = relay.DefaultPairTimeout
	}
	return r.Logging.validate()
}

func envString(name string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

type validator interface {
	FixupAndValidate() error
}

func load(b []byte, cfg validator) error {
	if _, err := toml.Decode(string(b), cfg); err != nil {
		return err
	}
	return cfg.FixupAndValidate()
}

func loadFile(path string, cfg validator) error {
	if path == "" {
		return cfg.FixupAndValidate()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return load(b, cfg)
}

// LoadPeer parses and validates a peer config body.
func LoadPeer(b []byte) (*Peer, error) {
	cfg := new(Peer)
	if err := load(b, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadPeerFile loads path; an empty path yields defaults plus environment.
func LoadPeerFile(path string) (*Peer, error) {
	cfg := new(Peer)
	if err := loadFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadServer parses and validates a directory config body.
func LoadServer(b []byte) (*Server, error) {
	cfg := new(Server)
	if err := load(b, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadServerFile loads path; an empty path yields defaults plus environment.
func LoadServerFile(path string) (*Server, error) {
	cfg := new(Server)
	if err := loadFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadRelay parses and validates a relay config body.
func LoadRelay(b []byte) (*Relay, error) {
	cfg := new(Relay)
	if err := load(b, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadRelayFile loads path; an empty path yields defaults plus environment.
func LoadRelayFile(path string) (*Relay, error) {
	cfg := new(Relay)
	if err := loadFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
