package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.c0redev.rdlink/internal/handshake"
	"dev.c0redev.rdlink/internal/relay"
	"dev.c0redev.rdlink/internal/rendezvous"
)

func TestPeerDefaults(t *testing.T) {
	cfg, err := LoadPeerFile("")
	require.NoError(t, err)
	assert.Equal(t, ".", cfg.DataDir)
	assert.Equal(t, defaultDirectoryAddr, cfg.Directory)
	assert.Equal(t, "127.0.0.1", cfg.ServerName)
	assert.Equal(t, "tls", cfg.Network)
	assert.Equal(t, handshake.DefaultMaxLoginAttempts, cfg.MaxLoginAttempts)
	assert.Equal(t, rendezvous.HeartbeatInterval, cfg.Heartbeat.Duration)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestPeerLoad(t *testing.T) {
	cfg, err := LoadPeer([]byte(`
DataDir = "/var/lib/rdlink"
Directory = "dir.example.net:21116"
Network = "quic"
ServerKey = "sk"
Password = "hunter2"
MaxLoginAttempts = 3
Heartbeat = "2s"

[Logging]
Level = "DEBUG"
`))
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/rdlink", cfg.DataDir)
	assert.Equal(t, "dir.example.net", cfg.ServerName)
	assert.Equal(t, "quic", cfg.Network)
	assert.Equal(t, "sk", cfg.ServerKey)
	assert.Equal(t, "hunter2", cfg.Password)
	assert.Equal(t, 3, cfg.MaxLoginAttempts)
	assert.Equal(t, 2*time.Second, cfg.Heartbeat.Duration)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestPeerEnvOverrides(t *testing.T) {
	t.Setenv("RDLINK_PASSWORD", "from-env")
	t.Setenv("RDLINK_SERVER_ADDR", "10.1.1.1:9000")
	t.Setenv("RDLINK_MAX_LOGIN_ATTEMPTS", "4")
	t.Setenv("RDLINK_LOG_LEVEL", "warn")
	cfg, err := LoadPeer([]byte(`Password = "from-file"`))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Password)
	assert.Equal(t, "10.1.1.1:9000", cfg.Directory)
	assert.Equal(t, 4, cfg.MaxLoginAttempts)
	assert.Equal(t, "warning", cfg.Logging.Level)
}

func TestPeerInvalid(t *testing.T) {
	for name, body := range map[string]string{
		"network":   `Network = "udp"`,
		"directory": `Directory = "no-port"`,
		"attempts":  `MaxLoginAttempts = -1`,
		"level":     "[Logging]\nLevel = \"loud\"",
		"heartbeat": `Heartbeat = "soon"`,
		"syntax":    `Directory = `,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := LoadPeer([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestServerLoad(t *testing.T) {
	cfg, err := LoadServer([]byte(`
Listen = ":7000"
API = "off"
ServerKeyHash = "$2a$10$abc"
IdleTimeout = "1m"

[[Relays]]
Name = "r1"
Addr = "relay.example.net:21117"
PubKeyFile = "r1.pem"
`))
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Listen)
	assert.Empty(t, cfg.API)
	assert.Equal(t, defaultDB, cfg.DB)
	assert.Equal(t, time.Minute, cfg.IdleTimeout.Duration)
	require.Len(t, cfg.Relays, 1)
	assert.Equal(t, "r1", cfg.Relays[0].Name)

	_, err = LoadServer([]byte("[[Relays]]\nName = \"r1\"\n"))
	assert.Error(t, err)
}

func TestRelayLoad(t *testing.T) {
	cfg, err := LoadRelayFile("")
	require.NoError(t, err)
	assert.Equal(t, defaultRelayListen, cfg.Listen)
	assert.Equal(t, defaultRelayListen, cfg.Advertise)
	assert.NotEmpty(t, cfg.Name)
	assert.Equal(t, relay.DefaultPairTimeout, cfg.PairTimeout.Duration)

	_, err = LoadRelay([]byte(`DirectoryAPI = "https://dir.example.net/"`))
	assert.Error(t, err, "announce without token")

	path := filepath.Join(t.TempDir(), "relay.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
Name = "eu-1"
Advertise = "203.0.113.5:21117"
DirectoryAPI = "https://dir.example.net/"
APIToken = "tok"
AnnounceInterval = "30s"
`), 0600))
	cfg, err = LoadRelayFile(path)
	require.NoError(t, err)
	assert.Equal(t, "eu-1", cfg.Name)
	assert.Equal(t, "https://dir.example.net", cfg.DirectoryAPI)
	assert.Equal(t, 30*time.Second, cfg.AnnounceInterval.Duration)

	cfg, err = LoadRelay([]byte("DirectoryAPI = \"dir.example.net:8443\"\nAPIToken = \"tok\"\n"))
	require.NoError(t, err)
	assert.Equal(t, "https://dir.example.net:8443", cfg.DirectoryAPI)
}
