// rdlink peer: registers with the directory, accepts control sessions and
// opens them to other peers.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"dev.c0redev.rdlink/internal/channel"
	"dev.c0redev.rdlink/internal/config"
	"dev.c0redev.rdlink/internal/handshake"
	"dev.c0redev.rdlink/internal/identity"
	"dev.c0redev.rdlink/internal/logging"
	"dev.c0redev.rdlink/internal/peer"
	"dev.c0redev.rdlink/internal/proto"
	"dev.c0redev.rdlink/internal/transport"
)

const tickEvery = time.Second

type options struct {
	configFile string
	userID     string
	password   string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:          "rdlink-peer",
		Short:        "rdlink peer",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "toml config file")
	cmd.PersistentFlags().StringVar(&opts.userID, "id", "", "override the user id")
	cmd.PersistentFlags().StringVar(&opts.password, "password", "", "password (serve: accepted from controllers, connect: sent)")

	cmd.AddCommand(&cobra.Command{
		Use:   "id",
		Short: "print this peer's user id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			ident, err := identity.Load(cfg.DataDir, cfg.UserID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ident.UserID)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "stay online and accept control sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if opts.password != "" {
				cfg.Password = opts.password
			}
			return serve(cfg)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "connect <peer-id>",
		Short: "take control of another peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			var p handshake.PasswordPrompter = handshake.PromptFunc(promptPassword)
			if opts.password != "" {
				p = handshake.StaticPassword(opts.password)
			}
			// a controller accepts no control requests itself
			cfg.Password = ""
			return connect(cfg, args[0], p, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	})
	return cmd
}

func loadConfig(opts *options) (*config.Peer, error) {
	cfg, err := config.LoadPeerFile(opts.configFile)
	if err != nil {
		return nil, err
	}
	if opts.userID != "" {
		cfg.UserID = opts.userID
	}
	return cfg, nil
}

// start sets up logging and identity and keeps the node registered until ctx ends.
func start(ctx context.Context, cfg *config.Peer, prompter handshake.PasswordPrompter) (*peer.Node, io.Closer, <-chan error, error) {
	closer, err := logging.Setup(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		return nil, nil, nil, err
	}
	ident, err := identity.Load(cfg.DataDir, cfg.UserID)
	if err != nil {
		closer.Close()
		return nil, nil, nil, err
	}
	node, err := peer.New(peer.Config{
		Identity:    ident,
		ServerKey:   cfg.ServerKey,
		Password:    cfg.Password,
		Prompter:    prompter,
		MaxAttempts: cfg.MaxLoginAttempts,
		Heartbeat:   cfg.Heartbeat.Duration,
	})
	if err != nil {
		closer.Close()
		return nil, nil, nil, err
	}
	tlsCfg := transport.ClientTLS(!cfg.VerifyCert, cfg.ServerName)
	dial := func(ctx context.Context) (net.Conn, error) {
		return transport.Dial(ctx, cfg.Network, cfg.Directory, tlsCfg)
	}
	done := make(chan error, 1)
	go func() { done <- node.Serve(ctx, dial) }()
	logrus.WithFields(logrus.Fields{"user_id": ident.UserID, "directory": cfg.Directory}).Info("peer started")
	return node, closer, done, nil
}

func serve(cfg *config.Peer) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	node, closer, done, err := start(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer closer.Close()
	defer node.Close()
	for {
		select {
		case s := <-node.Sessions():
			go runControlled(ctx, s)
		case err := <-done:
			return err
		}
	}
}

// runControlled services the channels a controller opens: duplex channels
// echo, write channels are drained and read channels get a tick per second.
func runControlled(ctx context.Context, s *peer.Session) {
	log := logrus.WithFields(logrus.Fields{"component": "session", "peer": s.PeerID})
	log.Info("controlled by peer")
	for {
		select {
		case ep := <-s.Incoming():
			go serveChannel(ctx, s, ep, log.WithFields(logrus.Fields{"channel": ep.ChannelID(), "type": ep.ChannelType()}))
		case <-s.Done():
			log.WithError(s.Err()).Info("session over")
			return
		case <-ctx.Done():
			s.Abort()
			return
		}
	}
}

func serveChannel(ctx context.Context, s *peer.Session, ep channel.Endpoint, log *logrus.Entry) {
	log.WithField("power", ep.Power()).Debug("channel opened")
	switch c := ep.(type) {
	case channel.DuplexChannel:
		for {
			p, err := c.Receiver.Recv(ctx)
			if err != nil {
				return
			}
			if err := c.Sender.Send(p); err != nil {
				return
			}
		}
	case channel.WriteChannel:
		for {
			p, err := c.Receiver.Recv(ctx)
			if err != nil {
				return
			}
			log.WithField("bytes", len(p)).Info("received")
		}
	case channel.ReadChannel:
		t := time.NewTicker(tickEvery)
		defer t.Stop()
		for n := 0; ; n++ {
			select {
			case <-t.C:
			case <-s.Done():
				return
			case <-ctx.Done():
				return
			}
			if err := c.Sender.Send([]byte(fmt.Sprintf("tick %d", n))); err != nil {
				return
			}
		}
	}
}

// connect opens a session to peerID, then sends stdin lines over a duplex
// channel and prints what comes back.
func connect(cfg *config.Peer, peerID string, prompter handshake.PasswordPrompter, in io.Reader, out io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	node, closer, _, err := start(ctx, cfg, prompter)
	if err != nil {
		return err
	}
	defer closer.Close()
	defer node.Close()

	dialCtx, cancel := context.WithTimeout(ctx, time.Minute)
	s, err := node.Connect(dialCtx, peerID)
	cancel()
	if err != nil {
		return err
	}
	defer s.Close()

	tx, rx, err := s.CreateDuplex(proto.ChannelKeyboard)
	if err != nil {
		return err
	}
	go func() {
		for {
			p, err := rx.Recv(ctx)
			if err != nil {
				return
			}
			fmt.Fprintf(out, "< %s\n", p)
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := tx.Send([]byte(line)); err != nil {
				return err
			}
		case <-s.Done():
			return s.Err()
		case <-ctx.Done():
			return nil
		}
	}
}

func promptPassword(state handshake.LoginState) (string, bool) {
	switch state.Status {
	case handshake.LoginNotMatch:
		fmt.Fprintln(os.Stderr, "wrong password")
	case handshake.LoginFrequently:
		fmt.Fprintln(os.Stderr, "too many attempts")
		return "", false
	}
	fmt.Fprint(os.Stderr, "password: ")
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", false
	}
	return strings.TrimRight(line, "\r\n"), true
}
