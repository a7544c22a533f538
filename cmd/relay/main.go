// rdlink relay: pairs peers by relay id and pipes bytes between them.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"dev.c0redev.rdlink/internal/config"
	"dev.c0redev.rdlink/internal/crypto"
	"dev.c0redev.rdlink/internal/identity"
	"dev.c0redev.rdlink/internal/logging"
	"dev.c0redev.rdlink/internal/metrics"
	"dev.c0redev.rdlink/internal/relay"
)

const keyFile = "relay.pem"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:          "rdlink-relay",
		Short:        "rdlink relay server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadRelayFile(configFile)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "toml config file")
	cmd.AddCommand(&cobra.Command{
		Use:   "pubkey",
		Short: "print the relay public key (generating the key if needed)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadRelayFile(configFile)
			if err != nil {
				return err
			}
			priv, err := identity.LoadKey(filepath.Join(cfg.DataDir, keyFile))
			if err != nil {
				return err
			}
			b, err := crypto.EncodePublicKeyPEM(&priv.PublicKey)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	})
	return cmd
}

func run(cfg *config.Relay) error {
	closer, err := logging.Setup(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		return err
	}
	defer closer.Close()
	log := logrus.WithFields(logrus.Fields{"component": "main", "relay": cfg.Name})

	priv, err := identity.LoadKey(filepath.Join(cfg.DataDir, keyFile))
	if err != nil {
		return err
	}
	pub, err := crypto.MarshalPublicKey(&priv.PublicKey)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	srv := relay.NewServer(priv, relay.WithPairTimeout(cfg.PairTimeout.Duration))

	var metricsSrv *http.Server
	if cfg.Metrics != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			log.WithField("addr", cfg.Metrics).Info("metrics listening")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("metrics server")
			}
		}()
	}

	if cfg.DirectoryAPI != "" {
		a := &relay.Announcer{
			ServerURL: cfg.DirectoryAPI,
			Token:     cfg.APIToken,
			Name:      cfg.Name,
			Addr:      cfg.Advertise,
			PubKey:    pub,
		}
		go a.Run(ctx, cfg.AnnounceInterval.Duration, srv.Pending)
	}

	err = srv.Serve(ctx, ln)
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	return nil
}
