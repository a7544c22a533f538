// rdlink directory: rendezvous over TLS (and optionally QUIC) plus the admin API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"dev.c0redev.rdlink/internal/config"
	"dev.c0redev.rdlink/internal/crypto"
	"dev.c0redev.rdlink/internal/logging"
	"dev.c0redev.rdlink/internal/server/api"
	"dev.c0redev.rdlink/internal/server/auth"
	"dev.c0redev.rdlink/internal/server/directory"
	"dev.c0redev.rdlink/internal/store"
	"dev.c0redev.rdlink/internal/transport"
)

const maxBodyBytes = 1 << 20

func logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)
		if sw.code >= 400 {
			logrus.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path, "status": sw.code}).Info("api")
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:          "rdlink-server",
		Short:        "rdlink directory server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerFile(configFile)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "toml config file")
	cmd.AddCommand(&cobra.Command{
		Use:   "hash-key <server-key>",
		Short: "print the bcrypt hash for ServerKeyHash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := auth.HashPassword(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	})
	return cmd
}

func run(cfg *config.Server) error {
	closer, err := logging.Setup(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		return err
	}
	defer closer.Close()
	log := logrus.WithField("component", "main")

	db, err := store.Open(cfg.DB)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := seedRelays(db, cfg.Relays); err != nil {
		return err
	}

	cert, err := transport.LoadOrGenerateCert(cfg.CertFile, cfg.KeyFile, cfg.Hosts...)
	if err != nil {
		return err
	}
	tlsCfg := transport.ServerTLS(cert)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dir := directory.New(db,
		directory.WithServerKeyHash(cfg.ServerKeyHash),
		directory.WithIdleTimeout(cfg.IdleTimeout.Duration))

	listeners := []net.Listener{}
	ln, err := transport.ListenTLS(cfg.Listen, tlsCfg)
	if err != nil {
		return err
	}
	listeners = append(listeners, ln)
	if cfg.QUICListen != "" {
		qln, err := transport.ListenQUIC(cfg.QUICListen, tlsCfg)
		if err != nil {
			ln.Close()
			return err
		}
		listeners = append(listeners, qln)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(listeners)+1)
	for _, l := range listeners {
		wg.Add(1)
		go func(l net.Listener) {
			defer wg.Done()
			if err := dir.Serve(ctx, l); err != nil {
				errCh <- fmt.Errorf("rendezvous %s: %w", l.Addr(), err)
			}
		}(l)
	}

	var httpSrv *http.Server
	if cfg.API != "" {
		mux := http.NewServeMux()
		api.New(db, dir.Online).Mount(mux)
		httpSrv = &http.Server{
			Addr:              cfg.API,
			Handler:           logRequest(limitBody(api.CORS(mux))),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.WithField("addr", cfg.API).Info("api listening")
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err = <-errCh:
		log.WithError(err).Error("server failed")
		stop()
	}
	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("api shutdown")
		}
	}
	wg.Wait()
	return err
}

// seedRelays registers the relays listed in the config file.
func seedRelays(db *store.DB, relays []*config.StaticRelay) error {
	for _, r := range relays {
		b, err := os.ReadFile(r.PubKeyFile)
		if err != nil {
			return fmt.Errorf("relay %s: %w", r.Name, err)
		}
		der, err := crypto.PublicKeyDERFromPEM(b)
		if err != nil {
			return fmt.Errorf("relay %s: %w", r.Name, err)
		}
		if err := db.UpsertRelay(r.Name, r.Addr, der, 0); err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{"relay": r.Name, "addr": r.Addr}).Info("static relay")
	}
	return nil
}
