package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/abdoulaahmad/transcrypt2/api"
	"github.com/abdoulaahmad/transcrypt2/index"
	"github.com/abdoulaahmad/transcrypt2/internal/config"
	"github.com/abdoulaahmad/transcrypt2/internal/util"
)

const (
	sweepInterval    = 5 * time.Minute
	badgerGCInterval = 10 * time.Minute
	badgerGCRatio    = 0.5
)

var (
	listenAddr string
	dataDir    string
	tlsCert    string
	tlsKey     string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the transcript API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		applyServerFlags(cmd, &cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}
		logger := newLogger(cfg)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStack(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer st.close()

		tokens, err := cfg.APITokens()
		if err != nil {
			return err
		}
		proxies, err := cfg.ProxyPrefixes()
		if err != nil {
			return err
		}
		if len(tokens) == 0 {
			logger.Warn("no API tokens configured; only public endpoints are usable")
		}

		a := api.New(api.Deps{
			Registry:    st.registry,
			Index:       st.index,
			BreakGlass:  st.breakglass,
			Transcripts: st.transcripts,
			Agent:       st.agent,
		}, api.WithLogger(logger), api.WithTokens(tokens), api.WithTrustedProxies(proxies))

		// A ledger restored from an older backup would silently hide
		// indexed grants; refuse to start instead.
		listener := st.listener()
		head, err := st.registry.Head(ctx)
		if err != nil {
			return err
		}
		if cp := listener.Checkpoint(); head < cp {
			return fmt.Errorf("ledger head %d is behind index checkpoint %d: %w", head, cp, index.ErrCheckpointRollback)
		}

		// Bring the index up to the ledger head before serving reads.
		if n, err := listener.CatchUp(ctx); err != nil {
			return fmt.Errorf("index catch-up failed: %w", err)
		} else if n > 0 {
			logger.Info("index caught up", "events", n, "checkpoint", listener.Checkpoint())
		}

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		r.Use(api.SecurityHeaders)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})
		r.Mount("/api/v1", a.Router())

		tlsConfig, err := serverTLSConfig(cfg)
		if err != nil {
			return err
		}

		server := &http.Server{
			Addr:              cfg.Listen,
			Handler:           r,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		bgCtx, cancelBackground := context.WithCancel(ctx)
		defer cancelBackground()
		go func() {
			if err := listener.Run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("index listener stopped", "error", err)
			}
		}()
		go runEvery(bgCtx, sweepInterval, a.SweepRateLimits)
		if st.badger != nil {
			go runEvery(bgCtx, badgerGCInterval, func() {
				if err := st.badger.RunGC(badgerGCRatio); err != nil {
					logger.Debug("content gc", "error", err)
				}
			})
		}

		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		fmt.Printf("Starting server on %s (storage: %s, audit: %s, content: %s)...\n",
			cfg.Listen, cfg.Storage.Backend, cfg.Audit.Backend, cfg.Content.Backend)

		select {
		case <-ctx.Done():
			fmt.Println("\nShutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// applyServerFlags lets explicitly set flags override file and environment
// values.
func applyServerFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen = listenAddr
	}
	if flags.Changed("data-dir") {
		cfg.DataDir = dataDir
	}
	if flags.Changed("tls-cert") {
		cfg.TLSCert = tlsCert
	}
	if flags.Changed("tls-key") {
		cfg.TLSKey = tlsKey
	}
}

func serverTLSConfig(cfg config.Config) (*tls.Config, error) {
	var cert tls.Certificate
	var err error
	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		cert, err = tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
	} else {
		cert, err = util.GenerateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		fmt.Fprintln(os.Stderr, "Using self-signed runtime generated certificate for TLS")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func runEvery(ctx context.Context, interval time.Duration, fn func()) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVarP(&listenAddr, "listen", "l", ":8443", "Address to listen on")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for persistent data")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
}
