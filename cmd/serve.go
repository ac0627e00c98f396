package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/quillchat/quill/internal/augment"
	"github.com/quillchat/quill/internal/config"
	"github.com/quillchat/quill/internal/log"
	"github.com/quillchat/quill/internal/ollama"
	"github.com/quillchat/quill/internal/transcript"
	"github.com/quillchat/quill/internal/turn"
	"github.com/quillchat/quill/internal/web"
)

// Server timeout configuration.
const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 2 * time.Minute
	shutdownTimeout   = 30 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chat server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// generator adapts the ollama client to the orchestrator's stream seam.
type generator struct {
	client *ollama.Client
}

func (g generator) ChatStream(ctx context.Context, msgs []ollama.Message) (turn.DeltaStream, error) {
	return g.client.ChatStream(ctx, msgs)
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	logger := log.New(log.Config{
		Level: log.ParseLevel(cfg.LogLevel),
		JSON:  cfg.LogJSON,
	})
	logger.Info("starting quill", "version", AppVersion)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store := transcript.NewStore(cfg.DataDir, logger)

	augmenter, err := augment.New(augment.Config{
		SearchURL:     cfg.Search.BaseURL,
		TopK:          cfg.Search.TopK,
		FetchN:        cfg.Search.FetchN,
		DocCharBudget: cfg.Search.DocCharBudget,
		Parallelism:   cfg.Scraper.Parallelism,
		FetchDelay:    time.Duration(cfg.Scraper.DelayMs) * time.Millisecond,
		FetchTimeout:  time.Duration(cfg.Scraper.TimeoutMs) * time.Millisecond,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("creating augmenter: %w", err)
	}

	client := ollama.NewClient(cfg.OllamaHost, cfg.ModelName, logger)

	orchestrator, err := turn.New(turn.Config{
		Store:     store,
		Augmenter: augmenter,
		Generator: generator{client: client},
		Registry:  turn.NewRegistry(),
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("creating orchestrator: %w", err)
	}

	server, err := web.NewServer(web.Config{
		Logger: logger,
		Store:  store,
		Runner: orchestrator,
	})
	if err != nil {
		return fmt.Errorf("creating web server: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		// No read/write timeouts: websocket connections are long-lived.
	}

	logger.Info("server ready",
		"addr", cfg.ListenAddr,
		"model", cfg.ModelName,
		"ollama", cfg.OllamaHost,
		"data_dir", cfg.DataDir,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down server: %w", err)
		}
		return nil
	})
	return g.Wait()
}
