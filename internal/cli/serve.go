package cli

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/sunlibo2390/notion-telegram-secretary-bot/internal/config"
	"github.com/sunlibo2390/notion-telegram-secretary-bot/internal/delivery"
	"github.com/sunlibo2390/notion-telegram-secretary-bot/internal/engine"
	"github.com/sunlibo2390/notion-telegram-secretary-bot/internal/proactivity"
	"github.com/sunlibo2390/notion-telegram-secretary-bot/internal/server"
	"github.com/sunlibo2390/notion-telegram-secretary-bot/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the engine and the HTTP command API",
	RunE:  runServe,
}

// logSender stands in when no Telegram token is configured: events are logged
// instead of sent, so the engine can run in dry-run mode.
type logSender struct{}

func (logSender) Send(ctx context.Context, ev delivery.Event) error {
	log.Printf("delivery (dry-run): %s conversation=%s subject=%s reason=%s",
		ev.Type, ev.Conversation, ev.Subject, ev.Reason)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("SECRETARY_CONFIG"))
	if err != nil {
		return err
	}

	st, path, err := openStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	var sender delivery.Sender
	if cfg.Telegram.Token != "" {
		sender = delivery.NewTelegram(cfg.Telegram.Token, cfg.Telegram.APIBase)
		fmt.Fprintf(os.Stderr, "  delivery: telegram\n")
	} else {
		sender = logSender{}
		fmt.Fprintf(os.Stderr, "warning: no telegram token, events are logged only\n")
	}

	eng, err := engine.New(st, sender, engine.Options{
		Proactivity: proactivity.Config{
			StaleAfter:     time.Duration(cfg.Proactivity.StateStaleSeconds) * time.Second,
			PromptCooldown: time.Duration(cfg.Proactivity.StatePromptCooldownSeconds) * time.Second,
			FollowUpAfter:  time.Duration(cfg.Proactivity.QuestionFollowUpSeconds) * time.Second,
		},
		TickInterval:    time.Duration(cfg.Proactivity.CheckSeconds) * time.Second,
		DefaultInterval: time.Duration(cfg.Tracker.DefaultIntervalMinutes) * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	eng.StartTicker()
	defer eng.Stop()

	srv := server.New(eng, VersionString())
	addr := cfg.ListenAddr()

	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		fmt.Fprintf(os.Stderr, "secretary serving on %s\n", addr)
		fmt.Fprintf(os.Stderr, "  store: %s (%s)\n", path, cfg.Storage.Backend)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}()

	<-done
	fmt.Fprintln(os.Stderr, "\nshutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return httpServer.Shutdown(ctx)
}

// openStore resolves the snapshot backend from config, honoring the
// SECRETARY_DB env override.
func openStore(cfg config.StorageConfig) (store.Store, string, error) {
	path := os.Getenv("SECRETARY_DB")
	if path == "" {
		path = cfg.Path
	}
	if path == "" {
		var err error
		path, err = store.DefaultDBPath()
		if err != nil {
			return nil, "", err
		}
	}

	switch cfg.Backend {
	case "", "sqlite":
		st, err := store.Open(path)
		return st, path, err
	case "file":
		st, err := store.NewFileStore(path)
		return st, path, err
	default:
		return nil, "", fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
