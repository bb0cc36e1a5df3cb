package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pingtrack/internal/config"
	"pingtrack/internal/httpapi"
	"pingtrack/internal/pgclient"
	"pingtrack/internal/pingstore"
	"pingtrack/version"
)

func main() {
	v := viper.New()
	root := &cobra.Command{
		Use:     "pingtrackd",
		Short:   "pingtrackd records device pings and answers time-range queries over them",
		Version: version.String(),
	}
	config.RegisterFlags(root, v)
	root.AddCommand(serveCmd(v), migrateCheckCmd(v))

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "start the HTTP API and its Postgres connection pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(v)
		},
	}
}

// migrateCheckCmd starts a one-worker pool against the configured database,
// whose startup runs every prepare plan, and prints "ok" once that worker
// is up. When the server rejects a plan (or startup fails for any other
// reason) the pool redials without end, so the command does not exit with
// an error; it keeps running until it is stopped.
func migrateCheckCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate-check",
		Short: "verify the configured prepare plans against the database and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrateCheck(v)
		},
	}
}

func migrateCheck(v *viper.Viper) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	log := newLogger(cfg.LogLevel)
	checkCfg := cfg.Pool
	checkCfg.Size = 1
	log.Info("checking prepare plans", "db_host", checkCfg.DB.Host, "db_name", checkCfg.DB.Database, "plans", len(checkCfg.PreparePlans))

	svc := pgclient.Init(checkCfg, log)
	defer svc.Close()

	fmt.Println("ok: all prepare plans accepted")
	return nil
}

func serve(v *viper.Viper) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	log.Info("starting pool", "size", cfg.Pool.Size, "db_host", cfg.Pool.DB.Host, "db_name", cfg.Pool.DB.Database)
	svc := pgclient.Init(cfg.Pool, log)
	defer svc.Close()
	log.Info("pool ready")

	store := pingstore.New(svc.Query)
	handler := httpapi.New(store, log)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: handler,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error("shutdown", "err", err)
		}
	}()

	log.Info("listening", "addr", cfg.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	}))
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
