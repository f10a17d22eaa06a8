package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/afero"

	"frpc-authproxy/pkg/api"
	"frpc-authproxy/pkg/config"
	"frpc-authproxy/pkg/extract"
	"frpc-authproxy/pkg/journal"
	"frpc-authproxy/pkg/logging"
	"frpc-authproxy/pkg/model"
	"frpc-authproxy/pkg/persist"
	"frpc-authproxy/pkg/store"
	"frpc-authproxy/pkg/upstream"
	"frpc-authproxy/pkg/version"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	if cfg.ShowVersion {
		fmt.Printf("frpc-authproxy version=%s\n", version.Build)
		return
	}

	logger := logging.New("frpc-authproxy", cfg.LogLevel, cfg.LogJSON)
	if cfg.History > 0 {
		if err := history(context.Background(), os.Stdout, cfg, logger); err != nil {
			logger.Error("history", "error", err)
			os.Exit(1)
		}
		return
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger hclog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fs := afero.NewOsFs()
	external, source := startupCredentials(fs, cfg)
	internal := cfg.Upstream
	if internal.IsZero() {
		internal = external
	}
	logger.Info("starting", "version", version.Build, "listen", cfg.ListenAddr, "upstream", cfg.UpstreamURL,
		"config_file", cfg.ConfigFile, "user", external.Username, "credentials_from", source)

	var creds store.CredentialStore
	switch cfg.Store {
	case "consul":
		creds = store.NewConsulStore(cfg.ConsulAddr, cfg.ConsulKey, external, internal, logger.Named("store"))
	default:
		creds = store.NewMemoryStore(external, internal)
	}
	if w, ok := creds.(interface{ Watch(context.Context) }); ok {
		go w.Watch(ctx)
	}

	client, err := upstream.NewClient(cfg.UpstreamURL, creds, logger.Named("upstream"))
	if err != nil {
		return err
	}

	j, err := journal.Open(ctx, cfg.Journal, logger.Named("journal"))
	if err != nil {
		// The journal is an audit aid; the proxy runs without it.
		logger.Warn("journal unavailable; updates will not be journaled", "journal", cfg.Journal, "error", err)
		j = journal.Nop{}
	}
	defer j.Close()

	handler := api.NewHandler(api.Options{
		Store:       creds,
		Upstream:    client,
		Saver:       persist.NewWriter(fs, cfg.ConfigFile, logger.Named("persist")),
		Journal:     j,
		Logger:      logger.Named("api"),
		SettleDelay: cfg.SettleDelay,
		SettleProbe: cfg.SettleProbe,
	})
	srv := api.NewServer(cfg.ListenAddr, handler, logger.Named("http"))

	errCh := make(chan error, 1)
	go func() {
		logger.Info("proxy listening", "addr", cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// startupCredentials prefers the pair in the persisted frpc config and falls
// back to the configured defaults on first boot.
func startupCredentials(fs afero.Fs, cfg config.Config) (model.Credentials, string) {
	if c, ok := extract.ExtractFile(fs, cfg.ConfigFile); ok {
		return c, "config-file"
	}
	return cfg.Fallback, "fallback"
}

// history prints the most recent journaled updates, newest first.
func history(ctx context.Context, out io.Writer, cfg config.Config, logger hclog.Logger) error {
	j, err := journal.Open(ctx, cfg.Journal, logger.Named("journal"))
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer j.Close()
	return printHistory(ctx, out, j, cfg.History)
}

func printHistory(ctx context.Context, out io.Writer, j journal.Journal, limit int) error {
	records, err := j.Recent(ctx, limit)
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tACTOR\tREMOTE\tROTATED\tNEW USER\tSAVED\tNOTES")
	for _, r := range records {
		notes := r.SkipReason
		for _, e := range []string{r.ForwardErr, r.ReloadErr} {
			if e == "" {
				continue
			}
			if notes != "" {
				notes += "; "
			}
			notes += e
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%t\t%s\n",
			r.Timestamp.UTC().Format(time.RFC3339), r.Actor, r.RemoteAddr, r.Rotated, dash(r.NewUser), r.Saved, dash(notes))
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
