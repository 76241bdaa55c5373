// Command reveried is the Reverie sync daemon. It owns the local record
// store, drains the mutation queue against the user's cloud drive, and
// exposes a localhost HTTP/WebSocket API for the UI shell.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mwaldrop/reverie/internal/config"
	"github.com/mwaldrop/reverie/internal/logging"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "reveried",
		Short: "Local-first sync daemon for Reverie",
		Long: "reveried keeps the device-local journal store durable and " +
			"synchronized with the user's cloud drive. Writes always land " +
			"locally first; the network is an optimization, not a dependency.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to config file")

	root.AddCommand(serveCmd(), syncCmd(), hydrateCmd(), statusCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(toFile bool) (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return nil, err
	}
	level := logging.LogLevel(strings.ToUpper(cfg.Logging.Level))
	if toFile && cfg.Logging.File != "" {
		logging.InitRotating(cfg.Logging.File, level)
	} else {
		logging.Init(os.Stdout, level)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			// First launch on this device: pull the remote dataset down
			// before the periodic machinery starts. A failed hydration is
			// not fatal; the daemon still serves local data and retries on
			// the next start.
			if hydrated, herr := a.hydrator.Hydrated(); herr == nil && !hydrated {
				if _, herr := a.hydrator.Run(ctx); herr != nil {
					logging.Error("Hydration failed; continuing with local data", herr)
				}
			}

			hub := newWSHub()
			go forwardEvents(a, hub)

			a.trigger.WatchStore(a.store)
			a.trigger.Start(ctx)
			defer a.trigger.Stop()
			a.trigger.RequestSync()

			srv := &http.Server{
				Addr:         cfg.HTTP.Addr,
				Handler:      newServer(a, hub).router,
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 30 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logging.Info("Daemon listening", map[string]interface{}{"addr": cfg.HTTP.Addr})
				errCh <- srv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer shutdownCancel()
				return srv.Shutdown(shutdownCtx)
			case err := <-errCh:
				return err
			}
		},
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one drain cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			result, err := a.proc.Drain(ctx)
			if result != nil {
				printJSON(result)
			}
			return err
		},
	}
}

func hydrateCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "hydrate",
		Short: "Pull the full remote dataset into the local store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if !force {
				if hydrated, err := a.hydrator.Hydrated(); err != nil {
					return err
				} else if hydrated {
					fmt.Println("already hydrated; use --force to run again")
					return nil
				}
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			result, err := a.hydrator.Run(ctx)
			if result != nil {
				printJSON(result)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "hydrate even if this device already hydrated")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print local sync state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			pending, err := a.store.PendingSyncCount()
			if err != nil {
				return err
			}
			depth, err := a.queue.Len()
			if err != nil {
				return err
			}
			hydrated, err := a.hydrator.Hydrated()
			if err != nil {
				return err
			}
			printJSON(map[string]interface{}{
				"pending_records": pending,
				"queue_depth":     depth,
				"hydrated":        hydrated,
			})
			return nil
		},
	}
}

func printJSON(v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode output: %v\n", err)
		return
	}
	fmt.Println(string(out))
}
