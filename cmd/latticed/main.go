// Command latticed runs a lattice host: it discovers modules under a module
// tree, bootstraps them and serves the collected routes plus the dashboard
// surfaces over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hostmesh/lattice"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		treeDir   string
		dataDir   string
		listen    string
		debug     bool
		watchTree bool
	)

	root := &cobra.Command{
		Use:          "latticed",
		Short:        "Module lifecycle and service orchestration host",
		SilenceUsage: true,
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Bootstrap all modules and serve routes and dashboard endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(debug)

			opts := []lattice.Option{lattice.WithDataDir(dataDir)}
			if treeDir != "" {
				opts = append(opts, lattice.WithModuleTree(os.DirFS(treeDir)))
			}
			host := lattice.NewHost(logger, opts...)

			ctx := cmd.Context()
			if err := host.Bootstrap(ctx); err != nil {
				return fmt.Errorf("bootstrap: %w", err)
			}

			if watchTree && treeDir != "" {
				watcher, err := lattice.NewDriftWatcher(treeDir, logger, nil)
				if err != nil {
					logger.Warn("drift watcher unavailable", "error", err)
				} else {
					go func() { _ = watcher.Run(ctx) }()
				}
			}

			server := &http.Server{
				Addr:              listen,
				Handler:           host.Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				logger.Info("http surface listening", "addr", listen)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http surface failed", "error", err)
				}
			}()

			<-ctx.Done()
			logger.Info("shutting down")

			httpCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(httpCtx)

			return host.Shutdown(context.Background())
		},
	}
	serve.Flags().StringVar(&treeDir, "tree", "", "module tree directory with declaration files")
	serve.Flags().StringVar(&dataDir, "data", "data", "directory for module databases")
	serve.Flags().StringVar(&listen, "listen", ":8600", "http listen address")
	serve.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	serve.Flags().BoolVar(&watchTree, "watch", true, "warn when declaration files drift after startup")

	root.AddCommand(serve)
	return root
}

func newLogger(debug bool) lattice.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
	return &zeroLogger{log: zl}
}

// zeroLogger adapts zerolog to the engine's structured Logger interface.
type zeroLogger struct {
	log zerolog.Logger
}

func (l *zeroLogger) Info(msg string, args ...any)  { l.emit(l.log.Info(), msg, args) }
func (l *zeroLogger) Error(msg string, args ...any) { l.emit(l.log.Error(), msg, args) }
func (l *zeroLogger) Warn(msg string, args ...any)  { l.emit(l.log.Warn(), msg, args) }
func (l *zeroLogger) Debug(msg string, args ...any) { l.emit(l.log.Debug(), msg, args) }

func (l *zeroLogger) emit(ev *zerolog.Event, msg string, args []any) {
	fields := make(map[string]any, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		fields[key] = args[i+1]
	}
	ev.Fields(fields).Msg(msg)
}
