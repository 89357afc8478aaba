package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/relaydesk/core/internal/app"
	"github.com/relaydesk/core/internal/bus"
	"github.com/relaydesk/core/internal/config"
)

// shutdownGrace bounds how long server.Shutdown waits for in-flight HTTP
// requests on SIGTERM. Upgraded websocket connections are not tracked by
// Shutdown, so they are not drained within this window.
const shutdownGrace = 5 * time.Second

func newServeCommand() *cobra.Command {
	var (
		addr    string
		dataDir string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the daemon, serving the message bus over a websocket",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), addr, dataDir)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:7890", "bind address for the event-stream websocket")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "directory for hosts.json/credentials.json/folders.json/known_hosts (default: OS config dir)")

	return cmd
}

func runServe(ctx context.Context, addr, dataDir string) error {
	log := logrus.NewEntry(logrus.StandardLogger()).WithField(trace.Component, "relaydeskd")

	a, err := app.New(config.Config{DataDir: dataDir})
	if err != nil {
		return trace.Wrap(err)
	}
	defer a.Shutdown()

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// The UI and the daemon always run on the same machine; origin
		// checking only matters once this is reachable from a browser on
		// a different origin.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithError(err).Warn("websocket upgrade failed")
			return
		}
		conn := bus.NewConn(ws, a.Hub, log.WithField("remote", r.RemoteAddr))
		if err := conn.Serve(r.Context()); err != nil {
			log.WithError(err).Debug("event connection closed")
		}
	})

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", addr).Info("serving event stream")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return trace.Wrap(err)
	}
	return nil
}
