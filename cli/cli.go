package cli

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	FlagConfigFile       = "config"
	FlagTCPPort          = "tcp-port"
	FlagWSPort           = "ws-port"
	FlagTLSPort          = "tls-port"
	FlagWSSPort          = "wss-port"
	FlagTLSCert          = "tls-cert"
	FlagTLSKey           = "tls-key"
	FlagMetricsPort      = "metrics-port"
	FlagDefaultKind      = "default-kind"
	FlagSnapshotPath     = "snapshot-path"
	FlagSnapshotInterval = "snapshot-interval"
)

// AddServerFlags registers the daemon's flag set. Every flag is
// viper-bound, so the same names work from environment or config
// file, and every default is usable without configuration.
func AddServerFlags(root *cobra.Command) {
	root.Flags().StringP(FlagConfigFile, "c", "", "Read configuration (profile overrides) from this file")
	root.Flags().IntP(FlagTCPPort, "t", 7654, "Listen for TCP peers on this port (0 disables)")
	root.Flags().IntP(FlagWSPort, "w", 7655, "Listen for WebSocket peers on this port (0 disables)")
	root.Flags().Int(FlagTLSPort, 0, "Listen for TLS peers on this port (0 disables)")
	root.Flags().Int(FlagWSSPort, 0, "Listen for secure WebSocket peers on this port (0 disables)")
	root.Flags().String(FlagTLSCert, "", "Path to the TLS certificate")
	root.Flags().String(FlagTLSKey, "", "Path to the TLS private key")
	root.Flags().Int(FlagMetricsPort, 9100, "Serve prometheus metrics on this port (0 disables)")
	root.Flags().String(FlagDefaultKind, "g_counter", "CRDT kind of the empty state acknowledged when a peer joins an unknown key")
	root.Flags().String(FlagSnapshotPath, "", "Persist replica snapshots to this bolt file (empty disables, \"auto\" picks the user data dir)")
	root.Flags().Duration(FlagSnapshotInterval, 0, "Interval between two snapshot passes")
	for _, name := range []string{
		FlagConfigFile, FlagTCPPort, FlagWSPort, FlagTLSPort, FlagWSSPort,
		FlagTLSCert, FlagTLSKey, FlagMetricsPort, FlagDefaultKind,
		FlagSnapshotPath, FlagSnapshotInterval,
	} {
		viper.BindPFlag(name, root.Flags().Lookup(name))
	}
}

// NewLogger builds the process logger the way every service expects
// it: structured production encoding, pretty output on demand.
func NewLogger(id string) *zap.Logger {
	opts := []zap.Option{
		zap.Fields(zap.String("broker_id", id)),
	}
	var logger *zap.Logger
	var err error
	if os.Getenv("ENABLE_PRETTY_LOG") == "true" {
		logger, err = zap.NewDevelopment(opts...)
	} else {
		logger, err = zap.NewProduction(opts...)
	}
	if err != nil {
		panic(err)
	}
	return logger
}

// ServeObservability exposes prometheus metrics and a liveness probe.
func ServeObservability(port int, logger *zap.Logger) {
	if port <= 0 {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	go func() {
		err := http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
		if err != nil {
			logger.Error("failed to run observability endpoint", zap.Error(err))
		}
	}()
}

// WaitForSignal blocks until the process is told to stop.
func WaitForSignal() os.Signal {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	return <-quit
}
