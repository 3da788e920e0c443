package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/vx-labs/crdt-sync/broker"
	"github.com/vx-labs/crdt-sync/cli"
	"github.com/vx-labs/crdt-sync/crdt"
	"github.com/vx-labs/crdt-sync/listener"
	"github.com/vx-labs/crdt-sync/path"
	"github.com/vx-labs/crdt-sync/policy"
	"github.com/vx-labs/crdt-sync/snapshot"
	"github.com/vx-labs/crdt-sync/transport"
)

func main() {
	root := &cobra.Command{
		Use:   "syncd",
		Short: "CRDT synchronization server for browser peers",
		Run: func(cmd *cobra.Command, _ []string) {
			id := uuid.New().String()
			logger := cli.NewLogger(id)
			defer logger.Sync()

			if cfgFile := viper.GetString(cli.FlagConfigFile); cfgFile != "" {
				viper.SetConfigFile(cfgFile)
				if err := viper.ReadInConfig(); err != nil {
					logger.Fatal("failed to read configuration file", zap.Error(err))
				}
				for _, profile := range []policy.Profile{policy.ProfileFull, policy.ProfileConstrained, policy.ProfileMinimal} {
					key := fmt.Sprintf("profiles.%s", profile)
					if !viper.IsSet(key) {
						continue
					}
					config := policy.Config(profile)
					if err := viper.UnmarshalKey(key, &config); err != nil {
						logger.Fatal("failed to read profile configuration", zap.Error(err))
					}
					policy.OverrideConfig(profile, config)
				}
			}

			kind := crdt.Kind(viper.GetString(cli.FlagDefaultKind))
			if _, err := crdt.Empty(kind); err != nil {
				logger.Fatal("invalid default crdt kind", zap.String("kind", string(kind)))
			}
			b := broker.New(id, logger, broker.Config{DefaultKind: kind})

			var tlsConfig *tls.Config
			if cert := viper.GetString(cli.FlagTLSCert); cert != "" {
				var err error
				tlsConfig, err = transport.LoadTLSConfig(cert, viper.GetString(cli.FlagTLSKey))
				if err != nil {
					logger.Fatal("failed to load TLS configuration", zap.Error(err))
				}
			}
			endpoint, err := listener.New(id, logger, b, listener.Config{
				TCPPort:   viper.GetInt(cli.FlagTCPPort),
				WSPort:    viper.GetInt(cli.FlagWSPort),
				TLSPort:   viper.GetInt(cli.FlagTLSPort),
				WSSPort:   viper.GetInt(cli.FlagWSSPort),
				TLSConfig: tlsConfig,
			})
			if err != nil {
				logger.Fatal("failed to start listener", zap.Error(err))
			}

			var snapshotter *snapshot.Snapshotter
			if snapshotPath := viper.GetString(cli.FlagSnapshotPath); snapshotPath != "" {
				if snapshotPath == "auto" {
					snapshotPath = fmt.Sprintf("%s/replicas.db", path.ServiceDataDir(id, "snapshots"))
				}
				snapshotter, err = snapshot.New(snapshot.Options{
					Path:     snapshotPath,
					Interval: viper.GetDuration(cli.FlagSnapshotInterval),
				}, b.Registry, logger)
				if err != nil {
					logger.Fatal("failed to open snapshot store", zap.Error(err))
				}
				if err := snapshotter.Restore(); err != nil {
					logger.Error("failed to restore snapshot", zap.Error(err))
				}
				snapshotter.Start(context.Background())
			}

			cli.ServeObservability(viper.GetInt(cli.FlagMetricsPort), logger)
			logger.Info("server started",
				zap.Int("tcp_port", viper.GetInt(cli.FlagTCPPort)),
				zap.Int("ws_port", viper.GetInt(cli.FlagWSPort)),
				zap.String("default_kind", string(kind)))

			sig := cli.WaitForSignal()
			logger.Info("shutting down", zap.String("signal", sig.String()))
			endpoint.Close()
			if snapshotter != nil {
				if err := snapshotter.Shutdown(); err != nil {
					logger.Error("failed to close snapshot store", zap.Error(err))
				}
			}
		},
	}
	cli.AddServerFlags(root)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
