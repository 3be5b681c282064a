package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/wasmbus-host/pkg/host"
	"github.com/cuemby/wasmbus-host/pkg/log"
	"github.com/cuemby/wasmbus-host/pkg/types"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the host and serve until interrupted or told to stop",
	RunE:  runHost,
}

// shutdownTimeout bounds how long graceful teardown (draining instance
// pools, stopping supervised providers, closing persistence) is given
// before the process exits anyway.
const shutdownTimeout = 30 * time.Second

func addRunFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("host-data", "", "Path to a host-data JSON document (required unless --lattice and --nats-url are both set)")
	cmd.PersistentFlags().String("lattice", "", "Lattice name, overriding host-data")
	cmd.PersistentFlags().String("nats-url", "", "NATS transport URL, overriding host-data")
	cmd.PersistentFlags().String("host-id", "", "Pin this host's identity, overriding host-data and any previously persisted id")
	cmd.PersistentFlags().String("data-dir", "./data", "Directory for this host's local persistence (identity and registry warm cache)")
	cmd.PersistentFlags().String("containerd-socket", "", "containerd socket path for capability provider supervision (leave empty to disable provider hosting)")
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func loadHostData(cmd *cobra.Command) (types.HostData, error) {
	var data types.HostData

	path, _ := cmd.Flags().GetString("host-data")
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return data, fmt.Errorf("read host-data file %s: %w", path, err)
		}
		if err := json.Unmarshal(raw, &data); err != nil {
			return data, fmt.Errorf("parse host-data file %s: %w", path, err)
		}
	}

	if lattice, _ := cmd.Flags().GetString("lattice"); lattice != "" {
		data.Lattice = lattice
	}
	if natsURL, _ := cmd.Flags().GetString("nats-url"); natsURL != "" {
		data.TransportURL = natsURL
	}
	if hostID, _ := cmd.Flags().GetString("host-id"); hostID != "" {
		data.HostID = hostID
	}

	return data, nil
}

func runHost(cmd *cobra.Command, args []string) error {
	data, err := loadHostData(cmd)
	if err != nil {
		return err
	}
	dataDir, _ := cmd.Flags().GetString("data-dir")
	containerdSocket, _ := cmd.Flags().GetString("containerd-socket")

	ctx := context.Background()

	h, err := host.New(ctx, host.Config{
		HostData:         data,
		DataDir:          dataDir,
		ContainerdSocket: containerdSocket,
		Version:          Version,
	})
	if err != nil {
		return fmt.Errorf("bootstrap host: %w", err)
	}

	if err := h.Start(ctx); err != nil {
		return fmt.Errorf("start host: %w", err)
	}

	log.Logger.Info().Str("host_id", h.ID()).Str("lattice", data.Lattice).Msg("wasmbus-host ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-h.StopRequested():
		log.Logger.Info().Msg("stop host command received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := h.Close(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown host: %w", err)
	}

	log.Logger.Info().Msg("shutdown complete")
	return nil
}
