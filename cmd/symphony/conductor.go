package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/symphony/pkg/conductor"
	"github.com/cuemby/symphony/pkg/config"
	"github.com/cuemby/symphony/pkg/log"
	"github.com/cuemby/symphony/pkg/metrics"
	"github.com/cuemby/symphony/pkg/transport"
)

var conductorCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Conductor operations",
}

var conductorRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the Conductor",
	Long: `Run the central Conductor: the Connect stream endpoint every node
dials into, the node and assignment registries, and the scheduling loop.`,
	RunE: runConductor,
}

func init() {
	conductorRunCmd.Flags().StringP("config", "c", "", "Path to the conductor config file")
	conductorRunCmd.Flags().String("listen", "", "Connect stream listen address (overrides config)")
	conductorRunCmd.Flags().String("cert-dir", "", "Directory holding cert.pem, key.pem and ca.pem (overrides config)")
	conductorCmd.AddCommand(conductorRunCmd)
}

func runConductor(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConductor(cfgPath)
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.ListenAddr = listen
	}
	if certDir, _ := cmd.Flags().GetString("cert-dir"); certDir != "" {
		cfg.CertDir = certDir
	}

	initLogging(cfg.Log.Level, cfg.Log.JSON)
	logger := log.WithComponent("conductor")
	metrics.SetVersion(Version)

	tlsConfig, err := transport.LoadMTLSConfig(cfg.CertDir)
	if err != nil {
		return fmt.Errorf("failed to load mTLS material: %w", err)
	}

	registry := conductor.NewNodeRegistry()
	assignments := conductor.NewAssignmentRegistry()
	deployments := conductor.NewInMemoryDeploymentStore()
	condaSpecs := conductor.NewInMemoryCondaEnvSpecStore()

	service := conductor.NewConductorService(registry, assignments, condaSpecs)
	scheduler := conductor.NewScheduler(registry, assignments, service, deployments).
		WithTickPeriod(cfg.SchedulerPeriod.Std()).
		WithTTL(cfg.NodeTTL.Std())

	server := transport.NewServer(tlsConfig)
	transport.RegisterControlServer(server, service)

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
	}

	metrics.RegisterComponent("registry", true, "")
	metrics.RegisterComponent("scheduler", true, "")
	metrics.RegisterComponent("stream", true, "")

	if cfg.HTTPAddr != "" {
		go serveOps(cfg.HTTPAddr)
	}

	scheduler.Start()
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("conductor listening")
		if err := server.Serve(listener); err != nil {
			logger.Error().Err(err).Msg("stream server stopped")
		}
	}()

	waitForSignal()
	logger.Info().Msg("shutting down")

	scheduler.Stop()
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(10 * time.Second):
		server.Stop()
	}
	return nil
}

// serveOps exposes the metrics and health endpoints shared by both roles.
func serveOps(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		opsLogger := log.WithComponent("ops-http")
		opsLogger.Error().Err(err).Msg("ops endpoint stopped")
	}
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}
