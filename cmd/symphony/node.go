package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/symphony/pkg/config"
	"github.com/cuemby/symphony/pkg/log"
	"github.com/cuemby/symphony/pkg/metrics"
	"github.com/cuemby/symphony/pkg/node"
	"github.com/cuemby/symphony/pkg/transport"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Node agent operations",
}

var nodeRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the Node agent",
	Long: `Run a Node agent: connect to the Conductor, report resources and
deployment status, and supervise assigned workloads as child processes.`,
	RunE: runNode,
}

func init() {
	nodeRunCmd.Flags().StringP("config", "c", "", "Path to the node config file")
	nodeRunCmd.Flags().String("node-id", "", "Unique node identifier (overrides config)")
	nodeRunCmd.Flags().String("conductor", "", "Conductor Connect address (overrides config)")
	nodeRunCmd.Flags().String("cert-dir", "", "Directory holding cert.pem, key.pem and ca.pem (overrides config)")
	nodeCmd.AddCommand(nodeRunCmd)
}

func runNode(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadNode(cfgPath)
	if err != nil {
		return err
	}
	if nodeID, _ := cmd.Flags().GetString("node-id"); nodeID != "" {
		cfg.NodeID = nodeID
	}
	if addr, _ := cmd.Flags().GetString("conductor"); addr != "" {
		cfg.ConductorAddr = addr
	}
	if certDir, _ := cmd.Flags().GetString("cert-dir"); certDir != "" {
		cfg.CertDir = certDir
	}
	if cfg.NodeID == "" {
		return fmt.Errorf("node id is required (config node_id or --node-id)")
	}

	initLogging(cfg.Log.Level, cfg.Log.JSON)
	logger := log.WithNodeID(cfg.NodeID)
	metrics.SetVersion(Version)

	tlsConfig, err := transport.LoadMTLSConfig(cfg.CertDir)
	if err != nil {
		return fmt.Errorf("failed to load mTLS material: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conda := node.NewCondaEnvManager(cfg.CondaPath)
	repos := node.NewRepoFetcher(cfg.RepoBaseDir)
	runner := node.NewRunnerExec(repos, conda)
	defer runner.Close()

	sampler := node.NewProcSampler(cfg.HeartbeatInterval.Std())
	go sampler.Run(ctx)

	metrics.RegisterComponent("supervisor", true, "")
	metrics.RegisterComponent("sampler", true, "")
	metrics.RegisterComponent("stream", true, "")

	if cfg.HTTPAddr != "" {
		go serveOps(cfg.HTTPAddr)
	}

	agent := node.NewNodeAgent(node.AgentConfig{
		NodeID:            cfg.NodeID,
		Groups:            cfg.Groups,
		CapacitiesTotal:   cfg.CapacitiesTotal,
		HeartbeatInterval: cfg.HeartbeatInterval.Std(),
	}, node.GRPCDial(cfg.ConductorAddr, tlsConfig), runner, conda, sampler)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info().Msg("shutting down")
		cancel()
	}()

	logger.Info().Str("conductor", cfg.ConductorAddr).Msg("node agent starting")
	agent.Run(ctx)
	return nil
}
