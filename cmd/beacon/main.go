package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cordage/beacon/pkg/api"
	"github.com/cordage/beacon/pkg/broker"
	"github.com/cordage/beacon/pkg/config"
	"github.com/cordage/beacon/pkg/log"
	"github.com/cordage/beacon/pkg/membership"
	"github.com/cordage/beacon/pkg/metrics"
	"github.com/cordage/beacon/pkg/protocol"
	"github.com/cordage/beacon/pkg/raftnode"
	"github.com/cordage/beacon/pkg/storage"
	"github.com/cordage/beacon/pkg/types"
	"github.com/cordage/beacon/pkg/writequeue"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"

	cfgFile string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "beacon",
	Short: "Beacon - a replicated publish/subscribe message broker",
	Long: `Beacon replicates a durable publish/subscribe log across a Raft
cluster. Producers publish to a topic through any node; the leader
assigns the message a sequence number, commits it to the replicated
log, and every node fans it out to its own connected subscribers.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"beacon version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Optional YAML config file overlaying environment settings")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start this node as a broker cluster member",
	Long: `Start a broker node. With no --join address (and none set via
BROKER_JOIN_ADDR) this node bootstraps a brand new single-node Raft
cluster; otherwise it starts unbootstrapped and waits to be discovered
and admitted as a voter by the existing leader.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("join", "", "Admin HTTP address of an existing cluster member to join (overrides BROKER_JOIN_ADDR)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if join, _ := cmd.Flags().GetString("join"); join != "" {
		cfg.JoinAddr = join
	}

	log.Info(fmt.Sprintf("starting beacon node %s (discovery=%s, data-dir=%s)", cfg.NodeID, cfg.DiscoveryMode, cfg.DataDir))

	metrics.SetVersion(Version)
	metrics.RegisterComponent("raft", false, "starting")
	metrics.RegisterComponent("storage", false, "starting")
	metrics.RegisterComponent("protocol", false, "starting")

	store, err := storage.NewBoltStore(cfg.DataDir, cfg.NodeID)
	if err != nil {
		return fmt.Errorf("failed to open durable store: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// node is assigned once the raft node below is constructed; the
	// write queue is built first but its failure callback needs to reach
	// back into it, so the callback closes over this variable.
	var node *raftnode.Node

	queueCfg := writequeue.DefaultConfig()
	queueCfg.OnPersistentFailure = func(err error) {
		log.Errorf("write queue hit persistent storage failures, stepping down and marking storage unhealthy", err)
		metrics.RegisterComponent("storage", false, "persistent write failures: "+err.Error())
		if node == nil {
			return
		}
		if stepErr := node.StepDown(); stepErr != nil {
			log.Errorf("failed to step down after persistent write failure", stepErr)
		}
	}
	queue := writequeue.New(store, queueCfg)
	queue.Start(ctx)

	disc, err := newDiscovery(cfg)
	if err != nil {
		return fmt.Errorf("failed to start membership discovery: %w", err)
	}

	b := broker.New(nil, store, queue, disc)
	appendFn, notifyFn := b.Callbacks()
	fsm := raftnode.NewBrokerFSM(appendFn, notifyFn)

	node, err = raftnode.New(raftnode.Config{
		NodeID:   cfg.NodeID,
		BindAddr: cfg.RaftAddr(),
		DataDir:  cfg.DataDir,
	}, fsm)
	if err != nil {
		return fmt.Errorf("failed to create raft node: %w", err)
	}
	b.SetNode(node)

	if cfg.JoinAddr == "" {
		log.Info("no join address configured, bootstrapping new cluster")
		if err := node.Bootstrap(); err != nil {
			return fmt.Errorf("failed to bootstrap cluster: %w", err)
		}
	} else if err := seedDiscovery(cfg, disc); err != nil {
		log.Warn(fmt.Sprintf("failed to seed discovery from %s: %s", cfg.JoinAddr, err.Error()))
	}

	metrics.RegisterComponent("raft", true, "ready")
	metrics.RegisterComponent("storage", true, "ready")

	self := b.Self(cfg.HTTPAddr(), cfg.RaftAddr(), cfg.BrokerAddr())
	if err := disc.Announce(ctx, self); err != nil {
		log.Warn(fmt.Sprintf("failed to announce self to discovery: %s", err.Error()))
	}
	if err := b.WatchMembership(ctx); err != nil {
		log.Warn(fmt.Sprintf("failed to start membership watch: %s", err.Error()))
	}

	collector := broker.NewStatsCollector(b)
	collector.Start()

	protoServer := protocol.NewServer(cfg.BrokerAddr(), b)
	protoErrCh := make(chan error, 1)
	go func() {
		if err := protoServer.Start(ctx); err != nil {
			protoErrCh <- err
		}
	}()

	apiServer := api.NewServer(cfg.HTTPAddr(), b, cfg.HTTPAddr(), cfg.RaftAddr(), cfg.BrokerAddr())
	apiErrCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil {
			apiErrCh <- err
		}
	}()

	time.Sleep(200 * time.Millisecond)
	metrics.RegisterComponent("protocol", true, "ready")

	log.Info(fmt.Sprintf("client protocol listening on %s, admin API on %s", cfg.BrokerAddr(), cfg.HTTPAddr()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("shutdown signal received")
	case err := <-protoErrCh:
		log.Errorf("protocol server failed", err)
	case err := <-apiErrCh:
		log.Errorf("admin API server failed", err)
	}

	cancel()
	collector.Stop()
	_ = protoServer.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = apiServer.Shutdown(shutdownCtx)

	_ = disc.Close()
	queue.Stop()
	if err := node.Shutdown(); err != nil {
		log.Errorf("raft shutdown error", err)
	}
	if err := store.Close(); err != nil {
		log.Errorf("store close error", err)
	}

	log.Info("shutdown complete")
	return nil
}

// newDiscovery builds the PeerDiscovery implementation selected by
// cfg.DiscoveryMode.
func newDiscovery(cfg *config.Config) (membership.PeerDiscovery, error) {
	switch cfg.DiscoveryMode {
	case config.DiscoveryGossip:
		return membership.NewGossipDiscovery(membership.GossipConfig{
			NodeID:   cfg.NodeID,
			BindAddr: cfg.GossipAddr(),
		})
	default:
		return membership.NewPortScanDiscovery(cfg.ScanCandidates(), 5*time.Second), nil
	}
}

// seedDiscovery fetches the seed peer's descriptor over HTTP and, for
// gossip discovery, merges gossip state with it. Port-scan discovery
// needs no seeding: cfg.ScanCandidates already covers the configured
// port range.
func seedDiscovery(cfg *config.Config, disc membership.PeerDiscovery) error {
	gossipDisc, ok := disc.(*membership.GossipDiscovery)
	if !ok {
		return nil
	}

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/peer-info", cfg.JoinAddr))
	if err != nil {
		return fmt.Errorf("fetch seed peer info: %w", err)
	}
	defer resp.Body.Close()

	var peer types.Peer
	if err := json.NewDecoder(resp.Body).Decode(&peer); err != nil {
		return fmt.Errorf("decode seed peer info: %w", err)
	}

	host, portStr, err := net.SplitHostPort(peer.HTTPAddress)
	if err != nil {
		return fmt.Errorf("parse seed HTTP address: %w", err)
	}
	httpPort, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("parse seed HTTP port: %w", err)
	}
	gossipAddr := fmt.Sprintf("%s:%d", host, httpPort+2000)

	return gossipDisc.Join([]string{gossipAddr})
}
