package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	apihttp "tscluster/internal/http"
	"tscluster/pkg/applier"
	"tscluster/pkg/cluster"
	"tscluster/pkg/command"
	"tscluster/pkg/config"
	"tscluster/pkg/dberrors"
	"tscluster/pkg/ingest"
	"tscluster/pkg/metrics"
	"tscluster/pkg/raftadapter"
	"tscluster/pkg/schema"
	"tscluster/pkg/types"
)

const registerInterval = time.Second

func main() {
	_ = godotenv.Load(".env")

	configPath := os.Getenv("TSNODE_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}

	root := &cobra.Command{
		Use:          "tsnode",
		Short:        "Time-series cluster node",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := initConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			initLogger(&cfg)

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return run(ctx, &cfg)
		},
	}
	root.Flags().StringVar(&configPath, "config", configPath, "path to the YAML config (env TSNODE_CONFIG)")

	if err := root.ExecuteContext(context.Background()); err != nil {
		slog.Error("tsnode stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	facade := schema.NewManager()
	defer facade.Close()

	members := cluster.NewMemberSet()
	var membership interface {
		ApplyAdd(cluster.Node)
		ApplyRemove(cluster.Node)
	} = members
	if cfg.ZooKeeper.Enabled {
		mirror, err := cluster.NewZKMirror(members, cfg.ZooKeeper.Servers, cfg.ZooKeeper.RootPath, cfg.ZooKeeper.Timeout)
		if err != nil {
			return fmt.Errorf("connect to zookeeper: %w", err)
		}
		defer mirror.Close()
		membership = mirror
		slog.Info("membership mirrored to zookeeper", "servers", cfg.ZooKeeper.Servers, "root", cfg.ZooKeeper.RootPath)
	}

	var (
		collector      metrics.Collector = metrics.Nop{}
		metricsHandler http.Handler
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		collector = metrics.NewPrometheus(cfg.Metrics.Namespace, reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	}

	app := applier.New(membership, facade,
		applier.WithParallelism(cfg.Apply.Parallelism),
		applier.WithMetrics(collector))

	groupIDs := append([]types.GroupID{types.MetaGroup}, cfg.Raft.DataGroups...)
	nodes := make(map[types.GroupID]*raftadapter.Node, len(groupIDs))
	raftAPI := make(map[types.GroupID]apihttp.RaftNode, len(groupIDs))
	groups := applier.NewGroups()
	for _, id := range groupIDs {
		node, err := raftadapter.NewNode(&cfg.Raft, id, raftadapter.WithNodeMetrics(collector))
		if err != nil {
			return fmt.Errorf("raft group %s: %w", id, err)
		}
		defer node.Stop()

		stream := applier.NewStream(id, app,
			applier.WithObserver(node.Notify),
			applier.WithRetry(cfg.Apply.MaxRetries, cfg.Apply.RetryBackoff),
			applier.WithStreamMetrics(collector))
		if err := groups.Add(stream, node.Committed()); err != nil {
			return err
		}
		nodes[id] = node
		raftAPI[id] = node
	}

	router := ingest.NewRouter(nodes[types.MetaGroup], cfg.Raft.RingReplicas)
	for _, id := range cfg.Raft.DataGroups {
		router.AddDataGroup(id, nodes[id])
	}

	var writerOpts []ingest.Option
	if cfg.Ingest.AutoCreateSchema {
		writerOpts = append(writerOpts, ingest.WithAutoCreate(cfg.Ingest.NamespaceLevel, cfg.Ingest.MaxRounds))
	}
	writer := ingest.NewWriter(router, writerOpts...)

	server := apihttp.NewServer(cfg.Server, cfg.Ingest.Timeout, apihttp.Deps{
		Executor: router,
		Writer:   writer,
		Schema:   facade,
		Members:  members,
		Raft:     raftAPI,
		Metrics:  metricsHandler,
	})
	if err := server.Start(); err != nil {
		return err
	}

	slog.Info("tsnode started",
		"node", cfg.Node.String(),
		"raft_id", cfg.Raft.ID,
		"groups", groups.IDs())

	eg, ctx := errgroup.WithContext(ctx)
	for id, node := range nodes {
		id, node := id, node
		eg.Go(func() error {
			if err := node.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("raft group %s: %w", id, err)
			}
			return nil
		})
	}
	eg.Go(func() error {
		return groups.Run(ctx)
	})
	eg.Go(func() error {
		return registerSelf(ctx, router, cfg.Node)
	})

	err := eg.Wait()

	if stopErr := server.Stop(); stopErr != nil {
		slog.Error("error stopping server", "error", stopErr)
	}
	slog.Info("tsnode stopped")
	return err
}

// registerSelf proposes the local node as a cluster member until the meta
// group accepts it. Re-adding an existing member is a no-op.
func registerSelf(ctx context.Context, exec ingest.Executor, self cluster.Node) error {
	ticker := time.NewTicker(registerInterval)
	defer ticker.Stop()

	for {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*registerInterval)
		_, err := exec.Execute(attemptCtx, command.AddMember{Node: self})
		cancel()

		switch {
		case err == nil:
			slog.Info("registered in cluster membership", "node", self.String())
			return nil
		case dberrors.IsFatal(err):
			return fmt.Errorf("register %s: %w", self.String(), err)
		default:
			slog.Debug("membership registration pending", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
