// Command indexd runs one node of the sharded indexing cluster: it hosts
// local shard copies, serves the replicated write actions over the cluster
// transport and exposes health and metrics endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sentry "github.com/getsentry/sentry-go"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"gitlab.com/gitlab-org/indexd/internal/admin"
	"gitlab.com/gitlab-org/indexd/internal/cluster"
	"gitlab.com/gitlab-org/indexd/internal/config"
	"gitlab.com/gitlab-org/indexd/internal/indexsvc"
	"gitlab.com/gitlab-org/indexd/internal/log"
	"gitlab.com/gitlab-org/indexd/internal/replication"
	"gitlab.com/gitlab-org/indexd/internal/shardstate"
	"gitlab.com/gitlab-org/indexd/internal/topology"
	"gitlab.com/gitlab-org/indexd/internal/transport"
	"gitlab.com/gitlab-org/indexd/internal/version"
)

var (
	flagConfig  = flag.String("config", "", "Location for the config.toml")
	flagVersion = flag.Bool("version", false, "Print version and exit")

	logger = log.Default()
)

func main() {
	flag.Parse()

	if *flagVersion {
		fmt.Println(version.GetVersionString())
		os.Exit(0)
	}

	conf, err := config.FromFile(*flagConfig)
	if err != nil {
		logger.WithError(err).Fatal("reading config file")
	}
	if err := conf.Validate(); err != nil {
		logger.WithError(err).Fatal("validating config")
	}

	log.Configure(log.Loggers, conf.Logging.Format, conf.Logging.Level)

	if conf.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         conf.Sentry.DSN,
			Environment: conf.Sentry.Environment,
		}); err != nil {
			logger.WithError(err).Warn("initializing sentry")
		}
	}

	if err := run(conf); err != nil {
		logger.WithError(err).Fatal("shutting down")
	}
}

func run(conf config.Config) error {
	state, err := topology.BuildState(conf)
	if err != nil {
		return err
	}

	clusterSvc := cluster.NewService(state, logger)
	defer clusterSvc.Close()

	tr := transport.NewGRPC(conf.NodeID, version.CurrentProtocol,
		topology.PeerResolverFromState(clusterSvc.CurrentState), replication.ErrorCodec{}, logger)
	defer tr.Close()

	reporter := shardstate.NewTransportReporter(tr, clusterSvc, logger)
	shards := topology.LocalShards(state, func(shardID cluster.ShardID, reason string, failure error) {
		logger.WithError(failure).WithFields(logrus.Fields{
			log.ShardField: shardID.String(),
			"reason":       reason,
		}).Error("local shard failed")
	}, logger)

	if state.Nodes.MasterNodeID() == conf.NodeID {
		shardstate.RegisterMasterHandler(tr, masterApply(clusterSvc))
	}

	indexsvc.NewService(tr, clusterSvc, shards, reporter, logger,
		indexsvc.WithCallOptions(transport.CallOptions{Timeout: conf.Replication.Timeout.Duration()}),
		indexsvc.WithMetrics(conf.Replication.LatencyBuckets),
	)
	admin.RegisterStateHandler(tr, clusterSvc)

	server := tr.NewServer()
	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)
	grpc_prometheus.Register(server)

	listener, err := net.Listen("tcp", conf.ListenAddr)
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		log.NodeField: conf.NodeID,
		"addr":        conf.ListenAddr,
		"shards":      len(shards.All()),
	}).Info("starting indexd")

	g, ctx := errgroup.WithContext(context.Background())

	g.Go(func() error { return server.Serve(listener) })

	if conf.PrometheusListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		promServer := &http.Server{Addr: conf.PrometheusListenAddr, Handler: mux}
		g.Go(promServer.ListenAndServe)
	}

	g.Go(func() error {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-signals:
			logger.WithField("signal", sig).Info("received signal, shutting down gracefully")
		case <-ctx.Done():
			return ctx.Err()
		}

		stopped := make(chan struct{})
		go func() {
			server.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(conf.GracefulStopTimeout.Duration()):
			logger.Warn("graceful stop timed out, forcing stop")
			server.Stop()
		}

		clusterSvc.Close()
		healthServer.Shutdown()
		return nil
	})

	return g.Wait()
}

// masterApply is the master-side application of replica failure reports: a
// report carrying a stale primary term demotes the reporter, anything else
// is acknowledged and logged. The routing table and the in-sync set are not
// changed.
func masterApply(clusterSvc *cluster.Service) shardstate.MasterHandler {
	return func(ctx context.Context, req *shardstate.FailedShardRequest) error {
		state := clusterSvc.CurrentState()
		if meta, ok := state.Metadata.Index(req.ShardID.Index); ok {
			if current := meta.PrimaryTerm(req.ShardID.Num); req.PrimaryTerm < current {
				return &shardstate.NoLongerPrimaryError{
					ShardID: req.ShardID,
					Msg: fmt.Sprintf("primary term [%d] did not match current primary term [%d]",
						req.PrimaryTerm, current),
				}
			}
		}
		logger.WithFields(logrus.Fields{
			log.ShardField:        req.ShardID.String(),
			log.AllocationIDField: req.AllocationID,
			"reason":              req.Message,
		}).Info("marking shard copy as failed")
		return nil
	}
}
