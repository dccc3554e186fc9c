package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xt-ml/xt/pkg/backend"
	"github.com/xt-ml/xt/pkg/blobstore"
	"github.com/xt-ml/xt/pkg/common/config"
	"github.com/xt-ml/xt/pkg/common/database"
	"github.com/xt-ml/xt/pkg/common/logger"
	"github.com/xt-ml/xt/pkg/common/xterr"
	"github.com/xt-ml/xt/pkg/store"
	"github.com/xt-ml/xt/pkg/supervisor"
)

// linger keeps the RPC up after the last run so the engine can read final
// statuses.
const linger = 30 * time.Second

func main() {
	var (
		nodeIndex = flag.Int("node-index", -1, "index of the node this controller runs")
		agent     = flag.Bool("agent", false, "run the pool queue agent instead of a job controller")
		listen    = flag.String("listen", fmt.Sprintf(":%d", backend.QueuePort), "agent listen address")
		workDir   = flag.String("work-dir", ".", "working directory for runs or queue entries")
	)
	flag.Parse()

	logger.Init()
	cfg := config.Load()
	log := logger.Entry()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	if *agent {
		err = runAgent(ctx, cfg, *listen, *workDir, log.WithField("mode", "agent"))
	} else {
		err = runController(ctx, cfg, *nodeIndex, *workDir, log.WithField("mode", "controller"))
	}
	database.ClosePostgres()
	database.CloseRedis()
	if err != nil {
		log.WithError(err).Error("xt-supervisor failed")
		os.Exit(xterr.ExitCode(err))
	}
}

func runAgent(ctx context.Context, cfg *config.Config, listen, workDir string, log *logrus.Entry) error {
	blobs, signer, err := blobstore.Open(ctx, cfg)
	if err != nil {
		return err
	}
	q, err := supervisor.NewQueue(workDir, blobs, supervisor.ShellExecutor{}, log)
	if err != nil {
		return err
	}
	srv := supervisor.NewServer(supervisor.ServerOptions{
		Queue:   q,
		PoolKey: os.Getenv("XT_POOL_KEY"),
		Blobs:   blobs,
		Signer:  signer,
	}, log)

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return xterr.Wrap(xterr.CategoryEnv, err, "listen "+listen)
	}
	go func() {
		if err := q.Run(ctx); err != nil {
			log.WithError(err).Error("queue stopped")
		}
	}()
	log.WithField("addr", listen).Info("pool agent started")
	return srv.Serve(ctx, ln)
}

func runController(ctx context.Context, cfg *config.Config, nodeIndex int, workDir string, log *logrus.Entry) error {
	env, err := supervisor.ReadNodeEnv(os.Getenv)
	if err != nil {
		return err
	}
	if env.JobID == "" {
		return xterr.Env("%s is not set", supervisor.EnvJobID)
	}
	idx, err := env.NodeIndex()
	if err != nil {
		return err
	}
	if nodeIndex >= 0 && nodeIndex != idx {
		return xterr.Env("--node-index=%d does not match %s=%s", nodeIndex, supervisor.EnvNodeID, env.NodeID)
	}
	env.StoreCreds.Apply(cfg)
	if env.MongoConnStr != "" {
		cfg.PostgresConn = env.MongoConnStr
	}
	log = log.WithFields(logrus.Fields{"job_id": env.JobID, "node_id": env.NodeID})

	records, err := store.Open(cfg)
	if err != nil {
		return err
	}
	blobs, signer, err := blobstore.Open(ctx, cfg)
	if err != nil {
		return err
	}
	node, sweep, err := supervisor.LoadNodeContext(ctx, blobs, env.JobID, env.NodeID)
	if err != nil {
		return err
	}
	ctrl, err := supervisor.NewController(supervisor.ControllerOptions{
		JobID:     env.JobID,
		NodeID:    env.NodeID,
		Node:      node,
		Sweep:     sweep,
		Seed:      cfg.XT.HPSearch.Seed,
		Store:     records,
		Blobs:     blobs,
		Exec:      supervisor.ShellExecutor{},
		WorkDir:   workDir,
		OnRestart: reexec(log),
		Log:       log,
	})
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", env.ControlPort))
	if err != nil {
		return xterr.Wrap(xterr.CategoryEnv, err, "listen for rpc")
	}
	if len(env.ServerCert) > 0 {
		tlsConfig, err := supervisor.ServerTLS(env.ServerCert)
		if err != nil {
			return err
		}
		ln = tls.NewListener(ln, tlsConfig)
	}
	srv := supervisor.NewServer(supervisor.ServerOptions{
		Control:   ctrl,
		BoxSecret: env.BoxSecret,
		Blobs:     blobs,
		Signer:    signer,
	}, log)

	serveCtx, stopServe := context.WithCancel(ctx)
	defer stopServe()
	served := make(chan error, 1)
	go func() { served <- srv.Serve(serveCtx, ln) }()
	log.WithField("port", env.ControlPort).Info("controller started")

	if err := ctrl.Run(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-time.After(linger):
	}
	stopServe()
	return <-served
}

// reexec replaces the process with a fresh copy of itself.
func reexec(log *logrus.Entry) func() {
	return func() {
		exe, err := os.Executable()
		if err != nil {
			log.WithError(err).Error("restart: locate executable")
			return
		}
		log.Info("restarting controller")
		if err := syscall.Exec(exe, os.Args, os.Environ()); err != nil {
			log.WithError(err).Error("restart failed")
		}
	}
}
