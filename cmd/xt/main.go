package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/xt-ml/xt/pkg/blobstore"
	"github.com/xt-ml/xt/pkg/common/config"
	"github.com/xt-ml/xt/pkg/common/database"
	"github.com/xt-ml/xt/pkg/common/logger"
	"github.com/xt-ml/xt/pkg/common/xterr"
	"github.com/xt-ml/xt/pkg/engine"
	"github.com/xt-ml/xt/pkg/events"
	"github.com/xt-ml/xt/pkg/store"
	"github.com/xt-ml/xt/pkg/supervisor"
)

const defaultConfigName = "xt_config.yaml"

func main() {
	logger.Init()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	database.ClosePostgres()
	database.CloseRedis()
	os.Exit(code)
}

// run executes one command line and returns the process exit status.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if err := execute(ctx, args, stdout); err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", xterr.Label(err), err)
		return xterr.ExitCode(err)
	}
	return 0
}

// globals are the options accepted before the command words.
type globals struct {
	configPath string
	workspace  string
	jsonOut    bool
	logLevel   string
}

func parseGlobals(args []string) (globals, []string, error) {
	g := globals{configPath: os.Getenv("XT_CONFIG")}
	fs := flag.NewFlagSet("xt", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&g.configPath, "config", g.configPath, "path of xt_config.yaml")
	fs.StringVar(&g.workspace, "ws", "", "workspace, overriding general.workspace")
	fs.BoolVar(&g.jsonOut, "json", false, "print results as JSON")
	fs.StringVar(&g.logLevel, "log-level", "", "log level")
	if err := fs.Parse(args); err != nil {
		return g, nil, xterr.Syntax("%v", err)
	}
	if g.configPath == "" {
		g.configPath = defaultConfigName
	}
	return g, fs.Args(), nil
}

// app is what every command runs against.
type app struct {
	cfg     *config.Config
	file    config.File
	eng     *engine.Engine
	events  events.Publisher
	log     *logrus.Entry
	out     io.Writer
	jsonOut bool
	workDir string
}

func execute(ctx context.Context, args []string, stdout io.Writer) error {
	g, rest, err := parseGlobals(args)
	if err != nil {
		return err
	}
	cmd, cmdArgs, err := resolveCommand(rest)
	if err != nil {
		return err
	}
	if cmd.local != nil {
		return cmd.local(stdout, cmdArgs)
	}
	a, err := newApp(ctx, g, stdout)
	if err != nil {
		return err
	}
	defer a.events.Close()
	return cmd.run(ctx, a, cmdArgs)
}

func newApp(ctx context.Context, g globals, stdout io.Writer) (*app, error) {
	cfg := config.Load()
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	file, err := config.LoadFile(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.workspace != "" {
		file.General.Workspace = g.workspace
	}
	cfg.XT = file

	log := logrus.NewEntry(logger.New(os.Stderr, cfg.LogLevel)).WithField("component", "xt")
	records, err := store.Open(cfg)
	if err != nil {
		return nil, err
	}
	blobs, _, err := blobstore.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	pub := events.New(cfg, log)
	vault, certName := openVault(file, blobs)
	eng, err := engine.New(engine.Options{
		Store:    records,
		Blobs:    blobs,
		File:     file,
		Infra:    cfg,
		Events:   pub,
		Vault:    vault,
		CertName: certName,
		Log:      log,
	})
	if err != nil {
		pub.Close()
		return nil, err
	}
	wd, err := os.Getwd()
	if err != nil {
		wd = filepath.Dir(g.configPath)
	}
	return &app{
		cfg:     cfg,
		file:    file,
		eng:     eng,
		events:  pub,
		log:     log,
		out:     stdout,
		jsonOut: g.jsonOut,
		workDir: wd,
	}, nil
}

// openVault picks the first "vault" service of the config. A vault with a
// path reads files; one without reads the blob store's vault prefix.
func openVault(file config.File, blobs blobstore.Store) (supervisor.Vault, string) {
	for _, name := range sortedServiceNames(file) {
		svc := file.Services[name]
		if svc.Kind != "vault" {
			continue
		}
		certName := svc.CertName
		if certName == "" {
			certName = supervisor.DefaultCertName
		}
		if svc.Path != "" {
			return supervisor.FileVault{Dir: svc.Path}, certName
		}
		return supervisor.BlobVault{Store: blobs}, certName
	}
	return nil, ""
}
