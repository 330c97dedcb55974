// Command fedflow runs one party of a federated split-training pair.
//
// Usage:
//
//	fedflow train --config leader.yaml   # run this party's trainer
//	fedflow version                      # show version information
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fedflow/fedflow/comm"
	"github.com/fedflow/fedflow/config"
	"github.com/fedflow/fedflow/graph"
	"github.com/fedflow/fedflow/internal/metrics"
	"github.com/fedflow/fedflow/internal/telemetry"
	"github.com/fedflow/fedflow/model"
	"github.com/fedflow/fedflow/session"
	"github.com/fedflow/fedflow/types"
)

// Version is injected at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "train":
		runTrain(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runTrain(args []string) {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	steps := fs.Int("steps", 50, "Number of training steps")
	fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting fedflow",
		zap.String("version", Version),
		zap.String("role", string(cfg.Federal.Role)),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector("fedflow", nil, logger)

	c, cleanup, err := connectPeer(ctx, cfg, logger, collector)
	if err != nil {
		logger.Fatal("failed to connect peer", zap.Error(err))
	}
	defer cleanup()

	sess := session.New(logger, collector)
	fm, err := model.NewFederalModel(cfg.Federal, c, graph.NewTape(), sess, logger, collector)
	if err != nil {
		logger.Fatal("failed to create model", zap.Error(err))
	}

	if err := registerDemoTask(fm, cfg.Federal.Role); err != nil {
		logger.Fatal("failed to register demo task", zap.Error(err))
	}
	opts := model.CompileOptions{Optimize: cfg.Optimize, Sync: cfg.Sync}
	if err := fm.Compile(ctx, opts); err != nil {
		logger.Fatal("failed to compile model", zap.Error(err))
	}

	if err := trainLoop(ctx, fm, *steps, logger); err != nil {
		logger.Fatal("training failed", zap.Error(err))
	}

	if otelProviders != nil {
		_ = otelProviders.Shutdown(context.Background())
	}
	logger.Info("fedflow stopped", zap.Int64("global_step", sess.GlobalStep()))
}

// connectPeer establishes the wire transport. The leader listens, the
// follower dials.
func connectPeer(ctx context.Context, cfg *config.Config, logger *zap.Logger,
	collector *metrics.Collector) (comm.Communicator, func(), error) {
	if cfg.Federal.Role == types.RoleLeader {
		ln, err := comm.NewWSListener(cfg.Federal.LocalAddr)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("waiting for follower", zap.String("addr", ln.Addr()))
		c, err := ln.Accept(ctx, cfg.Federal.Role, cfg.Transport, logger, collector)
		if err != nil {
			_ = ln.Close()
			return nil, nil, err
		}
		return c, func() { _ = c.Close(); _ = ln.Close() }, nil
	}

	logger.Info("dialing leader", zap.String("addr", cfg.Federal.PeerAddr))
	c, err := comm.DialWebSocket(ctx, cfg.Federal.Role, cfg.Federal.PeerAddr,
		cfg.Transport, logger, collector)
	if err != nil {
		return nil, nil, err
	}
	return c, func() { _ = c.Close() }, nil
}

func trainLoop(ctx context.Context, fm *model.FederalModel, steps int, logger *zap.Logger) error {
	ops, err := fm.TrainOps(demoTask)
	if err != nil {
		return err
	}
	scope := types.TaskScope{Mode: types.ModeTrain, Task: demoTask}
	for i := 0; i < steps; i++ {
		if err := ctx.Err(); err != nil {
			logger.Info("training interrupted", zap.Int("step", i))
			return nil
		}
		if err := fm.Session().Run(ctx, scope, ops...); err != nil {
			return err
		}
		if (i+1)%10 == 0 {
			logDemoProgress(fm, logger, i+1)
		}
	}
	return nil
}

func printVersion() {
	fmt.Printf("fedflow %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`fedflow - federated split-training runtime

Usage:
  fedflow <command> [options]

Commands:
  train     Run this party's trainer
  version   Show version information
  help      Show this help message

Options for 'train':
  --config <path>   Path to configuration file (YAML)
  --steps <n>       Number of training steps (default 50)

Examples:
  fedflow train --config leader.yaml
  fedflow train --config follower.yaml --steps 200
  fedflow version`)
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	}

	var opts []zap.Option
	if cfg.EnableCaller {
		opts = append(opts, zap.AddCaller())
	}
	opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))

	logger, err := zapConfig.Build(opts...)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
