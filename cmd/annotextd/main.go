package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/annotext/annotext/agent"
	"github.com/annotext/annotext/internal/files"
	"github.com/annotext/annotext/worker"
)

func main() {
	app := &cli.App{
		Name:  "annotextd",
		Usage: "supervises the text-analysis worker and serves the analysis API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "worker-command",
				Usage: "The executable that runs the analysis worker.",
				Value: "python3",
			},
			&cli.StringFlag{
				Name:  "worker-script",
				Usage: "Path to the worker script. Defaults to finding analyzer.py upward from the working directory.",
			},
			&cli.StringSliceFlag{
				Name:  "active-option",
				Usage: "Feature options sent to the worker in the config message. Repeatable.",
			},
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP API to listen on.",
				Value: "127.0.0.1:8090",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging.",
			},
			&cli.IntFlag{
				Name:  "max-restarts",
				Usage: "Maximum automatic restart attempts after abnormal worker exits.",
				Value: 3,
			},
			&cli.DurationFlag{
				Name:  "restart-delay",
				Usage: "Fixed delay before each restart attempt.",
				Value: 5 * time.Second,
			},
			&cli.DurationFlag{
				Name:  "request-timeout",
				Usage: "Per-request timeout.",
				Value: 30 * time.Second,
			},
			&cli.DurationFlag{
				Name:  "startup-timeout",
				Usage: "How long to wait for the worker's ready handshake.",
				Value: 60 * time.Second,
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	scriptPath := c.String("worker-script")
	if scriptPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getting working directory: %w", err)
		}
		scriptPath, err = files.FindUp("analyzer.py", wd)
		if err != nil {
			return fmt.Errorf("locating worker script: %w", err)
		}
		if scriptPath == "" {
			return fmt.Errorf("no worker script configured and analyzer.py not found")
		}
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	level := zapcore.InfoLevel
	if c.Bool("debug") {
		level = zapcore.DebugLevel
	}

	manager, err := worker.New(
		worker.Config{
			Command:       c.String("worker-command"),
			ScriptPath:    scriptPath,
			ActiveOptions: c.StringSlice("active-option"),
		},
		worker.WithLogger(logger),
		worker.WithLogLevel(level),
		worker.WithMaxRestartAttempts(c.Int("max-restarts")),
		worker.WithRestartDelay(c.Duration("restart-delay")),
		worker.WithRequestTimeout(c.Duration("request-timeout")),
		worker.WithStartupTimeout(c.Duration("startup-timeout")),
	)
	if err != nil {
		return fmt.Errorf("building worker manager: %w", err)
	}

	if err := manager.Initialize(c.Context); err != nil {
		return fmt.Errorf("initializing worker: %w", err)
	}

	a, err := agent.New(manager,
		agent.WithListenAddr(c.String("listen-addr")),
		agent.WithLogger(logger),
		agent.WithLogLevel(level),
	)
	if err != nil {
		return fmt.Errorf("building agent: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Run()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		_ = stopAll(manager, a)
		return err
	case sig := <-sigCh:
		logger.Sugar().Infow("shutting down", "Signal", sig.String())
		return stopAll(manager, a)
	}
}

func stopAll(manager *worker.Manager, a *agent.Agent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stopErr := manager.Stop(ctx)
	if err := a.Stop(); err != nil && stopErr == nil {
		stopErr = err
	}
	return stopErr
}
