package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/cybroslabs/dlmsgate/base"
	"github.com/cybroslabs/dlmsgate/config"
	"github.com/cybroslabs/dlmsgate/engine"
	"github.com/cybroslabs/dlmsgate/mapping"
	"github.com/cybroslabs/dlmsgate/nodehost"
	"github.com/cybroslabs/dlmsgate/session"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var configFile = flag.String("config", "gateway.yaml", "configuration `file`, .yaml, .yml or .toml")
var envFile = flag.String("env", ".env", "optional environment `file`")
var once = flag.Bool("once", false, "read every mapped attribute once, print the readings and exit")

const stopTimeout = 45 * time.Second

func newLogger(l config.Log) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if l.Development {
		cfg = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

// writer breaks the cycle between the node host and the engine it writes through.
type writer struct {
	e *engine.Engine
}

func (w *writer) HandleWrite(node string, value any) nodehost.Pending {
	return w.e.HandleWrite(node, value)
}

func fail(err error) {
	var ce *base.ConfigError
	if errors.As(err, &ce) {
		fmt.Fprintln(os.Stderr, base.ErrConfiguration)
		for _, p := range ce.Problems() {
			fmt.Fprintf(os.Stderr, "  %v\n", p)
		}
	} else {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(1)
}

func main() {
	flag.Parse()

	f, err := config.Load(*configFile, *envFile)
	if err != nil {
		fail(err)
	}
	if err := config.Validate(f); err != nil {
		fail(err)
	}
	dev, err := f.SessionConfig()
	if err != nil {
		fail(err)
	}

	zl, err := newLogger(f.Log)
	if err != nil {
		fail(err)
	}
	defer func() { _ = zl.Sync() }()
	logger := zl.Sugar()

	registry := mapping.New(logger)
	registry.Load(f.Profiles)

	w := &writer{}
	host := nodehost.New(f.NodeHostConfig(), w,
		nodehost.WithHostLogger(logger),
		nodehost.WithStatus(func() any { return w.e.Status() }),
	)
	eng := engine.New(dev, f.EngineConfig(), registry, host,
		engine.WithLogger(logger),
		engine.WithDialer(engine.SessionDialer(session.WithLogger(logger))),
	)
	w.e = eng

	if *once {
		host.Rebuild(registry.Current())
		readings, err := eng.PollOnce(context.Background())
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "OBIS\tNAME\tVALUE\tTIMESTAMP")
		for _, r := range readings {
			fmt.Fprintf(tw, "%s\t%s\t%v\t%s\n", r.Obis, r.Name, r.Value, r.Timestamp.Format(time.RFC3339))
		}
		tw.Flush()
		if err != nil {
			logger.Errorw("poll failed", "error", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		logger.Errorw("start failed", "error", err)
		os.Exit(1)
	}

	watcher := config.NewWatcher(*configFile, registry, eng, *envFile)
	watcher.SetLogger(logger)
	go func() {
		if err := watcher.Run(ctx); err != nil {
			logger.Warnw("configuration is not watched", "error", err)
		}
	}()

	logger.Infow("gateway running", "device", dev.String(), "profiles", registry.Current().Len())
	<-ctx.Done()
	logger.Infow("shutting down")

	sctx, scancel := context.WithTimeout(context.Background(), stopTimeout)
	defer scancel()
	if err := eng.Stop(sctx); err != nil {
		logger.Errorw("stop failed", "error", err)
	}
}
