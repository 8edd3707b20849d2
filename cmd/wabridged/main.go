package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/petzap/wabridge/config"
	"github.com/petzap/wabridge/internal/adminapi"
	"github.com/petzap/wabridge/internal/app"
	"github.com/petzap/wabridge/internal/dispatch"
	"github.com/petzap/wabridge/internal/pairing"
	"github.com/petzap/wabridge/internal/queue"
	"github.com/petzap/wabridge/internal/registry"
	"github.com/petzap/wabridge/internal/session"
	"github.com/petzap/wabridge/internal/supervisor"
	"github.com/petzap/wabridge/internal/transport/meow"
)

var (
	cfile = flag.String("c", "wabridge.yml", "config file")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*cfile)
	if err != nil {
		panic(err)
	}

	application := app.NewApplication(cfg)
	application.Init(cfg)
	defer application.Release()

	sessions := session.NewManager(
		cfg.Sessions.Path,
		session.NewRedisCache(application.Redis()),
		time.Duration(cfg.Sessions.CacheTTL)*time.Second,
	)
	sup := supervisor.New(supervisor.Config{
		MaxAttempts: cfg.Reconnect.MaxAttempts,
		BaseDelay:   time.Duration(cfg.Reconnect.BaseDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.Reconnect.MaxDelayMs) * time.Millisecond,
		Multiplier:  cfg.Reconnect.Multiplier,
	})
	disp := dispatch.NewDispatcher(
		queue.NewRedisQueue(application.Redis()),
		cfg.Queue.Topic,
		cfg.Queue.MaxAttempts,
	)
	reg := registry.New(
		meow.NewProvider(),
		sessions,
		sup,
		pairing.NewNegotiator(application.Notifier()),
		disp,
		application.Notifier(),
		time.Duration(cfg.Sessions.AuthTimeout)*time.Second,
	)

	application.InitJobs(reg)
	srv := adminapi.NewServer(reg, sessions)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(cfg.Web.Listen)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		reg.Shutdown(shutdownCtx)
		return srv.Echo().Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		zap.L().Error("server exited", zap.Error(err))
	}
	zap.L().Info("shutdown complete")
}
