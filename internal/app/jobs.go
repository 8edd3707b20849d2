package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/petzap/wabridge/internal/registry"
	"github.com/petzap/wabridge/pkg/metrics"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// InitJobs starts the background jobs operating on the registry: the
// daily stale-session sweep and the connection gauge refresh.
func (a *Application) InitJobs(reg *registry.Registry) {
	loc, _ := time.LoadLocation(a.appConfig.System.Location)
	a.sched = cron.New(cron.WithLocation(loc), cron.WithParser(cronParser))

	var err error
	_, err = a.sched.AddFunc("@every 30s", func() {
		metrics.ActiveConnections.Set(float64(reg.Count()))
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	_, err = a.sched.AddFunc("@daily", func() {
		a.SchedCleanupSessions(reg)
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	a.sched.Start()
}

// SchedCleanupSessions removes session directories idle longer than
// the configured threshold.
func (a *Application) SchedCleanupSessions(reg *registry.Registry) {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	days := a.appConfig.Sessions.CleanupDays
	if days <= 0 {
		days = 30
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	removed, err := reg.CleanupOldSessions(ctx, time.Duration(days)*24*time.Hour)
	if err != nil {
		zap.S().Errorf("session cleanup error %s", err.Error())
		return
	}
	if removed > 0 {
		zap.S().Infof("session cleanup removed %d stale sessions", removed)
	}
}
