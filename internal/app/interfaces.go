package app

import (
	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"

	"github.com/petzap/wabridge/config"
	"github.com/petzap/wabridge/internal/notify"
)

// ConfigProvider provides application configuration
type ConfigProvider interface {
	Config() *config.AppConfig
}

// CacheProvider provides redis access for the cache and queue tiers
type CacheProvider interface {
	Redis() *redis.Client
}

// SchedulerProvider provides task scheduling capability
type SchedulerProvider interface {
	Scheduler() *cron.Cron
}

// NotifierProvider provides the realtime notification bus
type NotifierProvider interface {
	Notifier() *notify.Notifier
}

// AppContext combines all provider interfaces for full application context.
// Services should depend on specific providers or this combined interface.
type AppContext interface {
	ConfigProvider
	CacheProvider
	SchedulerProvider
	NotifierProvider
}
