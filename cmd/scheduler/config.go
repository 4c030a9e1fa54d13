package main

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/KaushikKC/CharmPay/internal/metrics"
)

type config struct {
	LogFormat    string        `envconfig:"LOG_FORMAT" default:"text"`
	TickInterval time.Duration `default:"1m"`
	Metrics      metrics.Config

	Redis struct {
		URI string `required:"true"`
	}
	Postgres struct {
		DSN string `required:"true"`
	}
}

func newConfig() (config, error) {
	var cfg config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return config{}, fmt.Errorf("failed to process env var: %w", err)
	}
	return cfg, nil
}
