package main

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/kelseyhightower/envconfig"

	"github.com/KaushikKC/CharmPay/internal/metrics"
)

type config struct {
	LogFormat   string `envconfig:"LOG_FORMAT" default:"text"`
	Network     string `default:"testnet3"`
	Concurrency int    `default:"2"`
	Metrics     metrics.Config

	Redis struct {
		URI string `required:"true"`
	}
	Esplora struct {
		URL string `required:"true"`
	}
	Prover struct {
		URL string `required:"true"`
	}
	Wallet struct {
		URL string `required:"true"`
	}
	Postgres struct {
		DSN string `required:"true"`
	}

	App struct {
		VK     string `required:"true"`
		Binary string `required:"true"`
	}

	Funding struct {
		FeeRate          float64       `default:"2"`
		MaxAttempts      int           `default:"3"`
		MaxRefreshCycles int           `default:"2"`
		SettleDelay      time.Duration `default:"5s"`
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

func netParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	}
	return nil, fmt.Errorf("unknown network %q", network)
}
