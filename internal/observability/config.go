package observability

import (
	"strings"

	"github.com/smallbiznis/shopcredits/internal/config"
)

// Config is the slice of the process configuration the logging, tracing and
// metrics providers read.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OTLP OTLPConfig
}

type OTLPConfig struct {
	Enabled       bool
	Endpoint      string
	Protocol      string
	SamplingRatio float64
}

func NewConfig(cfg config.Config) Config {
	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = "shopcredits"
	}
	return Config{
		ServiceName: serviceName,
		Environment: strings.ToLower(strings.TrimSpace(cfg.Environment)),
		Version:     strings.TrimSpace(cfg.AppVersion),
		LogLevel:    cfg.LogLevel,
		LogFormat:   cfg.LogFormat,
		OTLP: OTLPConfig{
			Enabled:       cfg.OTLPEnabled,
			Endpoint:      cfg.OTLPEndpoint,
			Protocol:      cfg.OTLPProtocol,
			SamplingRatio: cfg.OTLPSamplingRatio,
		},
	}
}

// Development is true for local and test runs, or whenever debug logging is
// requested.
func (c Config) Development() bool {
	if c.LogLevel == "debug" {
		return true
	}
	switch c.Environment {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}
