// Package config defines the configuration of the shardjob process.
//
// Each field can be set by a flag, an ENV or a YAML configuration file, see Bind.
package config

import (
	"context"
	"strings"

	"github.com/keboola/keboola-shardjob/internal/pkg/log"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/etcdclient"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/node"
	"github.com/keboola/keboola-shardjob/internal/pkg/validator"
)

const (
	EnvPrefix            = "SHARDJOB_"
	DefaultMetricsListen = "0.0.0.0:9000"
)

type Config struct {
	DebugLog      bool              `json:"debugLog" mapstructure:"debug-log" usage:"Enable logging at DEBUG level."`
	LogFormat     string            `json:"logFormat" mapstructure:"log-format" usage:"Log format, json or console." validate:"required,oneof=json console"`
	NodeID        string            `json:"nodeID" mapstructure:"node-id" usage:"Unique ID of the job instance, generated if empty."`
	Hostname      string            `json:"hostname" mapstructure:"hostname" usage:"Host name of the server, detected if empty."`
	JobFile       string            `json:"jobFile" mapstructure:"job-file" usage:"Path to the YAML file with job definitions."`
	MetricsListen string            `json:"metricsListen" mapstructure:"metrics-listen" usage:"Prometheus scraping metrics listen address, disabled if empty." validate:"omitempty,hostname_port"`
	Etcd          etcdclient.Config `json:"etcd" mapstructure:"etcd"`
	Node          node.Config       `json:"node" mapstructure:"node"`
}

func New() Config {
	return Config{
		LogFormat:     string(log.FormatJSON),
		MetricsListen: DefaultMetricsListen,
		Etcd:          etcdclient.NewConfig(),
		Node:          node.NewConfig(),
	}
}

func (c *Config) Normalize() {
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.NodeID = strings.TrimSpace(c.NodeID)
	c.Hostname = strings.TrimSpace(c.Hostname)
	c.JobFile = strings.TrimSpace(c.JobFile)
	c.MetricsListen = strings.TrimSpace(c.MetricsListen)
	c.Etcd.Normalize()
}

func (c Config) Validate(ctx context.Context, val *validator.Validator) error {
	return val.Validate(ctx, c)
}
