package main

import (
	"encoding/json"
	"fmt"

	"github.com/HouzuoGuo/ipoverdns/daemon/tund"
	"github.com/HouzuoGuo/ipoverdns/lalog"
)

// Config is the JSON-compatible configuration of the tunnel server program.
type Config struct {
	// TunnelDaemon is the tunnel server configuration.
	TunnelDaemon tund.Daemon `json:"TunnelDaemon"`
	// MetricsAddress is the optional host:port of the HTTP server that serves prometheus metrics.
	MetricsAddress string `json:"MetricsAddress"`

	logger *lalog.Logger
}

// DeserialiseFromJSON deserialises JSON properties from the input JSON text into the configuration.
func (config *Config) DeserialiseFromJSON(in []byte) error {
	config.logger = &lalog.Logger{ComponentName: "Config"}
	if err := json.Unmarshal(in, config); err != nil {
		return fmt.Errorf("Config.DeserialiseFromJSON: failed to parse configuration - %w", err)
	}
	return nil
}

// GetTunnelDaemon initialises the tunnel daemon and returns it.
func (config *Config) GetTunnelDaemon() *tund.Daemon {
	ret := config.TunnelDaemon
	if err := ret.Initialise(); err != nil {
		config.logger.Abort("GetTunnelDaemon", "", err, "failed to initialise")
		return nil
	}
	return &ret
}
