package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/HouzuoGuo/ipoverdns/daemon/common"
	"github.com/HouzuoGuo/ipoverdns/lalog"
	"github.com/HouzuoGuo/ipoverdns/misc"
)

var logger = &lalog.Logger{ComponentName: "main", ComponentID: []lalog.LoggerIDField{{Key: "PID", Value: os.Getpid()}}}

// serveMetrics serves prometheus metrics over HTTP in the background.
func serveMetrics(addr string) {
	prom := &common.HandlePrometheus{}
	prom.Initialise()
	mux := http.NewServeMux()
	mux.Handle("/metrics", prom)
	go func() {
		logger.Info("serveMetrics", addr, nil, "serving prometheus metrics")
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Warning("serveMetrics", addr, err, "metrics server has stopped")
		}
	}()
}

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "", "(Mandatory) path to configuration file in JSON syntax")
	flag.BoolVar(&misc.EnablePrometheusIntegration, "prominteg", false, "(Optional) collect tunnel metrics and serve them at MetricsAddress")
	flag.Parse()

	if configFile == "" {
		flag.PrintDefaults()
		logger.Abort("main", "", nil, "please provide a configuration file (-config)")
		return
	}
	var err error
	misc.ConfigFilePath, err = filepath.Abs(configFile)
	if err != nil {
		logger.Abort("main", "", err, "failed to determine absolute path of config file \"%s\"", configFile)
		return
	}
	configBytes, err := os.ReadFile(misc.ConfigFilePath)
	if err != nil {
		logger.Abort("main", "", err, "failed to read config file \"%s\"", misc.ConfigFilePath)
		return
	}
	var config Config
	if err := config.DeserialiseFromJSON(configBytes); err != nil {
		logger.Abort("main", "", err, "failed to deserialise config file \"%s\"", misc.ConfigFilePath)
		return
	}
	daemon := config.GetTunnelDaemon()
	if misc.EnablePrometheusIntegration && config.MetricsAddress != "" {
		serveMetrics(config.MetricsAddress)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("main", "", nil, "received signal %v, stopping the tunnel", sig)
		daemon.Stop()
	}()
	if err := daemon.StartAndBlock(); err != nil {
		logger.Abort("main", "", err, "tunnel daemon has failed")
		return
	}
	logger.Info("main", "", nil, "tunnel has stopped since %s, stats:\n%s", misc.StartupTime.Format("2006-01-02 15:04:05"), misc.GetLatestStats())
}
