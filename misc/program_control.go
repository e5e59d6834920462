package misc

import (
	"time"
)

var (
	// StartupTime is the timestamp captured when this program started.
	StartupTime = time.Now()
	// ConfigFilePath is the absolute path to JSON configuration file that was used to launch this program.
	ConfigFilePath string
	// EnablePrometheusIntegration is a program-global flag that determines whether to enable integration with prometheus by collecting and
	// serving metrics readings.
	EnablePrometheusIntegration bool
)
