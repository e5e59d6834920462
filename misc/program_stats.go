package misc

import (
	"fmt"
)

var (
	reactorStatsDisplayFormat = StatsDisplayFormat{DivisionFactor: 1000000, NumDecimals: 3}

	// TunnelDNSStats measures the processing duration of each tunnel DNS query in milliseconds.
	TunnelDNSStats = NewStats(reactorStatsDisplayFormat)
	// TunnelRawStats measures the processing duration of each raw UDP tunnel frame in milliseconds.
	TunnelRawStats = NewStats(reactorStatsDisplayFormat)
	// TunnelDeviceStats measures the processing duration of each packet read from the tunnel device in milliseconds.
	TunnelDeviceStats = NewStats(reactorStatsDisplayFormat)
	// TunnelSweepStats measures the duration of each periodic sweep in milliseconds.
	TunnelSweepStats = NewStats(reactorStatsDisplayFormat)
)

// GetLatestStats returns statistic information from the tunnel in a piece of multi-line, formatted text.
func GetLatestStats() string {
	return fmt.Sprintf(`Tunnel DNS queries (ms)   %s
Tunnel raw frames (ms)    %s
Tunnel device (ms)        %s
Periodic sweeps (ms)      %s
`,
		TunnelDNSStats.Format(),
		TunnelRawStats.Format(),
		TunnelDeviceStats.Format(),
		TunnelSweepStats.Format(),
	)
}
