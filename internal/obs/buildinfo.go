package obs

import (
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	// buildInfo: gauge со статич. значением 1 и метками версии/коммита.
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "duoclean_build_info",
			Help: "Cleanup service build information.",
		},
		[]string{"version", "commit", "goversion"},
	)
)

// InitBuildInfo registers duoclean_build_info once and sets it for this binary.
func InitBuildInfo(version, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	if commit == "" {
		commit = "unknown"
	}
	buildInfo.WithLabelValues(version, commit, runtime.Version()).Set(1)
}
