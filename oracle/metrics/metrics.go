package metrics

import (
	"net/http"
	"sync"
	"time"

	gometrics "github.com/armon/go-metrics"
	gometricsprom "github.com/armon/go-metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GPTx-global/oracle-dispatcher/oracle/types"
)

var (
	mu       sync.RWMutex
	registry = prometheus.NewRegistry()
)

// Init installs the global go-metrics instance backed by a prometheus sink.
// Until Init is called every helper writes to the go-metrics blackhole sink.
func Init(service string) error {
	reg := prometheus.NewRegistry()
	sink, err := gometricsprom.NewPrometheusSinkFrom(gometricsprom.PrometheusOpts{
		Registerer: reg,
	})
	if err != nil {
		return err
	}

	conf := gometrics.DefaultConfig(service)
	conf.EnableHostname = false
	conf.EnableHostnameLabel = false
	conf.EnableRuntimeMetrics = false

	if _, err := gometrics.NewGlobal(conf, sink); err != nil {
		return err
	}

	mu.Lock()
	registry = reg
	mu.Unlock()
	return nil
}

// Handler serves the registry populated by the sink installed in Init.
func Handler() http.Handler {
	mu.RLock()
	reg := registry
	mu.RUnlock()
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func classLabel(class string) []gometrics.Label {
	return []gometrics.Label{{Name: "class", Value: class}}
}

// SkippedTick counts a due oracle that could not be enqueued because its slot was held.
func SkippedTick(class string) {
	gometrics.IncrCounterWithLabels([]string{"scheduler", "skipped_ticks"}, 1, classLabel(class))
}

func Tick(class string) {
	gometrics.IncrCounterWithLabels([]string{"scheduler", "ticks"}, 1, classLabel(class))
}

func JobTerminal(state types.JobState, trigger types.Trigger) {
	gometrics.IncrCounterWithLabels([]string{"jobs", "terminal"}, 1, []gometrics.Label{
		{Name: "state", Value: state.String()},
		{Name: "trigger", Value: trigger.String()},
	})
}

func Attempt() {
	gometrics.IncrCounter([]string{"jobs", "attempts"}, 1)
}

func JobLatency(start time.Time) {
	gometrics.MeasureSince([]string{"jobs", "latency"}, start)
}

func Submitted() {
	gometrics.IncrCounter([]string{"chain", "submitted"}, 1)
}

func FetchFailed(kind types.FetchErrorKind) {
	gometrics.IncrCounterWithLabels([]string{"fetch", "failures"}, 1, []gometrics.Label{{Name: "kind", Value: kind.String()}})
}

func ActiveJobs(n int) {
	gometrics.SetGauge([]string{"jobs", "active"}, float32(n))
}
