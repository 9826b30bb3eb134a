package bench

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"wrkloop/internal/stats"
)

// WriteDistribution prints the percentile spectrum of a microsecond latency
// histogram, in milliseconds.
func WriteDistribution(w io.Writer, st *stats.Stats) error {
	highest := int64(st.Max())
	if highest < 2 {
		highest = 2
	}

	h := hdrhistogram.New(1, highest, 3)
	var err error
	st.Each(func(value, count uint64) {
		if err == nil {
			err = h.RecordValues(int64(value), int64(count))
		}
	})
	if err != nil {
		return fmt.Errorf("build distribution: %w", err)
	}

	_, err = h.PercentilesPrint(w, 5, 1000)

	return err
}

// WriteBucketsCSV writes every populated latency bucket as
// "latencyUs,count".
func WriteBucketsCSV(filename string, st *stats.Stats) (err error) {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "latencyUs,count\n")
	st.Each(func(value, count uint64) {
		fmt.Fprintf(w, "%d,%d\n", value, count)
	})

	return w.Flush()
}

// WriteMetrics writes the report in the Prometheus text exposition format,
// e.g. for the node exporter's textfile collector.
func WriteMetrics(filename string, r *Report) error {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	labels := prometheus.Labels{"url": r.URL}

	factory.NewCounter(prometheus.CounterOpts{
		Name:        "wrkloop_requests_total",
		Help:        "Requests completed.",
		ConstLabels: labels,
	}).Add(float64(r.Complete))

	factory.NewCounter(prometheus.CounterOpts{
		Name:        "wrkloop_read_bytes_total",
		Help:        "Response bytes read.",
		ConstLabels: labels,
	}).Add(float64(r.Bytes))

	factory.NewCounter(prometheus.CounterOpts{
		Name:        "wrkloop_connections_total",
		Help:        "Connections opened.",
		ConstLabels: labels,
	}).Add(float64(r.Connects))

	factory.NewCounter(prometheus.CounterOpts{
		Name:        "wrkloop_latency_samples_dropped_total",
		Help:        "Completed requests whose latency exceeded the histogram range.",
		ConstLabels: labels,
	}).Add(float64(r.Dropped))

	factory.NewGauge(prometheus.GaugeOpts{
		Name:        "wrkloop_duration_seconds",
		Help:        "Wall time of the run.",
		ConstLabels: labels,
	}).Set(r.Duration.Seconds())

	factory.NewGauge(prometheus.GaugeOpts{
		Name:        "wrkloop_requests_per_second",
		Help:        "Completed requests per second over the run.",
		ConstLabels: labels,
	}).Set(r.RequestsPerSec())

	factory.NewGauge(prometheus.GaugeOpts{
		Name:        "wrkloop_transfer_bytes_per_second",
		Help:        "Response bytes read per second over the run.",
		ConstLabels: labels,
	}).Set(r.BytesPerSec())

	errs := factory.NewCounterVec(prometheus.CounterOpts{
		Name:        "wrkloop_errors_total",
		Help:        "Errors by kind.",
		ConstLabels: labels,
	}, []string{"kind"})
	errs.WithLabelValues("connect").Add(float64(r.Errors.Connect))
	errs.WithLabelValues("read").Add(float64(r.Errors.Read))
	errs.WithLabelValues("write").Add(float64(r.Errors.Write))
	errs.WithLabelValues("status").Add(float64(r.Errors.Status))
	errs.WithLabelValues("timeout").Add(float64(r.Errors.Timeout))

	codes := factory.NewCounterVec(prometheus.CounterOpts{
		Name:        "wrkloop_responses_total",
		Help:        "Responses by status code.",
		ConstLabels: labels,
	}, []string{"code"})
	for code, n := range r.Codes {
		codes.WithLabelValues(strconv.Itoa(code)).Add(float64(n))
	}

	latency := factory.NewGaugeVec(prometheus.GaugeOpts{
		Name:        "wrkloop_latency_seconds",
		Help:        "Request latency percentiles.",
		ConstLabels: labels,
	}, []string{"quantile"})
	for _, p := range []float64{50, 75, 90, 99, 100} {
		latency.WithLabelValues(strconv.FormatFloat(p/100, 'f', -1, 64)).Set(float64(r.Latency.Percentile(p)) / 1e6)
	}

	mean := r.Latency.Mean()
	factory.NewGauge(prometheus.GaugeOpts{
		Name:        "wrkloop_latency_mean_seconds",
		Help:        "Mean request latency.",
		ConstLabels: labels,
	}).Set(mean / 1e6)

	factory.NewGauge(prometheus.GaugeOpts{
		Name:        "wrkloop_latency_stdev_seconds",
		Help:        "Standard deviation of request latency.",
		ConstLabels: labels,
	}).Set(r.Latency.Stdev(mean) / 1e6)

	return prometheus.WriteToTextfile(filename, reg)
}
