package bench

import (
	"fmt"
	"io"
	"sort"
	"time"
	"unicode"

	"github.com/HdrHistogram/hdrhistogram-go"

	"wrkloop/internal/stats"
	"wrkloop/internal/units"
)

// percentiles printed in the latency distribution.
var percentiles = []float64{50, 75, 90, 99}

type Report struct {
	URL         string
	Threads     int
	Connections int
	// Duration is the wall time from thread start to the last thread exit.
	Duration time.Duration

	Connects uint64
	Requests uint64
	Complete uint64
	Bytes    uint64
	// Dropped counts completed requests whose latency did not fit the
	// histogram.
	Dropped uint64
	// Recorded is the number of measured latency samples, taken before any
	// coordinated omission correction adds synthetic ones.
	Recorded uint64
	Errors   stats.Errors
	Codes    map[int]uint64

	// Latency is in microseconds. Rates holds requests/sec samples per
	// thread.
	Latency   *stats.Stats
	Rates     *hdrhistogram.Histogram
	Corrected bool
}

func (r *Report) RequestsPerSec() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Complete) / r.Duration.Seconds()
}

func (r *Report) BytesPerSec() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Bytes) / r.Duration.Seconds()
}

// correct applies coordinated omission correction to the latency histogram,
// expecting each connection to issue requests at its average pace over the
// run.
func (r *Report) correct() {
	if r.Connections <= 0 {
		return
	}

	perConn := r.Complete / uint64(r.Connections)
	if perConn == 0 {
		return
	}
	r.Latency.Correct(uint64(r.Duration/time.Microsecond) / perConn)
	r.Corrected = true
}

// NonSuccess is the number of responses with a status outside 2xx and 3xx.
func (r *Report) NonSuccess() (n uint64) {
	for code, c := range r.Codes {
		if code < 200 || code > 399 {
			n += c
		}
	}
	return
}

// PrintHeader prints the banner shown before a run starts.
func PrintHeader(w io.Writer, url string, duration time.Duration, threads, connections int) {
	fmt.Fprintf(w, "Running %s test @ %s\n", units.FormatTimeUs(float64(duration/time.Microsecond)), url)
	fmt.Fprintf(w, "  %d threads and %d connections\n", threads, connections)
}

// Print writes the report. detailed adds the latency distribution and the
// full percentile spectrum.
func (r *Report) Print(w io.Writer, detailed bool) {
	fmt.Fprintf(w, "  Thread Stats%6s%11s%8s%12s\n", "Avg", "Stdev", "Max", "+/- Stdev")
	r.printLatency(w)
	r.printRates(w)

	if detailed {
		fmt.Fprintf(w, "  Latency Distribution\n")
		for _, p := range percentiles {
			fmt.Fprintf(w, "%7.0f%%", p)
			printUnits(w, units.FormatTimeUs(float64(r.Latency.Percentile(p))), 10)
			fmt.Fprintf(w, "\n")
		}
		if r.Latency.Count() > 0 {
			fmt.Fprintf(w, "\n  Detailed Percentile spectrum:\n")
			if err := WriteDistribution(w, r.Latency); err != nil {
				fmt.Fprintf(w, "  (unavailable: %v)\n", err)
			}
		}
	}

	fmt.Fprintf(w, "  %d requests in %s, %s read\n",
		r.Complete, units.FormatTimeUs(float64(r.Duration/time.Microsecond)), units.FormatBinary(float64(r.Bytes)))

	e := r.Errors
	if e.Socket() > 0 {
		fmt.Fprintf(w, "  Socket errors: connect %d, read %d, write %d, timeout %d\n", e.Connect, e.Read, e.Write, e.Timeout)
	}

	if n := r.NonSuccess(); n > 0 {
		fmt.Fprintf(w, "  Non-2xx or 3xx responses: %d\n", n)
		codes := make([]int, 0, len(r.Codes))
		for code := range r.Codes {
			if code < 200 || code > 399 {
				codes = append(codes, code)
			}
		}
		sort.Ints(codes)
		for _, code := range codes {
			fmt.Fprintf(w, "    %03d: %d\n", code, r.Codes[code])
		}
	}

	if r.Dropped > 0 {
		fmt.Fprintf(w, "  Latency samples: %d recorded, %d completed (%d out of range)\n", r.Recorded, r.Complete, r.Dropped)
	}
	if r.Corrected {
		fmt.Fprintf(w, "  Latency corrected for coordinated omission\n")
	}

	fmt.Fprintf(w, "Requests/sec: %9.2f\n", r.RequestsPerSec())
	fmt.Fprintf(w, "Transfer/sec: %10s\n", units.FormatBinary(r.BytesPerSec()))
}

func (r *Report) printLatency(w io.Writer) {
	st := r.Latency
	mean := st.Mean()
	stdev := st.Stdev(mean)

	fmt.Fprintf(w, "    %-10s", "Latency")
	printUnits(w, units.FormatTimeUs(mean), 8)
	printUnits(w, units.FormatTimeUs(stdev), 10)
	printUnits(w, units.FormatTimeUs(float64(st.Max())), 9)
	fmt.Fprintf(w, "%8.2f%%\n", 100*st.WithinStdev(mean, stdev, 1))
}

func (r *Report) printRates(w io.Writer) {
	h := r.Rates
	var mean, stdev, peak, within float64
	if h != nil && h.TotalCount() > 0 {
		mean = h.Mean()
		stdev = h.StdDev()
		peak = float64(h.Max())
		within = withinStdev(h, mean, stdev)
	}

	fmt.Fprintf(w, "    %-10s", "Req/Sec")
	printUnits(w, units.FormatMetric(mean), 8)
	printUnits(w, units.FormatMetric(stdev), 10)
	printUnits(w, units.FormatMetric(peak), 9)
	fmt.Fprintf(w, "%8.2f%%\n", within)
}

// withinStdev is the percentage of samples within one standard deviation of
// the mean.
func withinStdev(h *hdrhistogram.Histogram, mean, stdev float64) float64 {
	var in int64
	for _, b := range h.Distribution() {
		if b.Count == 0 {
			continue
		}
		v := float64(b.From)
		if v >= mean-stdev && v <= mean+stdev {
			in += b.Count
		}
	}

	return 100 * float64(in) / float64(h.TotalCount())
}

// printUnits right-aligns a formatted quantity so values with one, two or no
// unit letters line up in a column.
func printUnits(w io.Writer, msg string, width int) {
	pad := 2
	if n := len(msg); n > 0 && unicode.IsLetter(rune(msg[n-1])) {
		pad--
		if n > 1 && unicode.IsLetter(rune(msg[n-2])) {
			pad--
		}
	}

	fmt.Fprintf(w, "%*s%*s", width-pad, msg, pad, "")
}
