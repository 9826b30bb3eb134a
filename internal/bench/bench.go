// Package bench coordinates a benchmark run: it starts one worker thread per
// configured thread, stops them after the run duration and merges their
// results into a Report.
package bench

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"wrkloop/internal/config"
	"wrkloop/internal/request"
	"wrkloop/internal/script"
	"wrkloop/internal/stats"
	"wrkloop/internal/tlsconn"
	"wrkloop/internal/worker"
)

type Benchmark struct {
	cfg *config.Config
	log *zap.Logger

	payload *request.Payload
	tls     *tls.Config
	proto   *lua.FunctionProto

	stop    atomic.Bool
	threads []*worker.Thread
}

// New prepares the request, TLS settings and script of a run. cfg must have
// passed Validate.
func New(cfg *config.Config, log *zap.Logger) (b *Benchmark, err error) {
	if log == nil {
		log = zap.NewNop()
	}

	b = &Benchmark{cfg: cfg, log: log}

	if cfg.RequestFile != "" {
		var raw []byte
		if raw, err = os.ReadFile(cfg.RequestFile); err != nil {
			return nil, fmt.Errorf("read request file: %w", err)
		}
		if b.payload, err = request.FromRaw(raw); err != nil {
			return nil, fmt.Errorf("request file %s: %w", cfg.RequestFile, err)
		}
	} else {
		b.payload = cfg.Target.Default(cfg.Method, cfg.Headers, b.body())
	}

	if cfg.Target.TLS() {
		if b.tls, err = tlsconn.ClientConfig(cfg.Target.Host, cfg.TLSInsecure, cfg.TLSCAFile); err != nil {
			return nil, err
		}
	}

	if cfg.Script != "" {
		if b.proto, err = script.Compile(cfg.Script); err != nil {
			return nil, err
		}
	}

	return b, nil
}

func (b *Benchmark) body() []byte {
	if b.cfg.Body == "" {
		return nil
	}
	return []byte(b.cfg.Body)
}

func (b *Benchmark) scriptEnv() script.Env {
	return script.Env{
		Target:  b.cfg.Target,
		Method:  b.cfg.Method,
		Headers: b.cfg.Headers,
		Body:    b.body(),
	}
}

// Distribute splits total connections over threads, giving the remainder to
// the earliest threads.
func Distribute(total, threads int) []int {
	counts := make([]int, threads)
	for i := range counts {
		counts[i] = total / threads
		if i < total%threads {
			counts[i]++
		}
	}

	return counts
}

// histogramLimit sizes latency histograms so any response arriving before
// the timeout fits.
func histogramLimit(timeout time.Duration) uint64 {
	limit := uint64(timeout/time.Microsecond) + 1
	if limit > stats.MaxLimit {
		limit = stats.MaxLimit
	}

	return limit
}

// Run executes the benchmark until the configured duration has passed or ctx
// is cancelled. A cancelled run still returns its report.
func (b *Benchmark) Run(ctx context.Context) (*Report, error) {
	cfg := b.cfg

	addr, err := cfg.Target.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	counts := Distribute(cfg.Connections, cfg.Threads)
	limit := histogramLimit(cfg.Timeout)

	// All memory is claimed before the first thread starts.
	latencies := make([]*stats.Stats, cfg.Threads)
	for i := range latencies {
		if latencies[i], err = stats.New(limit); err != nil {
			return nil, fmt.Errorf("thread %d latency histogram: %w", i, err)
		}
	}

	var doneScript *script.Script
	var scripts []*script.Script
	defer func() {
		for _, s := range scripts {
			s.Close()
		}
		if doneScript != nil {
			doneScript.Close()
		}
	}()

	if b.proto != nil {
		if doneScript, err = script.New(b.proto, b.scriptEnv(), b.log); err != nil {
			return nil, err
		}
		if !doneScript.HasDone() {
			doneScript.Close()
			doneScript = nil
		}
	}

	b.stop.Store(false)
	b.threads = make([]*worker.Thread, cfg.Threads)
	started := false
	defer func() {
		if started {
			return
		}
		for _, t := range b.threads {
			if t != nil {
				t.Close()
			}
		}
	}()

	for i := range b.threads {
		wcfg := worker.Config{
			Addr:           addr,
			TLS:            b.tls,
			Request:        b.payload,
			Pipeline:       cfg.Pipeline,
			Timeout:        cfg.Timeout,
			ReconnectDelay: cfg.ReconnectDelay,
			Rate:           float64(cfg.Rate) / float64(cfg.Threads),
			Logger:         b.log,
		}

		if b.proto != nil {
			s, err := script.New(b.proto, b.scriptEnv(), b.log.With(zap.Int("thread", i)))
			if err != nil {
				return nil, err
			}
			scripts = append(scripts, s)
			if err = s.Init(i, cfg.ScriptArgs); err != nil {
				return nil, err
			}
			if cfg.RequestFile == "" {
				if p := s.Static(); p != nil {
					wcfg.Request = p
				}
			}
			wcfg.Script = s
		}

		if b.threads[i], err = worker.NewThread(i, counts[i], wcfg, latencies[i], b.stop.Load); err != nil {
			return nil, err
		}
	}

	b.log.Info("Starting benchmark",
		zap.String("url", cfg.URL),
		zap.Stringer("addr", addr),
		zap.Int("threads", cfg.Threads),
		zap.Int("connections", cfg.Connections),
		zap.Duration("duration", cfg.Duration))

	started = true
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range b.threads {
		g.Go(t.Run)
	}

	timer := time.NewTimer(cfg.Duration)
	select {
	case <-timer.C:
	case <-gctx.Done():
		timer.Stop()
		if ctx.Err() != nil {
			b.log.Info("Benchmark interrupted, draining in-flight requests")
		}
	}

	b.stop.Store(true)
	for _, t := range b.threads {
		t.Wake()
	}

	err = g.Wait()
	elapsed := time.Since(start)
	if err != nil {
		return nil, err
	}

	r, err := b.merge(elapsed)
	if err != nil {
		return nil, err
	}

	if doneScript != nil {
		doneScript.Done(script.Summary{
			Duration: r.Duration,
			Requests: r.Complete,
			Bytes:    r.Bytes,
			Errors:   r.Errors,
		}, r.Latency, r.Rates)
	}

	return r, nil
}

// merge folds per-thread results into one report. Threads must have stopped.
func (b *Benchmark) merge(elapsed time.Duration) (*Report, error) {
	cfg := b.cfg
	r := &Report{
		URL:         cfg.URL,
		Threads:     cfg.Threads,
		Connections: cfg.Connections,
		Duration:    elapsed,
		Codes:       make(map[int]uint64),
	}

	for i, t := range b.threads {
		r.Connects += t.Connections
		r.Requests += t.Requests
		r.Complete += t.Complete
		r.Bytes += t.Bytes
		r.Dropped += t.Dropped
		r.Errors.Add(t.Errors)

		for code, n := range t.Codes {
			if n != 0 {
				r.Codes[code] += n
			}
		}

		if i == 0 {
			r.Latency = t.Latency
			r.Rates = hdrhistogram.Import(t.Rates.Export())
			continue
		}
		if err := r.Latency.Merge(t.Latency); err != nil {
			return nil, fmt.Errorf("merge thread %d latency: %w", i, err)
		}
		r.Rates.Merge(t.Rates)
	}

	r.Recorded = r.Latency.Count()
	if cfg.LatencyCorrect {
		r.correct()
	}

	if r.Dropped > 0 {
		b.log.Warn("Latency samples beyond histogram range were dropped",
			zap.Uint64("dropped", r.Dropped),
			zap.Uint64("recorded", r.Recorded),
			zap.Uint64("completed", r.Complete))
	}

	return r, nil
}
