// Package config turns command line flags, WRKLOOP_* environment variables
// and an optional config file into a validated run configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"wrkloop/internal/request"
	"wrkloop/internal/units"
)

var ErrInvalid = errors.New("invalid configuration")

const envPrefix = "WRKLOOP"

type Config struct {
	URL            string
	Threads        int
	Connections    int
	Duration       time.Duration
	Timeout        time.Duration
	Pipeline       int
	Rate           uint64
	Method         string
	Headers        []request.Header
	Body           string
	RequestFile    string
	Script         string
	ScriptArgs     []string
	Latency        bool
	LatencyCorrect bool
	TLSInsecure    bool
	TLSCAFile      string
	ReconnectDelay time.Duration
	LogLevel       string
	LogFormat      string
	Pprof          string
	MetricsFile    string
	LatencyCSV     string

	Target *request.Target
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("wrkloop", pflag.ContinueOnError)
	fs.SortFlags = false

	fs.StringP("url", "u", "", "Target URL. May also be given as the first positional argument.")
	fs.IntP("threads", "t", 2, "Number of OS threads, each running its own event loop.")
	fs.StringP("connections", "c", "10", "Total number of connections to keep open, split across threads. Accepts SI suffixes, e.g. 10k.")
	fs.StringP("duration", "d", "10s", "Duration of the test, e.g. 30s, 2m. A bare number is taken as seconds.")
	fs.String("timeout", "2s", "Max time to wait for a response before counting the request as timed out.")
	fs.IntP("pipeline", "p", 1, "Number of requests written on a connection before waiting for responses.")
	fs.StringP("rate", "R", "0", "Total requests per second across all connections. 0 means as fast as possible.")
	fs.StringP("method", "m", "GET", "Request method of the default request.")
	fs.StringArrayP("header", "H", nil, "Header to add to the default request, e.g. \"X-Token: abc\". May be repeated.")
	fs.StringP("body", "b", "", "Body of the default request.")
	fs.String("request-file", "", "Path to a file containing a full HTTP request in raw form. {{bodylength}} is replaced by the body length.")
	fs.StringP("script", "s", "", "Lua script with request, response, delay, init and done hooks. Arguments after -- are passed to init.")
	fs.Bool("latency", false, "Print the detailed latency distribution.")
	fs.Bool("latency-correct", false, "Correct the latency histogram for coordinated omission.")
	fs.Bool("tls-insecure", true, "Skip TLS server certificate verification.")
	fs.String("tls-ca-file", "", "PEM file with CA certificates used to verify the server.")
	fs.String("reconnect-delay", "10ms", "Delay before reconnecting after a failed connect.")
	fs.String("log-level", "info", "Log level: debug, info, warn or error.")
	fs.String("log-format", "console", "Log format: console or json.")
	fs.String("pprof", "", "Address of a pprof HTTP listener, e.g. localhost:6060. Disabled when empty.")
	fs.String("metrics-file", "", "Write the report in Prometheus text format to this file.")
	fs.String("latency-csv", "", "Write populated latency buckets (microseconds,count) to this CSV file.")
	fs.String("config", "", "Config file (json, yaml or toml) with any of the options above.")

	return fs
}

// Usage returns the flag help text.
func Usage() string {
	return "Usage: wrkloop [options] <url> [-- script args]\n" + newFlagSet().FlagUsages()
}

// Load parses args (without the program name). pflag.ErrHelp is returned
// unwrapped when help was requested.
func Load(args []string) (*Config, error) {
	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	c, err := fromViper(v)
	if err != nil {
		return nil, err
	}

	positional := fs.Args()
	dash := fs.ArgsLenAtDash()
	if dash == -1 {
		dash = len(positional)
	}
	if c.URL == "" && dash > 0 {
		c.URL = positional[0]
		positional = append(positional[:0:0], positional[1:]...)
		dash--
	}
	if dash > 0 {
		return nil, fmt.Errorf("%w: unexpected arguments %q", ErrInvalid, positional[:dash])
	}
	c.ScriptArgs = positional[dash:]

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

func fromViper(v *viper.Viper) (c *Config, err error) {
	c = &Config{
		URL:            v.GetString("url"),
		Threads:        v.GetInt("threads"),
		Pipeline:       v.GetInt("pipeline"),
		Method:         v.GetString("method"),
		Body:           v.GetString("body"),
		RequestFile:    v.GetString("request-file"),
		Script:         v.GetString("script"),
		Latency:        v.GetBool("latency"),
		LatencyCorrect: v.GetBool("latency-correct"),
		TLSInsecure:    v.GetBool("tls-insecure"),
		TLSCAFile:      v.GetString("tls-ca-file"),
		LogLevel:       v.GetString("log-level"),
		LogFormat:      v.GetString("log-format"),
		Pprof:          v.GetString("pprof"),
		MetricsFile:    v.GetString("metrics-file"),
		LatencyCSV:     v.GetString("latency-csv"),
	}

	connections, err := units.ParseMetric(v.GetString("connections"))
	if err != nil {
		return nil, fmt.Errorf("%w: connections: %w", ErrInvalid, err)
	}
	c.Connections = int(connections)

	if c.Rate, err = units.ParseMetric(v.GetString("rate")); err != nil {
		return nil, fmt.Errorf("%w: rate: %w", ErrInvalid, err)
	}

	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"duration", &c.Duration},
		{"timeout", &c.Timeout},
		{"reconnect-delay", &c.ReconnectDelay},
	} {
		if *d.dst, err = units.ParseDuration(v.GetString(d.key)); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalid, d.key, err)
		}
	}

	for _, raw := range headerList(v) {
		h, ok := request.ParseHeader(raw)
		if !ok {
			return nil, fmt.Errorf("%w: malformed header %q", ErrInvalid, raw)
		}
		c.Headers = append(c.Headers, h)
	}

	return c, nil
}

// headerList keeps a header from the environment in one piece; viper would
// split it on whitespace.
func headerList(v *viper.Viper) []string {
	if s, ok := v.Get("header").(string); ok {
		if s == "" {
			return nil
		}
		return []string{s}
	}

	return v.GetStringSlice("header")
}

// Validate rejects combinations the benchmark cannot run and parses the
// target URL.
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("%w: no URL given", ErrInvalid)
	}

	target, err := request.ParseTarget(c.URL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	c.Target = target

	switch {
	case c.Threads < 1:
		return fmt.Errorf("%w: threads must be at least 1", ErrInvalid)
	case c.Connections < c.Threads:
		return fmt.Errorf("%w: number of connections (%d) must be >= threads (%d)", ErrInvalid, c.Connections, c.Threads)
	case c.Pipeline < 1:
		return fmt.Errorf("%w: pipeline must be at least 1", ErrInvalid)
	case c.Duration <= 0:
		return fmt.Errorf("%w: duration must be positive", ErrInvalid)
	case c.Timeout <= 0:
		return fmt.Errorf("%w: timeout must be positive", ErrInvalid)
	case c.RequestFile != "" && (c.Body != "" || len(c.Headers) > 0):
		return fmt.Errorf("%w: request-file cannot be combined with header or body", ErrInvalid)
	}

	return nil
}
