// Package script runs the optional Lua hooks that customize requests and
// observe responses. Each worker thread owns one Script and calls it only
// from its own goroutine.
package script

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
	"go.uber.org/zap"

	"wrkloop/internal/request"
	"wrkloop/internal/stats"
)

const (
	fnInit     = "init"
	fnRequest  = "request"
	fnDelay    = "delay"
	fnResponse = "response"
	fnDone     = "done"
)

// Compile reads and compiles a script file. The result may be shared by any
// number of Scripts.
func Compile(path string) (*lua.FunctionProto, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	chunk, err := parse.Parse(bufio.NewReader(file), path)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	proto, err := lua.Compile(chunk, path)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", path, err)
	}

	return proto, nil
}

// Env is what the script sees as the initial wrk table.
type Env struct {
	Target  *request.Target
	Method  string
	Headers []request.Header
	Body    []byte
}

type Script struct {
	L         *lua.LState
	wrk       *lua.LTable
	authority string
	log       *zap.Logger
	failed    map[string]bool

	request  *lua.LFunction
	delay    *lua.LFunction
	response *lua.LFunction
	done     *lua.LFunction
}

// New runs the compiled chunk in a fresh state.
func New(proto *lua.FunctionProto, env Env, log *zap.Logger) (*Script, error) {
	if log == nil {
		log = zap.NewNop()
	}

	s := &Script{
		L:         lua.NewState(),
		authority: env.Target.Authority,
		log:       log,
		failed:    make(map[string]bool),
	}
	s.wrk = s.newWrk(env)
	s.L.SetGlobal("wrk", s.wrk)

	s.L.Push(s.L.NewFunctionFromProto(proto))
	if err := s.L.PCall(0, lua.MultRet, nil); err != nil {
		s.L.Close()
		return nil, fmt.Errorf("run script: %w", err)
	}

	s.request = s.function(fnRequest)
	s.delay = s.function(fnDelay)
	s.response = s.function(fnResponse)
	s.done = s.function(fnDone)

	return s, nil
}

// Init binds the state to a worker thread, exposed as wrk.thread, and calls
// init(args) when the script defines it. Hooks defined by init are picked up.
func (s *Script) Init(thread int, args []string) error {
	s.L.SetField(s.wrk, "thread", lua.LNumber(thread))

	if fn := s.function(fnInit); fn != nil {
		t := s.L.NewTable()
		for _, a := range args {
			t.Append(lua.LString(a))
		}
		if err := s.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, t); err != nil {
			return fmt.Errorf("script init: %w", err)
		}
	}

	s.request = s.function(fnRequest)
	s.delay = s.function(fnDelay)
	s.response = s.function(fnResponse)
	s.done = s.function(fnDone)

	return nil
}

func (s *Script) newWrk(env Env) *lua.LTable {
	L := s.L
	t := L.NewTable()
	target := env.Target

	method := env.Method
	if method == "" {
		method = "GET"
	}

	L.SetField(t, "scheme", lua.LString(target.Scheme))
	L.SetField(t, "host", lua.LString(target.Host))
	L.SetField(t, "port", lua.LNumber(target.Port))
	L.SetField(t, "method", lua.LString(method))
	L.SetField(t, "path", lua.LString(target.Path))

	headers := L.NewTable()
	for _, h := range env.Headers {
		L.SetField(headers, h.Name, lua.LString(h.Value))
	}
	L.SetField(t, "headers", headers)

	if env.Body != nil {
		L.SetField(t, "body", lua.LString(env.Body))
	}

	L.SetField(t, "format", L.NewFunction(s.format))

	return t
}

func (s *Script) function(name string) *lua.LFunction {
	fn, _ := s.L.GetGlobal(name).(*lua.LFunction)
	return fn
}

// format is wrk.format(method, path, headers, body). Missing arguments fall
// back to the current wrk fields.
func (s *Script) format(L *lua.LState) int {
	method := L.OptString(1, lua.LVAsString(L.GetField(s.wrk, "method")))
	path := L.OptString(2, lua.LVAsString(L.GetField(s.wrk, "path")))

	headers, _ := L.GetField(s.wrk, "headers").(*lua.LTable)
	if t, ok := L.Get(3).(*lua.LTable); ok {
		headers = t
	}

	var body []byte
	if v := L.Get(4); v != lua.LNil {
		body = []byte(lua.LVAsString(v))
	} else if v := L.GetField(s.wrk, "body"); v != lua.LNil {
		body = []byte(lua.LVAsString(v))
	}

	L.Push(lua.LString(request.Build(s.authority, method, path, headerList(headers), body)))

	return 1
}

func headerList(t *lua.LTable) []request.Header {
	if t == nil {
		return nil
	}

	var headers []request.Header
	t.ForEach(func(k, v lua.LValue) {
		if k.Type() == lua.LTString {
			headers = append(headers, request.Header{Name: k.String(), Value: lua.LVAsString(v)})
		}
	})
	sort.Slice(headers, func(i, j int) bool { return headers[i].Name < headers[j].Name })

	return headers
}

// Static builds the request sent when the script has no request hook, from
// the wrk fields as the script left them.
func (s *Script) Static() *request.Payload {
	s.L.Push(s.L.NewFunction(s.format))
	if err := s.L.PCall(0, 1, nil); err != nil {
		s.fail("format", err)
		return nil
	}

	b := []byte(lua.LVAsString(s.L.Get(-1)))
	s.L.Pop(1)

	return request.Parse(b)
}

// call runs a hook in protected mode and returns its single result, or nil
// after logging the error.
func (s *Script) call(name string, fn *lua.LFunction, nret int, args ...lua.LValue) lua.LValue {
	if err := s.L.CallByParam(lua.P{Fn: fn, NRet: nret, Protect: true}, args...); err != nil {
		s.fail(name, err)
		return nil
	}
	if nret == 0 {
		return nil
	}

	ret := s.L.Get(-1)
	s.L.Pop(nret)

	return ret
}

// fail logs the first failure of each hook as a warning, later ones only at
// debug level.
func (s *Script) fail(name string, err error) {
	if s.failed[name] {
		s.log.Debug("Lua hook failed", zap.String("hook", name), zap.Error(err))
		return
	}

	s.failed[name] = true
	s.log.Warn("Lua hook failed", zap.String("hook", name), zap.Error(err))
}

func (s *Script) Request() ([]byte, bool) {
	if s.request == nil {
		return nil, false
	}

	ret := s.call(fnRequest, s.request, 1)
	if ret == nil || ret.Type() != lua.LTString {
		if ret != nil {
			s.fail(fnRequest, fmt.Errorf("request() returned %s, expected string", ret.Type()))
		}
		return nil, false
	}

	return []byte(lua.LVAsString(ret)), true
}

// Delay returns the value of delay() in milliseconds as a duration.
func (s *Script) Delay() time.Duration {
	if s.delay == nil {
		return 0
	}

	ret := s.call(fnDelay, s.delay, 1)
	n, ok := ret.(lua.LNumber)
	if !ok || n <= 0 {
		return 0
	}

	return time.Duration(float64(n) * float64(time.Millisecond))
}

func (s *Script) WantsResponse() bool {
	return s.response != nil
}

func (s *Script) Response(status int, headers map[string]string, body []byte) {
	if s.response == nil {
		return
	}

	t := s.L.CreateTable(0, len(headers))
	for k, v := range headers {
		t.RawSetString(k, lua.LString(v))
	}

	s.call(fnResponse, s.response, 0, lua.LNumber(status), t, lua.LString(body))
}

// Summary is the run summary handed to done().
type Summary struct {
	Duration time.Duration
	Requests uint64
	Bytes    uint64
	Errors   stats.Errors
}

func (s *Script) HasDone() bool {
	return s.done != nil
}

// Done calls done(summary, latency, requests). latency is in microseconds,
// requests holds requests/sec samples.
func (s *Script) Done(sum Summary, latency *stats.Stats, rates *hdrhistogram.Histogram) {
	if s.done == nil {
		return
	}

	L := s.L
	summary := L.NewTable()
	L.SetField(summary, "duration", lua.LNumber(sum.Duration.Microseconds()))
	L.SetField(summary, "requests", lua.LNumber(sum.Requests))
	L.SetField(summary, "bytes", lua.LNumber(sum.Bytes))

	errs := L.NewTable()
	L.SetField(errs, "connect", lua.LNumber(sum.Errors.Connect))
	L.SetField(errs, "read", lua.LNumber(sum.Errors.Read))
	L.SetField(errs, "write", lua.LNumber(sum.Errors.Write))
	L.SetField(errs, "status", lua.LNumber(sum.Errors.Status))
	L.SetField(errs, "timeout", lua.LNumber(sum.Errors.Timeout))
	L.SetField(summary, "errors", errs)

	s.call(fnDone, s.done, 0, summary, s.latencyTable(latency), s.ratesTable(rates))
}

// percentile accepts both t.percentile(p) and t:percentile(p).
func percentile(fn func(p float64) float64) lua.LGFunction {
	return func(L *lua.LState) int {
		p := L.CheckNumber(L.GetTop())
		L.Push(lua.LNumber(fn(float64(p))))
		return 1
	}
}

func (s *Script) latencyTable(st *stats.Stats) *lua.LTable {
	L := s.L
	t := L.NewTable()
	if st == nil || st.Count() == 0 {
		L.SetField(t, "percentile", L.NewFunction(percentile(func(float64) float64 { return 0 })))
		return t
	}

	mean := st.Mean()
	L.SetField(t, "min", lua.LNumber(st.Min()))
	L.SetField(t, "max", lua.LNumber(st.Max()))
	L.SetField(t, "mean", lua.LNumber(mean))
	L.SetField(t, "stdev", lua.LNumber(st.Stdev(mean)))
	L.SetField(t, "percentile", L.NewFunction(percentile(func(p float64) float64 {
		return float64(st.Percentile(p))
	})))

	return t
}

func (s *Script) ratesTable(h *hdrhistogram.Histogram) *lua.LTable {
	L := s.L
	t := L.NewTable()
	if h == nil || h.TotalCount() == 0 {
		L.SetField(t, "percentile", L.NewFunction(percentile(func(float64) float64 { return 0 })))
		return t
	}

	L.SetField(t, "min", lua.LNumber(h.Min()))
	L.SetField(t, "max", lua.LNumber(h.Max()))
	L.SetField(t, "mean", lua.LNumber(h.Mean()))
	L.SetField(t, "stdev", lua.LNumber(h.StdDev()))
	L.SetField(t, "percentile", L.NewFunction(percentile(func(p float64) float64 {
		return float64(h.ValueAtQuantile(p))
	})))

	return t
}

func (s *Script) Close() {
	s.L.Close()
}
