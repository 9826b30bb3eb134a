package script

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"

	"wrkloop/internal/request"
	"wrkloop/internal/stats"
)

func load(t *testing.T, src string, args ...string) *Script {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.lua")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o600))

	proto, err := Compile(path)
	require.NoError(t, err)

	target, err := request.ParseTarget("http://localhost:8080/index")
	require.NoError(t, err)

	s, err := New(proto, Env{Target: target, Method: "GET"}, nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Init(3, args))

	return s
}

func TestWrkTable(t *testing.T) {
	s := load(t, `
scheme, host, port, path = wrk.scheme, wrk.host, wrk.port, wrk.path
`)

	assert.Equal(t, "http", lua.LVAsString(s.L.GetGlobal("scheme")))
	assert.Equal(t, "localhost", lua.LVAsString(s.L.GetGlobal("host")))
	assert.Equal(t, lua.LNumber(8080), s.L.GetGlobal("port"))
	assert.Equal(t, "/index", lua.LVAsString(s.L.GetGlobal("path")))
	assert.Equal(t, lua.LNumber(3), s.L.GetField(s.L.GetGlobal("wrk"), "thread"))
	assert.False(t, s.WantsResponse())
}

func TestInitArgs(t *testing.T) {
	s := load(t, `
function init(args)
  first = args[1]
  count = #args
end
`, "a", "b")

	assert.Equal(t, "a", lua.LVAsString(s.L.GetGlobal("first")))
	assert.Equal(t, lua.LNumber(2), s.L.GetGlobal("count"))
}

func TestStaticRequestFromWrkFields(t *testing.T) {
	s := load(t, `
wrk.method = "POST"
wrk.body = "hello"
wrk.headers["Content-Type"] = "text/plain"
`)

	p := s.Static()
	require.NotNil(t, p)
	assert.Equal(t, "POST", p.Method)
	assert.True(t, p.KeepAlive)
	assert.Equal(t, "POST /index HTTP/1.1\r\nContent-Type: text/plain\r\nHost: localhost:8080\r\nContent-Length: 5\r\n\r\nhello", string(p.Bytes))
}

func TestRequestHook(t *testing.T) {
	s := load(t, `
n = 0
function request()
  n = n + 1
  return wrk.format(nil, "/item/" .. n)
end
`)

	b, ok := s.Request()
	require.True(t, ok)
	assert.Equal(t, "GET /item/1 HTTP/1.1\r\nHost: localhost:8080\r\n\r\n", string(b))

	b, ok = s.Request()
	require.True(t, ok)
	assert.Contains(t, string(b), "/item/2 ")
}

func TestRequestHookErrors(t *testing.T) {
	s := load(t, `
function request()
  error("boom")
end
`)

	_, ok := s.Request()
	assert.False(t, ok)
	_, ok = s.Request()
	assert.False(t, ok)
	assert.True(t, s.failed[fnRequest])
}

func TestRequestHookWrongType(t *testing.T) {
	s := load(t, `function request() return 42 end`)

	_, ok := s.Request()
	assert.False(t, ok)
}

func TestDelay(t *testing.T) {
	s := load(t, `function delay() return 2.5 end`)
	assert.Equal(t, 2500*time.Microsecond, s.Delay())

	s = load(t, `function delay() return "soon" end`)
	assert.Zero(t, s.Delay())

	s = load(t, ``)
	assert.Zero(t, s.Delay())
}

func TestResponse(t *testing.T) {
	s := load(t, `
function response(status, headers, body)
  got_status = status
  got_header = headers["X-Test"]
  got_body = body
end
`)

	require.True(t, s.WantsResponse())
	s.Response(404, map[string]string{"X-Test": "yes"}, []byte("missing"))

	assert.Equal(t, lua.LNumber(404), s.L.GetGlobal("got_status"))
	assert.Equal(t, "yes", lua.LVAsString(s.L.GetGlobal("got_header")))
	assert.Equal(t, "missing", lua.LVAsString(s.L.GetGlobal("got_body")))
}

func TestDone(t *testing.T) {
	s := load(t, `
function done(summary, latency, requests)
  duration = summary.duration
  total = summary.requests
  timeouts = summary.errors.timeout
  p50 = latency:percentile(50)
  lmax = latency.max
  rmax = requests.max
end
`)
	require.True(t, s.HasDone())

	lat, err := stats.New(1000)
	require.NoError(t, err)
	for _, v := range []uint64{10, 20, 30, 40} {
		require.NoError(t, lat.Record(v))
	}
	rates := hdrhistogram.New(1, 1000000, 3)
	require.NoError(t, rates.RecordValue(500))

	s.Done(Summary{
		Duration: 2 * time.Second,
		Requests: 4,
		Errors:   stats.Errors{Timeout: 1},
	}, lat, rates)

	assert.Equal(t, lua.LNumber(2000000), s.L.GetGlobal("duration"))
	assert.Equal(t, lua.LNumber(4), s.L.GetGlobal("total"))
	assert.Equal(t, lua.LNumber(1), s.L.GetGlobal("timeouts"))
	assert.Equal(t, lua.LNumber(lat.Percentile(50)), s.L.GetGlobal("p50"))
	assert.Equal(t, lua.LNumber(40), s.L.GetGlobal("lmax"))
	assert.InDelta(t, 500, float64(s.L.GetGlobal("rmax").(lua.LNumber)), 1)
}

func TestRunError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lua")
	require.NoError(t, os.WriteFile(path, []byte(`error("at load")`), 0o600))
	proto, err := Compile(path)
	require.NoError(t, err)
	target, err := request.ParseTarget("http://localhost/")
	require.NoError(t, err)

	_, err = New(proto, Env{Target: target}, nil)
	assert.Error(t, err)
}

func TestCompileError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.lua")
	require.NoError(t, os.WriteFile(path, []byte("function ("), 0o600))

	_, err := Compile(path)
	assert.Error(t, err)

	_, err = Compile(filepath.Join(t.TempDir(), "missing.lua"))
	assert.Error(t, err)
}

func TestInitError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "init.lua")
	require.NoError(t, os.WriteFile(path, []byte(`function init() error("nope") end`), 0o600))
	proto, err := Compile(path)
	require.NoError(t, err)
	target, err := request.ParseTarget("http://localhost/")
	require.NoError(t, err)

	s, err := New(proto, Env{Target: target}, nil)
	require.NoError(t, err)
	defer s.Close()

	assert.Error(t, s.Init(0, nil))
}
