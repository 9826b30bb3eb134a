package httpparse

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder joins header fragments and body chunks the way a connection does.
type recorder struct {
	statuses  []int
	headers   map[string]string
	field     []byte
	value     []byte
	lastValue bool
	body      []byte
	bodies    []string
	completed int
	failAt    int
}

func newRecorder() *recorder {
	return &recorder{headers: make(map[string]string)}
}

func (r *recorder) OnStatus(code int) { r.statuses = append(r.statuses, code) }

func (r *recorder) OnHeaderField(b []byte) {
	if r.lastValue {
		r.flush()
	}
	r.field = append(r.field, b...)
	r.lastValue = false
}

func (r *recorder) OnHeaderValue(b []byte) {
	r.value = append(r.value, b...)
	r.lastValue = true
}

func (r *recorder) flush() {
	if len(r.field) > 0 {
		r.headers[string(r.field)] = string(r.value)
	}
	r.field = r.field[:0]
	r.value = r.value[:0]
	r.lastValue = false
}

func (r *recorder) OnHeadersComplete() error {
	r.flush()
	return nil
}

func (r *recorder) OnBody(b []byte) { r.body = append(r.body, b...) }

func (r *recorder) OnMessageComplete() error {
	r.completed++
	r.bodies = append(r.bodies, string(r.body))
	r.body = r.body[:0]
	if r.failAt > 0 && r.completed == r.failAt {
		return errStop
	}
	return nil
}

var errStop = errors.New("stop")

func forceCRLF(s string) []byte {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

const simpleResponse = `HTTP/1.1 200 OK
Server: nginx/1.10.3 (Ubuntu)
Date: Tue, 12 Jun 2018 18:09:49 GMT
Content-Type: text/html
Content-Length: 2

Hi`

func TestSimpleResponse(t *testing.T) {
	// Arrange
	respBytes := forceCRLF(simpleResponse)
	p := ResponseParser{}
	rec := newRecorder()

	// Act
	n, err := p.Execute(rec, respBytes)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, len(respBytes), n)
	assert.Equal(t, 1, rec.completed)
	assert.Equal(t, []int{200}, rec.statuses)
	assert.Equal(t, []string{"Hi"}, rec.bodies)
	assert.Equal(t, "nginx/1.10.3 (Ubuntu)", rec.headers["Server"])
	assert.Equal(t, "2", rec.headers["Content-Length"])
	assert.True(t, p.ShouldKeepAlive())
	assert.False(t, p.InMessage())
}

// Splits the response at all possible positions and feeds it in two parts.
func TestResponseSplit(t *testing.T) {
	respBytes := forceCRLF(simpleResponse)

	for i := 0; i < len(respBytes); i++ {
		p := ResponseParser{}
		rec := newRecorder()

		_, err1 := p.Execute(rec, respBytes[:i])
		require.NoError(t, err1, "iteration %d", i)
		require.Zero(t, rec.completed, "iteration %d", i)

		_, err2 := p.Execute(rec, respBytes[i:])
		require.NoError(t, err2, "iteration %d", i)
		require.Equal(t, 1, rec.completed, "iteration %d", i)
		require.Equal(t, "Hi", rec.bodies[0], "iteration %d", i)
		require.Equal(t, "Tue, 12 Jun 2018 18:09:49 GMT", rec.headers["Date"], "iteration %d", i)
	}
}

func TestOneByteAtATime(t *testing.T) {
	respBytes := forceCRLF(simpleResponse)
	p := ResponseParser{}
	rec := newRecorder()

	for i := range respBytes {
		_, err := p.Execute(rec, respBytes[i:i+1])
		require.NoError(t, err, "byte %d", i)
	}

	assert.Equal(t, 1, rec.completed)
	assert.Equal(t, "text/html", rec.headers["Content-Type"])
	assert.Equal(t, []string{"Hi"}, rec.bodies)
}

func TestInvalidResponseLines(t *testing.T) {
	tests := []struct {
		name string
		line string
		want error
	}{
		{name: "no spaces", line: "HTTP/1.1200OK", want: ErrInvalidStatusLine},
		{name: "code runs into reason", line: "HTTP/1.1 200OK", want: ErrInvalidStatusCode},
		{name: "code with suffix", line: "HTTP/1.1 200x OK", want: ErrInvalidStatusCode},
		{name: "not http", line: "ICY 200 OK", want: ErrInvalidStatusLine},
		{name: "bad version", line: "HTTP/x.1 200 OK", want: ErrInvalidStatusLine},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ResponseParser{}
			_, err := p.Execute(newRecorder(), forceCRLF(tt.line+"\nContent-Length: 0\n\n"))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestMaxCarryResponseLine(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("HTTP/1.1 200 OK ")
	buf.WriteString(strings.Repeat("x", 1024*60))

	p := ResponseParser{}
	_, err := p.Execute(newRecorder(), buf.Bytes())

	assert.ErrorIs(t, err, ErrLineTooLong)
}

func TestLongHeaderValueIsStreamed(t *testing.T) {
	long := strings.Repeat("x", 1024*60)
	respBytes := forceCRLF("HTTP/1.1 200 OK\nX-Long: " + long + "\nContent-Length: 0\n\n")

	p := ResponseParser{}
	rec := newRecorder()
	_, err := p.Execute(rec, respBytes[:len(respBytes)/2])
	require.NoError(t, err)
	_, err = p.Execute(rec, respBytes[len(respBytes)/2:])
	require.NoError(t, err)

	assert.Equal(t, 1, rec.completed)
	assert.Equal(t, long, rec.headers["X-Long"])
}

func TestInvalidContentLength(t *testing.T) {
	p := ResponseParser{}
	_, err := p.Execute(newRecorder(), forceCRLF("HTTP/1.1 200 OK\nContent-Length: abc\n\n"))

	assert.ErrorIs(t, err, ErrInvalidContentLength)
}

func TestNoContentLengthReadsUntilEOF(t *testing.T) {
	respBytes := forceCRLF(`HTTP/1.1 200 OK
Content-Type: text/html

all of this is body
`)
	p := ResponseParser{}
	rec := newRecorder()

	_, err := p.Execute(rec, respBytes)
	require.NoError(t, err)
	assert.Zero(t, rec.completed)
	assert.True(t, p.InMessage())

	require.NoError(t, p.Finish(rec))
	assert.Equal(t, 1, rec.completed)
	assert.Equal(t, "all of this is body\r\n", rec.bodies[0])
	assert.False(t, p.ShouldKeepAlive())
}

func TestFinishMidMessage(t *testing.T) {
	p := ResponseParser{}
	rec := newRecorder()

	_, err := p.Execute(rec, forceCRLF("HTTP/1.1 200 OK\nContent-Length: 10\n\nabc"))
	require.NoError(t, err)

	assert.ErrorIs(t, p.Finish(rec), ErrUnexpectedEOF)
	assert.Zero(t, rec.completed)
}

func TestFinishBetweenMessages(t *testing.T) {
	p := ResponseParser{}
	rec := newRecorder()

	_, err := p.Execute(rec, forceCRLF(simpleResponse))
	require.NoError(t, err)

	assert.NoError(t, p.Finish(rec))
	assert.Equal(t, 1, rec.completed)
}

func TestChunked(t *testing.T) {
	respBytes := forceCRLF(`HTTP/1.1 200 OK
Transfer-Encoding: chunked

5
Hello
7;ext=1
, world
0
X-Trailer: yes

`)

	for split := 0; split < len(respBytes); split++ {
		p := ResponseParser{}
		rec := newRecorder()

		_, err := p.Execute(rec, respBytes[:split])
		require.NoError(t, err, "split %d", split)
		_, err = p.Execute(rec, respBytes[split:])
		require.NoError(t, err, "split %d", split)

		require.Equal(t, 1, rec.completed, "split %d", split)
		require.Equal(t, "Hello, world", rec.bodies[0], "split %d", split)
	}
}

func TestInvalidChunkSize(t *testing.T) {
	p := ResponseParser{}
	_, err := p.Execute(newRecorder(), forceCRLF("HTTP/1.1 200 OK\nTransfer-Encoding: chunked\n\nzz\n"))

	assert.ErrorIs(t, err, ErrInvalidChunkSize)
}

func TestPipelinedResponses(t *testing.T) {
	one := string(forceCRLF("HTTP/1.1 200 OK\nContent-Length: 3\n\none"))
	two := string(forceCRLF("HTTP/1.1 404 Not Found\nContent-Length: 3\n\ntwo"))
	three := string(forceCRLF("HTTP/1.1 204 No Content\n\n"))

	p := ResponseParser{}
	rec := newRecorder()
	_, err := p.Execute(rec, []byte(one+two+three))

	require.NoError(t, err)
	assert.Equal(t, 3, rec.completed)
	assert.Equal(t, []int{200, 404, 204}, rec.statuses)
	assert.Equal(t, []string{"one", "two", ""}, rec.bodies)
}

func TestMessageCompleteErrorStopsExecute(t *testing.T) {
	one := forceCRLF("HTTP/1.1 200 OK\nContent-Length: 3\n\none")
	data := append(append([]byte{}, one...), one...)

	p := ResponseParser{}
	rec := newRecorder()
	rec.failAt = 1
	n, err := p.Execute(rec, data)

	assert.ErrorIs(t, err, errStop)
	assert.Equal(t, len(one), n)
	assert.Equal(t, 1, rec.completed)
}

func TestSkipBodyForHead(t *testing.T) {
	p := ResponseParser{SkipBody: true}
	rec := newRecorder()

	_, err := p.Execute(rec, forceCRLF("HTTP/1.1 200 OK\nContent-Length: 1234\n\n"))

	require.NoError(t, err)
	assert.Equal(t, 1, rec.completed)
	assert.Equal(t, []string{""}, rec.bodies)
}

func TestKeepAlive(t *testing.T) {
	tests := []struct {
		name string
		resp string
		want bool
	}{
		{name: "http/1.1 default", resp: "HTTP/1.1 200 OK\nContent-Length: 0\n\n", want: true},
		{name: "http/1.1 close", resp: "HTTP/1.1 200 OK\nConnection: Close\nContent-Length: 0\n\n", want: false},
		{name: "http/1.0 default", resp: "HTTP/1.0 200 OK\nContent-Length: 0\n\n", want: false},
		{name: "http/1.0 keep-alive", resp: "HTTP/1.0 200 OK\nConnection: keep-alive\nContent-Length: 0\n\n", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ResponseParser{}
			rec := newRecorder()
			_, err := p.Execute(rec, forceCRLF(tt.resp))
			require.NoError(t, err)
			require.Equal(t, 1, rec.completed)
			assert.Equal(t, tt.want, p.ShouldKeepAlive())
		})
	}
}

func TestReset(t *testing.T) {
	p := ResponseParser{SkipBody: true}
	_, err := p.Execute(newRecorder(), []byte("HTTP/1.1 2"))
	require.NoError(t, err)

	p.Reset()
	rec := newRecorder()
	_, err = p.Execute(rec, forceCRLF("HTTP/1.1 301 Moved\nContent-Length: 5\n\n"))

	require.NoError(t, err)
	assert.True(t, p.SkipBody)
	assert.Equal(t, []int{301}, rec.statuses)
	assert.Equal(t, 1, rec.completed)
}

func TestEmptyHeaderValue(t *testing.T) {
	p := ResponseParser{}
	rec := newRecorder()

	_, err := p.Execute(rec, forceCRLF("HTTP/1.1 200 OK\nX-Empty:\nX-Next: 1\nContent-Length: 0\n\n"))

	require.NoError(t, err)
	assert.Equal(t, "", rec.headers["X-Empty"])
	assert.Equal(t, "1", rec.headers["X-Next"])
}
