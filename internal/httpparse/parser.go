// Package httpparse is an incremental HTTP/1.x response tokenizer. Bytes are
// pushed with Execute as they arrive from the socket, in chunks of any size,
// and the parser reports tokens through a Handler. Header names and values
// are delivered in fragments whenever a token straddles two chunks; the
// Handler is responsible for joining them.
package httpparse

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

var (
	ErrInvalidStatusLine    = errors.New("invalid response line")
	ErrInvalidStatusCode    = errors.New("no response code in response line")
	ErrInvalidHeader        = errors.New("invalid header")
	ErrInvalidContentLength = errors.New("invalid content-length header")
	ErrInvalidChunkSize     = errors.New("invalid chunk length")
	ErrLineTooLong          = errors.New("response line spanning multiple packets too long")
	ErrUnexpectedEOF        = errors.New("connection closed before response was complete")
)

// Handler receives parser callbacks. A non-nil error returned from
// OnHeadersComplete or OnMessageComplete stops Execute and is returned by it.
type Handler interface {
	OnStatus(code int)
	OnHeaderField(b []byte)
	OnHeaderValue(b []byte)
	OnHeadersComplete() error
	OnBody(b []byte)
	OnMessageComplete() error
}

type parserState int

// States for the response parser state machine.
const (
	stateStatusLine parserState = iota
	stateHeaderStart
	stateHeaderField
	stateHeaderValueStart
	stateHeaderValue
	stateHeaderValueLF
	stateHeadersLF
	stateBodyContentLength
	stateBodyUntilEOF
	stateChunkSize
	stateChunkData
	stateChunkDataCR
	stateChunkDataLF
	stateTrailerStart
	stateTrailerLine
	stateTrailerLF
)

const (
	maxCarrySizeBytes = 1024 * 8
	maxChunkLineBytes = 1024
	maxTrackedBytes   = 64
)

var (
	headerKeyTransferEncoding = []byte("transfer-encoding")
	headerKeyContentLength    = []byte("content-length")
	headerKeyConnection       = []byte("connection")
	headerValChunked          = []byte("chunked")
	headerValClose            = []byte("close")
	headerValKeepAlive        = []byte("keep-alive")
)

// ResponseParser parses a stream of responses on one connection. The zero
// value is ready to use.
type ResponseParser struct {
	// SkipBody marks responses to HEAD requests, which carry no body.
	SkipBody bool

	state parserState
	carry []byte // Status or chunk-size line carried over from a previous call.

	StatusCode int
	major      int
	minor      int

	// Name and value of the current header, lowercased, kept only while
	// short enough to be one the parser cares about.
	name     [maxTrackedBytes]byte
	nameLen  int
	value    [maxTrackedBytes]byte
	valueLen int

	valueEmitted bool

	contentLength    int64
	hasLength        bool
	chunked          bool
	connClose        bool
	connKeepAlive    bool
	remaining        int64
	keepAlive        bool
	inMessage        bool
	headersCompleted bool
}

// Reset prepares the parser for a new connection.
func (p *ResponseParser) Reset() {
	skip := p.SkipBody
	carry := p.carry[:0]
	*p = ResponseParser{SkipBody: skip, carry: carry}
}

// ShouldKeepAlive reports whether the connection may carry another request
// after the last completed response.
func (p *ResponseParser) ShouldKeepAlive() bool {
	return p.keepAlive
}

// InMessage reports whether a response has started but not completed.
func (p *ResponseParser) InMessage() bool {
	return p.inMessage
}

// Execute consumes data. It returns the number of bytes consumed, which is
// len(data) unless an error occurred.
func (p *ResponseParser) Execute(h Handler, data []byte) (int, error) {
	i := 0
	for i < len(data) {
		if !p.inMessage {
			p.beginMessage()
		}

		switch p.state {

		case stateStatusLine:
			n := bytes.IndexByte(data[i:], '\n')
			if n == -1 {
				if len(p.carry)+len(data)-i > maxCarrySizeBytes {
					return i, ErrLineTooLong
				}
				p.carry = append(p.carry, data[i:]...)
				return len(data), nil
			}
			line := data[i : i+n]
			if len(p.carry) > 0 {
				p.carry = append(p.carry, line...)
				line = p.carry
			}
			i += n + 1
			if err := p.parseStatusLine(bytes.TrimSuffix(line, []byte{'\r'})); err != nil {
				return i, err
			}
			p.carry = p.carry[:0]
			h.OnStatus(p.StatusCode)
			p.state = stateHeaderStart

		case stateHeaderStart:
			switch data[i] {
			case '\r':
				i++
				p.state = stateHeadersLF
			case '\n':
				i++
				if err := p.headersDone(h); err != nil {
					return i, err
				}
			case ' ', '\t', ':':
				return i, ErrInvalidHeader
			default:
				p.nameLen = 0
				p.valueLen = 0
				p.valueEmitted = false
				p.state = stateHeaderField
			}

		case stateHeaderField:
			start := i
			for i < len(data) && data[i] != ':' {
				if data[i] == '\n' || data[i] == '\r' {
					return i, ErrInvalidHeader
				}
				i++
			}
			p.trackName(data[start:i])
			if i > start {
				h.OnHeaderField(data[start:i])
			}
			if i < len(data) {
				i++ // ':'
				p.state = stateHeaderValueStart
			}

		case stateHeaderValueStart:
			for i < len(data) && (data[i] == ' ' || data[i] == '\t') {
				i++
			}
			if i < len(data) {
				p.state = stateHeaderValue
			}

		case stateHeaderValue:
			start := i
			for i < len(data) && data[i] != '\r' && data[i] != '\n' {
				i++
			}
			p.trackValue(data[start:i])
			if i > start || (i < len(data) && !p.valueEmitted) {
				// Empty values are reported too, so every field has a value.
				h.OnHeaderValue(data[start:i])
				p.valueEmitted = true
			}
			if i < len(data) {
				if data[i] == '\r' {
					p.state = stateHeaderValueLF
				} else {
					p.state = stateHeaderStart
					if err := p.headerDone(); err != nil {
						return i, err
					}
				}
				i++
			}

		case stateHeaderValueLF:
			if data[i] != '\n' {
				return i, ErrInvalidHeader
			}
			i++
			p.state = stateHeaderStart
			if err := p.headerDone(); err != nil {
				return i, err
			}

		case stateHeadersLF:
			if data[i] != '\n' {
				return i, ErrInvalidHeader
			}
			i++
			if err := p.headersDone(h); err != nil {
				return i, err
			}

		case stateBodyContentLength:
			n := int64(len(data) - i)
			if n > p.remaining {
				n = p.remaining
			}
			h.OnBody(data[i : i+int(n)])
			i += int(n)
			p.remaining -= n
			if p.remaining == 0 {
				if err := p.messageDone(h); err != nil {
					return i, err
				}
			}

		case stateBodyUntilEOF:
			h.OnBody(data[i:])
			i = len(data)

		case stateChunkSize:
			n := bytes.IndexByte(data[i:], '\n')
			if n == -1 {
				if len(p.carry)+len(data)-i > maxChunkLineBytes {
					return i, ErrInvalidChunkSize
				}
				p.carry = append(p.carry, data[i:]...)
				return len(data), nil
			}
			line := data[i : i+n]
			if len(p.carry) > 0 {
				p.carry = append(p.carry, line...)
				line = p.carry
			}
			i += n + 1
			size, err := parseChunkSize(line)
			p.carry = p.carry[:0]
			if err != nil {
				return i, err
			}
			if size == 0 {
				p.state = stateTrailerStart
			} else {
				p.remaining = size
				p.state = stateChunkData
			}

		case stateChunkData:
			n := int64(len(data) - i)
			if n > p.remaining {
				n = p.remaining
			}
			h.OnBody(data[i : i+int(n)])
			i += int(n)
			p.remaining -= n
			if p.remaining == 0 {
				p.state = stateChunkDataCR
			}

		case stateChunkDataCR:
			switch data[i] {
			case '\r':
				p.state = stateChunkDataLF
			case '\n':
				p.state = stateChunkSize
			default:
				return i, ErrInvalidChunkSize
			}
			i++

		case stateChunkDataLF:
			if data[i] != '\n' {
				return i, ErrInvalidChunkSize
			}
			i++
			p.state = stateChunkSize

		case stateTrailerStart:
			switch data[i] {
			case '\r':
				i++
				p.state = stateTrailerLF
			case '\n':
				i++
				if err := p.messageDone(h); err != nil {
					return i, err
				}
			default:
				p.state = stateTrailerLine
			}

		case stateTrailerLine:
			n := bytes.IndexByte(data[i:], '\n')
			if n == -1 {
				i = len(data)
				break
			}
			i += n + 1
			p.state = stateTrailerStart

		case stateTrailerLF:
			if data[i] != '\n' {
				return i, ErrInvalidHeader
			}
			i++
			if err := p.messageDone(h); err != nil {
				return i, err
			}
		}
	}

	return len(data), nil
}

// Finish tells the parser the peer closed the connection. A response whose
// body is delimited by the close completes here.
func (p *ResponseParser) Finish(h Handler) error {
	if !p.inMessage {
		return nil
	}

	if p.state == stateBodyUntilEOF {
		return p.messageDone(h)
	}

	return ErrUnexpectedEOF
}

func (p *ResponseParser) beginMessage() {
	p.inMessage = true
	p.state = stateStatusLine
	p.StatusCode = 0
	p.contentLength = 0
	p.hasLength = false
	p.chunked = false
	p.connClose = false
	p.connKeepAlive = false
	p.remaining = 0
	p.headersCompleted = false
}

func (p *ResponseParser) parseStatusLine(line []byte) (err error) {
	// Skip past HTTP version.
	n := bytes.IndexByte(line, ' ')
	if n == -1 || !bytes.HasPrefix(line, []byte("HTTP/")) {
		return ErrInvalidStatusLine
	}
	version := line[len("HTTP/"):n]
	if len(version) != 3 || version[1] != '.' || !isDigit(version[0]) || !isDigit(version[2]) {
		return ErrInvalidStatusLine
	}
	p.major = int(version[0] - '0')
	p.minor = int(version[2] - '0')
	rest := line[n+1:]

	// Get response code.
	n = bytes.IndexByte(rest, ' ')
	if n == -1 {
		n = len(rest)
	}
	if n != 3 {
		return ErrInvalidStatusCode
	}
	p.StatusCode, err = strconv.Atoi(string(rest[:n]))
	if err != nil || p.StatusCode < 100 {
		return ErrInvalidStatusCode
	}

	return nil
}

func (p *ResponseParser) trackName(b []byte) {
	if p.nameLen+len(b) > maxTrackedBytes {
		p.nameLen = maxTrackedBytes + 1
		return
	}
	for _, c := range b {
		p.name[p.nameLen] = lower(c)
		p.nameLen++
	}
}

func (p *ResponseParser) trackValue(b []byte) {
	if p.nameLen > maxTrackedBytes {
		return
	}
	if p.valueLen+len(b) > maxTrackedBytes {
		p.valueLen = maxTrackedBytes + 1
		return
	}
	for _, c := range b {
		p.value[p.valueLen] = lower(c)
		p.valueLen++
	}
}

// headerDone interprets the headers that are of importance to framing.
func (p *ResponseParser) headerDone() error {
	if p.nameLen > maxTrackedBytes {
		return nil
	}
	name := p.name[:p.nameLen]

	var value []byte
	if p.valueLen <= maxTrackedBytes {
		value = bytes.TrimSpace(p.value[:p.valueLen])
	}

	switch {
	case bytes.Equal(name, headerKeyContentLength):
		if value == nil {
			return ErrInvalidContentLength
		}
		n, err := strconv.ParseInt(string(value), 10, 64)
		if err != nil || n < 0 {
			return ErrInvalidContentLength
		}
		p.contentLength = n
		p.hasLength = true
	case bytes.Equal(name, headerKeyTransferEncoding):
		p.chunked = value != nil && bytes.HasSuffix(value, headerValChunked)
	case bytes.Equal(name, headerKeyConnection):
		for _, token := range bytes.Split(value, []byte{','}) {
			token = bytes.TrimSpace(token)
			if bytes.Equal(token, headerValClose) {
				p.connClose = true
			} else if bytes.Equal(token, headerValKeepAlive) {
				p.connKeepAlive = true
			}
		}
	}

	return nil
}

func (p *ResponseParser) headersDone(h Handler) error {
	p.headersCompleted = true

	if p.major > 1 || (p.major == 1 && p.minor >= 1) {
		p.keepAlive = !p.connClose
	} else {
		p.keepAlive = p.connKeepAlive
	}

	if err := h.OnHeadersComplete(); err != nil {
		return err
	}

	noBody := p.SkipBody || p.StatusCode < 200 || p.StatusCode == 204 || p.StatusCode == 304
	switch {
	case noBody:
		return p.messageDone(h)
	case p.chunked:
		p.state = stateChunkSize
	case p.hasLength:
		if p.contentLength == 0 {
			return p.messageDone(h)
		}
		p.remaining = p.contentLength
		p.state = stateBodyContentLength
	default:
		// No framing: the body runs until the server closes the connection.
		p.keepAlive = false
		p.state = stateBodyUntilEOF
	}

	return nil
}

func (p *ResponseParser) messageDone(h Handler) error {
	p.inMessage = false
	p.state = stateStatusLine

	return h.OnMessageComplete()
}

func parseChunkSize(line []byte) (int64, error) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if n := bytes.IndexByte(line, ';'); n != -1 {
		line = line[:n] // chunk extensions
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return 0, ErrInvalidChunkSize
	}

	size, err := strconv.ParseInt(string(line), 16, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidChunkSize, line)
	}

	return size, nil
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func lower(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + 'a' - 'A'
	}
	return c
}
