// Package request prepares the raw bytes written to the target for every
// request.
package request

import (
	"bytes"
	"errors"
	"regexp"
	"strconv"
	"strings"
)

var ErrNoHeaderEnd = errors.New("could not find end of headers (\\r\\n\\r\\n) in request input")

// Payload is a complete serialized request.
type Payload struct {
	Bytes     []byte
	Method    string
	KeepAlive bool
}

type Header struct {
	Name  string
	Value string
}

var (
	connectionCloseRegex     = regexp.MustCompile(`(?i)\r\nconnection: *close\r\n`)
	connectionKeepAliveRegex = regexp.MustCompile(`(?i)\r\nconnection: *keep-alive\r\n`)
	bodyLengthPlaceholder    = []byte("{{bodylength}}")
)

// FromRaw turns a request read from a file into a payload. Bare LF line
// endings in the head are converted to CRLF and {{bodylength}} is replaced
// by the length of everything after the blank line.
func FromRaw(raw []byte) (*Payload, error) {
	head, body, ok := splitHead(raw)
	if !ok {
		return nil, ErrNoHeaderEnd
	}

	head = bytes.ReplaceAll(head, bodyLengthPlaceholder, []byte(strconv.Itoa(len(body))))

	b := make([]byte, 0, len(head)+len(body))
	b = append(b, head...)
	b = append(b, body...)

	return Parse(b), nil
}

// splitHead returns the request head including its terminating blank line,
// in CRLF form, and the body.
func splitHead(raw []byte) (head, body []byte, ok bool) {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i != -1 {
		return raw[:i+4], raw[i+4:], true
	}

	if i := bytes.Index(raw, []byte("\n\n")); i != -1 {
		head = bytes.ReplaceAll(raw[:i+2], []byte("\r\n"), []byte("\n"))
		head = bytes.ReplaceAll(head, []byte("\n"), []byte("\r\n")) // HTTP craves CRLF
		return head, raw[i+2:], true
	}

	return nil, nil, false
}

// Parse wraps already serialized request bytes, inspecting the request line
// and Connection header to decide whether the connection may be reused.
func Parse(b []byte) *Payload {
	p := &Payload{Bytes: b}

	line := b
	if i := bytes.Index(b, []byte("\r\n")); i != -1 {
		line = b[:i]
	}
	fields := strings.Fields(string(line))
	if len(fields) > 0 {
		p.Method = fields[0]
	}

	head := b
	if i := bytes.Index(b, []byte("\r\n\r\n")); i != -1 {
		head = b[:i+2]
	}
	if len(fields) == 3 && fields[2] == "HTTP/1.0" {
		p.KeepAlive = connectionKeepAliveRegex.Match(head)
	} else {
		p.KeepAlive = !connectionCloseRegex.Match(head)
	}

	return p
}

// Build serializes a request. A Host header is added from host unless one is
// present, and Content-Length is set whenever body is non-nil.
func Build(host, method, path string, headers []Header, body []byte) []byte {
	var b bytes.Buffer

	b.WriteString(method)
	b.WriteByte(' ')
	b.WriteString(path)
	b.WriteString(" HTTP/1.1\r\n")

	hasHost := false
	for _, h := range headers {
		if strings.EqualFold(h.Name, "Content-Length") {
			continue
		}
		if strings.EqualFold(h.Name, "Host") {
			hasHost = true
		}
		writeHeader(&b, h.Name, h.Value)
	}
	if !hasHost && host != "" {
		writeHeader(&b, "Host", host)
	}
	if body != nil {
		writeHeader(&b, "Content-Length", strconv.Itoa(len(body)))
	}

	b.WriteString("\r\n")
	b.Write(body)

	return b.Bytes()
}

func writeHeader(b *bytes.Buffer, name, value string) {
	b.WriteString(name)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteString("\r\n")
}

// ParseHeader splits a "Name: value" command line header.
func ParseHeader(s string) (Header, bool) {
	name, value, ok := strings.Cut(s, ":")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return Header{}, false
	}

	return Header{Name: name, Value: strings.TrimSpace(value)}, true
}
