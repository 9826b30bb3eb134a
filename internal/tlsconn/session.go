// Package tlsconn runs crypto/tls on top of a socket owned by an event loop.
//
// The socket is never handed to crypto/tls. Instead the owner moves
// ciphertext between the socket and a Session: bytes read from the socket go
// in through Feed, bytes to send come out through TakeOutbound. The
// handshake runs on its own goroutine and reports progress through the
// notify callback; once it is done, Read and Write are non-blocking and must
// be called from the owner's goroutine.
package tlsconn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
)

type Session struct {
	conn   *tls.Conn
	pipe   *pipe
	notify func()

	mu   sync.Mutex
	done bool
	err  error
}

// New creates a client session. notify is called from arbitrary goroutines
// whenever new outbound ciphertext is queued and when the handshake ends; it
// must not block.
func New(cfg *tls.Config, notify func()) *Session {
	s := &Session{notify: notify}
	s.pipe = newPipe(notify)
	s.conn = tls.Client(s.pipe, cfg)

	return s
}

// Start begins the handshake.
func (s *Session) Start(ctx context.Context) {
	go func() {
		err := s.conn.HandshakeContext(ctx)
		s.pipe.setNonblock()

		s.mu.Lock()
		s.done = true
		s.err = err
		s.mu.Unlock()

		if s.notify != nil {
			s.notify()
		}
	}()
}

// Handshake reports whether the handshake has finished and how.
func (s *Session) Handshake() (done bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done, s.err
}

// Feed queues ciphertext read from the socket.
func (s *Session) Feed(b []byte) {
	s.pipe.feed(b)
}

// FeedEOF records that the peer closed the socket.
func (s *Session) FeedEOF() {
	s.pipe.feedEOF()
}

// TakeOutbound appends pending ciphertext to dst and returns it.
func (s *Session) TakeOutbound(dst []byte) []byte {
	return s.pipe.takeOutbound(dst)
}

func (s *Session) PendingOutbound() bool {
	return s.pipe.pendingOutbound()
}

// Write encrypts b. The ciphertext becomes available through TakeOutbound.
func (s *Session) Write(b []byte) (int, error) {
	return s.conn.Write(b)
}

// Read decrypts buffered ciphertext into b. It returns ErrWouldBlock when no
// complete record is available.
func (s *Session) Read(b []byte) (int, error) {
	return s.conn.Read(b)
}

// Close releases the session. A handshake in progress fails with
// net.ErrClosed. No close_notify is sent.
func (s *Session) Close() {
	s.pipe.Close()
}

// ClientConfig builds the client configuration used for https targets.
func ClientConfig(serverName string, insecure bool, caFile string) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: insecure,
	}

	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", caFile)
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}
