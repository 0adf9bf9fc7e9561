package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"sync"

	"github.com/wirebus/gobusd/internal/message"
)

// Listener accepts bus client connections on an AF_UNIX SOCK_STREAM
// socket.
type Listener struct {
	ln   *net.UnixListener
	path string
}

// Listen binds the bus socket at path, replacing a stale socket file
// left behind by an earlier instance.
func Listen(path string) (*Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	return &Listener{ln: ln, path: path}, nil
}

// Accept returns the next raw client connection. Credential retrieval
// and the SASL handshake happen per-connection in the caller's
// goroutine so a slow client cannot block the accept loop.
func (l *Listener) Accept() (*net.UnixConn, error) {
	conn, err := l.ln.AcceptUnix()
	if err != nil {
		return nil, fmt.Errorf("accept: %w", err)
	}
	return conn, nil
}

// Addr returns the socket path the listener is bound to.
func (l *Listener) Addr() string { return l.path }

// Close stops accepting and removes the socket file.
func (l *Listener) Close() error {
	if err := l.ln.Close(); err != nil {
		return fmt.Errorf("close listener: %w", err)
	}
	return nil
}

// Open authenticates conn and wraps it in a stream codec: reads the
// peer's socket credentials, runs the SASL EXTERNAL handshake, and
// returns the codec ready for message traffic.
func Open(conn *net.UnixConn, guid string) (Codec, Credentials, error) {
	creds, err := ReadCredentials(conn)
	if err != nil {
		return nil, Credentials{}, fmt.Errorf("peer credentials: %w", err)
	}

	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	if err := ServerHandshake(rw, creds.UID, guid); err != nil {
		return nil, Credentials{}, fmt.Errorf("sasl handshake: %w", err)
	}

	return newStreamCodec(conn, rw.Reader), creds, nil
}

// streamCodec frames messages over one unix connection. Inbound decoding
// happens on the caller's Dequeue goroutine; outbound writes are drained
// by a dedicated writer goroutine so Queue never blocks the dispatch
// loop.
type streamCodec struct {
	conn *net.UnixConn
	br   *bufio.Reader

	mu      sync.Mutex
	out     []outbound
	kick    chan struct{}
	closed  bool
	drain   bool
	done    chan struct{}
	closeFn sync.Once
}

type outbound struct {
	msg     *message.Message
	release func()
}

func newStreamCodec(conn *net.UnixConn, br *bufio.Reader) *streamCodec {
	c := &streamCodec{
		conn: conn,
		br:   br,
		kick: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *streamCodec) Dequeue() (*message.Message, error) {
	m, err := DecodeMessage(c.br)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (c *streamCodec) Queue(msg *message.Message, _ uint64, release func()) error {
	c.mu.Lock()
	if c.closed || c.drain {
		c.mu.Unlock()
		if release != nil {
			release()
		}
		return ErrCodecClosed
	}
	c.out = append(c.out, outbound{msg: msg, release: release})
	c.mu.Unlock()

	select {
	case c.kick <- struct{}{}:
	default:
	}
	return nil
}

func (c *streamCodec) Shutdown() {
	c.mu.Lock()
	c.drain = true
	c.mu.Unlock()
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *streamCodec) Close() error {
	var err error
	c.closeFn.Do(func() {
		c.mu.Lock()
		c.closed = true
		pending := c.out
		c.out = nil
		c.mu.Unlock()

		for _, ob := range pending {
			if ob.release != nil {
				ob.release()
			}
		}
		close(c.done)
		err = c.conn.Close()
	})
	if err != nil {
		return fmt.Errorf("close conn: %w", err)
	}
	return nil
}

func (c *streamCodec) writeLoop() {
	bw := bufio.NewWriter(c.conn)
	for {
		select {
		case <-c.done:
			return
		case <-c.kick:
		}

		for {
			c.mu.Lock()
			if len(c.out) == 0 {
				draining := c.drain
				c.mu.Unlock()
				if draining {
					_ = bw.Flush()
					_ = c.Close()
					return
				}
				break
			}
			ob := c.out[0]
			c.out = c.out[1:]
			c.mu.Unlock()

			err := EncodeMessage(bw, ob.msg)
			if err == nil {
				err = bw.Flush()
			}
			if ob.release != nil {
				ob.release()
			}
			if err != nil {
				_ = c.Close()
				return
			}
		}
	}
}
