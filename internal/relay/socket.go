package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/roboverse/go2webrtc-rc/internal/metrics"
)

// ErrQueueFull is returned when a frame is dropped because the socket's
// send queue is over its byte budget.
var ErrQueueFull = errors.New("relay: send queue full")

// Socket is an outbound UDP socket with a fixed destination. A single
// writer goroutine drains its queue frame by frame.
type Socket struct {
	conn         *net.UDPConn
	dest         *net.UDPAddr
	kind         string
	writeTimeout time.Duration
	queue        *frameQueue
	metrics      *metrics.Metrics
	log          *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// OpenSocket binds an ephemeral UDP port on bindAddr and starts the writer.
func OpenSocket(kind, bindAddr string, dest *net.UDPAddr, writeTimeout time.Duration, queueBytes int, log *slog.Logger, m *metrics.Metrics) (*Socket, error) {
	local, err := net.ResolveUDPAddr("udp", net.JoinHostPort(bindAddr, "0"))
	if err != nil {
		return nil, fmt.Errorf("resolve bind address %q: %w", bindAddr, err)
	}
	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", local, err)
	}
	s := &Socket{
		conn:         conn,
		dest:         dest,
		kind:         kind,
		writeTimeout: writeTimeout,
		queue:        newFrameQueue(queueBytes),
		metrics:      m,
		log:          log.With("kind", kind, "dest", dest.String()),
		done:         make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

func (s *Socket) LocalAddr() *net.UDPAddr { return s.conn.LocalAddr().(*net.UDPAddr) }

func (s *Socket) Dest() *net.UDPAddr { return s.dest }

// SendFrame queues the datagrams of one frame. The socket owns them
// afterwards.
func (s *Socket) SendFrame(datagrams [][]byte) error {
	if len(datagrams) == 0 {
		return nil
	}
	if !s.queue.push(datagrams) {
		return ErrQueueFull
	}
	return nil
}

// Dropped reports frames refused by the queue.
func (s *Socket) Dropped() uint64 { return s.queue.refused.Load() }

func (s *Socket) writeLoop() {
	defer close(s.done)
	for {
		batch, ok := s.queue.pop()
		if !ok {
			return
		}
		for _, d := range batch {
			if !s.write(d) {
				return
			}
		}
	}
}

// write reports false once the socket is closed.
func (s *Socket) write(d []byte) bool {
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	_, err := s.conn.WriteToUDP(d, s.dest)
	switch {
	case err == nil:
		s.metrics.Inc(metrics.Kind(metrics.DatagramsSent, s.kind))
	case errors.Is(err, net.ErrClosed):
		return false
	default:
		s.metrics.Inc(metrics.Kind(metrics.DatagramSendErrors, s.kind))
		// Nobody listening on the consumer port is normal.
		if !errors.Is(err, syscall.ECONNREFUSED) {
			s.log.Debug("udp write failed", "err", err)
		}
	}
	return true
}

// Close flushes queued datagrams, bounded by the write timeout, and closes
// the socket.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.queue.close()
		flush := s.writeTimeout
		if flush <= 0 {
			flush = 100 * time.Millisecond
		}
		select {
		case <-s.done:
		case <-time.After(flush * 10):
		}
		err = s.conn.Close()
		<-s.done
	})
	return err
}
