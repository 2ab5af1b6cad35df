// Package serialbus wraps a line-oriented transport (a go.bug.st/serial
// port in production, any io.ReadWriteCloser in tests) with the
// line-buffering and character-counting flow control the host protocol's
// ack-per-line discipline needs. Blocking I/O is confined to a dedicated
// goroutine so the main flow never blocks on the wire.
package serialbus

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	"go.bug.st/serial"

	"cncmotion.dev/core/logging"
)

// DefaultRXBufferBytes mirrors a typical firmware's small line buffer,
// bounding how much unacknowledged input the host may have in flight under
// character-counting flow control.
const DefaultRXBufferBytes = 128

// Bus reads lines from a transport on its own goroutine and publishes them
// on Lines(), while tracking how many bytes of outstanding (unacknowledged)
// input the host believes the bus can still accept.
type Bus struct {
	conn   io.ReadWriteCloser
	logger logging.Logger

	lines  chan string
	errs   chan error
	cancel context.CancelFunc

	mu          sync.Mutex
	outstanding int
	bufferBytes int
}

// Open wraps an already-configured go.bug.st/serial port.
func Open(port serial.Port, bufferBytes int, logger logging.Logger) *Bus {
	return New(port, bufferBytes, logger)
}

// New wraps any ReadWriteCloser (a real port or a net.Pipe/bytes-backed
// fake in tests).
func New(conn io.ReadWriteCloser, bufferBytes int, logger logging.Logger) *Bus {
	if bufferBytes <= 0 {
		bufferBytes = DefaultRXBufferBytes
	}
	if logger == nil {
		if l, err := logging.NewLogger("serialbus", logging.INFO); err == nil {
			logger = l
		}
	}
	return &Bus{conn: conn, logger: logger, bufferBytes: bufferBytes, lines: make(chan string, 32), errs: make(chan error, 1)}
}

// Run starts the read-pump goroutine; it exits when ctx is canceled or the
// transport errors.
func (b *Bus) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	go b.readPump(ctx)
}

func (b *Bus) readPump(ctx context.Context) {
	scanner := bufio.NewScanner(b.conn)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := scanner.Text()
		b.mu.Lock()
		b.outstanding += len(line) + 1
		b.mu.Unlock()
		select {
		case b.lines <- line:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		select {
		case b.errs <- err:
		default:
		}
	}
	close(b.lines)
}

// Lines is the channel of received, newline-delimited input lines.
func (b *Bus) Lines() <-chan string {
	return b.lines
}

// Errs reports a transport read error, if any, after Lines() closes.
func (b *Bus) Errs() <-chan error {
	return b.errs
}

// Ack must be called once a received line has been fully processed and
// acknowledged to the host; it frees the character-count budget that line
// consumed.
func (b *Bus) Ack(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outstanding -= len(line) + 1
	if b.outstanding < 0 {
		b.outstanding = 0
	}
}

// AvailableBudget reports how many more bytes of unacknowledged input the
// host is still permitted to send (RX buffer bytes minus outstanding).
func (b *Bus) AvailableBudget() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bufferBytes - b.outstanding
}

// WriteLine writes s followed by a newline. Callers are always main flow,
// never a pulse callback, so a pending write can never stall motion.
func (b *Bus) WriteLine(s string) error {
	_, err := fmt.Fprintf(b.conn, "%s\n", s)
	return err
}

// Close stops the read pump and closes the underlying transport.
func (b *Bus) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	return b.conn.Close()
}
