package serial

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

var ErrReadTimeout = errors.New("serial read timeout")

// pollInterval bounds a single blocking read so deadlines and context
// cancellation are checked regularly.
const pollInterval = 100 * time.Millisecond

const maxLineLength = 4096

// Port is the subset of go.bug.st/serial.Port the line reader needs.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// Line reads and writes newline-delimited text on a serial port.
type Line struct {
	port Port
	name string

	mu  sync.Mutex
	buf []byte
}

// Open opens the named port in 8N1 at baudRate.
func Open(name string, baudRate int) (*Line, error) {
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}

	return NewLine(name, port)
}

func NewLine(name string, port Port) (*Line, error) {
	if err := port.SetReadTimeout(pollInterval); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", name, err)
	}
	return &Line{port: port, name: name}, nil
}

func (l *Line) Name() string {
	return l.name
}

// ReadLine returns the next line without its terminator. It fails with
// ErrReadTimeout when no complete line arrives within timeout.
func (l *Line) ReadLine(ctx context.Context, timeout time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	deadline := time.Now().Add(timeout)
	chunk := make([]byte, 256)

	for {
		if i := bytes.IndexByte(l.buf, '\n'); i >= 0 {
			line := string(l.buf[:i])
			l.buf = l.buf[i+1:]
			return strings.TrimSpace(line), nil
		}
		if len(l.buf) > maxLineLength {
			l.buf = l.buf[:0]
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if !time.Now().Before(deadline) {
			return "", ErrReadTimeout
		}

		n, err := l.port.Read(chunk)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", l.name, err)
		}
		l.buf = append(l.buf, chunk[:n]...)
	}
}

func (l *Line) WriteLine(s string) error {
	if _, err := l.port.Write([]byte(s + "\n")); err != nil {
		return fmt.Errorf("failed to write %s: %w", l.name, err)
	}
	return nil
}

// Flush drops everything received but not yet read.
func (l *Line) Flush() error {
	l.mu.Lock()
	l.buf = l.buf[:0]
	l.mu.Unlock()

	if err := l.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", l.name, err)
	}
	return nil
}

func (l *Line) Close() error {
	return l.port.Close()
}
