package serial

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/makeict/mcp/api"
	bugserial "go.bug.st/serial"
)

// OpenPort opens a serial device in 8N1 mode
func OpenPort(device string, baudRate int) (io.ReadWriteCloser, error) {
	port, err := bugserial.Open(device, &bugserial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   bugserial.NoParity,
		StopBits: bugserial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial device %s: %w", device, err)
	}
	return port, nil
}

// Link exchanges frames with door controllers over a byte stream.
// A Link without a port drops outgoing frames and never receives any.
type Link struct {
	port    io.ReadWriteCloser
	logger  api.Logger
	writeMu sync.Mutex
}

// NewLink creates a link over port. port may be nil.
func NewLink(port io.ReadWriteCloser, logger api.Logger) *Link {
	return &Link{port: port, logger: logger}
}

// Run reads frames until ctx is done or the port fails, handing each valid
// frame to onFrame. Corrupt frames are logged and skipped.
func (l *Link) Run(ctx context.Context, onFrame func(*Frame)) error {
	if l.port == nil {
		<-ctx.Done()
		return nil
	}

	stop := context.AfterFunc(ctx, func() { l.port.Close() })
	defer stop()

	r := bufio.NewReader(l.port)
	for {
		frame, err := readFrame(r)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrChecksum) {
				l.logger.Warn("Dropped corrupt frame", "error", err)
				continue
			}
			return fmt.Errorf("serial read failed: %w", err)
		}

		l.logger.Debug("Frame received", "from", frame.From, "to", frame.To, "function", frame.Function)
		onFrame(frame)
	}
}

// readFrame skips bytes until a start byte and reads one complete frame.
// Bytes are only consumed once a frame validates; a candidate that fails
// its checksum consumes just its start byte, so a frame following a stray
// start byte is still found.
func readFrame(r *bufio.Reader) (*Frame, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == StartByte {
			r.UnreadByte()
			break
		}
	}

	header, err := r.Peek(headerSize)
	if err != nil {
		return nil, err
	}
	total := frameExtra + int(header[4])
	peeked, err := r.Peek(total)
	if err != nil {
		return nil, err
	}

	frame, err := Decode(append([]byte(nil), peeked...))
	if err != nil {
		r.Discard(1)
		return nil, err
	}
	r.Discard(total)
	return frame, nil
}

// Send writes a frame to a client. Failures are logged and not returned.
func (l *Link) Send(to int, function byte, data []byte) {
	logger := l.logger.With("to", to, "function", function)
	if l.port == nil {
		logger.Debug("No serial device, command dropped")
		return
	}

	raw, err := Encode(&Frame{
		To:       byte(to),
		From:     api.HubAddress,
		Function: function,
		Data:     data,
	})
	if err != nil {
		logger.Error("Failed to encode frame", "error", err)
		return
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := l.port.Write(raw); err != nil {
		logger.Error("Failed to write frame", "error", err)
		return
	}
	logger.Debug("Frame sent", "bytes", len(raw))
}

// Close closes the underlying port
func (l *Link) Close() error {
	if l.port == nil {
		return nil
	}
	return l.port.Close()
}
