package lodeio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/lodemail/lode/mlog"
)

// ErrLineTooLong is returned by Bufpool.Readline when no newline was seen
// within a full buffer. The protocol cannot recover from that, connections
// should be aborted.
var ErrLineTooLong = errors.New("line from remote too long")

// Bufpool caches byte slices for reuse during parsing of line-terminated
// commands.
type Bufpool struct {
	c    chan []byte
	size int
}

// NewBufpool makes a new pool, initially empty, holding at most "max" buffers
// of "size" bytes each.
func NewBufpool(max, size int) *Bufpool {
	return &Bufpool{
		c:    make(chan []byte, max),
		size: size,
	}
}

func (b *Bufpool) get() []byte {
	select {
	case buf := <-b.c:
		return buf
	default:
		return make([]byte, b.size)
	}
}

// put returns buf to the pool, clearing the first "n" bytes, which should be
// all bytes that were written to. If the pool is full, the buffer is left for
// the garbage collector.
func (b *Bufpool) put(log mlog.Log, buf []byte, n int) {
	if len(buf) != b.size {
		log.Error("buffer with bad size returned, ignoring", slog.Int("badsize", len(buf)), slog.Int("expsize", b.size))
		return
	}

	for i := 0; i < n; i++ {
		buf[i] = 0
	}
	select {
	case b.c <- buf:
	default:
	}
}

// Readline reads a \n- or \r\n-terminated line. The line is returned without
// \n or \r\n. If the line does not fit in a buffer, ErrLineTooLong is
// returned. If an EOF is encountered before a \n, io.ErrUnexpectedEOF is
// returned.
func (b *Bufpool) Readline(log mlog.Log, r *bufio.Reader) (line string, rerr error) {
	var nread int
	buf := b.get()
	defer func() {
		b.put(log, buf, nread)
	}()

	// We refuse to consume data beyond a full buffer looking for a newline that may
	// never come.
	for {
		if nread >= len(buf) {
			return "", fmt.Errorf("%w: no newline after all %d bytes", ErrLineTooLong, nread)
		}
		c, err := r.ReadByte()
		if err == io.EOF {
			return "", io.ErrUnexpectedEOF
		} else if err != nil {
			return "", fmt.Errorf("reading line from remote: %w", err)
		}
		if c == '\n' {
			var s string
			if nread > 0 && buf[nread-1] == '\r' {
				s = string(buf[:nread-1])
			} else {
				s = string(buf[:nread])
			}
			nread++
			return s, nil
		}
		buf[nread] = c
		nread++
	}
}
