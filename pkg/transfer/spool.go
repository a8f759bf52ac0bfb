package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/3leaps/nimbusgate/pkg/provider"
)

// DefaultSpoolMemoryBytes is the largest payload a Spool keeps in memory.
// Larger or unknown-size payloads go to a temporary file.
const DefaultSpoolMemoryBytes int64 = 16 << 20

// Spool makes a one-shot stream seekable so an upload can be retried.
type Spool struct {
	reader  io.ReadSeeker
	size    int64
	cleanup func() error
}

// Reader returns the seekable content.
func (s *Spool) Reader() io.ReadSeeker { return s.reader }

// Size returns the number of bytes spooled.
func (s *Spool) Size() int64 { return s.size }

// Close releases the spool. A temporary file is removed.
func (s *Spool) Close() error {
	if s.cleanup == nil {
		return nil
	}
	return s.cleanup()
}

// NewSpool reads src to the end. size < 0 means unknown.
func NewSpool(ctx context.Context, src io.Reader, size int64, maxMemoryBytes int64) (*Spool, error) {
	if maxMemoryBytes <= 0 {
		maxMemoryBytes = DefaultSpoolMemoryBytes
	}
	src = &ctxReader{ctx: ctx, r: src}

	if size >= 0 && size <= maxMemoryBytes {
		data, err := io.ReadAll(src)
		if err != nil {
			return nil, err
		}
		return &Spool{reader: bytes.NewReader(data), size: int64(len(data))}, nil
	}

	f, err := os.CreateTemp("", "nimbusgate-spool-*")
	if err != nil {
		return nil, err
	}
	n, copyErr := io.Copy(f, src)
	if copyErr != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, copyErr
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, err
	}

	return &Spool{
		reader: f,
		size:   n,
		cleanup: func() error {
			name := f.Name()
			closeErr := f.Close()
			rmErr := os.Remove(name)
			if closeErr != nil {
				return fmt.Errorf("close spool file: %w", closeErr)
			}
			if rmErr != nil {
				return fmt.Errorf("remove spool file: %w", rmErr)
			}
			return nil
		},
	}, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(b []byte) (int, error) {
	if err := provider.FromContext(c.ctx); err != nil {
		return 0, err
	}
	return c.r.Read(b)
}
