package decode

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// ContentDecoder undoes a content transformation (e.g. compression). Input
// arrives in arbitrary slices; the output size per call is whatever the
// decoder produced, which can differ from the input size in both directions.
type ContentDecoder interface {
	Decode(p []byte) ([]byte, error)
	Finished() bool
	Close() error
}

// ForEncoding returns the decoder for a Content-Encoding token, or nil when
// the encoding is identity.
func ForEncoding(name string) (ContentDecoder, error) {
	switch name {
	case "", "identity":
		return nil, nil
	case "gzip", "x-gzip":
		return newStreamDecoder(func(r io.Reader) (io.ReadCloser, error) {
			return gzip.NewReader(r)
		}), nil
	case "deflate":
		return newStreamDecoder(func(r io.Reader) (io.ReadCloser, error) {
			return zlib.NewReader(r)
		}), nil
	case "zstd":
		return newStreamDecoder(func(r io.Reader) (io.ReadCloser, error) {
			zr, err := zstd.NewReader(r)
			if err != nil {
				return nil, err
			}
			return zr.IOReadCloser(), nil
		}), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", name)
	}
}

// streamDecoder adapts a pull-style decompressor to the push-style Decode
// contract. Raw bytes are pushed through a pipe; a goroutine pulls decoded
// bytes out the far side into a buffer drained by Decode. The goroutine
// always keeps reading, so a push never blocks longer than one decode pass.
type streamDecoder struct {
	pw *io.PipeWriter

	mu       sync.Mutex
	out      bytes.Buffer
	err      error
	finished bool

	closeOnce sync.Once
	done      chan struct{}
}

func newStreamDecoder(open func(io.Reader) (io.ReadCloser, error)) *streamDecoder {
	pr, pw := io.Pipe()
	d := &streamDecoder{
		pw:   pw,
		done: make(chan struct{}),
	}

	go func() {
		defer close(d.done)

		rc, err := open(pr)
		if err != nil {
			d.fail(err)
			pr.CloseWithError(err)
			return
		}

		buf := make([]byte, 32*1024)
		for {
			n, rerr := rc.Read(buf)
			if n > 0 {
				d.mu.Lock()
				d.out.Write(buf[:n])
				d.mu.Unlock()
			}
			if rerr != nil {
				if rerr == io.EOF {
					d.mu.Lock()
					d.finished = true
					d.mu.Unlock()
					// The compressed stream ended; swallow any
					// trailing raw bytes so pushes don't block.
					_, _ = io.Copy(io.Discard, pr)
				} else {
					d.fail(rerr)
					pr.CloseWithError(rerr)
				}
				return
			}
		}
	}()

	return d
}

func (d *streamDecoder) Decode(p []byte) ([]byte, error) {
	var werr error
	if len(p) > 0 {
		if _, err := d.pw.Write(p); err != nil {
			werr = err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	// Bytes that decoded cleanly are handed out before any recorded error;
	// a late failure must not swallow buffered output.
	if d.out.Len() > 0 {
		decoded := make([]byte, d.out.Len())
		copy(decoded, d.out.Bytes())
		d.out.Reset()
		return decoded, nil
	}
	if d.err != nil {
		// The goroutine recorded the root cause before closing the pipe.
		return nil, d.err
	}
	if werr != nil {
		return nil, werr
	}
	return nil, nil
}

// Finished reports whether the decoder reached a well-formed end of stream.
func (d *streamDecoder) Finished() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.finished
}

// Close signals end of input and waits for the decoder to settle, so that
// Finished is authoritative afterwards. A truncated stream leaves Finished
// false without raising an error here.
func (d *streamDecoder) Close() error {
	d.closeOnce.Do(func() {
		d.pw.Close()
	})
	<-d.done
	return nil
}

func (d *streamDecoder) fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err == nil {
		d.err = err
	}
}
