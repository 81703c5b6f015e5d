package transport

import "io"

// Transport is one open byte stream bound to an assigned region of the
// download. ReadAvailable performs at most one bounded read; returning fewer
// bytes than requested, including zero at end of stream, is not an error.
type Transport interface {
	ReadAvailable(p []byte) (int, error)
	Host() string
	Close() error
}

// readerTransport adapts any io.Reader into a Transport. io.EOF is folded
// into a zero-byte read so the caller sees end of stream the same way a
// closed socket would present it.
type readerTransport struct {
	r    io.Reader
	host string
	eof  bool
}

// NewReader wraps r as a Transport identified by host.
func NewReader(r io.Reader, host string) Transport {
	return &readerTransport{r: r, host: host}
}

func (t *readerTransport) ReadAvailable(p []byte) (int, error) {
	if t.eof || len(p) == 0 {
		return 0, nil
	}

	n, err := t.r.Read(p)
	if err == io.EOF {
		t.eof = true
		return n, nil
	}
	return n, err
}

func (t *readerTransport) Host() string { return t.host }

func (t *readerTransport) Close() error {
	if c, ok := t.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
