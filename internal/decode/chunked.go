package decode

import (
	"fmt"
	"strconv"
	"strings"
)

// TransferDecoder undoes wire framing added by the transport protocol. It is
// fed raw bytes as they arrive and reports its own end-of-stream.
type TransferDecoder interface {
	Decode(p []byte) ([]byte, error)
	Finished() bool
}

const (
	chunkStateSize = iota
	chunkStateData
	chunkStateTrailer
	chunkStateDone
)

// ChunkedDecoder removes HTTP chunked transfer framing from a raw byte
// stream. The final zero-length chunk (plus any trailer) marks the decoder
// finished independently of the payload length.
type ChunkedDecoder struct {
	state     int
	line      []byte
	remaining int64
}

func NewChunkedDecoder() *ChunkedDecoder {
	return &ChunkedDecoder{state: chunkStateSize}
}

func (d *ChunkedDecoder) Decode(p []byte) ([]byte, error) {
	var out []byte

	i := 0
	for i < len(p) {
		switch d.state {
		case chunkStateSize:
			b := p[i]
			i++
			if b != '\n' {
				d.line = append(d.line, b)
				continue
			}
			line := strings.TrimRight(string(d.line), "\r")
			d.line = d.line[:0]
			if line == "" {
				// CRLF separating the previous chunk's data from
				// the next size line.
				continue
			}
			if semi := strings.IndexByte(line, ';'); semi >= 0 {
				line = line[:semi]
			}
			size, err := strconv.ParseInt(strings.TrimSpace(line), 16, 64)
			if err != nil || size < 0 {
				return nil, fmt.Errorf("malformed chunk size %q", line)
			}
			if size == 0 {
				d.state = chunkStateTrailer
			} else {
				d.remaining = size
				d.state = chunkStateData
			}

		case chunkStateData:
			n := int64(len(p) - i)
			if n > d.remaining {
				n = d.remaining
			}
			out = append(out, p[i:i+int(n)]...)
			i += int(n)
			d.remaining -= n
			if d.remaining == 0 {
				d.state = chunkStateSize
			}

		case chunkStateTrailer:
			b := p[i]
			i++
			if b != '\n' {
				d.line = append(d.line, b)
				continue
			}
			line := strings.TrimRight(string(d.line), "\r")
			d.line = d.line[:0]
			if line == "" {
				// Blank line ends the trailer and the stream.
				d.state = chunkStateDone
			}

		case chunkStateDone:
			// Bytes past the terminator are not ours to interpret.
			return out, nil
		}
	}

	return out, nil
}

func (d *ChunkedDecoder) Finished() bool {
	return d.state == chunkStateDone
}
