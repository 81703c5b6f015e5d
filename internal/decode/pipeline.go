package decode

// Pipeline sequences the optional transfer-level stage and the optional
// content-level stage. Each stage keeps its own end-of-stream signal; the
// transfer stage ending does not imply the content stage reached a
// well-formed end.
type Pipeline struct {
	transfer TransferDecoder
	content  ContentDecoder
}

func NewPipeline(transfer TransferDecoder, content ContentDecoder) *Pipeline {
	return &Pipeline{transfer: transfer, content: content}
}

// Decode runs raw bytes through both stages and returns the plaintext bytes
// to persist. Absent stages pass bytes through unchanged.
func (p *Pipeline) Decode(raw []byte) ([]byte, error) {
	final := raw

	if p.transfer != nil {
		decoded, err := p.transfer.Decode(raw)
		if err != nil {
			return nil, err
		}
		final = decoded
	}

	if p.content != nil {
		decoded, err := p.content.Decode(final)
		if err != nil {
			return nil, err
		}
		final = decoded
	}

	return final, nil
}

// TransferActive reports whether a transfer-level decoder is configured.
func (p *Pipeline) TransferActive() bool { return p.transfer != nil }

// ContentActive reports whether a content-level decoder is configured.
func (p *Pipeline) ContentActive() bool { return p.content != nil }

// TransferFinished reports whether the transfer stage saw its end marker.
// Always false without a transfer decoder; segment completion is then
// decided by the write cursor instead.
func (p *Pipeline) TransferFinished() bool {
	return p.transfer != nil && p.transfer.Finished()
}

// ContentFinished reports whether the content stage reached a well-formed
// end state. Vacuously true without a content decoder.
func (p *Pipeline) ContentFinished() bool {
	return p.content == nil || p.content.Finished()
}

// Finish finalizes both stages once the segment's stream portion has ended.
// After Finish, ContentFinished is authoritative.
func (p *Pipeline) Finish() error {
	if p.content != nil {
		return p.content.Close()
	}
	return nil
}
