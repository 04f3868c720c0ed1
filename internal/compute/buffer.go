package compute

// hostBuffer keeps the words of a CPU lane in host memory.
type hostBuffer struct {
	words []float64
}

func (b *hostBuffer) Write(src []float64) error {
	b.words = append(b.words[:0], src...)
	return nil
}

func (b *hostBuffer) Read(dst []float64) error {
	if len(dst) > len(b.words) {
		return ErrBufferRange
	}
	copy(dst, b.words)
	return nil
}

func (b *hostBuffer) Len() int { return len(b.words) }
