package audio

// Meter watches a PCM byte stream for speech activity. Chunks may split
// samples and frames anywhere; the remainder is carried to the next Write.
// A Meter is not safe for concurrent use.
type Meter struct {
	vad     *VADDetector
	pending []byte
	onEvent func(VADEvent, float64)
	total   int
}

// NewMeter returns a Meter that calls onEvent with each speech transition and
// the stream offset in seconds at which it happened. onEvent may be nil.
func NewMeter(config *VADConfig, onEvent func(event VADEvent, at float64)) *Meter {
	vad := NewVADDetector(config)
	return &Meter{
		vad:     vad,
		pending: make([]byte, 0, vad.FrameSize()*BytesPerSample),
		onEvent: onEvent,
	}
}

// Write feeds PCM into the meter. It never fails.
func (m *Meter) Write(p []byte) (int, error) {
	frameBytes := m.vad.FrameSize() * BytesPerSample
	data := p

	if len(m.pending) > 0 {
		need := frameBytes - len(m.pending)
		if len(data) < need {
			m.pending = append(m.pending, data...)
			return len(p), nil
		}
		m.pending = append(m.pending, data[:need]...)
		m.frame(m.pending)
		m.pending = m.pending[:0]
		data = data[need:]
	}

	for len(data) >= frameBytes {
		m.frame(data[:frameBytes])
		data = data[frameBytes:]
	}
	m.pending = append(m.pending, data...)
	return len(p), nil
}

func (m *Meter) frame(pcm []byte) {
	m.total += len(pcm)
	event := m.vad.ProcessFrame(DecodeSamples(pcm))
	if event != VADNone && m.onEvent != nil {
		m.onEvent(event, BytesToDuration(m.total))
	}
}

// Speaking reports whether the last complete frame was part of speech
func (m *Meter) Speaking() bool {
	return m.vad.IsSpeaking()
}

// Processed returns the number of PCM bytes classified so far
func (m *Meter) Processed() int {
	return m.total
}
