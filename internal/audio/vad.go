package audio

// VADConfig holds configuration for Voice Activity Detection
type VADConfig struct {
	EnergyThreshold float64 // RMS energy threshold for speech detection
	SilenceFrames   int     // Consecutive silent frames that end speech
	FrameSize       int     // Samples per frame
}

// DefaultVADConfig returns a default VAD configuration
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 500.0,
		SilenceFrames:   25,  // 500ms of silence
		FrameSize:       320, // 20ms at 16kHz
	}
}

// VADEvent is the speech transition produced by a frame, if any
type VADEvent int

const (
	VADNone VADEvent = iota
	VADSpeechStart
	VADSpeechEnd
)

func (e VADEvent) String() string {
	switch e {
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechEnd:
		return "speech_end"
	}
	return "none"
}

// VADDetector performs energy-based Voice Activity Detection
type VADDetector struct {
	config         VADConfig
	silenceCounter int
	isSpeaking     bool
}

// NewVADDetector creates a new VAD detector
func NewVADDetector(config *VADConfig) *VADDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	cfg := *config
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = DefaultVADConfig().FrameSize
	}
	if cfg.SilenceFrames <= 0 {
		cfg.SilenceFrames = 1
	}
	return &VADDetector{config: cfg}
}

// FrameSize returns the number of samples ProcessFrame expects
func (v *VADDetector) FrameSize() int {
	return v.config.FrameSize
}

// ProcessFrame classifies one frame and returns the transition it caused
func (v *VADDetector) ProcessFrame(samples []int16) VADEvent {
	if CalculateRMS(samples) > v.config.EnergyThreshold {
		v.silenceCounter = 0
		if !v.isSpeaking {
			v.isSpeaking = true
			return VADSpeechStart
		}
		return VADNone
	}

	v.silenceCounter++
	if v.isSpeaking && v.silenceCounter >= v.config.SilenceFrames {
		v.isSpeaking = false
		v.silenceCounter = 0
		return VADSpeechEnd
	}
	return VADNone
}

// Reset resets the VAD detector state
func (v *VADDetector) Reset() {
	v.silenceCounter = 0
	v.isSpeaking = false
}

// IsSpeaking returns whether speech is currently detected
func (v *VADDetector) IsSpeaking() bool {
	return v.isSpeaking
}
