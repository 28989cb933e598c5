package audio

// VADConfig holds configuration for Voice Activity Detection
type VADConfig struct {
	EnergyThreshold float64 // RMS energy threshold for speech detection
	SilenceFrames   int     // Consecutive silent frames that end an utterance
	FrameSize       int     // Samples per frame
}

// DefaultVADConfig returns 20ms frames at the given sample rate
func DefaultVADConfig(sampleRate int) *VADConfig {
	frame := sampleRate / 50
	if frame < 1 {
		frame = 1
	}
	return &VADConfig{
		EnergyThreshold: 500.0,
		SilenceFrames:   10,
		FrameSize:       frame,
	}
}

// VADDetector performs energy-based Voice Activity Detection over a PCM
// stream. It is not safe for concurrent use; each open segment owns one.
type VADDetector struct {
	config         *VADConfig
	silenceCounter int
	isSpeaking     bool
	heardSpeech    bool
	pending        []int16 // samples short of a full frame
}

// NewVADDetector creates a new VAD detector
func NewVADDetector(config *VADConfig) *VADDetector {
	if config == nil {
		config = DefaultVADConfig(44100)
	}
	return &VADDetector{config: config}
}

// Feed splits raw PCM into frames and runs each through ProcessFrame.
// Samples that do not fill a frame are carried into the next call.
func (v *VADDetector) Feed(pcm []byte) {
	v.pending = append(v.pending, BytesToSamples(pcm)...)

	size := v.config.FrameSize
	offset := 0
	for len(v.pending)-offset >= size {
		v.ProcessFrame(v.pending[offset : offset+size])
		offset += size
	}
	v.pending = append(v.pending[:0], v.pending[offset:]...)
}

// ProcessFrame processes an audio frame and returns whether speech is detected
// Returns: (isSpeaking, speechStarted, speechEnded)
func (v *VADDetector) ProcessFrame(samples []int16) (bool, bool, bool) {
	frameHasSpeech := CalculateRMS(samples) > v.config.EnergyThreshold

	var speechStarted, speechEnded bool

	if frameHasSpeech {
		v.silenceCounter = 0
		v.heardSpeech = true

		if !v.isSpeaking {
			speechStarted = true
			v.isSpeaking = true
		}
	} else {
		v.silenceCounter++

		if v.isSpeaking && v.silenceCounter >= v.config.SilenceFrames {
			speechEnded = true
			v.isSpeaking = false
			v.silenceCounter = 0
		}
	}

	return v.isSpeaking, speechStarted, speechEnded
}

// HeardSpeech reports whether any frame so far held speech
func (v *VADDetector) HeardSpeech() bool {
	return v.heardSpeech
}

// IsSpeaking returns whether speech is currently detected
func (v *VADDetector) IsSpeaking() bool {
	return v.isSpeaking
}
