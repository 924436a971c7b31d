package endpoint

import "time"

// Config holds endpointing timing configuration.
type Config struct {
	// FallbackTimeout is the base wait after audio is committed before a turn
	// with no transcription is force-finalized. Default: 800ms.
	FallbackTimeout time.Duration `json:"fallback_timeout"`

	// ExtendedTimeout is the base wait after the latest transcription delta
	// before the turn is force-finalized with what has accumulated. Default: 2.5s.
	ExtendedTimeout time.Duration `json:"extended_timeout"`

	// VAD configures the adaptive voice-activity parameters.
	VAD AdaptiveConfig `json:"vad"`
}

// AdaptiveConfig holds the tuning for AdaptiveVAD.
type AdaptiveConfig struct {
	// BaseThreshold is the voice-activity threshold before environment offsets.
	// Default: 0.5.
	BaseThreshold float64 `json:"base_threshold"`

	// BaseSilence is the trailing silence before speech is considered ended.
	// Default: 1000ms.
	BaseSilence time.Duration `json:"base_silence"`

	// MinUpdateInterval bounds how often parameters may change. Default: 2.5s.
	MinUpdateInterval time.Duration `json:"min_update_interval"`

	// InitialSpeechPeak seeds the speech peak estimate. Default: 0.3.
	InitialSpeechPeak float64 `json:"initial_speech_peak"`

	// InitialNoiseFloor seeds the noise floor estimate. Default: 0.01.
	InitialNoiseFloor float64 `json:"initial_noise_floor"`
}

const (
	minFallbackTimeout = 300 * time.Millisecond
	maxFallbackTimeout = 5000 * time.Millisecond
	minExtendedTimeout = 800 * time.Millisecond
	maxExtendedTimeout = 8000 * time.Millisecond

	minThreshold = 0.25
	maxThreshold = 0.75
	minSilence   = 800 * time.Millisecond
	maxSilence   = 1800 * time.Millisecond

	noiseFloorAlpha = 0.03
	speechPeakAlpha = 0.12

	smoothingPrev = 0.7
	smoothingNext = 0.3

	minThresholdChange = 0.05
	minSilenceChange   = 100 * time.Millisecond

	recentUtteranceCap = 5
)

// DefaultConfig returns the default endpointing configuration.
func DefaultConfig() Config {
	return Config{
		FallbackTimeout: 800 * time.Millisecond,
		ExtendedTimeout: 2500 * time.Millisecond,
		VAD:             DefaultAdaptiveConfig(),
	}
}

// DefaultAdaptiveConfig returns the default adaptive VAD configuration.
func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		BaseThreshold:     0.5,
		BaseSilence:       1000 * time.Millisecond,
		MinUpdateInterval: 2500 * time.Millisecond,
		InitialSpeechPeak: 0.3,
		InitialNoiseFloor: 0.01,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FallbackTimeout <= 0 {
		c.FallbackTimeout = def.FallbackTimeout
	}
	if c.ExtendedTimeout <= 0 {
		c.ExtendedTimeout = def.ExtendedTimeout
	}
	c.VAD = c.VAD.withDefaults()
	return c
}

func (c AdaptiveConfig) withDefaults() AdaptiveConfig {
	def := DefaultAdaptiveConfig()
	if c.BaseThreshold <= 0 {
		c.BaseThreshold = def.BaseThreshold
	}
	if c.BaseSilence <= 0 {
		c.BaseSilence = def.BaseSilence
	}
	if c.MinUpdateInterval <= 0 {
		c.MinUpdateInterval = def.MinUpdateInterval
	}
	if c.InitialSpeechPeak <= 0 {
		c.InitialSpeechPeak = def.InitialSpeechPeak
	}
	if c.InitialNoiseFloor <= 0 {
		c.InitialNoiseFloor = def.InitialNoiseFloor
	}
	return c
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
