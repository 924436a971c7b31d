package endpoint

import (
	"math"
	"time"
)

// Environment is the coarse acoustic classification of a conversation.
type Environment int

const (
	// EnvQuiet is a low noise floor with a clear speech peak.
	EnvQuiet Environment = iota
	// EnvNoisy is an elevated noise floor or a reduced signal-to-noise ratio.
	EnvNoisy
	// EnvVeryNoisy is a high noise floor or speech barely above the noise.
	EnvVeryNoisy
)

// String returns a human-readable environment name.
func (e Environment) String() string {
	switch e {
	case EnvQuiet:
		return "quiet"
	case EnvNoisy:
		return "noisy"
	case EnvVeryNoisy:
		return "very-noisy"
	default:
		return "unknown"
	}
}

type envOffsets struct {
	threshold float64
	silence   time.Duration
	fallback  time.Duration
	extended  time.Duration
}

var offsetsByEnvironment = map[Environment]envOffsets{
	EnvQuiet:     {threshold: -0.05, silence: -80 * time.Millisecond, fallback: -100 * time.Millisecond, extended: -300 * time.Millisecond},
	EnvNoisy:     {threshold: 0.08, silence: 200 * time.Millisecond, fallback: 300 * time.Millisecond, extended: 700 * time.Millisecond},
	EnvVeryNoisy: {threshold: 0.15, silence: 350 * time.Millisecond, fallback: 600 * time.Millisecond, extended: 1500 * time.Millisecond},
}

// VadUpdate is an emitted change to the voice-activity parameters.
type VadUpdate struct {
	Threshold   float64
	Silence     time.Duration
	Environment Environment
	NoiseFloor  float64
	SpeechPeak  float64
	At          time.Time
}

type utterance struct {
	duration time.Duration
	words    int
}

// AdaptiveVAD derives voice-activity parameters from an ongoing noise estimate.
type AdaptiveVAD struct {
	cfg AdaptiveConfig

	noiseFloor float64
	speechPeak float64
	env        Environment

	threshold float64
	silence   time.Duration

	emittedThreshold float64
	emittedSilence   time.Duration
	lastStep         time.Time

	recent [recentUtteranceCap]utterance
	head   int
	count  int
}

// NewAdaptiveVAD creates an AdaptiveVAD seeded from cfg.
func NewAdaptiveVAD(cfg AdaptiveConfig) *AdaptiveVAD {
	a := &AdaptiveVAD{cfg: cfg.withDefaults()}
	a.Reset()
	return a
}

// Reset restores the initial estimates and clears the utterance history.
func (a *AdaptiveVAD) Reset() {
	a.noiseFloor = a.cfg.InitialNoiseFloor
	a.speechPeak = a.cfg.InitialSpeechPeak
	a.threshold = a.cfg.BaseThreshold
	a.silence = a.cfg.BaseSilence
	a.emittedThreshold = a.threshold
	a.emittedSilence = a.silence
	a.lastStep = time.Time{}
	a.recent = [recentUtteranceCap]utterance{}
	a.head = 0
	a.count = 0
	a.env = a.classify()
}

// Observe folds one energy sample into the estimates. It returns an update when
// the smoothed parameters moved far enough to be worth publishing.
func (a *AdaptiveVAD) Observe(energy float64, speaking bool, now time.Time) (VadUpdate, bool) {
	if math.IsNaN(energy) || math.IsInf(energy, 0) || energy < 0 {
		return VadUpdate{}, false
	}

	likelySpeech := speaking || energy > 1.8*a.noiseFloor+0.02
	if likelySpeech {
		a.speechPeak += speechPeakAlpha * (energy - a.speechPeak)
	} else {
		a.noiseFloor += noiseFloorAlpha * (energy - a.noiseFloor)
	}
	a.env = a.classify()

	if !a.lastStep.IsZero() && now.Sub(a.lastStep) < a.cfg.MinUpdateInterval {
		return VadUpdate{}, false
	}
	a.lastStep = now

	targetThreshold, targetSilence := a.targets()
	a.threshold = smoothingPrev*a.threshold + smoothingNext*targetThreshold
	a.silence = time.Duration(smoothingPrev*float64(a.silence) + smoothingNext*float64(targetSilence))

	thresholdDelta := math.Abs(a.threshold - a.emittedThreshold)
	silenceDelta := a.silence - a.emittedSilence
	if silenceDelta < 0 {
		silenceDelta = -silenceDelta
	}
	if thresholdDelta < minThresholdChange && silenceDelta < minSilenceChange {
		return VadUpdate{}, false
	}

	a.emittedThreshold = a.threshold
	a.emittedSilence = a.silence
	return VadUpdate{
		Threshold:   a.threshold,
		Silence:     a.silence,
		Environment: a.env,
		NoiseFloor:  a.noiseFloor,
		SpeechPeak:  a.speechPeak,
		At:          now,
	}, true
}

// RecordUtterance appends a finished utterance to the recent history.
func (a *AdaptiveVAD) RecordUtterance(d time.Duration) {
	if d < 0 {
		d = 0
	}
	a.recent[a.head] = utterance{duration: d}
	a.head = (a.head + 1) % recentUtteranceCap
	if a.count < recentUtteranceCap {
		a.count++
	}
}

// AnnotateWords sets the word count of the most recent utterance.
func (a *AdaptiveVAD) AnnotateWords(words int) {
	if a.count == 0 {
		return
	}
	idx := (a.head - 1 + recentUtteranceCap) % recentUtteranceCap
	a.recent[idx].words = words
}

// Environment returns the current classification.
func (a *AdaptiveVAD) Environment() Environment {
	return a.env
}

// Threshold returns the current smoothed threshold and silence window.
func (a *AdaptiveVAD) Threshold() (float64, time.Duration) {
	return a.threshold, a.silence
}

// PatienceBonus returns the extra silence granted to a speaker who has been
// producing rapid short fragments.
func (a *AdaptiveVAD) PatienceBonus() time.Duration {
	short := 0
	for i := 0; i < a.count; i++ {
		u := a.recent[i]
		if u.duration < 1200*time.Millisecond || (u.words > 0 && u.words <= 3) {
			short++
		}
	}
	switch {
	case short >= 4:
		return 800 * time.Millisecond
	case short == 3:
		return 500 * time.Millisecond
	case short == 2:
		return 200 * time.Millisecond
	default:
		return 0
	}
}

// FallbackTimeout returns base adjusted for the environment and clamped.
func (a *AdaptiveVAD) FallbackTimeout(base time.Duration) time.Duration {
	return clampDuration(base+offsetsByEnvironment[a.env].fallback, minFallbackTimeout, maxFallbackTimeout)
}

// ExtendedTimeout returns base adjusted for the environment and clamped.
func (a *AdaptiveVAD) ExtendedTimeout(base time.Duration) time.Duration {
	return clampDuration(base+offsetsByEnvironment[a.env].extended, minExtendedTimeout, maxExtendedTimeout)
}

func (a *AdaptiveVAD) targets() (float64, time.Duration) {
	off := offsetsByEnvironment[a.env]
	threshold := clampFloat(a.cfg.BaseThreshold+off.threshold, minThreshold, maxThreshold)
	silence := clampDuration(a.cfg.BaseSilence+off.silence+a.PatienceBonus(), minSilence, maxSilence)
	return threshold, silence
}

func (a *AdaptiveVAD) classify() Environment {
	snr := a.speechPeak / math.Max(a.noiseFloor, 0.01)
	audible := a.noiseFloor > 0.02
	switch {
	case a.noiseFloor >= 0.10 || (audible && snr < 1.6):
		return EnvVeryNoisy
	case a.noiseFloor >= 0.06 || (audible && snr < 2.2):
		return EnvNoisy
	default:
		return EnvQuiet
	}
}
