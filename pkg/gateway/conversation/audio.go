package conversation

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
)

// Encoder compresses one PCM frame for the upstream audio track.
type Encoder interface {
	Encode(pcm []int16) ([]byte, error)
}

// AudioSink carries encoded frames to the speech service.
type AudioSink interface {
	WriteAudio(frame []byte, d time.Duration) error
}

// MicConfig describes a raw microphone stream: signed 16-bit little-endian
// mono samples.
type MicConfig struct {
	SampleRate int
	Frame      time.Duration
}

func (c MicConfig) withDefaults() MicConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = 24000
	}
	if c.Frame <= 0 {
		c.Frame = 20 * time.Millisecond
	}
	return c
}

// FrameSamples returns the number of samples in one frame.
func (c MicConfig) FrameSamples() int {
	c = c.withDefaults()
	return int(int64(c.SampleRate) * int64(c.Frame) / int64(time.Second))
}

// FrameEnergy returns the RMS level of a frame scaled to [0, 1].
func FrameEnergy(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sumSq float64
	for _, s := range pcm {
		v := float64(s)
		sumSq += v * v
	}
	return math.Min(math.Sqrt(sumSq/float64(len(pcm)))/32768, 1)
}

// PumpMicrophone reads frames from r until EOF or ctx ends. Every frame's
// energy goes to the actor's adaptive VAD. When enc and sink are both set the
// frame is also encoded and written upstream. A trailing partial frame is
// dropped.
func PumpMicrophone(ctx context.Context, r io.Reader, cfg MicConfig, a *Actor, enc Encoder, sink AudioSink) error {
	cfg = cfg.withDefaults()
	n := cfg.FrameSamples()
	raw := make([]byte, 2*n)
	pcm := make([]int16, n)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if _, err := io.ReadFull(r, raw); err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("read microphone: %w", err)
		}
		for i := range pcm {
			pcm[i] = int16(binary.LittleEndian.Uint16(raw[2*i:]))
		}

		if err := a.ObserveEnergy(ctx, FrameEnergy(pcm)); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrStopped) {
				return nil
			}
			return err
		}
		if enc == nil || sink == nil {
			continue
		}
		frame, err := enc.Encode(pcm)
		if err != nil {
			return fmt.Errorf("encode microphone frame: %w", err)
		}
		if err := sink.WriteAudio(frame, cfg.Frame); err != nil {
			return fmt.Errorf("write microphone frame: %w", err)
		}
	}
}
