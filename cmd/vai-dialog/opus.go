//go:build opus

package main

import (
	"fmt"

	"github.com/hraban/opus"

	"github.com/vango-go/vai-dialog/pkg/gateway/conversation"
)

const maxOpusPacket = 4000

type opusEncoder struct {
	enc *opus.Encoder
	buf []byte
}

// newMicEncoder encodes mono microphone frames for the upstream audio track.
func newMicEncoder(sampleRate int) (conversation.Encoder, error) {
	enc, err := opus.NewEncoder(sampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc, buf: make([]byte, maxOpusPacket)}, nil
}

func (e *opusEncoder) Encode(pcm []int16) ([]byte, error) {
	n, err := e.enc.Encode(pcm, e.buf)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), e.buf[:n]...), nil
}
