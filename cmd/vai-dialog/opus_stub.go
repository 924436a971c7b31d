//go:build !opus

package main

import "github.com/vango-go/vai-dialog/pkg/gateway/conversation"

// newMicEncoder returns no encoder in builds without libopus. The microphone
// then only drives voice-activity tuning. Build with -tags opus to send it.
func newMicEncoder(int) (conversation.Encoder, error) {
	return nil, nil
}
