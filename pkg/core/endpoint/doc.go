// Package endpoint decides when a human turn has ended.
//
// A Machine consumes voice-activity signals (speech started/stopped, audio
// committed) and transcription progress for the human channel, and produces
// turn boundaries. It never blocks on a missing upstream event: committing audio
// arms a fallback deadline, and every transcription delta arms an extended
// deadline. The owner polls Deadline and calls Expire when it passes.
//
// AdaptiveVAD tracks the ambient noise floor and the speech peak, classifies the
// environment and derives the voice-activity threshold and trailing-silence
// window that upstream detection should use. Updates are smoothed and rate
// limited.
//
// Neither type is safe for concurrent use. Each conversation owns one of each
// and drives them from a single goroutine.
package endpoint
