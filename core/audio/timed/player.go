// Package timed provides a wall-clock playback device: it does not touch any
// audio hardware, it simply paces chunk completion by the chunk's estimated
// duration. It is the default device for sessions that render audio elsewhere
// (or not at all) but still need playback-gated history to advance.
package timed

import (
	"bytes"
	"sync"
	"time"

	wav "github.com/youpy/go-wav"

	"github.com/narratek/stagelink/core/audio"
)

var riffMagic = []byte("RIFF")

// Player implements the session PlaybackDevice contract by scheduling the
// completion callback after the chunk's estimated play time.
type Player struct {
	encodingInfo audio.EncodingInfo

	mu    sync.Mutex
	timer *time.Timer
}

type Option func(*Player)

// WithEncodingInfo sets the encoding assumed for raw (non-WAV) PCM chunks.
func WithEncodingInfo(encodingInfo audio.EncodingInfo) Option {
	return func(p *Player) { p.encodingInfo = encodingInfo }
}

func NewPlayer(opts ...Option) *Player {
	player := &Player{encodingInfo: audio.GetDefaultEncodingInfo()}
	for _, opt := range opts {
		opt(player)
	}

	return player
}

// Play schedules done after the chunk's play time. A non-zero hint overrides
// estimation, which lets the queue reuse the same path for timed silence.
// Any chunk still "playing" is stopped first; its done is never called.
func (p *Player) Play(chunk []byte, hint time.Duration, done func()) error {
	duration := hint
	if duration <= 0 {
		duration = p.estimateDuration(chunk)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(duration, done)

	return nil
}

// Stop cancels the current chunk, if any. Its done callback is not invoked.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Player) estimateDuration(chunk []byte) time.Duration {
	if bytes.HasPrefix(chunk, riffMagic) {
		if duration, err := wav.NewReader(bytes.NewReader(chunk)).Duration(); err == nil {
			return duration
		}
	}

	return audio.ChunkDuration(chunk, p.encodingInfo)
}
