package session

import (
	"sync"
	"time"

	"github.com/narratek/stagelink/core/packets"
)

// PlaybackDevice renders one chunk at a time. Play must return promptly and
// report completion through done; the queue never issues a second Play before
// done fires or Stop is called. The device is an explicitly passed handle,
// owned by exactly one session.
type PlaybackDevice interface {
	Play(chunk []byte, hint time.Duration, done func()) error
	Stop()
}

// PlaybackItem wraps one playable packet (audio or timed silence) plus
// optional hooks fired around its playback. The queue owns the item from
// enqueue until it completes or is evicted by interruption.
type PlaybackItem struct {
	Packet        packets.Packet
	BeforePlaying func(packets.Packet)
	AfterPlaying  func(packets.Packet)
}

// PacketFilter matches queue items on the non-empty fields.
type PacketFilter struct {
	InteractionID string
	UtteranceID   string
}

func (f PacketFilter) matches(packet packets.Packet) bool {
	if f.InteractionID == "" && f.UtteranceID == "" {
		return false
	}

	if f.InteractionID != "" && packet.PacketId.InteractionID != f.InteractionID {
		return false
	}
	if f.UtteranceID != "" && packet.PacketId.UtteranceID != f.UtteranceID {
		return false
	}
	return true
}

// AudioPlaybackQueue serializes server-pushed audio and silence packets: a
// strict FIFO with at most one item playing at a time. The queue never
// reorders; interruption is the only operation permitted to evict items.
type AudioPlaybackQueue struct {
	device PlaybackDevice

	mu      sync.Mutex
	items   []PlaybackItem
	current *PlaybackItem
	// playSeq invalidates stale device completions after eviction.
	playSeq uint64

	onQueueDrained func()
}

func newAudioPlaybackQueue(device PlaybackDevice) *AudioPlaybackQueue {
	return &AudioPlaybackQueue{
		device:         device,
		onQueueDrained: func() {},
	}
}

// SetCallbacks registers the queue-drained notification.
func (q *AudioPlaybackQueue) SetCallbacks(onQueueDrained func()) {
	if q == nil {
		return
	}

	if onQueueDrained != nil {
		q.mu.Lock()
		q.onQueueDrained = onQueueDrained
		q.mu.Unlock()
	}
}

// Enqueue appends the item and begins playback immediately when nothing is
// currently playing.
func (q *AudioPlaybackQueue) Enqueue(item PlaybackItem) {
	if q == nil {
		return
	}

	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	q.playNext()
}

// HasPacket reports whether any queued-or-current item matches the filter.
func (q *AudioPlaybackQueue) HasPacket(filter PacketFilter) bool {
	if q == nil {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.current != nil && filter.matches(q.current.Packet) {
		return true
	}
	for _, item := range q.items {
		if filter.matches(item.Packet) {
			return true
		}
	}
	return false
}

// IsCurrentPacket reports whether the currently-playing item matches the
// filter.
func (q *AudioPlaybackQueue) IsCurrentPacket(filter PacketFilter) bool {
	if q == nil {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	return q.current != nil && filter.matches(q.current.Packet)
}

// CurrentInteraction returns the interaction id of the currently-playing
// item, or empty when idle.
func (q *AudioPlaybackQueue) CurrentInteraction() string {
	if q == nil {
		return ""
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.current == nil {
		return ""
	}
	return q.current.Packet.PacketId.InteractionID
}

// ExcludeInteraction evicts every queued-or-current item whose interaction
// differs from exceptInteractionID and returns the evicted packets in play
// order with the former current item first. This is the interruption
// primitive: abandon everything from the interrupted turn except what already
// belongs to the new one.
func (q *AudioPlaybackQueue) ExcludeInteraction(exceptInteractionID string) []packets.Packet {
	if q == nil {
		return nil
	}

	q.mu.Lock()

	var removed []packets.Packet
	stoppedCurrent := false
	if q.current != nil && q.current.Packet.PacketId.InteractionID != exceptInteractionID {
		removed = append(removed, q.current.Packet)
		q.current = nil
		q.playSeq++
		stoppedCurrent = true
	}

	kept := q.items[:0:0]
	for _, item := range q.items {
		if item.Packet.PacketId.InteractionID == exceptInteractionID {
			kept = append(kept, item)
			continue
		}
		removed = append(removed, item.Packet)
	}
	q.items = kept
	q.mu.Unlock()

	if stoppedCurrent {
		q.device.Stop()
		q.playNext()
	}

	return removed
}

// Clear unconditionally empties the queue and stops the current item.
func (q *AudioPlaybackQueue) Clear() {
	if q == nil {
		return
	}

	q.mu.Lock()
	q.items = nil
	q.current = nil
	q.playSeq++
	q.mu.Unlock()

	q.device.Stop()
}

func (q *AudioPlaybackQueue) playNext() {
	q.mu.Lock()
	if q.current != nil || len(q.items) == 0 {
		q.mu.Unlock()
		return
	}

	item := q.items[0]
	q.items = q.items[1:]
	q.current = &item
	q.playSeq++
	seq := q.playSeq
	q.mu.Unlock()

	if item.BeforePlaying != nil {
		item.BeforePlaying(item.Packet)
	}

	var chunk []byte
	var hint time.Duration
	switch {
	case item.Packet.IsSilence() && item.Packet.Silence != nil:
		hint = item.Packet.Silence.Duration
	case item.Packet.Audio != nil:
		chunk = item.Packet.Audio.Chunk
	}

	if err := q.device.Play(chunk, hint, func() { q.handlePlaybackEnded(seq) }); err != nil {
		// An unplayable chunk must not wedge the queue; treat it as
		// instantly finished.
		q.handlePlaybackEnded(seq)
	}
}

func (q *AudioPlaybackQueue) handlePlaybackEnded(seq uint64) {
	q.mu.Lock()
	if q.current == nil || q.playSeq != seq {
		q.mu.Unlock()
		return
	}

	finished := *q.current
	q.current = nil
	empty := len(q.items) == 0
	drained := q.onQueueDrained
	q.mu.Unlock()

	if finished.AfterPlaying != nil {
		finished.AfterPlaying(finished.Packet)
	}

	if empty {
		drained()
		return
	}

	q.playNext()
}
