package session

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jinzhu/copier"

	"github.com/narratek/stagelink/core/packets"
)

// HistoryItemKind discriminates the history union.
type HistoryItemKind string

const (
	HistoryItemActor          HistoryItemKind = "actor"
	HistoryItemNarratedAction HistoryItemKind = "narrated_action"
	HistoryItemTriggerEvent   HistoryItemKind = "trigger_event"
	HistoryItemInteractionEnd HistoryItemKind = "interaction_end"
)

// HistoryItem is one display-ready transcript entry. Actor items are the only
// kind updated in place: a later, more-final text packet with the same
// utterance id overwrites Text and Final. Every other kind is append-only.
type HistoryItem struct {
	Kind          HistoryItemKind
	ID            string
	InteractionID string
	UtteranceID   string
	Source        packets.Actor
	Date          time.Time

	// Text carries actor speech or narrated action text, depending on Kind.
	Text  string
	Final bool

	TriggerName string
}

// QueueState is the playback-queue introspection history needs to decide
// whether a packet's display must wait for its audio.
type QueueState interface {
	HasPacket(filter PacketFilter) bool
	IsCurrentPacket(filter PacketFilter) bool
}

// TranscriptHistory reconciles incoming packets and playback-queue state into
// an ordered, deduplicated list of display-ready items. Items whose audio is
// still queued wait in pending until playback promotes them.
type TranscriptHistory struct {
	mu       sync.Mutex
	items    []HistoryItem
	pending  []HistoryItem
	emotions map[string]packets.Emotion
}

func newTranscriptHistory() *TranscriptHistory {
	return &TranscriptHistory{emotions: map[string]packets.Emotion{}}
}

// AddOrUpdate ingests one packet, consulting the queue to decide between
// immediate display and pending. It reports whether the displayed history
// changed, so the caller knows whether to fire a change notification.
func (h *TranscriptHistory) AddOrUpdate(packet packets.Packet, queue QueueState) (changed bool) {
	if h == nil {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	switch packet.Kind {
	case packets.KindEmotion:
		if packet.Emotion != nil {
			h.emotions[packet.PacketId.InteractionID] = *packet.Emotion
		}
		return false

	case packets.KindText:
		return h.addOrUpdateTextLocked(packet, queue)

	case packets.KindNarratedAction:
		if packet.NarratedAction == nil {
			return false
		}
		item := HistoryItem{
			Kind:          HistoryItemNarratedAction,
			ID:            uuid.NewString(),
			InteractionID: packet.PacketId.InteractionID,
			UtteranceID:   packet.PacketId.UtteranceID,
			Source:        packet.Routing.Source,
			Date:          packet.Timestamp,
			Text:          packet.NarratedAction.Text,
		}

		interactionQueued := queue.HasPacket(PacketFilter{InteractionID: packet.PacketId.InteractionID})
		playingNow := queue.IsCurrentPacket(PacketFilter{UtteranceID: packet.PacketId.UtteranceID})
		if interactionQueued && !playingNow {
			h.pending = append(h.pending, item)
			return false
		}
		h.items = append(h.items, item)
		return true

	case packets.KindTrigger:
		if packet.Trigger == nil {
			return false
		}
		h.items = append(h.items, HistoryItem{
			Kind:          HistoryItemTriggerEvent,
			ID:            uuid.NewString(),
			InteractionID: packet.PacketId.InteractionID,
			Source:        packet.Routing.Source,
			Date:          packet.Timestamp,
			TriggerName:   packet.Trigger.Name,
		})
		return true

	case packets.KindControl:
		if !packet.IsInteractionEnd() {
			return false
		}
		item := HistoryItem{
			Kind:          HistoryItemInteractionEnd,
			ID:            uuid.NewString(),
			InteractionID: packet.PacketId.InteractionID,
			Source:        packet.Routing.Source,
			Date:          packet.Timestamp,
		}

		if queue.HasPacket(PacketFilter{InteractionID: packet.PacketId.InteractionID}) {
			h.pending = append(h.pending, item)
			return false
		}
		h.items = append(h.items, item)
		return true
	}

	return false
}

func (h *TranscriptHistory) addOrUpdateTextLocked(packet packets.Packet, queue QueueState) bool {
	if packet.Text == nil || packet.PacketId.UtteranceID == "" {
		return false
	}

	// Actor items are keyed by utterance id; a later, more-final packet with
	// the same id supersedes the earlier text instead of duplicating it.
	if index := h.indexOfLocked(packet.PacketId.UtteranceID); index >= 0 {
		h.items[index].Text = packet.Text.Text
		h.items[index].Final = packet.Text.Final
		return true
	}

	item := HistoryItem{
		Kind:          HistoryItemActor,
		ID:            packet.PacketId.UtteranceID,
		InteractionID: packet.PacketId.InteractionID,
		UtteranceID:   packet.PacketId.UtteranceID,
		Source:        packet.Routing.Source,
		Date:          packet.Timestamp,
		Text:          packet.Text.Text,
		Final:         packet.Text.Final,
	}

	if queue.HasPacket(PacketFilter{UtteranceID: packet.PacketId.UtteranceID}) {
		if index := h.pendingIndexOfLocked(packet.PacketId.UtteranceID); index >= 0 {
			h.pending[index].Text = item.Text
			h.pending[index].Final = item.Final
		} else {
			h.pending = append(h.pending, item)
		}
		return false
	}

	h.items = append(h.items, item)
	return true
}

// Update merges a mid-stream text correction into an already-displayed actor
// item. A packet whose item is not in history yet is an expected out-of-order
// arrival, not an error; it reports false and changes nothing.
func (h *TranscriptHistory) Update(packet packets.Packet) bool {
	if h == nil || packet.Text == nil {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	index := h.indexOfLocked(packet.PacketId.UtteranceID)
	if index < 0 {
		return false
	}

	h.items[index].Text = packet.Text.Text
	h.items[index].Final = packet.Text.Final
	return true
}

// Display promotes pending items once the playback queue reports the packet's
// audio started or finished playing. Interaction-end markers move only when
// they are the sole remaining pending entries of their interaction, so an
// end-of-turn marker never appears before its own turn's content.
func (h *TranscriptHistory) Display(packet packets.Packet, kind HistoryItemKind) (changed bool) {
	if h == nil {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	switch kind {
	case HistoryItemActor, HistoryItemNarratedAction:
		remaining := h.pending[:0:0]
		for _, item := range h.pending {
			if item.Kind == kind && item.UtteranceID == packet.PacketId.UtteranceID {
				h.promoteLocked(item)
				changed = true
				continue
			}
			remaining = append(remaining, item)
		}
		h.pending = remaining

	case HistoryItemInteractionEnd:
		interactionID := packet.PacketId.InteractionID
		for _, item := range h.pending {
			if item.InteractionID == interactionID && item.Kind != HistoryItemInteractionEnd {
				return false
			}
		}

		remaining := h.pending[:0:0]
		for _, item := range h.pending {
			if item.Kind == HistoryItemInteractionEnd && item.InteractionID == interactionID {
				h.promoteLocked(item)
				changed = true
				continue
			}
			remaining = append(remaining, item)
		}
		h.pending = remaining
	}

	return changed
}

func (h *TranscriptHistory) promoteLocked(item HistoryItem) {
	for index := range h.items {
		if h.items[index].ID == item.ID {
			h.items[index] = item
			return
		}
	}
	h.items = append(h.items, item)
}

// FilterOptions selects items for removal on interruption.
type FilterOptions struct {
	UtteranceIDs  []string
	InteractionID string
}

// Filter purges a cancelled turn: displayed items by utterance membership,
// pending items by interaction or utterance membership. It reports whether
// the displayed history changed.
func (h *TranscriptHistory) Filter(options FilterOptions) (changed bool) {
	if h == nil {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	kept := h.items[:0:0]
	for _, item := range h.items {
		if item.UtteranceID != "" && slices.Contains(options.UtteranceIDs, item.UtteranceID) {
			changed = true
			continue
		}
		kept = append(kept, item)
	}
	h.items = kept

	keptPending := h.pending[:0:0]
	for _, item := range h.pending {
		if item.InteractionID == options.InteractionID ||
			(item.UtteranceID != "" && slices.Contains(options.UtteranceIDs, item.UtteranceID)) {
			continue
		}
		keptPending = append(keptPending, item)
	}
	h.pending = keptPending

	return changed
}

// All returns a point-in-time deep copy of the displayed history.
func (h *TranscriptHistory) All() []HistoryItem {
	if h == nil {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var snapshot []HistoryItem
	_ = copier.CopyWithOption(&snapshot, h.items, copier.Option{DeepCopy: true})
	return snapshot
}

// Clear drops all displayed and pending items and emotion annotations.
func (h *TranscriptHistory) Clear() {
	if h == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.items = nil
	h.pending = nil
	h.emotions = map[string]packets.Emotion{}
}

func (h *TranscriptHistory) indexOfLocked(utteranceID string) int {
	for index := range h.items {
		if h.items[index].Kind == HistoryItemActor && h.items[index].UtteranceID == utteranceID {
			return index
		}
	}
	return -1
}

func (h *TranscriptHistory) pendingIndexOfLocked(utteranceID string) int {
	for index := range h.pending {
		if h.pending[index].Kind == HistoryItemActor && h.pending[index].UtteranceID == utteranceID {
			return index
		}
	}
	return -1
}
