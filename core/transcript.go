package session

import (
	"fmt"
	"strings"

	"github.com/narratek/stagelink/core/packets"
)

// Transcript linearizes the displayed history. Consecutive actor items from
// the same speaker concatenate onto one line; a change of speaker or any
// non-actor item starts a new line. The first actor item of an interaction
// carrying an emotion annotation is prefixed with the behavior code.
func (h *TranscriptHistory) Transcript(defaultPlayerName string) string {
	if h == nil {
		return ""
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var transcript strings.Builder
	lastSpeaker := ""
	annotated := map[string]bool{}

	for _, item := range h.items {
		switch item.Kind {
		case HistoryItemActor:
			text := item.Text
			if !annotated[item.InteractionID] {
				annotated[item.InteractionID] = true
				if emotion, ok := h.emotions[item.InteractionID]; ok {
					text = fmt.Sprintf("(%s) %s", emotion.Behavior, text)
				}
			}

			speaker := speakerName(item.Source, defaultPlayerName)
			if speaker == lastSpeaker {
				transcript.WriteString(text)
				continue
			}

			startLine(&transcript)
			transcript.WriteString(speaker)
			transcript.WriteString(": ")
			transcript.WriteString(text)
			lastSpeaker = speaker

		case HistoryItemNarratedAction:
			startLine(&transcript)
			transcript.WriteString(speakerName(item.Source, defaultPlayerName))
			transcript.WriteString(": ")
			transcript.WriteString(item.Text)
			lastSpeaker = ""

		case HistoryItemTriggerEvent:
			startLine(&transcript)
			transcript.WriteString(">>> ")
			transcript.WriteString(item.TriggerName)
			lastSpeaker = ""
		}
	}

	return transcript.String()
}

func startLine(transcript *strings.Builder) {
	if transcript.Len() > 0 {
		transcript.WriteString("\n")
	}
}

func speakerName(source packets.Actor, defaultPlayerName string) string {
	if source.IsPlayer && source.Name == "" {
		return defaultPlayerName
	}
	return source.Name
}
