package packets

import (
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the packet union. It is decided exactly once, at decode
// or construction time, so consumers never have to sniff payload fields.
type Kind string

const (
	KindUnknown         Kind = "UNKNOWN"
	KindText            Kind = "TEXT"
	KindAudio           Kind = "AUDIO"
	KindTrigger         Kind = "TRIGGER"
	KindEmotion         Kind = "EMOTION"
	KindControl         Kind = "CONTROL"
	KindSilence         Kind = "SILENCE"
	KindCancelResponses Kind = "CANCEL_RESPONSES"
	KindNarratedAction  Kind = "NARRATED_ACTION"
)

// PacketId identifies one packet within a conversation.
//
// InteractionID groups every packet belonging to one conversational turn,
// UtteranceID identifies one atomic unit of character output within it. A
// single interaction may span multiple utterances.
type PacketId struct {
	PacketID      string
	InteractionID string
	UtteranceID   string
}

// Actor is one side of a packet's routing.
type Actor struct {
	Name        string
	IsPlayer    bool
	IsCharacter bool
}

// Routing describes who produced a packet and who it is addressed to.
type Routing struct {
	Source Actor
	Target Actor
}

// FromPlayer reports whether the packet originated on the player side.
func (r Routing) FromPlayer() bool { return r.Source.IsPlayer }

// FromCharacter reports whether the packet originated from a character.
func (r Routing) FromCharacter() bool { return r.Source.IsCharacter }

// Text is streamed character or player speech. Final is false while the text
// is still being recognized or generated; a later packet with the same
// utterance id supersedes earlier ones.
type Text struct {
	Text  string
	Final bool
}

// Audio is one playable chunk of encoded audio.
type Audio struct {
	Chunk []byte
}

// Trigger is a named scene event with optional parameters.
type Trigger struct {
	Name       string
	Parameters []TriggerParameter
}

type TriggerParameter struct {
	Name  string
	Value string
}

// ControlAction enumerates the recognized control signals.
type ControlAction string

const (
	ControlUnknown        ControlAction = "UNKNOWN"
	ControlInteractionEnd ControlAction = "INTERACTION_END"
	ControlWarning        ControlAction = "WARNING"
)

type Control struct {
	Action      ControlAction
	Description string
}

// Silence is a timed pause the queue "plays" in arrival order.
type Silence struct {
	Duration time.Duration
}

// CancelResponses asks the peer to stop producing output for an interaction,
// optionally narrowed to specific utterances.
type CancelResponses struct {
	InteractionID string
	UtteranceIDs  []string
}

type NarratedAction struct {
	Text string
}

// Packet is the typed union exchanged with the character service. Exactly one
// payload pointer matching Kind is non-nil; every other payload is nil.
//
// Packets are immutable value objects once decoded: the session layer only
// derives history and playback items from them, it never mutates them.
type Packet struct {
	Kind      Kind
	PacketId  PacketId
	Routing   Routing
	Timestamp time.Time

	Text            *Text
	Audio           *Audio
	Trigger         *Trigger
	Emotion         *Emotion
	Control         *Control
	Silence         *Silence
	CancelResponses *CancelResponses
	NarratedAction  *NarratedAction
}

func (p Packet) IsText() bool            { return p.Kind == KindText }
func (p Packet) IsAudio() bool           { return p.Kind == KindAudio }
func (p Packet) IsTrigger() bool         { return p.Kind == KindTrigger }
func (p Packet) IsEmotion() bool         { return p.Kind == KindEmotion }
func (p Packet) IsControl() bool         { return p.Kind == KindControl }
func (p Packet) IsSilence() bool         { return p.Kind == KindSilence }
func (p Packet) IsCancelResponses() bool { return p.Kind == KindCancelResponses }
func (p Packet) IsNarratedAction() bool  { return p.Kind == KindNarratedAction }

// IsPlayable reports whether the packet occupies a slot in the audio
// playback queue.
func (p Packet) IsPlayable() bool { return p.Kind == KindAudio || p.Kind == KindSilence }

// IsInteractionEnd reports whether the packet terminates its interaction.
func (p Packet) IsInteractionEnd() bool {
	return p.Kind == KindControl && p.Control != nil && p.Control.Action == ControlInteractionEnd
}

// newPacketID mints an id triple for an outbound packet. Outbound packets
// start a fresh interaction with a single utterance.
func newPacketID() PacketId {
	return PacketId{
		PacketID:      uuid.NewString(),
		InteractionID: uuid.NewString(),
		UtteranceID:   uuid.NewString(),
	}
}

// NewTextPacket builds a final player text packet addressed through routing.
func NewTextPacket(text string, routing Routing) Packet {
	return Packet{
		Kind:      KindText,
		PacketId:  newPacketID(),
		Routing:   routing,
		Timestamp: time.Now(),
		Text:      &Text{Text: text, Final: true},
	}
}

// NewAudioPacket builds a player audio chunk packet.
func NewAudioPacket(chunk []byte, routing Routing) Packet {
	return Packet{
		Kind:      KindAudio,
		PacketId:  newPacketID(),
		Routing:   routing,
		Timestamp: time.Now(),
		Audio:     &Audio{Chunk: chunk},
	}
}

// NewTriggerPacket builds a named trigger packet.
func NewTriggerPacket(name string, parameters []TriggerParameter, routing Routing) Packet {
	return Packet{
		Kind:      KindTrigger,
		PacketId:  newPacketID(),
		Routing:   routing,
		Timestamp: time.Now(),
		Trigger:   &Trigger{Name: name, Parameters: parameters},
	}
}

// NewCancelResponsesPacket builds a cancellation for a prior interaction.
// The minted id deliberately carries no interaction of its own: the cancelled
// interaction travels in the payload.
func NewCancelResponsesPacket(interactionID string, utteranceIDs []string, routing Routing) Packet {
	return Packet{
		Kind:      KindCancelResponses,
		PacketId:  PacketId{PacketID: uuid.NewString()},
		Routing:   routing,
		Timestamp: time.Now(),
		CancelResponses: &CancelResponses{
			InteractionID: interactionID,
			UtteranceIDs:  utteranceIDs,
		},
	}
}
