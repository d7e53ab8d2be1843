package packets

import (
	"encoding/json"
	"fmt"
	"time"
)

// envelope is the self-describing wire shape: an id triple, routing, a
// timestamp and exactly one populated kind-specific field. The kind is
// inferred from which field is populated; that inference happens here and
// nowhere else.
type envelope struct {
	PacketID  envelopePacketID `json:"packetId"`
	Routing   *envelopeRouting `json:"routing,omitempty"`
	Timestamp string           `json:"timestamp,omitempty"`

	Text            *envelopeText            `json:"text,omitempty"`
	DataChunk       *envelopeDataChunk       `json:"dataChunk,omitempty"`
	Custom          *envelopeTrigger         `json:"custom,omitempty"`
	Emotion         *envelopeEmotion         `json:"emotion,omitempty"`
	Control         *envelopeControl         `json:"control,omitempty"`
	CancelResponses *envelopeCancelResponses `json:"cancelResponses,omitempty"`
	Action          *envelopeAction          `json:"action,omitempty"`
}

type envelopePacketID struct {
	PacketID      string `json:"packetId"`
	InteractionID string `json:"interactionId,omitempty"`
	UtteranceID   string `json:"utteranceId,omitempty"`
}

type envelopeActor struct {
	Name        string `json:"name,omitempty"`
	IsPlayer    bool   `json:"isPlayer,omitempty"`
	IsCharacter bool   `json:"isCharacter,omitempty"`
}

type envelopeRouting struct {
	Source envelopeActor `json:"source"`
	Target envelopeActor `json:"target"`
}

type envelopeText struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// envelopeDataChunk carries either audio bytes or a timed silence; the two
// never appear together.
type envelopeDataChunk struct {
	Chunk      []byte `json:"chunk,omitempty"`
	DurationMS int64  `json:"durationMs,omitempty"`
}

type envelopeTrigger struct {
	Name       string `json:"name"`
	Parameters []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"parameters,omitempty"`
}

type envelopeEmotion struct {
	Behavior string `json:"behavior"`
	Strength string `json:"strength"`
}

type envelopeControl struct {
	Action      string `json:"action"`
	Description string `json:"description,omitempty"`
}

type envelopeNarratedAct struct {
	Content string `json:"content"`
}

type envelopeCancelResponses struct {
	InteractionID string   `json:"interactionId"`
	UtteranceIDs  []string `json:"utteranceId,omitempty"`
}

type envelopeAction struct {
	NarratedAction *envelopeNarratedAct `json:"narratedAction,omitempty"`
}

// frame is one inbound message: either a packet result or a peer error.
type frame struct {
	Result *envelope `json:"result,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// PeerError is a protocol-level error frame reported by the remote service.
type PeerError struct {
	Message string
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("peer error: %s", e.Message)
}

// Codec maps raw wire frames to typed packets and back.
type Codec struct{}

// DecodeFrame parses one inbound message. Error frames decode into a
// *PeerError so callers can route them to the error channel without the
// packet ever reaching history or playback.
func (Codec) DecodeFrame(raw []byte) (Packet, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Packet{}, fmt.Errorf("failed to parse inbound frame: %w", err)
	}

	if f.Error != "" {
		return Packet{}, &PeerError{Message: f.Error}
	}

	if f.Result == nil {
		return Packet{}, fmt.Errorf("inbound frame carries neither result nor error")
	}

	return decodeEnvelope(*f.Result), nil
}

// Decode parses a bare packet envelope, without the frame wrapper.
func (Codec) Decode(raw []byte) (Packet, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Packet{}, fmt.Errorf("failed to parse packet envelope: %w", err)
	}

	return decodeEnvelope(env), nil
}

// Encode serializes a packet into its wire envelope.
func (Codec) Encode(packet Packet) ([]byte, error) {
	raw, err := json.Marshal(encodeEnvelope(packet))
	if err != nil {
		return nil, fmt.Errorf("failed to serialize packet: %w", err)
	}

	return raw, nil
}

func decodeEnvelope(env envelope) Packet {
	packet := Packet{
		Kind: KindUnknown,
		PacketId: PacketId{
			PacketID:      env.PacketID.PacketID,
			InteractionID: env.PacketID.InteractionID,
			UtteranceID:   env.PacketID.UtteranceID,
		},
	}

	if env.Routing != nil {
		packet.Routing = Routing{
			Source: Actor(env.Routing.Source),
			Target: Actor(env.Routing.Target),
		}
	}

	if env.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, env.Timestamp); err == nil {
			packet.Timestamp = parsed
		}
	}

	switch {
	case env.Text != nil:
		packet.Kind = KindText
		packet.Text = &Text{Text: env.Text.Text, Final: env.Text.Final}
	case env.DataChunk != nil && len(env.DataChunk.Chunk) > 0:
		packet.Kind = KindAudio
		packet.Audio = &Audio{Chunk: env.DataChunk.Chunk}
	case env.DataChunk != nil:
		packet.Kind = KindSilence
		packet.Silence = &Silence{Duration: time.Duration(env.DataChunk.DurationMS) * time.Millisecond}
	case env.Custom != nil:
		packet.Kind = KindTrigger
		trigger := Trigger{Name: env.Custom.Name}
		for _, parameter := range env.Custom.Parameters {
			trigger.Parameters = append(trigger.Parameters, TriggerParameter(parameter))
		}
		packet.Trigger = &trigger
	case env.Emotion != nil:
		packet.Kind = KindEmotion
		packet.Emotion = &Emotion{
			Behavior: EmotionBehavior(env.Emotion.Behavior),
			Strength: EmotionStrength(env.Emotion.Strength),
		}
	case env.Action != nil && env.Action.NarratedAction != nil:
		packet.Kind = KindNarratedAction
		packet.NarratedAction = &NarratedAction{Text: env.Action.NarratedAction.Content}
	case env.Control != nil:
		packet.Kind = KindControl
		packet.Control = &Control{
			Action:      decodeControlAction(env.Control.Action),
			Description: env.Control.Description,
		}
	case env.CancelResponses != nil:
		packet.Kind = KindCancelResponses
		packet.CancelResponses = &CancelResponses{
			InteractionID: env.CancelResponses.InteractionID,
			UtteranceIDs:  env.CancelResponses.UtteranceIDs,
		}
	}

	return packet
}

func decodeControlAction(action string) ControlAction {
	switch action {
	case string(ControlInteractionEnd):
		return ControlInteractionEnd
	case string(ControlWarning):
		return ControlWarning
	}

	return ControlUnknown
}

func encodeEnvelope(packet Packet) envelope {
	env := envelope{
		PacketID: envelopePacketID{
			PacketID:      packet.PacketId.PacketID,
			InteractionID: packet.PacketId.InteractionID,
			UtteranceID:   packet.PacketId.UtteranceID,
		},
		Routing: &envelopeRouting{
			Source: envelopeActor(packet.Routing.Source),
			Target: envelopeActor(packet.Routing.Target),
		},
	}

	if !packet.Timestamp.IsZero() {
		env.Timestamp = packet.Timestamp.UTC().Format(time.RFC3339Nano)
	}

	switch packet.Kind {
	case KindText:
		if packet.Text != nil {
			env.Text = &envelopeText{Text: packet.Text.Text, Final: packet.Text.Final}
		}
	case KindAudio:
		if packet.Audio != nil {
			env.DataChunk = &envelopeDataChunk{Chunk: packet.Audio.Chunk}
		}
	case KindSilence:
		if packet.Silence != nil {
			env.DataChunk = &envelopeDataChunk{DurationMS: packet.Silence.Duration.Milliseconds()}
		}
	case KindTrigger:
		if packet.Trigger != nil {
			trigger := envelopeTrigger{Name: packet.Trigger.Name}
			for _, parameter := range packet.Trigger.Parameters {
				trigger.Parameters = append(trigger.Parameters, struct {
					Name  string `json:"name"`
					Value string `json:"value"`
				}(parameter))
			}
			env.Custom = &trigger
		}
	case KindEmotion:
		if packet.Emotion != nil {
			env.Emotion = &envelopeEmotion{
				Behavior: string(packet.Emotion.Behavior),
				Strength: string(packet.Emotion.Strength),
			}
		}
	case KindControl:
		if packet.Control != nil {
			env.Control = &envelopeControl{
				Action:      string(packet.Control.Action),
				Description: packet.Control.Description,
			}
		}
	case KindCancelResponses:
		if packet.CancelResponses != nil {
			env.CancelResponses = &envelopeCancelResponses{
				InteractionID: packet.CancelResponses.InteractionID,
				UtteranceIDs:  packet.CancelResponses.UtteranceIDs,
			}
		}
	case KindNarratedAction:
		if packet.NarratedAction != nil {
			env.Action = &envelopeAction{
				NarratedAction: &envelopeNarratedAct{Content: packet.NarratedAction.Text},
			}
		}
	}

	return env
}
