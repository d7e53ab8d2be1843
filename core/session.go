// Package session implements the client-side session layer for the character
// service: it sequences token acquisition, scene loading and connection
// activation, multiplexes incoming packets into audio playback and the
// transcript history, and keeps transport, audio and history consistent
// across turn interruptions.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jinzhu/copier"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/narratek/stagelink/core/audio/timed"
	"github.com/narratek/stagelink/core/entities"
	"github.com/narratek/stagelink/core/packets"
)

// State is the session lifecycle phase.
type State int32

const (
	StateInactive State = iota
	StateLoading
	StateLoaded
	StateActivating
	StateActive
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	}
	return "unknown"
}

// tokenExpirationSkew is how close to expiration a token may get before the
// next open refreshes it.
const tokenExpirationSkew = time.Minute

const defaultPlayerName = "Player"

var (
	ErrInactive              = errors.New("session is inactive and auto-reconnect is disabled")
	ErrManualOpenUnavailable = errors.New("manual open unavailable while auto-reconnect is enabled")
	ErrAlreadyOpen           = errors.New("connection already open")
	ErrConnectionClosed      = errors.New("connection closed before send completed")
	ErrNoTokenProvider       = errors.New("no token provider configured")
	ErrNoSceneLoader         = errors.New("no scene loader configured")
)

// sceneLoad is one in-flight scene preparation shared by concurrent opens.
type sceneLoad struct {
	done chan struct{}
	err  error
}

// Session is the top-level orchestrator of one conversation with the
// character service.
//
// All collaborator wiring happens through constructor options; callbacks are
// registered per Open. A closed session can be reopened: the roster survives,
// the token is refreshed only when due, and the session id is carried across
// so the service keeps its conversational context.
type Session struct {
	tokenProvider entities.TokenProvider
	sceneLoader   entities.SceneLoader
	sceneName     string
	user          entities.User
	capabilities  entities.Capabilities
	continuation  entities.Continuation
	host          string
	dial          SocketDialer
	device        PlaybackDevice
	idleTimeout   time.Duration
	autoReconnect bool
	playerName    string

	queue   *AudioPlaybackQueue
	history *TranscriptHistory

	mu              sync.Mutex
	state           State
	token           entities.SessionToken
	characters      []entities.Character
	continuationKey string
	rosterLoaded    bool
	load            *sceneLoad
	connection      *Connection
	callbacks       openCallbacks
	cancelled       map[string]bool
	idleTimer       *time.Timer
	sendSeq         uint64
	sendWaits       map[uint64]chan error
}

func NewSession(opts ...SessionOption) *Session {
	s := &Session{
		autoReconnect: true,
		playerName:    defaultPlayerName,
		capabilities: entities.Capabilities{
			Audio:           true,
			Emotions:        true,
			Interruptions:   true,
			NarratedActions: true,
			SilenceEvents:   true,
			Triggers:        true,
		},
		callbacks: openCallbacks{}.withDefaults(),
		cancelled: map[string]bool{},
		sendWaits: map[uint64]chan error{},
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.device == nil {
		s.device = timed.NewPlayer()
	}
	s.queue = newAudioPlaybackQueue(s.device)
	// The idle clock restarts when playback finishes; a session is not idle
	// while a character is still speaking.
	s.queue.SetCallbacks(s.scheduleIdleTimeout)
	s.history = newTranscriptHistory()

	return s
}

// Open prepares the scene (token refresh if due, one-time roster fetch) and
// activates the transport. Calling Open while a load or activation is already
// in flight is a no-op; concurrent opens collapse onto a single token fetch
// and roster fetch. Failures are reported through the error callback.
func (s *Session) Open(ctx context.Context, opts ...OpenOption) {
	if s == nil {
		return
	}

	s.applyOpenOptions(opts)

	s.mu.Lock()
	if s.state != StateInactive && s.state != StateLoaded {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.open(ctx)
}

// OpenManually is the caller-driven alternative to implicit auto-open. It is
// mutually exclusive with auto-reconnect and fails (through the error
// callback) when a connection is already open or being opened.
func (s *Session) OpenManually(ctx context.Context, opts ...OpenOption) {
	if s == nil {
		return
	}

	s.applyOpenOptions(opts)

	if s.autoReconnect {
		s.reportError(ErrManualOpenUnavailable)
		return
	}

	s.mu.Lock()
	inFlight := s.state != StateInactive && s.state != StateLoaded
	s.mu.Unlock()
	if inFlight {
		s.reportError(ErrAlreadyOpen)
		return
	}

	s.open(ctx)
}

func (s *Session) open(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "open session")
	defer span.End()
	span.SetAttributes(attribute.String("session.scene", s.sceneName))

	if err := s.prepare(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.reportError(err)
		return
	}

	s.mu.Lock()
	characterCount := len(s.characters)
	s.mu.Unlock()
	span.AddEvent("scene prepared", trace.WithAttributes(attribute.Int("session.characters", characterCount)))

	s.activate(ctx)
}

// prepare refreshes the token if due and loads the roster once. The whole
// step is memoized: a second open arriving before the first resolves waits on
// the same in-flight load instead of fetching again.
func (s *Session) prepare(ctx context.Context) error {
	s.mu.Lock()
	if load := s.load; load != nil {
		s.mu.Unlock()
		<-load.done
		return load.err
	}
	if s.rosterLoaded && !s.token.Expired(tokenExpirationSkew) {
		s.mu.Unlock()
		return nil
	}

	load := &sceneLoad{done: make(chan struct{})}
	s.load = load
	if s.state == StateInactive {
		s.state = StateLoading
	}
	s.mu.Unlock()

	err := s.performLoad(ctx)

	s.mu.Lock()
	load.err = err
	s.load = nil
	if err != nil {
		s.state = StateInactive
	} else if s.state == StateLoading {
		s.state = StateLoaded
	}
	s.mu.Unlock()
	close(load.done)

	return err
}

func (s *Session) performLoad(ctx context.Context) error {
	s.mu.Lock()
	token := s.token
	rosterLoaded := s.rosterLoaded
	s.mu.Unlock()

	if token.Expired(tokenExpirationSkew) {
		if s.tokenProvider == nil {
			return ErrNoTokenProvider
		}

		fresh, err := s.tokenProvider.GenerateToken(ctx)
		if err != nil {
			return fmt.Errorf("failed to generate session token: %w", err)
		}
		// Keep the prior session id so the service retains the
		// conversational context across the refresh.
		if token.SessionID != "" {
			fresh.SessionID = token.SessionID
		}

		s.mu.Lock()
		s.token = fresh
		s.mu.Unlock()
	}

	if !rosterLoaded {
		if s.sceneLoader == nil {
			return ErrNoSceneLoader
		}

		response, err := s.sceneLoader.LoadScene(ctx, entities.SceneRequest{
			Name:         s.sceneName,
			User:         s.user,
			Capabilities: s.capabilities,
			Continuation: s.continuation,
		})
		if err != nil {
			return fmt.Errorf("failed to load scene: %w", err)
		}

		s.mu.Lock()
		s.characters = response.Characters
		s.continuationKey = response.ContinuationKey
		s.rosterLoaded = true
		s.mu.Unlock()
	}

	return nil
}

func (s *Session) activate(ctx context.Context) {
	s.mu.Lock()
	if s.connection != nil && s.connection.IsActive() {
		s.mu.Unlock()
		return
	}
	s.state = StateActivating
	token := s.token
	connection := newConnection(s.host, s.dial, connectionCallbacks{
		onReady:      s.handleReady,
		onDisconnect: s.handleDisconnect,
		onError:      s.reportError,
		onMessage:    s.handlePacket,
	})
	s.connection = connection
	s.mu.Unlock()

	connection.Open(ctx, token)

	s.mu.Lock()
	if s.connection == connection && !connection.IsActive() && s.state == StateActivating {
		s.state = StateLoaded
	}
	s.mu.Unlock()
}

// Close cancels the idle timer, marks the session inactive, closes the
// transport, stops playback and resolves every outstanding send with a
// connection-closed error. The transcript survives; reopening resumes the
// same conversation.
func (s *Session) Close() {
	if s == nil {
		return
	}

	s.cancelIdleTimeout()

	s.mu.Lock()
	connection := s.connection
	s.connection = nil
	s.state = StateInactive
	callbacks := s.callbacks
	s.mu.Unlock()

	s.failPendingSends(ErrConnectionClosed)
	if connection != nil {
		connection.Close()
	}
	s.queue.Clear()

	callbacks.onDisconnect()
}

// Send writes one packet, opening the connection first when auto-reconnect is
// enabled. It returns the sent packet once the transport confirms the write;
// a connection closed mid-flight resolves the wait with ErrConnectionClosed
// instead of hanging.
func (s *Session) Send(ctx context.Context, buildPacket func() packets.Packet) (packets.Packet, error) {
	if s == nil || buildPacket == nil {
		return packets.Packet{}, errors.New("nothing to send")
	}

	s.cancelIdleTimeout()

	if !s.IsActive() {
		switch {
		case s.State() == StateLoading || s.State() == StateActivating:
			// Another open is in flight; the write below buffers until the
			// connection is ready.
		case !s.autoReconnect:
			s.reportError(ErrInactive)
			return packets.Packet{}, ErrInactive
		default:
			s.open(ctx)
			if !s.IsActive() {
				return packets.Packet{}, ErrInactive
			}
		}
	}

	s.mu.Lock()
	connection := s.connection
	s.mu.Unlock()
	if connection == nil {
		return packets.Packet{}, ErrInactive
	}

	waitID, wait := s.registerSendWait()

	var packet packets.Packet
	connection.Write(OutgoingItem{
		GetPacket: func() packets.Packet {
			packet = buildPacket()
			return packet
		},
		BeforeWriting: s.beforeOutgoing,
		AfterWriting: func(packets.Packet) {
			s.resolveSendWait(waitID, nil)
			s.scheduleIdleTimeout()
		},
		FailedWriting: func(err error) {
			s.resolveSendWait(waitID, err)
		},
	})

	select {
	case err := <-wait:
		if err != nil {
			return packets.Packet{}, err
		}
		return packet, nil
	case <-ctx.Done():
		s.dropSendWait(waitID)
		return packets.Packet{}, ctx.Err()
	}
}

// SendText sends one line of player speech. Player text is the interruption
// trigger: everything still queued or playing from prior turns is abandoned
// before the new text goes out.
func (s *Session) SendText(ctx context.Context, text string) (packets.Packet, error) {
	packet := packets.NewTextPacket(text, s.routing())
	return s.Send(ctx, func() packets.Packet { return packet })
}

// SendTrigger fires a named scene trigger.
func (s *Session) SendTrigger(ctx context.Context, name string, parameters ...packets.TriggerParameter) (packets.Packet, error) {
	packet := packets.NewTriggerPacket(name, parameters, s.routing())
	return s.Send(ctx, func() packets.Packet { return packet })
}

// SendAudio streams one chunk of player audio. Audio deliberately does not
// trigger interruption; voice-activity handling upstream owns that decision.
func (s *Session) SendAudio(ctx context.Context, chunk []byte) (packets.Packet, error) {
	packet := packets.NewAudioPacket(chunk, s.routing())
	return s.Send(ctx, func() packets.Packet { return packet })
}

// Interrupt abandons the turn currently being played back, if any: queued
// audio is evicted, its history purged and a cancellation sent per evicted
// interaction.
func (s *Session) Interrupt() {
	if s == nil {
		return
	}

	if s.queue.CurrentInteraction() == "" {
		return
	}

	s.interruptByInteraction("")
}

// History returns a point-in-time deep copy of the displayed history.
func (s *Session) History() []HistoryItem {
	if s == nil {
		return nil
	}

	return s.history.All()
}

// Transcript linearizes the displayed history into text.
func (s *Session) Transcript() string {
	if s == nil {
		return ""
	}

	return s.history.Transcript(s.playerName)
}

// Characters returns a deep copy of the loaded roster.
func (s *Session) Characters() []entities.Character {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var roster []entities.Character
	_ = copier.CopyWithOption(&roster, s.characters, copier.Option{DeepCopy: true})
	return roster
}

// ContinuationKey returns the opaque key for resuming this conversation in a
// later session, or empty before the scene loads.
func (s *Session) ContinuationKey() string {
	if s == nil {
		return ""
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.continuationKey
}

func (s *Session) State() State {
	if s == nil {
		return StateInactive
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

func (s *Session) IsActive() bool {
	if s == nil {
		return false
	}

	s.mu.Lock()
	connection := s.connection
	s.mu.Unlock()

	return connection.IsActive()
}

func (s *Session) applyOpenOptions(opts []OpenOption) {
	if len(opts) == 0 {
		return
	}

	s.mu.Lock()
	callbacks := s.callbacks
	for _, opt := range opts {
		opt(&callbacks)
	}
	s.callbacks = callbacks.withDefaults()
	s.mu.Unlock()
}

func (s *Session) handleReady() {
	s.mu.Lock()
	s.state = StateActive
	callbacks := s.callbacks
	s.mu.Unlock()

	s.scheduleIdleTimeout()
	callbacks.onReady()
}

func (s *Session) handleDisconnect() {
	s.cancelIdleTimeout()

	s.mu.Lock()
	s.state = StateInactive
	s.connection = nil
	callbacks := s.callbacks
	s.mu.Unlock()

	s.failPendingSends(ErrConnectionClosed)
	callbacks.onDisconnect()
}

// handlePacket routes one inbound packet. Ordering guarantees rest on this
// being the single ingress point: playback enqueues, history mutation and
// cancellation gating all happen here, in arrival order.
func (s *Session) handlePacket(packet packets.Packet) {
	s.scheduleIdleTimeout()

	switch packet.Kind {
	case packets.KindAudio, packets.KindSilence:
		if s.isCancelled(packet.PacketId.InteractionID) {
			// Late arrival from a cancelled turn; it must never reach the
			// playback queue.
			logger.Debug("dropped playable packet of cancelled interaction",
				"interactionId", packet.PacketId.InteractionID)
			return
		}
		s.queue.Enqueue(PlaybackItem{
			Packet:        packet,
			BeforePlaying: s.handlePlaybackStarted,
			AfterPlaying:  s.handlePlaybackFinished,
		})

	case packets.KindText:
		if packet.Routing.FromPlayer() {
			s.interruptByInteraction(packet.PacketId.InteractionID)
			if s.history.AddOrUpdate(packet, s.queue) {
				s.notifyHistoryChanged()
			}
		} else if s.isCancelled(packet.PacketId.InteractionID) {
			if s.history.Update(packet) {
				s.notifyHistoryChanged()
			} else {
				// Nothing displayed to merge into: cancel this utterance
				// specifically and suppress the packet.
				s.sendCancelResponses(packet.PacketId.InteractionID, []string{packet.PacketId.UtteranceID})
				return
			}
		} else if s.history.AddOrUpdate(packet, s.queue) {
			s.notifyHistoryChanged()
		}

	case packets.KindEmotion, packets.KindTrigger:
		if s.history.AddOrUpdate(packet, s.queue) {
			s.notifyHistoryChanged()
		}

	case packets.KindControl:
		if packet.IsInteractionEnd() && s.clearCancelled(packet.PacketId.InteractionID) {
			// End of a cancelled turn: lift the mark, display nothing.
			break
		}
		if s.history.AddOrUpdate(packet, s.queue) {
			s.notifyHistoryChanged()
		}
	}

	s.currentCallbacks().onMessage(packet)
}

func (s *Session) handlePlaybackStarted(packet packets.Packet) {
	changed := s.history.Display(packet, HistoryItemActor)
	if s.history.Display(packet, HistoryItemNarratedAction) {
		changed = true
	}
	if changed {
		s.notifyHistoryChanged()
	}
}

func (s *Session) handlePlaybackFinished(packet packets.Packet) {
	changed := s.history.Display(packet, HistoryItemActor)
	if s.history.Display(packet, HistoryItemNarratedAction) {
		changed = true
	}
	if s.history.Display(packet, HistoryItemInteractionEnd) {
		changed = true
	}
	if changed {
		s.notifyHistoryChanged()
	}
}

// beforeOutgoing runs just before a packet leaves the transport. Player text
// interrupts prior turns and lands in the transcript; everything else passes
// through untouched. Running inside the write hook means buffered pre-open
// sends interrupt at flush time, in their original order.
func (s *Session) beforeOutgoing(packet packets.Packet) {
	if !packet.IsText() || !packet.Routing.FromPlayer() {
		return
	}

	s.interruptByInteraction(packet.PacketId.InteractionID)
	if s.history.AddOrUpdate(packet, s.queue) {
		s.notifyHistoryChanged()
	}
}

// interruptByInteraction is the single operation keeping transport, audio and
// history consistent during an interruption: evict playback, purge history
// and send one cancellation per evicted prior interaction, never touching the
// exempted one.
func (s *Session) interruptByInteraction(exceptInteractionID string) {
	removed := s.queue.ExcludeInteraction(exceptInteractionID)
	if len(removed) == 0 {
		return
	}

	var order []string
	utterances := map[string][]string{}
	for _, packet := range removed {
		interactionID := packet.PacketId.InteractionID
		if _, seen := utterances[interactionID]; !seen {
			order = append(order, interactionID)
		}
		if utteranceID := packet.PacketId.UtteranceID; utteranceID != "" &&
			!slices.Contains(utterances[interactionID], utteranceID) {
			utterances[interactionID] = append(utterances[interactionID], utteranceID)
		}
	}

	changed := false
	for _, interactionID := range order {
		s.markCancelled(interactionID)
		if s.history.Filter(FilterOptions{
			InteractionID: interactionID,
			UtteranceIDs:  utterances[interactionID],
		}) {
			changed = true
		}
		s.sendCancelResponses(interactionID, utterances[interactionID])
	}

	logger.Debug("interrupted prior interactions", "count", len(order))

	if changed {
		s.notifyHistoryChanged()
	}
}

func (s *Session) sendCancelResponses(interactionID string, utteranceIDs []string) {
	s.mu.Lock()
	connection := s.connection
	s.mu.Unlock()
	if connection == nil {
		return
	}

	packet := packets.NewCancelResponsesPacket(interactionID, utteranceIDs, s.routing())
	connection.Write(OutgoingItem{
		GetPacket:    func() packets.Packet { return packet },
		AfterWriting: func(packets.Packet) { s.scheduleIdleTimeout() },
	})
}

func (s *Session) routing() packets.Routing {
	s.mu.Lock()
	defer s.mu.Unlock()

	routing := packets.Routing{Source: packets.Actor{Name: s.playerName, IsPlayer: true}}
	if len(s.characters) > 0 {
		routing.Target = packets.Actor{Name: s.characters[0].ID, IsCharacter: true}
	}
	return routing
}

func (s *Session) notifyHistoryChanged() {
	s.currentCallbacks().onHistoryChange(s.history.All())
}

func (s *Session) reportError(err error) {
	s.currentCallbacks().onError(err)
}

func (s *Session) currentCallbacks() openCallbacks {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.callbacks
}

func (s *Session) isCancelled(interactionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cancelled[interactionID]
}

func (s *Session) markCancelled(interactionID string) {
	s.mu.Lock()
	s.cancelled[interactionID] = true
	s.mu.Unlock()
}

func (s *Session) clearCancelled(interactionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cancelled[interactionID] {
		return false
	}
	delete(s.cancelled, interactionID)
	return true
}

func (s *Session) scheduleIdleTimeout() {
	if s.idleTimeout <= 0 {
		return
	}

	s.mu.Lock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(s.idleTimeout, s.handleIdleTimeout)
	s.mu.Unlock()
}

func (s *Session) cancelIdleTimeout() {
	s.mu.Lock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	s.mu.Unlock()
}

func (s *Session) handleIdleTimeout() {
	logger.Info("closing session after idle timeout")
	s.Close()
}

func (s *Session) registerSendWait() (uint64, chan error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sendSeq++
	id := s.sendSeq
	wait := make(chan error, 1)
	s.sendWaits[id] = wait
	return id, wait
}

func (s *Session) resolveSendWait(id uint64, err error) {
	s.mu.Lock()
	wait, ok := s.sendWaits[id]
	delete(s.sendWaits, id)
	s.mu.Unlock()

	if ok {
		wait <- err
	}
}

func (s *Session) dropSendWait(id uint64) {
	s.mu.Lock()
	delete(s.sendWaits, id)
	s.mu.Unlock()
}

func (s *Session) failPendingSends(err error) {
	s.mu.Lock()
	waits := s.sendWaits
	s.sendWaits = map[uint64]chan error{}
	s.mu.Unlock()

	for _, wait := range waits {
		wait <- err
	}
}
