package session

import (
	"time"

	"github.com/narratek/stagelink/core/entities"
	"github.com/narratek/stagelink/core/packets"
)

type SessionOption func(*Session)

// WithTokenProvider sets the collaborator that mints session tokens. The
// session decides when a refresh is due; the provider only performs it.
func WithTokenProvider(provider entities.TokenProvider) SessionOption {
	return func(s *Session) { s.tokenProvider = provider }
}

// WithSceneLoader sets the collaborator that performs the one-time roster
// fetch.
func WithSceneLoader(loader entities.SceneLoader) SessionOption {
	return func(s *Session) { s.sceneLoader = loader }
}

// WithScene names the scene to load and the identity to load it as.
func WithScene(name string, user entities.User) SessionOption {
	return func(s *Session) {
		s.sceneName = name
		s.user = user
	}
}

// WithCapabilities overrides the packet kinds the client advertises.
func WithCapabilities(capabilities entities.Capabilities) SessionOption {
	return func(s *Session) { s.capabilities = capabilities }
}

// WithContinuation resumes a previous conversation when loading the scene.
func WithContinuation(continuation entities.Continuation) SessionOption {
	return func(s *Session) { s.continuation = continuation }
}

// WithHost sets the character service host the transport dials.
func WithHost(host string) SessionOption {
	return func(s *Session) { s.host = host }
}

// WithSocketDialer replaces the socket dialer, mainly for tests.
func WithSocketDialer(dial SocketDialer) SessionOption {
	return func(s *Session) { s.dial = dial }
}

// WithPlaybackDevice threads the playback device through the session. The
// device is single-owner state: one session, one device.
func WithPlaybackDevice(device PlaybackDevice) SessionOption {
	return func(s *Session) { s.device = device }
}

// WithIdleTimeout enables automatic disconnect after a period with no sends
// or receives. Zero disables the timer.
func WithIdleTimeout(timeout time.Duration) SessionOption {
	return func(s *Session) { s.idleTimeout = timeout }
}

// WithAutoReconnect controls whether Send reopens a closed connection on
// demand. Enabled by default; disable it to drive the connection manually
// through OpenManually.
func WithAutoReconnect(enabled bool) SessionOption {
	return func(s *Session) { s.autoReconnect = enabled }
}

// WithPlayerName sets the transcript speaker name used for player items that
// carry no name of their own.
func WithPlayerName(name string) SessionOption {
	return func(s *Session) { s.playerName = name }
}

type openCallbacks struct {
	onReady         func()
	onDisconnect    func()
	onError         func(error)
	onMessage       func(packets.Packet)
	onHistoryChange func([]HistoryItem)
}

func (c openCallbacks) withDefaults() openCallbacks {
	if c.onReady == nil {
		c.onReady = func() {}
	}
	if c.onDisconnect == nil {
		c.onDisconnect = func() {}
	}
	if c.onError == nil {
		c.onError = func(error) {}
	}
	if c.onMessage == nil {
		c.onMessage = func(packets.Packet) {}
	}
	if c.onHistoryChange == nil {
		c.onHistoryChange = func([]HistoryItem) {}
	}
	return c
}

type OpenOption func(*openCallbacks)

// WithReadyCallback registers a callback fired once the transport reports
// readiness and the session reaches the active state.
func WithReadyCallback(callback func()) OpenOption {
	return func(c *openCallbacks) { c.onReady = callback }
}

// WithDisconnectCallback registers a callback for involuntary closes and
// idle disconnects.
func WithDisconnectCallback(callback func()) OpenOption {
	return func(c *openCallbacks) { c.onDisconnect = callback }
}

// WithErrorCallback registers the single error channel: transport failures,
// peer error frames and caller misuse all arrive here.
func WithErrorCallback(callback func(error)) OpenOption {
	return func(c *openCallbacks) { c.onError = callback }
}

// WithMessageCallback registers a callback observing every inbound packet
// that survives cancellation gating.
func WithMessageCallback(callback func(packets.Packet)) OpenOption {
	return func(c *openCallbacks) { c.onMessage = callback }
}

// WithHistoryChangeCallback registers a callback fired with a fresh history
// snapshot whenever the displayed transcript changes. It is fire-and-forget;
// the session never waits on it.
func WithHistoryChangeCallback(callback func([]HistoryItem)) OpenOption {
	return func(c *openCallbacks) { c.onHistoryChange = callback }
}
