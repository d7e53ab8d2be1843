package entities

import "context"

// User identifies the player on whose behalf the session runs.
type User struct {
	ID       string
	FullName string
}

// Capabilities advertises which packet kinds the client is prepared to
// receive. The service omits streams the client does not ask for.
type Capabilities struct {
	Audio           bool
	Emotions        bool
	Interruptions   bool
	NarratedActions bool
	SilenceEvents   bool
	Triggers        bool
}

// Continuation resumes a previous conversation: either a list of prior dialog
// phrases or an opaque state blob returned by an earlier session. At most one
// is set.
type Continuation struct {
	PriorDialog   []DialogPhrase
	PreviousState []byte
}

type DialogPhrase struct {
	Talker string
	Phrase string
}

// SceneRequest asks the service for the character roster of a named scene.
type SceneRequest struct {
	Name         string
	User         User
	Capabilities Capabilities
	Continuation Continuation
}

// SceneResponse is the loaded roster plus an opaque key the caller can use to
// continue this conversation in a later session.
type SceneResponse struct {
	Characters      []Character
	ContinuationKey string
}

// SceneLoader performs the one-time roster fetch for a session. It is an
// external collaborator; the session layer only sequences the call.
type SceneLoader interface {
	LoadScene(ctx context.Context, request SceneRequest) (SceneResponse, error)
}

// TokenProvider mints session tokens. It is an external collaborator; the
// session layer decides when a refresh is due.
type TokenProvider interface {
	GenerateToken(ctx context.Context) (SessionToken, error)
}
