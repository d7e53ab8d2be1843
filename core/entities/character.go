package entities

// CharacterAssets points at the presentation resources for a character. The
// session layer never loads these; it only carries them to the caller.
type CharacterAssets struct {
	AvatarURL   string
	PortraitURL string
	PosterURL   string
}

// Character is one member of the loaded scene roster.
type Character struct {
	ID           string
	ResourceName string
	DisplayName  string
	Assets       CharacterAssets
}
