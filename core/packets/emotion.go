package packets

// EmotionBehavior is the coarse behavioral state a character is expressing.
type EmotionBehavior string

const (
	BehaviorNeutral       EmotionBehavior = "NEUTRAL"
	BehaviorDisgust       EmotionBehavior = "DISGUST"
	BehaviorContempt      EmotionBehavior = "CONTEMPT"
	BehaviorBelligerence  EmotionBehavior = "BELLIGERENCE"
	BehaviorDomineering   EmotionBehavior = "DOMINEERING"
	BehaviorCriticism     EmotionBehavior = "CRITICISM"
	BehaviorAnger         EmotionBehavior = "ANGER"
	BehaviorTension       EmotionBehavior = "TENSION"
	BehaviorTenseHumor    EmotionBehavior = "TENSE_HUMOR"
	BehaviorDefensiveness EmotionBehavior = "DEFENSIVENESS"
	BehaviorWhining       EmotionBehavior = "WHINING"
	BehaviorSadness       EmotionBehavior = "SADNESS"
	BehaviorStonewalling  EmotionBehavior = "STONEWALLING"
	BehaviorInterest      EmotionBehavior = "INTEREST"
	BehaviorValidation    EmotionBehavior = "VALIDATION"
	BehaviorAffection     EmotionBehavior = "AFFECTION"
	BehaviorHumor         EmotionBehavior = "HUMOR"
	BehaviorSurprise      EmotionBehavior = "SURPRISE"
	BehaviorJoy           EmotionBehavior = "JOY"
)

// EmotionStrength grades how strongly the behavior is expressed.
type EmotionStrength string

const (
	StrengthUnspecified EmotionStrength = "UNSPECIFIED"
	StrengthWeak        EmotionStrength = "WEAK"
	StrengthNormal      EmotionStrength = "NORMAL"
	StrengthStrong      EmotionStrength = "STRONG"
)

// Emotion annotates an interaction with the character's expressed state.
// Emotion packets never become history items on their own; the latest one per
// interaction is consulted when rendering that interaction's transcript.
type Emotion struct {
	Behavior EmotionBehavior
	Strength EmotionStrength
}
