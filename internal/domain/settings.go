package domain

// Level is the learner's self-declared experience.
type Level string

// Experience levels.
const (
	LevelBeginner     Level = "beginner"
	LevelIntermediate Level = "intermediate"
	LevelAdvanced     Level = "advanced"
)

// Levels lists every level in display order.
var Levels = []Level{LevelBeginner, LevelIntermediate, LevelAdvanced}

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	for _, known := range Levels {
		if l == known {
			return true
		}
	}
	return false
}

// Settings is the per-session configuration chosen in the sidebar.
// APIKey never leaves process memory.
type Settings struct {
	Model    string `json:"model"`
	Language string `json:"language"`
	Level    Level  `json:"level"`
	APIKey   string `json:"-"`
}

// HasCredential reports whether an API key was entered.
func (s Settings) HasCredential() bool {
	return s.APIKey != ""
}
