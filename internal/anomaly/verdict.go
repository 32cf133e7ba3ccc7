package anomaly

// Level classifies an evaluation outcome.
type Level int

const (
	LevelNormal Level = iota
	LevelSuspicious
	LevelHighAlert
)

// String returns the level name.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelSuspicious:
		return "suspicious"
	case LevelHighAlert:
		return "high_alert"
	default:
		return "unknown"
	}
}

// Verdict is the outcome of one anomaly evaluation.
type Verdict struct {
	Level   Level    `json:"level"`
	Score   int      `json:"score"`
	Reasons []string `json:"reasons,omitempty"`
}
