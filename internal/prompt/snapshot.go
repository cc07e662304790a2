package prompt

import "voicebridge/internal/store"

// Snapshot is the prompt configuration captured at call admission. A call
// keeps its snapshot for its whole life; editing or re-activating prompts
// never alters an in-flight call.
type Snapshot struct {
	PromptID     int64
	SystemText   string
	VoiceID      string
	LLMModel     string
	Temperature  float64
	GreetingText string
}

// SnapshotFrom freezes a stored prompt.
func SnapshotFrom(p store.Prompt) Snapshot {
	return Snapshot{
		PromptID:     p.ID,
		SystemText:   p.SystemPrompt,
		VoiceID:      p.VoiceID,
		LLMModel:     p.LLMModel,
		Temperature:  p.Temperature,
		GreetingText: p.GreetingText,
	}
}
