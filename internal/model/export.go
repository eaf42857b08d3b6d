package model

import "time"

// ClassExport is the top-level JSON structure written by the export command.
type ClassExport struct {
	GeneratedAt  time.Time           `json:"generated_at"`
	Backup       string              `json:"backup,omitempty"`
	Participants []ParticipantResult `json:"participants"`
	Stats        Stats               `json:"stats"`
}

// ParticipantResult holds one participant's threads for export.
type ParticipantResult struct {
	Name      string           `json:"name"`
	Questions []QuestionResult `json:"questions"`
}

// QuestionResult holds one touched question for export.
type QuestionResult struct {
	Exercise     int               `json:"exercise"`
	ExerciseName string            `json:"exercise_name"`
	Variation    int               `json:"variation"`
	Stimulus     string            `json:"stimulus"`
	State        QuestionState     `json:"state"`
	Conversation []ConversationMsg `json:"conversation"`
}

// ConversationMsg is a single message in an exported conversation.
type ConversationMsg struct {
	Author  string    `json:"author"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
	Skipped bool      `json:"skipped,omitempty"`
}

// Stats are the aggregate figures shown to the teacher.
type Stats struct {
	Participants       int                  `json:"participants"`
	Waiting            int                  `json:"waiting"`
	MeanLatencySeconds *float64             `json:"mean_latency_seconds"`
	Completion         []ExerciseCompletion `json:"completion"`
}
