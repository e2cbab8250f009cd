package models

import "time"

// Request outcomes recorded on UsageRecord rows.
const (
	OutcomeCompleted  = "completed"
	OutcomeUpstream   = "upstream_error"
	OutcomeClientGone = "client_disconnect"
)

// UsageRecord is written once per routed request after the response (or
// stream) has been fully drained, and is immutable afterwards.
type UsageRecord struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	SubjectID        string    `gorm:"index" json:"subject_id"`
	APIKeyID         string    `json:"api_key_id"`
	Model            string    `json:"model"`
	ServedModel      string    `json:"served_model"`
	MachineID        uint      `gorm:"index" json:"machine_id"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	TTFT             float64   `json:"ttft"`
	TotalTime        float64   `json:"total_response_time"`
	Cost             float64   `json:"cost"`
	Outcome          string    `json:"outcome"`
	CreatedAt        time.Time `json:"created_at"`
}
