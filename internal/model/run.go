package model

import (
	"encoding/json"
	"time"
)

// Run is the recorded outcome of one finished execution in a session.
// Partial results from arepl_dump are not recorded.
type Run struct {
	ID           string          `json:"id"`
	SessionID    string          `json:"sessionId"`
	Generation   uint64          `json:"generation"`
	Code         string          `json:"code"`
	UserErrorMsg string          `json:"userErrorMsg,omitempty"`
	Variables    json.RawMessage `json:"variables"`
	ExecTime     float64         `json:"execTime"` // ms
	TotalTime    float64         `json:"totalTime"` // ms
	CreatedAt    time.Time       `json:"createdAt"`
}
