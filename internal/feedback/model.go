package feedback

import (
	"time"
)

// Type is the category a user picks when sending feedback.
type Type string

const (
	TypeQuestion   Type = "question"
	TypeSuggestion Type = "suggestion"
	TypeBug        Type = "bug"
	TypeOther      Type = "other"
)

// MaxMessageLength is measured in characters, not bytes.
const MaxMessageLength = 2000

type Feedback struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Type      Type      `json:"type"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

type SubmitRequest struct {
	Type    string `json:"type" validate:"required,oneof=question suggestion bug other"`
	Message string `json:"message" validate:"required,max=2000"`
}
