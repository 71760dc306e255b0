package analyses

import "time"

// Status is the lifecycle state of an analysis.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is allowed from s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph:
// pending -> processing -> {completed | failed}.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

// Intake is the rider questionnaire submitted alongside a video. Values are
// stored as given; only lengths are bounded.
type Intake struct {
	Height             string `json:"height" dynamodbav:"height" validate:"max=64"`
	Weight             string `json:"weight" dynamodbav:"weight" validate:"max=64"`
	SportType          string `json:"sportType" dynamodbav:"sportType" validate:"max=128"`
	RiderExperience    string `json:"riderExperience" dynamodbav:"riderExperience" validate:"max=256"`
	CommonDiscomforts  string `json:"commonDiscomforts" dynamodbav:"commonDiscomforts" validate:"max=2000"`
	PreferredPositions string `json:"preferredPositions" dynamodbav:"preferredPositions" validate:"max=2000"`
	KeyGoals           string `json:"keyGoals" dynamodbav:"keyGoals" validate:"max=2000"`
}

// Failure is the error recorded on a failed analysis.
type Failure struct {
	Code    string `json:"code" dynamodbav:"code"`
	Message string `json:"message" dynamodbav:"message"`
}

// Outcome carries the payload of a transition: Result for completed, Failure for failed.
type Outcome struct {
	Result  map[string]any
	Failure *Failure
}

// Analysis is the ledger record tracking one submitted video.
type Analysis struct {
	ID               string         `json:"id"`
	OwnerID          string         `json:"ownerId"`
	Status           Status         `json:"status"`
	VideoKey         string         `json:"videoKey"`
	VideoFileName    string         `json:"videoFileName,omitempty"`
	VideoContentType string         `json:"videoContentType,omitempty"`
	VideoSizeBytes   int64          `json:"videoSizeBytes"`
	Intake           Intake         `json:"intake"`
	Result           map[string]any `json:"result,omitempty"`
	Failure          *Failure       `json:"error,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
	StartedAt        *time.Time     `json:"startedAt,omitempty"`
	CompletedAt      *time.Time     `json:"completedAt,omitempty"`
}
