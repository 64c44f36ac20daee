package grading

import "time"

// Status is the machine readable outcome of a grading attempt.
type Status string

const (
	StatusOK                    Status = "ok"
	StatusMissingFields         Status = "missing_fields"
	StatusInvalidSourceURL      Status = "invalid_source_url"
	StatusInvalidDeployedURL    Status = "invalid_deployed_url"
	StatusDeploymentUnreachable Status = "deployment_unreachable"
)

// PassGrade is the score given to a reachable deployment.
const PassGrade = 1.0

// Submission holds the URLs a learner submits for grading.
type Submission struct {
	SourceURL   string    `json:"source_url"`
	DeployedURL string    `json:"deployed_url"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Result is produced fresh per grading attempt. Re-grading yields a new Result.
type Result struct {
	SourceURL    string    `json:"source_url"`
	DeployedURL  string    `json:"deployed_url"`
	Error        bool      `json:"error"`
	Grade        *float64  `json:"grade,omitempty"`
	Status       Status    `json:"status"`
	StatusDetail string    `json:"status_detail"`
	HTTPStatus   int       `json:"http_status,omitempty"`
	CheckedAt    time.Time `json:"checked_at"`
}

// Passed reports whether the result carries a grade.
func (r Result) Passed() bool { return !r.Error && r.Grade != nil }

// IsInputError is true for results the learner can fix by editing the submission.
func (r Result) IsInputError() bool {
	switch r.Status {
	case StatusMissingFields, StatusInvalidSourceURL, StatusInvalidDeployedURL:
		return true
	}
	return false
}
