package domain

import (
	"errors"
	"strings"
	"time"
)

// AlertSource records which telemetry path produced an alert.
type AlertSource string

const (
	AlertSourceLocal AlertSource = "local"
	AlertSourceCloud AlertSource = "cloud"
)

// Alert is one externally identified detection event of a job.
type Alert struct {
	ID                string
	JobID             string
	ExternalID        string
	IncidentID        string
	Source            AlertSource
	Severity          string
	Category          string
	Title             string
	DetectionSource   string
	DetectedAt        *time.Time
	Raw               Metadata
	ResolvedAt        *time.Time
	ResolutionComment string
	CreatedAt         time.Time
}

func (a Alert) Validate() error {
	if strings.TrimSpace(a.JobID) == "" {
		return errors.New("job id is required")
	}
	if strings.TrimSpace(a.ExternalID) == "" {
		return errors.New("external alert id is required")
	}
	return nil
}

// Resolved reports whether the alert was already auto-closed.
func (a Alert) Resolved() bool {
	return a.ResolvedAt != nil
}
