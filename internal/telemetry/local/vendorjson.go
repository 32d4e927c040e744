package local

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/detonator/internal/domain"
)

// VendorJSON parses EDR exports shaped as {"alerts":[...]} or a bare array
// of alert objects.
type VendorJSON struct{}

func (VendorJSON) Name() string { return "vendor-json" }

func (VendorJSON) Relevant(raw string) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return false
	}
	return json.Valid([]byte(trimmed))
}

type jsonAlert struct {
	ID              string          `json:"id"`
	AlertID         string          `json:"alert_id"`
	IncidentID      json.RawMessage `json:"incident_id"`
	Severity        string          `json:"severity"`
	Category        string          `json:"category"`
	Title           string          `json:"title"`
	ThreatName      string          `json:"threat_name"`
	DetectionSource string          `json:"detection_source"`
	DetectedAt      string          `json:"detected_at"`
}

func (VendorJSON) Parse(raw string) ([]domain.Alert, error) {
	trimmed := strings.TrimSpace(raw)
	var items []json.RawMessage
	if trimmed[0] == '[' {
		if err := json.Unmarshal([]byte(trimmed), &items); err != nil {
			return nil, fmt.Errorf("decode alert array: %w", err)
		}
	} else {
		var wrapped struct {
			Alerts     []json.RawMessage `json:"alerts"`
			Detections []json.RawMessage `json:"detections"`
		}
		if err := json.Unmarshal([]byte(trimmed), &wrapped); err != nil {
			return nil, fmt.Errorf("decode alert document: %w", err)
		}
		if wrapped.Alerts == nil && wrapped.Detections == nil {
			return nil, errors.New("document has no alerts or detections list")
		}
		items = append(wrapped.Alerts, wrapped.Detections...)
	}

	alerts := make([]domain.Alert, 0, len(items))
	for i, item := range items {
		var rawMap map[string]any
		if err := json.Unmarshal(item, &rawMap); err != nil {
			return nil, fmt.Errorf("decode alert %d: %w", i, err)
		}
		if rawMap == nil {
			return nil, fmt.Errorf("alert %d is not an object", i)
		}
		var a jsonAlert
		if err := json.Unmarshal(item, &a); err != nil {
			return nil, fmt.Errorf("decode alert %d: %w", i, err)
		}
		id := firstNonEmpty(a.ID, a.AlertID)
		if id == "" {
			id = fmt.Sprintf("item-%d", i)
		}
		alert := domain.Alert{
			ExternalID:      id,
			IncidentID:      strings.Trim(string(a.IncidentID), `"`),
			Severity:        a.Severity,
			Category:        a.Category,
			Title:           firstNonEmpty(a.Title, a.ThreatName),
			DetectionSource: a.DetectionSource,
			Raw:             domain.Metadata(rawMap),
		}
		if alert.IncidentID == "null" {
			alert.IncidentID = ""
		}
		if t, err := time.Parse(time.RFC3339Nano, a.DetectedAt); err == nil {
			t = t.UTC()
			alert.DetectedAt = &t
		}
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
