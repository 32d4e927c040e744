package local

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/detonator/internal/domain"
)

const defenderProvider = "Microsoft-Windows-Windows Defender"

// Windows Defender operational log events that report a detection.
var defenderDetectionEvents = map[int]string{
	1006: "malware detected",
	1015: "suspicious behavior detected",
	1116: "malware detected",
	1117: "action taken",
}

// DefenderEventLog parses Windows Defender event-log XML fragments.
type DefenderEventLog struct{}

func (DefenderEventLog) Name() string { return "defender-eventlog" }

func (DefenderEventLog) Relevant(raw string) bool {
	return strings.Contains(raw, "<Event") && strings.Contains(raw, defenderProvider)
}

type xmlEvent struct {
	System struct {
		Provider struct {
			Name string `xml:"Name,attr"`
		} `xml:"Provider"`
		EventID       int    `xml:"EventID"`
		EventRecordID string `xml:"EventRecordID"`
		TimeCreated   struct {
			SystemTime string `xml:"SystemTime,attr"`
		} `xml:"TimeCreated"`
	} `xml:"System"`
	Data []struct {
		Name  string `xml:"Name,attr"`
		Value string `xml:",chardata"`
	} `xml:"EventData>Data"`
}

func (e xmlEvent) field(name string) string {
	for _, d := range e.Data {
		if strings.EqualFold(d.Name, name) {
			return strings.TrimSpace(d.Value)
		}
	}
	return ""
}

func (DefenderEventLog) Parse(raw string) ([]domain.Alert, error) {
	dec := xml.NewDecoder(strings.NewReader(raw))
	alerts := make([]domain.Alert, 0)
	seen := make(map[string]struct{})
	events := 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read event xml: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "Event" {
			continue
		}
		var ev xmlEvent
		if err := dec.DecodeElement(&ev, &start); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		events++
		if ev.System.Provider.Name != defenderProvider {
			continue
		}
		kind, ok := defenderDetectionEvents[ev.System.EventID]
		if !ok {
			continue
		}
		alert := eventAlert(ev, kind)
		if _, dup := seen[alert.ExternalID]; dup {
			continue
		}
		seen[alert.ExternalID] = struct{}{}
		alerts = append(alerts, alert)
	}
	if events == 0 {
		return nil, errors.New("no event elements found")
	}
	return alerts, nil
}

func eventAlert(ev xmlEvent, kind string) domain.Alert {
	externalID := ev.field("Detection ID")
	if externalID == "" {
		externalID = ev.field("Threat ID")
	}
	if externalID == "" {
		externalID = "record-" + ev.System.EventRecordID
	}
	title := ev.field("Threat Name")
	if title == "" {
		title = kind
	}
	alert := domain.Alert{
		ExternalID:      externalID,
		Severity:        ev.field("Severity Name"),
		Category:        ev.field("Category Name"),
		Title:           title,
		DetectionSource: "Windows Defender event " + strconv.Itoa(ev.System.EventID),
		Raw: domain.Metadata{
			"event_id":   ev.System.EventID,
			"record_id":  ev.System.EventRecordID,
			"path":       ev.field("Path"),
			"action":     ev.field("Action Name"),
			"process":    ev.field("Process Name"),
			"threat_id":  ev.field("Threat ID"),
			"event_kind": kind,
		},
	}
	if at := parseEventTime(ev.field("Detection Time"), ev.System.TimeCreated.SystemTime); at != nil {
		alert.DetectedAt = at
	}
	return alert
}

func parseEventTime(values ...string) *time.Time {
	for _, v := range values {
		if v == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
