package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ConnectorKind selects the backend variant of a profile.
type ConnectorKind string

const (
	ConnectorCloudVM    ConnectorKind = "cloudvm"
	ConnectorSnapshotVM ConnectorKind = "snapshotvm"
	ConnectorAlwaysOn   ConnectorKind = "alwayson"
)

// DetectionKind selects where detection telemetry comes from.
type DetectionKind string

const (
	DetectionNone  DetectionKind = ""
	DetectionLocal DetectionKind = "local"
	DetectionCloud DetectionKind = "defender"
)

var (
	ErrUnknownConnector = errors.New("unknown connector kind")
	ErrUnknownDetection = errors.New("unknown detection source")
)

// ParseConnectorKind maps a stored selector to a known variant.
func ParseConnectorKind(value string) (ConnectorKind, error) {
	switch k := ConnectorKind(strings.ToLower(strings.TrimSpace(value))); k {
	case ConnectorCloudVM, ConnectorSnapshotVM, ConnectorAlwaysOn:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownConnector, value)
	}
}

// ParseDetectionKind maps a stored selector to a known detection source.
func ParseDetectionKind(value string) (DetectionKind, error) {
	switch k := DetectionKind(strings.ToLower(strings.TrimSpace(value))); k {
	case DetectionNone, DetectionLocal, DetectionCloud:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownDetection, value)
	}
}

// Profile is a reusable environment descriptor. It is read-only to the
// orchestrator.
type Profile struct {
	Name      string
	Connector string
	AgentPort int
	TracePort int
	Backend   Metadata
	Password  string
	Detection Metadata
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (p Profile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("profile name is required")
	}
	if _, err := ParseConnectorKind(p.Connector); err != nil {
		return err
	}
	if _, err := p.DetectionKind(); err != nil {
		return err
	}
	if p.AgentPort <= 0 || p.AgentPort > 65535 {
		return fmt.Errorf("agent port %d out of range", p.AgentPort)
	}
	if p.TracePort < 0 || p.TracePort > 65535 {
		return fmt.Errorf("trace port %d out of range", p.TracePort)
	}
	return nil
}

// DetectionKind returns the detection selector of the profile.
func (p Profile) DetectionKind() (DetectionKind, error) {
	return ParseDetectionKind(p.Detection.String("kind"))
}

// DetectionConfig is the detection-source blob of a profile.
type DetectionConfig struct {
	Kind            string   `json:"kind" yaml:"kind"`
	TenantID        string   `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	ClientID        string   `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	ClientSecret    string   `json:"client_secret,omitempty" yaml:"client_secret,omitempty"`
	DeviceID        string   `json:"device_id,omitempty" yaml:"device_id,omitempty"`
	Hostname        string   `json:"hostname,omitempty" yaml:"hostname,omitempty"`
	DetectionWindow Duration `json:"detection_window,omitempty" yaml:"detection_window,omitempty"`
}

// DecodeConfig converts a config blob into a typed struct.
func DecodeConfig(blob Metadata, out any) error {
	raw, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// Duration is a time.Duration that reads "90s" style strings or seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := parseDuration(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var raw any
	if err := unmarshal(&raw); err != nil {
		return err
	}
	if i, ok := raw.(int); ok {
		raw = float64(i)
	}
	parsed, err := parseDuration(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func parseDuration(raw any) (Duration, error) {
	switch v := raw.(type) {
	case nil:
		return 0, nil
	case float64:
		return Duration(time.Duration(v * float64(time.Second))), nil
	case string:
		if strings.TrimSpace(v) == "" {
			return 0, nil
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("parse duration %q: %w", v, err)
		}
		return Duration(parsed), nil
	default:
		return 0, fmt.Errorf("unsupported duration %v", raw)
	}
}
