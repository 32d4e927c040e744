package domain

import (
	"errors"
	"strings"
	"testing"
	"time"
)

const profilesYAML = `
profiles:
  - name: win11-azure
    connector: cloudvm
    agent_port: 8080
    trace_port: 8081
    password: ${TEST_PROFILE_PASSWORD}
    backend:
      subscription_id: sub
      resource_group: rg
      poll_timeout: 10m
    detection:
      kind: defender
      tenant_id: t
      detection_window: 5m
  - name: lab
    connector: alwayson
    agent_port: 8080
    backend:
      address: 10.0.0.5
`

func TestLoadProfiles(t *testing.T) {
	t.Setenv("TEST_PROFILE_PASSWORD", "s3cret")
	profiles, err := LoadProfiles(strings.NewReader(profilesYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(profiles))
	}
	p := profiles[0]
	if p.Password != "s3cret" {
		t.Fatalf("expected expanded password, got %q", p.Password)
	}
	kind, err := p.DetectionKind()
	if err != nil || kind != DetectionCloud {
		t.Fatalf("expected defender detection, got %q %v", kind, err)
	}
	var cfg DetectionConfig
	if err := DecodeConfig(p.Detection, &cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.DetectionWindow.Std() != 5*time.Minute {
		t.Fatalf("expected 5m window, got %v", cfg.DetectionWindow.Std())
	}
	if k, _ := profiles[1].DetectionKind(); k != DetectionNone {
		t.Fatalf("expected no detection for lab, got %q", k)
	}
}

func TestLoadProfilesRejectsDuplicates(t *testing.T) {
	in := "profiles:\n  - {name: a, connector: alwayson, agent_port: 1}\n  - {name: a, connector: alwayson, agent_port: 1}\n"
	if _, err := LoadProfiles(strings.NewReader(in)); err == nil {
		t.Fatalf("expected duplicate error")
	}
}

func TestProfileValidateUnknownKinds(t *testing.T) {
	p := Profile{Name: "x", Connector: "vmware", AgentPort: 80}
	if err := p.Validate(); !errors.Is(err, ErrUnknownConnector) {
		t.Fatalf("expected ErrUnknownConnector, got %v", err)
	}
	p.Connector = "alwayson"
	p.Detection = Metadata{"kind": "carbonblack"}
	if err := p.Validate(); !errors.Is(err, ErrUnknownDetection) {
		t.Fatalf("expected ErrUnknownDetection, got %v", err)
	}
}

func TestDurationAcceptsSeconds(t *testing.T) {
	var cfg DetectionConfig
	if err := DecodeConfig(Metadata{"detection_window": 90.0}, &cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.DetectionWindow.Std() != 90*time.Second {
		t.Fatalf("expected 90s, got %v", cfg.DetectionWindow.Std())
	}
}
