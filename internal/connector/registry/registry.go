// Package registry builds and caches the connector for each profile.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/animus-labs/detonator/internal/connector"
	"github.com/animus-labs/detonator/internal/connector/alwayson"
	"github.com/animus-labs/detonator/internal/connector/cloudvm"
	"github.com/animus-labs/detonator/internal/connector/snapshotvm"
	"github.com/animus-labs/detonator/internal/domain"
)

type Registry struct {
	rt     *connector.Runtime
	warmup time.Duration

	mu    sync.Mutex
	cache map[string]entry
}

type entry struct {
	fingerprint string
	conn        connector.Connector
}

func New(rt *connector.Runtime, warmup time.Duration) *Registry {
	return &Registry{rt: rt, warmup: warmup, cache: make(map[string]entry)}
}

// For returns the connector of profile. A cached connector is reused until
// the profile's connector settings change.
func (r *Registry) For(profile domain.Profile) (connector.Connector, error) {
	kind, err := domain.ParseConnectorKind(profile.Connector)
	if err != nil {
		return nil, err
	}
	fp, err := fingerprint(profile)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.cache[profile.Name]; ok && e.fingerprint == fp {
		return e.conn, nil
	}

	var conn connector.Connector
	switch kind {
	case domain.ConnectorCloudVM:
		conn, err = cloudvm.New(r.rt, profile)
	case domain.ConnectorSnapshotVM:
		conn, err = snapshotvm.New(r.rt, profile, r.warmup)
	case domain.ConnectorAlwaysOn:
		conn, err = alwayson.New(r.rt, profile)
	default:
		err = fmt.Errorf("%w: %q", domain.ErrUnknownConnector, profile.Connector)
	}
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", profile.Name, err)
	}
	r.cache[profile.Name] = entry{fingerprint: fp, conn: conn}
	return conn, nil
}

func fingerprint(p domain.Profile) (string, error) {
	raw, err := json.Marshal(struct {
		Connector string
		AgentPort int
		TracePort int
		Backend   domain.Metadata
		Password  string
		Detection domain.Metadata
	}{p.Connector, p.AgentPort, p.TracePort, p.Backend, p.Password, p.Detection})
	if err != nil {
		return "", fmt.Errorf("fingerprint profile: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
