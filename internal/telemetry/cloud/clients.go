package cloud

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/animus-labs/detonator/internal/domain"
)

var ErrNotConfigured = errors.New("profile has no cloud detection source")

// Clients caches one vendor client per profile and credential set, so
// bearer tokens survive across poll ticks. A credential change in the
// profile yields a fresh client.
type Clients struct {
	mu     sync.Mutex
	byKey  map[string]Vendor
	create func(domain.Profile, domain.DetectionConfig) (Vendor, error)
}

func NewClients() *Clients {
	return &Clients{byKey: make(map[string]Vendor), create: newDefenderFor}
}

// NewClientsWith builds a registry around a custom constructor.
func NewClientsWith(create func(domain.Profile, domain.DetectionConfig) (Vendor, error)) *Clients {
	c := NewClients()
	if create != nil {
		c.create = create
	}
	return c
}

// For returns the cached vendor client of profile together with its
// decoded detection config.
func (c *Clients) For(profile domain.Profile) (Vendor, domain.DetectionConfig, error) {
	kind, err := profile.DetectionKind()
	if err != nil {
		return nil, domain.DetectionConfig{}, err
	}
	if kind != domain.DetectionCloud {
		return nil, domain.DetectionConfig{}, ErrNotConfigured
	}
	var cfg domain.DetectionConfig
	if err := domain.DecodeConfig(profile.Detection, &cfg); err != nil {
		return nil, domain.DetectionConfig{}, fmt.Errorf("profile %s: %w", profile.Name, err)
	}

	key := profile.Name + "/" + credentialHash(cfg)
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.byKey[key]; ok {
		return v, cfg, nil
	}
	v, err := c.create(profile, cfg)
	if err != nil {
		return nil, domain.DetectionConfig{}, err
	}
	for existing := range c.byKey {
		if strings.HasPrefix(existing, profile.Name+"/") {
			delete(c.byKey, existing)
		}
	}
	c.byKey[key] = v
	return v, cfg, nil
}

// Len reports how many clients are cached.
func (c *Clients) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byKey)
}

func credentialHash(cfg domain.DetectionConfig) string {
	sum := sha256.Sum256([]byte(cfg.TenantID + "\x00" + cfg.ClientID + "\x00" + cfg.ClientSecret))
	return hex.EncodeToString(sum[:8])
}

func newDefenderFor(profile domain.Profile, cfg domain.DetectionConfig) (Vendor, error) {
	if strings.TrimSpace(cfg.TenantID) == "" || strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, fmt.Errorf("profile %s: tenant_id, client_id and client_secret are required", profile.Name)
	}
	return NewDefender(DefenderConfig{
		TenantID:          cfg.TenantID,
		ClientID:          cfg.ClientID,
		ClientSecret:      cfg.ClientSecret,
		APIEndpoint:       profile.Detection.String("api_endpoint"),
		IncidentsEndpoint: profile.Detection.String("incidents_endpoint"),
		TokenURL:          profile.Detection.String("token_url"),
	}), nil
}
