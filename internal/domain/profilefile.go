package domain

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

type profileFile struct {
	Profiles []profileEntry `yaml:"profiles"`
}

type profileEntry struct {
	Name      string         `yaml:"name"`
	Connector string         `yaml:"connector"`
	AgentPort int            `yaml:"agent_port"`
	TracePort int            `yaml:"trace_port"`
	Password  string         `yaml:"password"`
	Backend   map[string]any `yaml:"backend"`
	Detection map[string]any `yaml:"detection"`
}

// LoadProfiles reads a YAML profile list. ${VAR} references are expanded
// from the environment so secrets can stay out of the file.
func LoadProfiles(r io.Reader) ([]Profile, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	var file profileFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &file); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}

	seen := make(map[string]bool, len(file.Profiles))
	out := make([]Profile, 0, len(file.Profiles))
	for i, entry := range file.Profiles {
		p := Profile{
			Name:      entry.Name,
			Connector: entry.Connector,
			AgentPort: entry.AgentPort,
			TracePort: entry.TracePort,
			Password:  entry.Password,
			Backend:   Metadata(entry.Backend),
			Detection: Metadata(entry.Detection),
		}
		if p.Backend == nil {
			p.Backend = Metadata{}
		}
		if p.Detection == nil {
			p.Detection = Metadata{}
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("profile %d (%s): %w", i, entry.Name, err)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("profile %s defined twice", p.Name)
		}
		seen[p.Name] = true
		out = append(out, p)
	}
	return out, nil
}

// LoadProfilesFile is LoadProfiles over a file path.
func LoadProfilesFile(path string) ([]Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadProfiles(f)
}
