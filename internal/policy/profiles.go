package policy

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Profiles is a named set of runtime policies. The daemon resolves profile
// names from requests; library callers can load their own set.
type Profiles struct {
	defaultName string
	profiles    map[string]RuntimePolicy
}

type profilesFile struct {
	Default  string                 `yaml:"default"`
	Profiles map[string]profileSpec `yaml:"profiles"`
}

type profileSpec struct {
	Duration           string   `yaml:"duration"`
	Tags               []string `yaml:"tags"`
	SlidingExpiration  bool     `yaml:"sliding_expiration"`
	RefreshAhead       string   `yaml:"refresh_ahead"`
	StampedeProtection bool     `yaml:"stampede_protection"`
	DistributedLock    bool     `yaml:"distributed_lock"`
}

// Load reads a profile file from disk. Durations use Go syntax, e.g. "5m"
// or "1h30m".
func Load(path string) (*Profiles, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy profiles: %w", err)
	}
	return Parse(data)
}

// Parse decodes profile YAML.
func Parse(data []byte) (*Profiles, error) {
	var file profilesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse policy profiles: %w", err)
	}

	p := &Profiles{
		defaultName: file.Default,
		profiles:    make(map[string]RuntimePolicy, len(file.Profiles)),
	}
	for name, spec := range file.Profiles {
		rp := RuntimePolicy{
			Tags:               spec.Tags,
			SlidingExpiration:  spec.SlidingExpiration,
			StampedeProtection: spec.StampedeProtection,
			DistributedLock:    spec.DistributedLock,
		}
		if spec.Duration != "" {
			d, err := time.ParseDuration(spec.Duration)
			if err != nil {
				return nil, fmt.Errorf("profile %s: invalid duration: %w", name, err)
			}
			rp.Duration = d
		}
		if spec.RefreshAhead != "" {
			d, err := time.ParseDuration(spec.RefreshAhead)
			if err != nil {
				return nil, fmt.Errorf("profile %s: invalid refresh_ahead: %w", name, err)
			}
			rp.RefreshAhead = d
		}
		p.profiles[name] = rp
	}

	if p.defaultName != "" {
		if _, ok := p.profiles[p.defaultName]; !ok {
			return nil, fmt.Errorf("default profile %q is not defined", p.defaultName)
		}
	}
	return p, nil
}

// Resolve returns the named profile; an empty name resolves the default.
func (p *Profiles) Resolve(name string) (RuntimePolicy, bool) {
	if name == "" {
		name = p.defaultName
	}
	rp, ok := p.profiles[name]
	return rp, ok
}

// Names lists the defined profiles in no particular order.
func (p *Profiles) Names() []string {
	out := make([]string, 0, len(p.profiles))
	for name := range p.profiles {
		out = append(out, name)
	}
	return out
}
