package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// TrustProfile is a named access policy loaded from YAML. Capabilities
// reference a profile by name instead of repeating raw thresholds.
type TrustProfile struct {
	Name            string        `yaml:"name" json:"name"`
	Description     string        `yaml:"description,omitempty" json:"description,omitempty"`
	MinTrustScore   float64       `yaml:"min_trust_score" json:"min_trust_score"`
	MinLevel        string        `yaml:"min_level,omitempty" json:"min_level,omitempty"`
	MaxViolations   int           `yaml:"max_violations" json:"max_violations"`
	MinEndorsements int           `yaml:"min_endorsements" json:"min_endorsements"`
	AllowedModes    []string      `yaml:"allowed_modes,omitempty" json:"allowed_modes,omitempty"`
	RequirementExpr string        `yaml:"requirement_expr,omitempty" json:"requirement_expr,omitempty"`
	RateLimit       RateLimitSpec `yaml:"rate_limit" json:"rate_limit"`
	Handshake       HandshakeSpec `yaml:"handshake" json:"handshake"`
}

// RateLimitSpec tunes the per-agent request limiter for the profile.
type RateLimitSpec struct {
	PerMinute int `yaml:"per_minute" json:"per_minute"`
	Burst     int `yaml:"burst" json:"burst"`
}

// HandshakeSpec tunes handshake strictness for the profile.
type HandshakeSpec struct {
	RequireConfidential bool `yaml:"require_confidential" json:"require_confidential"`
	MinSteps            int  `yaml:"min_steps,omitempty" json:"min_steps,omitempty"`
}

// LoadProfile loads a trust profile YAML by name. It looks for
// profile_<name>.yaml in the profiles directory.
func LoadProfile(profilesDir, name string) (*TrustProfile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}

	var profile TrustProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}

	if profile.Name == "" {
		profile.Name = name
	}

	return &profile, nil
}

// LoadAllProfiles loads every profile_*.yaml in the profiles directory,
// keyed by profile name.
func LoadAllProfiles(profilesDir string) (map[string]*TrustProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*TrustProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile TrustProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Name == "" {
			base := filepath.Base(path)
			profile.Name = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		profiles[profile.Name] = &profile
	}

	return profiles, nil
}
