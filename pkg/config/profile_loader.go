package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/fundaudit/pkg/aggregate"
)

// RegionalProfile carries region-specific governance settings.
type RegionalProfile struct {
	Name       string                `yaml:"name" json:"name"`
	Code       string                `yaml:"code" json:"code"`
	Thresholds *aggregate.Thresholds `yaml:"thresholds,omitempty" json:"thresholds,omitempty"`
	// MaxSecurityLevel is the clearance ceiling for the region's aggregates.
	MaxSecurityLevel *int `yaml:"max_security_level,omitempty" json:"max_security_level,omitempty"`
}

// LoadProfile loads profile_<code>.yaml from profilesDir.
func LoadProfile(profilesDir, code string) (*RegionalProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))
	p, err := readProfile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}
	if p.Code == "" {
		p.Code = code
	}
	return p, nil
}

// LoadAllProfiles loads every profile_*.yaml in profilesDir, keyed by code.
func LoadAllProfiles(profilesDir string) (map[string]*RegionalProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}
	profiles := make(map[string]*RegionalProfile, len(matches))
	for _, path := range matches {
		p, err := readProfile(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if p.Code == "" {
			base := filepath.Base(path)
			p.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		profiles[p.Code] = p
	}
	return profiles, nil
}

func readProfile(path string) (*RegionalProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p RegionalProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: parse: %v", ErrInvalidConfig, err)
	}
	if p.Thresholds != nil {
		if err := p.Thresholds.Validate(); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

// RegionThresholds returns per-region thresholds for profiles that override
// them. Region ids are matched case-insensitively by code.
func RegionThresholds(profiles map[string]*RegionalProfile) map[string]aggregate.Thresholds {
	out := make(map[string]aggregate.Thresholds)
	for code, p := range profiles {
		if p.Thresholds != nil {
			out[strings.ToUpper(code)] = *p.Thresholds
		}
	}
	return out
}
