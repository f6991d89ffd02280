package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// WorkflowProfile is a named policy bundle for the workflow engine: OTP
// limits and lifetimes, idempotency retention, dispatcher cadence and
// signing prerequisites. Profiles live as profile_<name>.yaml files.
type WorkflowProfile struct {
	Name        string            `yaml:"name" json:"name"`
	OTP         OTPConfig         `yaml:"otp" json:"otp"`
	Idempotency IdempotencyConfig `yaml:"idempotency" json:"idempotency"`
	Dispatcher  DispatcherConfig  `yaml:"dispatcher" json:"dispatcher"`
	Signing     SigningConfig     `yaml:"signing" json:"signing"`
}

// OTPConfig holds one-time-code policy.
type OTPConfig struct {
	TTLSeconds        int `yaml:"ttl_seconds" json:"ttl_seconds"`
	MaxTries          int `yaml:"max_tries" json:"max_tries"`
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requests_per_minute"`
	RequestsPerDay    int `yaml:"requests_per_day" json:"requests_per_day"`
}

// IdempotencyConfig holds command deduplication policy.
type IdempotencyConfig struct {
	TTLSeconds int `yaml:"ttl_seconds" json:"ttl_seconds"`
}

// DispatcherConfig holds outbox delivery cadence.
type DispatcherConfig struct {
	IntervalSeconds int `yaml:"interval_seconds" json:"interval_seconds"`
	BatchSize       int `yaml:"batch_size" json:"batch_size"`
}

// SigningConfig holds signature prerequisites.
type SigningConfig struct {
	RequireConsent bool `yaml:"require_consent" json:"require_consent"`
	RequireOTP     bool `yaml:"require_otp" json:"require_otp"`
}

// DefaultProfile returns the policy used when no profile file exists.
func DefaultProfile() *WorkflowProfile {
	return &WorkflowProfile{
		Name: "default",
		OTP: OTPConfig{
			TTLSeconds:        600,
			MaxTries:          3,
			RequestsPerMinute: 5,
			RequestsPerDay:    20,
		},
		Idempotency: IdempotencyConfig{TTLSeconds: 86400},
		Dispatcher:  DispatcherConfig{IntervalSeconds: 5, BatchSize: 50},
		Signing:     SigningConfig{RequireOTP: true},
	}
}

// LoadProfile loads a workflow profile YAML by name. It searches the
// profiles directory for profile_<name>.yaml and fills unset numeric fields
// from the default profile.
func LoadProfile(profilesDir, name string) (*WorkflowProfile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}

	var profile WorkflowProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}
	if profile.Name == "" {
		profile.Name = name
	}
	profile.fillDefaults()
	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*WorkflowProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*WorkflowProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile WorkflowProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if profile.Name == "" {
			// Extract name from filename: profile_strict.yaml -> strict
			base := filepath.Base(path)
			profile.Name = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		profile.fillDefaults()
		profiles[profile.Name] = &profile
	}
	return profiles, nil
}

func (p *WorkflowProfile) fillDefaults() {
	def := DefaultProfile()
	if p.OTP.TTLSeconds <= 0 {
		p.OTP.TTLSeconds = def.OTP.TTLSeconds
	}
	if p.OTP.MaxTries <= 0 {
		p.OTP.MaxTries = def.OTP.MaxTries
	}
	if p.OTP.RequestsPerMinute <= 0 {
		p.OTP.RequestsPerMinute = def.OTP.RequestsPerMinute
	}
	if p.OTP.RequestsPerDay <= 0 {
		p.OTP.RequestsPerDay = def.OTP.RequestsPerDay
	}
	if p.Idempotency.TTLSeconds <= 0 {
		p.Idempotency.TTLSeconds = def.Idempotency.TTLSeconds
	}
	if p.Dispatcher.IntervalSeconds <= 0 {
		p.Dispatcher.IntervalSeconds = def.Dispatcher.IntervalSeconds
	}
	if p.Dispatcher.BatchSize <= 0 {
		p.Dispatcher.BatchSize = def.Dispatcher.BatchSize
	}
}

// OTPTTL returns the code lifetime as a duration.
func (p *WorkflowProfile) OTPTTL() time.Duration {
	return time.Duration(p.OTP.TTLSeconds) * time.Second
}

// IdempotencyTTL returns the fingerprint retention as a duration.
func (p *WorkflowProfile) IdempotencyTTL() time.Duration {
	return time.Duration(p.Idempotency.TTLSeconds) * time.Second
}

// DispatchInterval returns the outbox polling cadence as a duration.
func (p *WorkflowProfile) DispatchInterval() time.Duration {
	return time.Duration(p.Dispatcher.IntervalSeconds) * time.Second
}
