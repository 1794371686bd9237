package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

var ErrInvalidPlan = errors.New("config: invalid plan")

// Plan is the per-session instrument program: settings applied once after
// connect, polls queried every cycle.
type Plan struct {
	Name     string          `toml:"name"`
	Settings []SettingConfig `toml:"settings"`
	Polls    []PollConfig    `toml:"polls"`
}

type SettingConfig struct {
	Label   string `toml:"label"`
	Command string `toml:"command"`
	Value   string `toml:"value"`
	Verify  bool   `toml:"verify"`
}

type PollConfig struct {
	Label string `toml:"label"`
	Query string `toml:"query"`
}

// LoadPlan reads a plan file. Unknown fields are rejected.
func LoadPlan(path string) (Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	plan, err := ParsePlan(data)
	if err != nil {
		return Plan{}, fmt.Errorf("%s: %w", path, err)
	}
	return plan, nil
}

// ParsePlan decodes an in-memory plan document with strict field checking.
func ParsePlan(data []byte) (Plan, error) {
	var plan Plan
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&plan); err != nil {
		return Plan{}, fmt.Errorf("plan parse failed: %w", err)
	}
	if strings.TrimSpace(plan.Name) == "" {
		plan.Name = "default"
	}
	if err := ValidatePlan(plan); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

// ValidatePlan requires non-empty unique labels across settings and polls and a
// command or query for every entry.
func ValidatePlan(plan Plan) error {
	seen := make(map[string]struct{}, len(plan.Settings)+len(plan.Polls))
	claim := func(kind string, i int, label string) error {
		label = strings.TrimSpace(label)
		if label == "" {
			return fmt.Errorf("%w: %s[%d] missing label", ErrInvalidPlan, kind, i)
		}
		if _, ok := seen[label]; ok {
			return fmt.Errorf("%w: duplicate label %q", ErrInvalidPlan, label)
		}
		seen[label] = struct{}{}
		return nil
	}
	for i, s := range plan.Settings {
		if err := claim("settings", i, s.Label); err != nil {
			return err
		}
		if strings.TrimSpace(s.Command) == "" {
			return fmt.Errorf("%w: settings[%d] %q missing command", ErrInvalidPlan, i, s.Label)
		}
		if strings.HasSuffix(strings.TrimSpace(s.Command), "?") {
			return fmt.Errorf("%w: settings[%d] %q command is a query", ErrInvalidPlan, i, s.Label)
		}
	}
	for i, p := range plan.Polls {
		if err := claim("polls", i, p.Label); err != nil {
			return err
		}
		if strings.TrimSpace(p.Query) == "" {
			return fmt.Errorf("%w: polls[%d] %q missing query", ErrInvalidPlan, i, p.Label)
		}
	}
	return nil
}
