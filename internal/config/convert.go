package config

import (
	"strings"

	"github.com/danmuck/scopectl/internal/instrument"
)

func InstrumentSettings(entries []SettingConfig) []instrument.Setting {
	settings := make([]instrument.Setting, 0, len(entries))
	for _, entry := range entries {
		settings = append(settings, instrument.Setting{
			Label:   strings.TrimSpace(entry.Label),
			Command: strings.TrimSpace(entry.Command),
			Value:   strings.TrimSpace(entry.Value),
			Verify:  entry.Verify,
		})
	}
	return settings
}
