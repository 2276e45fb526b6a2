package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// CatalogChanged is true when the effective pages or personalities, or
	// the default page or personality, differ.
	CatalogChanged bool

	VoiceChanged bool
	NewVoice     string

	CustomInstructionChanged bool
	NewCustomInstruction     string

	// RestartRequired lists settings that changed but only take effect after
	// a restart (e.g., "providers", "audio", "transcripts").
	RestartRequired []string
}

// Empty reports whether d carries no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.CatalogChanged && !d.VoiceChanged &&
		!d.CustomInstructionChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oa, na := old.Assistant, new.Assistant
	if oa.DefaultPage != na.DefaultPage ||
		oa.DefaultPersonality != na.DefaultPersonality ||
		!reflect.DeepEqual(oa.Catalog(), na.Catalog()) {
		d.CatalogChanged = true
	}
	if oa.Voice != na.Voice {
		d.VoiceChanged = true
		d.NewVoice = na.Voice
	}
	if oa.CustomInstruction != na.CustomInstruction {
		d.CustomInstructionChanged = true
		d.NewCustomInstruction = na.CustomInstruction
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !reflect.DeepEqual(old.Server.LogFile, new.Server.LogFile) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Transcripts != new.Transcripts {
		d.RestartRequired = append(d.RestartRequired, "transcripts")
	}
	if old.Resilience != new.Resilience {
		d.RestartRequired = append(d.RestartRequired, "resilience")
	}

	return d
}
