package config

import "slices"

// ChangeSet describes what changed between two configs. Only changes that
// can be applied without a restart are tracked; pipeline and provider edits
// take effect for new sessions only.
type ChangeSet struct {
	// LogLevelChanged is true when server.log_level changed. Applied to the
	// running process immediately.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// GlossaryChanged is true when the glossary term list changed. New
	// sessions get a corrector built from the new terms.
	GlossaryChanged bool
	NewGlossary     []string

	// PipelineChanged is true when any pipeline, speaker, provider, or
	// registry setting changed. These are not hot-applied; running sessions
	// keep their immutable config.
	PipelineChanged bool
}

// Empty reports whether the change set carries no changes.
func (c ChangeSet) Empty() bool {
	return !c.LogLevelChanged && !c.GlossaryChanged && !c.PipelineChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(oldCfg, newCfg *Config) ChangeSet {
	var c ChangeSet

	if oldCfg.Server.LogLevel != newCfg.Server.LogLevel {
		c.LogLevelChanged = true
		c.NewLogLevel = newCfg.Server.LogLevel
	}

	if !slices.Equal(oldCfg.Glossary, newCfg.Glossary) {
		c.GlossaryChanged = true
		c.NewGlossary = slices.Clone(newCfg.Glossary)
	}

	if oldCfg.Pipeline != newCfg.Pipeline ||
		oldCfg.Speaker != newCfg.Speaker ||
		oldCfg.Registry != newCfg.Registry ||
		!providersEqual(oldCfg.Providers, newCfg.Providers) {
		c.PipelineChanged = true
	}

	return c
}

// providersEqual compares provider configs field by field; ProviderEntry
// holds a map so the structs are not directly comparable.
func providersEqual(a, b ProvidersConfig) bool {
	return entryEqual(a.Recognition, b.Recognition) &&
		entryEqual(a.Translation, b.Translation) &&
		entryEqual(a.Synthesis, b.Synthesis) &&
		entryEqual(a.Voiceprint, b.Voiceprint) &&
		entriesEqual(a.Fallbacks.Recognition, b.Fallbacks.Recognition) &&
		entriesEqual(a.Fallbacks.Translation, b.Fallbacks.Translation) &&
		entriesEqual(a.Fallbacks.Synthesis, b.Fallbacks.Synthesis)
}

func entriesEqual(a, b []ProviderEntry) bool {
	return slices.EqualFunc(a, b, entryEqual)
}

func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, v := range a.Options {
		if b.Options[k] != v {
			return false
		}
	}
	return true
}
