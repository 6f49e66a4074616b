package models

// DefaultBaseModels are the Gemini models exposed by default. The list can
// be overridden through the dynamic "base_models" config key.
func DefaultBaseModels() []string {
	return []string{
		"gemini-2.5-pro",
		"gemini-2.5-flash",
		"gemini-2.0-flash",
		"gemini-2.0-flash-thinking-exp",
	}
}

// Variants expands base models into every advertised marker combination for
// the model listing endpoints.
func Variants(bases []string) []string {
	return VariantsWith(bases, DefaultMarkers())
}

func VariantsWith(bases []string, m Markers) []string {
	suffixes := []string{""}
	if m.NoThinkingSuffix != "" {
		suffixes = append(suffixes, m.NoThinkingSuffix)
	}
	if m.SearchSuffix != "" {
		base := suffixes
		for _, s := range base {
			suffixes = append(suffixes, s+m.SearchSuffix)
		}
	}

	prefixes := []string{""}
	if m.FakeStreamPrefix != "" {
		prefixes = append(prefixes, m.FakeStreamPrefix)
	}
	if m.AntiTruncPrefix != "" {
		prefixes = append(prefixes, m.AntiTruncPrefix)
	}

	out := make([]string, 0, len(bases)*len(suffixes)*len(prefixes))
	for _, base := range bases {
		for _, suffix := range suffixes {
			for _, prefix := range prefixes {
				out = append(out, prefix+base+suffix)
			}
		}
	}
	return out
}
