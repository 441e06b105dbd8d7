package provider

// ProviderEntry describes one registered provider for configuration and
// the providers API.
type ProviderEntry struct {
	Slug         string
	Label        string
	EnvVar       string
	DefaultPaths []string
	New          func(baseDir string) SessionProvider
}

// Registry lists the known providers in display order.
var Registry = []ProviderEntry{
	{
		Slug:         "openai-codex",
		Label:        "codex",
		EnvVar:       "CODEX_HOME",
		DefaultPaths: []string{"~/.codex/sessions"},
		New:          func(baseDir string) SessionProvider { return NewCodexProvider(baseDir) },
	},
	{
		Slug:         "claude-code",
		Label:        "claude",
		EnvVar:       "CLAUDE_HOME",
		DefaultPaths: []string{"~/.claude/projects", "~/.claude/__store.db"},
		New:          func(baseDir string) SessionProvider { return NewClaudeProvider(baseDir) },
	},
	{
		Slug:         "gemini-cli",
		Label:        "gemini",
		EnvVar:       "GEMINI_HOME",
		DefaultPaths: []string{
			"~/.gemini",
			"~/.config/google-generative-ai",
			"~/.local/share/google-generative-ai",
			"%APPDATA%/google/generative-ai",
		},
		New: func(baseDir string) SessionProvider { return NewGeminiProvider(baseDir) },
	},
}

// Lookup returns the registry entry for slug, or nil.
func Lookup(slug string) *ProviderEntry {
	for i := range Registry {
		if Registry[i].Slug == slug {
			return &Registry[i]
		}
	}
	return nil
}

// DefaultProviders instantiates every registered provider with default
// base directories.
func DefaultProviders() []SessionProvider {
	providers := make([]SessionProvider, 0, len(Registry))
	for _, entry := range Registry {
		providers = append(providers, entry.New(""))
	}
	return providers
}
