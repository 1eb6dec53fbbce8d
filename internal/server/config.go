package server

import "encoding/json"

// configEnvVar carries the serialized launch configuration into the spawned
// server. Environment injection avoids writing config files into the user's
// workspace.
const configEnvVar = "OPENCODE_CONFIG_CONTENT"

const configSchemaURL = "https://opencode.ai/config.json"

// launchConfig is the configuration handed to every spawned server. The
// server runs as a trusted local tool driven by the bot, so tool permissions
// are blanket allows; LSP servers and formatters stay off to keep startup
// lean and behavior deterministic.
type launchConfig struct {
	Schema     string            `json:"$schema"`
	LSP        bool              `json:"lsp"`
	Formatter  bool              `json:"formatter"`
	Permission map[string]string `json:"permission"`
}

func launchConfigJSON() (string, error) {
	cfg := launchConfig{
		Schema:    configSchemaURL,
		LSP:       false,
		Formatter: false,
		Permission: map[string]string{
			"edit":     "allow",
			"bash":     "allow",
			"webfetch": "allow",
		},
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
