// Package chat holds the application-wide defaults shared by the streamchat packages.
package chat

import (
	"os"
	"path/filepath"
)

const (
	DefaultAppName = "streamchat"

	// DefaultBaseURL is where the relay listens unless configured otherwise.
	DefaultBaseURL        = "http://localhost:8000"
	DefaultCompletionPath = "/v1/completion"

	DefaultRelayAddr   = ":8000"
	DefaultUpstreamURL = "http://ollama:11434"
	DefaultModel       = "mixtral"
	DefaultEmbedModel  = "all-minilm"
	DefaultVersion     = "0.1.0"
)

var (
	DefaultConfigPath    = filepath.Join(userConfigDir(), DefaultAppName)
	DefaultDataDir       = filepath.Join(userDataDir(), DefaultAppName)
	DefaultArchivePath   = filepath.Join(DefaultDataDir, "archive.db")
	DefaultKnowledgePath = filepath.Join(DefaultDataDir, "knowledge.db")
)

func userConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir
	}
	return "."
}

func userDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share")
	}
	return "."
}
