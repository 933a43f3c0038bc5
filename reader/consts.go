package reader

import (
	"os"
	"path/filepath"
)

const (
	DefaultAppName      = "paper-reader"
	DefaultDatabaseType = "libsql"
	DefaultLanguage     = "en"

	// DefaultPublicPrefix is the caller-facing prefix of figure paths.
	DefaultPublicPrefix = "uploads"

	DefaultHistoryWindow       = 20
	DefaultMessageCharLimit    = 2000
	DefaultMaxIterations       = 10
	DefaultBootstrapIterations = 5
	DefaultRenderDPI           = 144.0
	DefaultFigurePadding       = 10

	FallbackResponse = "I apologize, I couldn't generate a response."
)

var (
	DefaultConfigPath  = filepath.Join(userConfigDir(), DefaultAppName)
	DefaultDataDir     = filepath.Join(userDataDir(), DefaultAppName)
	DefaultUploadsDir  = filepath.Join(DefaultDataDir, DefaultPublicPrefix)
	DefaultDatabaseDSN = filepath.Join(DefaultDataDir, "reader.db")
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
