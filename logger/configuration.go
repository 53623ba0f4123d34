package logger

import (
	"path/filepath"
)

var defaultConfig = createDefaultConfig()

// Config controls where and how a peer's structured logs are written.
type Config struct {
	ConsoleConfig *ConsoleConfig // If nil, the logger will not log into the console
	FileConfig    *FileConfig    // If nil, the logger will not use an individual log file
	RollingConfig *RollingConfig // If nil, the logger will not use a rolling log

	MinLevel string // debug | info | warn | error
}

type ConsoleConfig struct {
	noColor bool
	asJSON  bool
}

type FileConfig struct {
	Dirname  string
	Filename string
}

func (fc *FileConfig) Fullpath() string {
	return filepath.Join(fc.Dirname, fc.Filename)
}

type RollingConfig struct {
	Dirname  string
	Filename string

	maxSize    int // megabytes
	maxBackups int // files
	maxAge     int // days
}

func createDefaultConfig() Config {
	const minLevel = "info"

	const rollingMaxSize = 10 // Mb
	const rollingMaxBackups = 5
	const rollingMaxAge = 0 // keep forever
	const defaultLogFilename = "capnp-peer.log"

	return Config{
		ConsoleConfig: &ConsoleConfig{
			noColor: false,
			asJSON:  false,
		},
		RollingConfig: &RollingConfig{
			Dirname:    "",
			Filename:   defaultLogFilename,
			maxSize:    rollingMaxSize,
			maxBackups: rollingMaxBackups,
			maxAge:     rollingMaxAge,
		},
		MinLevel: minLevel,
	}
}

// CreateConfig builds a logging Config from plain settings. The console
// writer is on unless disableTerminal is set; an explicit logFilePath wins
// over rollingLogDir, and an empty minLevel falls back to the default.
func CreateConfig(minLevel string, disableTerminal bool, formatJSON bool, rollingLogDir, logFilePath string) *Config {
	var console *ConsoleConfig
	if !disableTerminal {
		console = createConsoleConfig(formatJSON)
	}

	var file *FileConfig
	var rolling *RollingConfig
	if logFilePath != "" {
		file = createFileConfig(logFilePath)
	} else if rollingLogDir != "" {
		rolling = createRollingConfig(rollingLogDir)
	}

	if minLevel == "" {
		minLevel = defaultConfig.MinLevel
	}

	return &Config{
		ConsoleConfig: console,
		FileConfig:    file,
		RollingConfig: rolling,

		MinLevel: minLevel,
	}
}

func createConsoleConfig(formatJSON bool) *ConsoleConfig {
	return &ConsoleConfig{
		noColor: false,
		asJSON:  formatJSON,
	}
}

func createFileConfig(fullpath string) *FileConfig {
	if fullpath == "" {
		return nil
	}
	dirname, filename := filepath.Split(fullpath)
	return &FileConfig{
		Dirname:  dirname,
		Filename: filename,
	}
}

func createRollingConfig(directory string) *RollingConfig {
	if directory == "" {
		directory = defaultConfig.RollingConfig.Dirname
	}
	return &RollingConfig{
		Dirname:    directory,
		Filename:   defaultConfig.RollingConfig.Filename,
		maxSize:    defaultConfig.RollingConfig.maxSize,
		maxBackups: defaultConfig.RollingConfig.maxBackups,
		maxAge:     defaultConfig.RollingConfig.maxAge,
	}
}
