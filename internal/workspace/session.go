// Package workspace manages timestamped session directories and their logs.
package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// SessionTimeFormat names session directories: session_2006-01-02T15-04-05
const SessionTimeFormat = "2006-01-02T15-04-05"

// SessionManager manages session directories and files
type SessionManager struct {
	outputDir  string
	sessionDir string
	logger     *slog.Logger
}

// NewSessionManager creates a fresh session directory under outputDir, or
// reopens resumeFromSession when set
func NewSessionManager(logger *slog.Logger, outputDir, resumeFromSession string) (*SessionManager, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	var sessionDir string
	if resumeFromSession != "" {
		if err := ValidateSessionPath(outputDir, resumeFromSession); err != nil {
			return nil, err
		}
		sessionDir = filepath.Join(outputDir, resumeFromSession)
		if _, err := os.Stat(sessionDir); os.IsNotExist(err) {
			return nil, fmt.Errorf("session directory not found: %s", sessionDir)
		}
		logger.Info("Resuming from existing session", "path", sessionDir)
	} else {
		sessionDir = filepath.Join(outputDir, "session_"+time.Now().Format(SessionTimeFormat))
		if err := os.MkdirAll(sessionDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create session directory: %w", err)
		}
		logger.Info("Created new session directory", "path", sessionDir)
	}

	return &SessionManager{
		outputDir:  outputDir,
		sessionDir: sessionDir,
		logger:     logger,
	}, nil
}

// SetLogger swaps the logger once the session logger is ready
func (sm *SessionManager) SetLogger(logger *slog.Logger) {
	sm.logger = logger
}

// GetSessionDir returns the session directory path
func (sm *SessionManager) GetSessionDir() string {
	return sm.sessionDir
}

// GetExportDir returns the directory exports are written to
func (sm *SessionManager) GetExportDir() string {
	return filepath.Join(sm.sessionDir, "exports")
}

// GetLogPath returns the full path to the session log file
func (sm *SessionManager) GetLogPath() string {
	return filepath.Join(sm.sessionDir, "session.log")
}

// GetUsagePath returns the path of the token usage report
func (sm *SessionManager) GetUsagePath() string {
	return filepath.Join(sm.sessionDir, "usage.txt")
}

// GetConfigBackupPath returns the full path to the config backup
func (sm *SessionManager) GetConfigBackupPath() string {
	return filepath.Join(sm.sessionDir, "config.toml.bak")
}

// BackupConfig copies the config file to the session directory
func (sm *SessionManager) BackupConfig(configPath string) error {
	source, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	backupPath := sm.GetConfigBackupPath()
	if err := os.WriteFile(backupPath, source, 0644); err != nil {
		return fmt.Errorf("failed to write config backup: %w", err)
	}

	sm.logger.Info("Backed up config file", "path", backupPath)
	return nil
}

// WriteUsageReport overwrites the usage report with the latest summary
func (sm *SessionManager) WriteUsageReport(summary string) error {
	if err := os.WriteFile(sm.GetUsagePath(), []byte(summary), 0644); err != nil {
		return fmt.Errorf("failed to write usage report: %w", err)
	}
	return nil
}

// ListSessions returns session directory names under outputDir, newest first
func ListSessions(outputDir string) ([]string, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() && sessionNameRegex.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	// The timestamp format sorts lexically
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}
