package security

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

type AccessLogEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	SourceIP  string    `json:"source_ip"`
	UserAgent string    `json:"user_agent"`
	Action    string    `json:"action"` // e.g. "POST /v1/requests"
	Status    int       `json:"status"` // 200, 401, 403, 429
	Details   string    `json:"details"`
}

// AuditLogger records every control-surface access as one JSON line.
type AuditLogger struct {
	logFile *os.File
	mu      sync.Mutex
	logPath string
	logger  *slog.Logger
}

// NewAuditLogger appends to access.log in logDir. With an empty logDir, or
// if the file cannot be opened, entries only go to logger.
func NewAuditLogger(logger *slog.Logger, logDir string) *AuditLogger {
	a := &AuditLogger{logger: logger}
	if logDir == "" {
		return a
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		logger.Error("Failed to create audit log dir", "error", err)
		return a
	}

	path := filepath.Join(logDir, "access.log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		logger.Error("Failed to open audit log", "error", err)
		return a
	}
	a.logFile = f
	a.logPath = path
	return a
}

func (a *AuditLogger) Log(sourceIP, userAgent, action string, status int, details string) {
	entry := AccessLogEntry{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		SourceIP:  sourceIP,
		UserAgent: userAgent,
		Action:    action,
		Status:    status,
		Details:   details,
	}

	a.mu.Lock()
	if a.logFile != nil {
		jsonBytes, _ := json.Marshal(entry)
		a.logFile.Write(append(jsonBytes, '\n'))
	}
	a.mu.Unlock()

	level := slog.LevelDebug
	if status >= 400 {
		level = slog.LevelWarn
	}
	a.logger.Log(context.Background(), level, "Audit", "action", action, "status", status, "ip", sourceIP, "details", details)
}

func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.logFile == nil {
		return nil
	}
	err := a.logFile.Close()
	a.logFile = nil
	return err
}

// RecentLogs returns up to limit entries, newest first.
func (a *AuditLogger) RecentLogs(limit int) []AccessLogEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	entries := []AccessLogEntry{}
	if a.logPath == "" || limit <= 0 {
		return entries
	}
	f, err := os.Open(a.logPath)
	if err != nil {
		return entries
	}
	defer f.Close()

	var all []AccessLogEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var entry AccessLogEntry
		if err := json.Unmarshal(sc.Bytes(), &entry); err == nil {
			all = append(all, entry)
		}
	}
	for i := len(all) - 1; i >= 0 && len(entries) < limit; i-- {
		entries = append(entries, all[i])
	}
	return entries
}
