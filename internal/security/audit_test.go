package security

import (
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestAuditLoggerRecentLogs(t *testing.T) {
	a := NewAuditLogger(discard(), t.TempDir())
	defer a.Close()

	a.Log("127.0.0.1", "curl", "POST /v1/clients", 201, "Authorized")
	a.Log("127.0.0.1", "curl", "POST /v1/requests", 401, "Invalid Token")
	a.Log("10.0.0.8", "curl", "GET /v1/status", 403, "External Access Denied")

	entries := a.RecentLogs(2)
	require.Len(t, entries, 2)
	assert.Equal(t, "GET /v1/status", entries[0].Action)
	assert.Equal(t, 403, entries[0].Status)
	assert.Equal(t, "POST /v1/requests", entries[1].Action)
	_, err := uuid.Parse(entries[0].ID)
	assert.NoError(t, err)
	assert.NotEqual(t, entries[0].ID, entries[1].ID)

	assert.Len(t, a.RecentLogs(10), 3)
	assert.Empty(t, a.RecentLogs(0))
}

func TestAuditLoggerWithoutFile(t *testing.T) {
	a := NewAuditLogger(discard(), "")
	a.Log("127.0.0.1", "curl", "GET /v1/status", 200, "Authorized")
	assert.Empty(t, a.RecentLogs(5))
	assert.NoError(t, a.Close())
}
