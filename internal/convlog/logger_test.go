package convlog

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesPerSessionNDJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := New(Config{
		Enabled:       true,
		Dir:           dir,
		GlobalEnabled: true,
		GlobalPath:    filepath.Join(dir, "all.ndjson"),
		QueueSize:     16,
	}, slog.Default())
	require.NoError(t, err)
	defer func() { _ = logger.Close() }()

	logger.Log(Event{
		SubjectID:  "+38640123456",
		SessionID:  "sess-1",
		Channel:    "sms",
		Direction:  DirectionInbound,
		EventType:  EventUserMessage,
		ContentRaw: "Peter\tKnaflič\x07",
	})

	line := waitForLogLine(t, filepath.Join(dir, "+38640123456", "sess-1.ndjson"))
	var got Event
	require.NoError(t, json.Unmarshal([]byte(line), &got))
	assert.Equal(t, "Peter Knaflič", got.Content)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.False(t, got.Timestamp.IsZero())

	global := waitForLogLine(t, filepath.Join(dir, "all.ndjson"))
	assert.Equal(t, line, global)
}

func TestCloseFlushesQueue(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := New(Config{Enabled: true, Dir: dir, QueueSize: 64}, nil)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		logger.Log(Event{SubjectID: "u", SessionID: "s", Direction: DirectionOutbound, EventType: EventSystemReply, Content: "ok"})
	}
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(filepath.Join(dir, "u", "s.ndjson"))
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(data)), "\n"), 10)

	assert.NotPanics(t, func() { logger.Log(Event{SubjectID: "u", SessionID: "s"}) })
}

func TestDisabledLoggerIsNil(t *testing.T) {
	t.Parallel()

	logger, err := New(Config{Enabled: false}, nil)
	require.NoError(t, err)
	assert.Nil(t, logger)
	assert.NotPanics(t, func() { logger.Log(Event{}) })
	assert.NoError(t, logger.Close())
}

func TestSafeNameKeepsPathsInsideDir(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "_.._etc_passwd", safeName("/../etc/passwd"))
	assert.Equal(t, "unknown", safeName(".."))
	assert.Equal(t, "farmer-42", safeName("farmer-42"))
}

func TestCleanForReadabilityStripsANSI(t *testing.T) {
	t.Parallel()

	clean := cleanForReadability("\x1b[31merror\x1b[0m   plain")
	assert.Equal(t, "error plain", clean)
}

func waitForLogLine(t *testing.T, path string) string {
	t.Helper()
	var line string
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		if err != nil || len(data) == 0 {
			return false
		}
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		line = lines[len(lines)-1]
		return true
	}, 2*time.Second, 20*time.Millisecond, "timed out waiting for log file %s", path)
	return line
}
