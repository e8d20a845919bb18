package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initBuffer(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: buf})
	return buf
}

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.NotEmpty(t, lines)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &entry))
	return entry
}

func TestWithComponentChained(t *testing.T) {
	buf := initBuffer(t)

	WithComponent("dispatch").Info().Str("node", "n1").Msg("run order accepted")

	entry := lastLine(t, buf)
	assert.Equal(t, "dispatch", entry["component"])
	assert.Equal(t, "n1", entry["node"])
	assert.Equal(t, "run order accepted", entry["message"])
}

func TestWithTaskIDChained(t *testing.T) {
	buf := initBuffer(t)

	WithTaskID(42).Warn().Msg("runner unreachable")

	entry := lastLine(t, buf)
	assert.Equal(t, float64(42), entry["task_id"])
	assert.Equal(t, "warn", entry["level"])
}

func TestWithHostnameChained(t *testing.T) {
	buf := initBuffer(t)

	WithHostname("n1").Error().Msg("heartbeat timeout")

	entry := lastLine(t, buf)
	assert.Equal(t, "n1", entry["hostname"])
	assert.Equal(t, "error", entry["level"])
}

func TestWriterEmitsThroughLogger(t *testing.T) {
	buf := initBuffer(t)

	_, err := Writer().Write([]byte("GET /nodes 200\n"))
	require.NoError(t, err)

	entry := lastLine(t, buf)
	assert.Equal(t, "GET /nodes 200", entry["message"])
}
