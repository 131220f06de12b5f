package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(prev)
		SetLevel(INFO)
		SetRedactPII(true)
	})
	return &buf
}

func lines(t *testing.T, buf *bytes.Buffer) []map[string]string {
	t.Helper()
	var out []map[string]string
	for _, l := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if l == "" {
			continue
		}
		var m map[string]string
		require.NoError(t, json.Unmarshal([]byte(l), &m))
		out = append(out, m)
	}
	return out
}

func TestLevels(t *testing.T) {
	buf := capture(t)
	SetLevel(WARN)
	Info("hidden")
	Warn("shown", "campaign_id", "c1")

	got := lines(t, buf)
	require.Len(t, got, 1)
	assert.Equal(t, "WARN", got[0]["level"])
	assert.Equal(t, "shown", got[0]["msg"])
	assert.Equal(t, "c1", got[0]["campaign_id"])
}

func TestRedaction(t *testing.T) {
	buf := capture(t)
	Info("sent", "email", "john.doe@example.com", "to", "ab@example.com", "error", "bounce for jane@example.org")
	SetRedactPII(false)
	Info("raw", "email", "john.doe@example.com")

	got := lines(t, buf)
	require.Len(t, got, 2)
	assert.Equal(t, "jo***@example.com", got[0]["email"])
	assert.Equal(t, "***@example.com", got[0]["to"])
	assert.Equal(t, "bounce for ja***@example.org", got[0]["error"])
	assert.Equal(t, "john.doe@example.com", got[1]["email"])
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{"debug": DEBUG, "": INFO, "Warning": WARN, "ERROR": ERROR} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestRedactEmail(t *testing.T) {
	assert.Equal(t, "***@***", RedactEmail("not-an-email"))
	assert.Equal(t, "ma***@shop.io", RedactEmail("mary@shop.io"))
}
