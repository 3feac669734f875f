package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewEmitsRenamedKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := New("rampd", "test", Options{Level: "debug", Writer: &buf})
	logger.Debug("transition", slog.String("transaction_id", "tx-1"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "DEBUG", line["severity"])
	require.Equal(t, "transition", line["message"])
	require.Equal(t, "rampd", line["service"])
	require.Equal(t, "test", line["env"])
	require.Equal(t, "tx-1", line["transaction_id"])
	require.Contains(t, line, "timestamp")
}

func TestNewHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New("rampd", "", Options{Level: "warn", Writer: &buf})
	logger.Info("hidden")
	require.Zero(t, buf.Len())
	logger.Warn("shown")
	require.Contains(t, buf.String(), "shown")
	require.NotContains(t, buf.String(), `"env"`)
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel(" DEBUG "))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestMasking(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("secret_key", "sk_live").Value.String())
	require.Equal(t, "058", MaskField("bank_code", "058").Value.String())
	require.Equal(t, "", MaskValue("  "))
	require.Equal(t, "******6789", MaskTail("account_number", "0123456789").Value.String())
	require.Equal(t, RedactedValue, MaskTail("account_number", "6789").Value.String())
}
