package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	tests := []struct {
		name  string
		level string
		want  zerolog.Level
	}{
		{name: "debug", level: "debug", want: zerolog.DebugLevel},
		{name: "warn", level: "warn", want: zerolog.WarnLevel},
		{name: "error upper case", level: "ERROR", want: zerolog.ErrorLevel},
		{name: "invalid defaults to info", level: "loud", want: zerolog.InfoLevel},
		{name: "empty defaults to info", level: "", want: zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Init(tt.level, false)
			assert.Equal(t, tt.want, zerolog.GlobalLevel())
		})
	}
	Init("info", false)
}

func TestWithContextAddsFields(t *testing.T) {
	var buf bytes.Buffer
	InitWriter("info", false, &buf)
	defer Init("info", false)

	l := WithContext(map[string]interface{}{"run_id": "r1", "vehicles": 3})
	l.Info().Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "r1", entry["run_id"])
	assert.Equal(t, float64(3), entry["vehicles"])
	assert.Equal(t, "hello", entry["message"])
}

func TestFromFallsBackToGlobal(t *testing.T) {
	var buf bytes.Buffer
	InitWriter("info", false, &buf)
	defer Init("info", false)

	From(context.Background()).Info().Msg("global")
	assert.Contains(t, buf.String(), "global")

	buf.Reset()
	ctx := Into(context.Background(), Logger().With().Str("op", "x").Logger())
	From(ctx).Info().Msg("scoped")
	assert.Contains(t, buf.String(), `"op":"x"`)

	// the stored logger is zerolog's own context logger
	buf.Reset()
	zerolog.Ctx(ctx).Warn().Msg("via zerolog")
	assert.Contains(t, buf.String(), `"op":"x"`)
	assert.Same(t, From(ctx), zerolog.Ctx(ctx))
}

func TestFromIsAddressableAtCallSite(t *testing.T) {
	var buf bytes.Buffer
	InitWriter("debug", false, &buf)
	defer Init("info", false)

	ctx := Into(context.Background(), Logger().With().Str("run_id", "r9").Logger())
	From(ctx).Warn().Int("points", 3).Msg("fallback")
	From(ctx).Debug().Msg("detail")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "r9", entry["run_id"])
	assert.Equal(t, float64(3), entry["points"])
}

func TestTimeLogsFailure(t *testing.T) {
	var buf bytes.Buffer
	InitWriter("debug", false, &buf)
	defer Init("info", false)

	err := errors.New("boom")
	Time(context.Background(), "geo.matrix")(&err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "geo.matrix", entry["op"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "warn", entry["level"])
}
