package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChildLoggerChainsOnHelperResult(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})

	WithComponent("registry").Info().
		Str("service", "profile-api").
		Msg("instance registered")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "registry", entry["component"])
	assert.Equal(t, "profile-api", entry["service"])
	assert.Equal(t, "instance registered", entry["message"])
}

func TestChildLoggerFields(t *testing.T) {
	tests := []struct {
		name  string
		log   func()
		field string
		want  string
	}{
		{"instance", func() { WithInstanceID("inst-a").Warn().Msg("x") }, "instance_id", "inst-a"},
		{"site", func() { WithSiteID("site-b").Error().Msg("x") }, "site_id", "site-b"},
		{"backup", func() { WithBackupID("bk-1").Info().Msg("x") }, "backup_id", "bk-1"},
		{"execution", func() { WithExecutionID("ex-1").Info().Msg("x") }, "execution_id", "ex-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})

			tt.log()

			var entry map[string]interface{}
			require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
			assert.Equal(t, tt.want, entry[tt.field])
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: ErrorLevel, JSONOutput: true, Output: &buf})

	WithComponent("cache").Info().Msg("suppressed")
	assert.Empty(t, buf.String())

	WithComponent("cache").Error().Msg("kept")
	assert.True(t, strings.Contains(buf.String(), "kept"))
}
