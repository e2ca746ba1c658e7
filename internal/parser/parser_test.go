package parser

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yhyj/datawizard/internal/telemetry"
)

func decode(t *testing.T, payload string) telemetry.EnvelopeBatch {
	t.Helper()
	batch, err := telemetry.Decode([]byte(payload))
	require.NoError(t, err)
	return batch
}

func defaultConfig() Config {
	return Config{Column: ColumnConfig{TimestampColumn: "timestamp", IDColumn: "id"}}
}

func TestParseSingleEnvelopeFreshDatabase(t *testing.T) {
	batch := decode(t, `{
		"timestamp":"2020-10-21 10:19:11",
		"schema":"alien",
		"table":"tree",
		"deviceid":"groot",
		"fields":{"x":{"value":65.7,"type":"float"}}
	}`)

	plans, err := Parse("postgresql", defaultConfig(), batch)
	require.NoError(t, err)
	require.Len(t, plans, 1)

	p := plans[0]
	assert.Equal(t, "alien", p.Schema)
	assert.Equal(t, "tree", p.Table)
	assert.Equal(t, "timestamp,id,x", p.ColumnsName)
	assert.Equal(t, "%s,%s,%s", p.Placeholder)
	require.Len(t, p.Rows, 1)
	assert.Equal(t, []any{"2020-10-21 10:19:11", "groot", 65.7}, p.Rows[0])
	assert.Equal(t, telemetry.FieldFloat, p.ColumnTypes["x"])
}

func TestParseListEnvelopeTwoRows(t *testing.T) {
	batch := decode(t, `[
		{"timestamp":"t1","schema":"alien","table":"tree","deviceid":"groot","fields":{"x":{"value":1,"type":"int"},"y":{"value":2,"type":"int"}}},
		{"timestamp":"t2","schema":"alien","table":"tree","deviceid":"groot","fields":{"x":{"value":3,"type":"int"},"y":{"value":4,"type":"int"}}}
	]`)

	plans, err := Parse("postgresql", defaultConfig(), batch)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	require.Len(t, plans[0].Rows, 2)
	assert.Equal(t, []any{"t1", "groot", float64(1), float64(2)}, plans[0].Rows[0])
	assert.Equal(t, []any{"t2", "groot", float64(3), float64(4)}, plans[0].Rows[1])
}

func TestParseJSONFieldRoundTrips(t *testing.T) {
	batch := decode(t, `{
		"schema":"s","table":"t","deviceid":"d",
		"fields":{"payload":{"value":{"a":1,"b":[1,2,3]},"type":"json"}}
	}`)

	plans, err := Parse("postgresql", defaultConfig(), batch)
	require.NoError(t, err)
	row := plans[0].Rows[0]
	raw, ok := row[2].(string)
	require.True(t, ok, "json field must serialize to a string")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &decoded))
	assert.EqualValues(t, 1, decoded["a"])
}

func TestParseEmptyFieldsYieldsFixedColumnsOnly(t *testing.T) {
	batch := decode(t, `{"schema":"s","table":"t","deviceid":"d","fields":{}}`)
	plans, err := Parse("postgresql", defaultConfig(), batch)
	require.NoError(t, err)
	assert.Equal(t, "timestamp,id", plans[0].ColumnsName)
	assert.Equal(t, "%s,%s", plans[0].Placeholder)
	assert.Len(t, plans[0].Rows[0], 2)
}

func TestParseLogFork(t *testing.T) {
	batch := decode(t, `{
		"timestamp":"2020-10-21 10:19:11","schema":"alien","table":"tree","deviceid":"groot",
		"fields":{
			"message":{"value":"stopped","type":"str"},
			"level":{"value":3,"type":"int"}
		}
	}`)

	cfg := defaultConfig()
	cfg.LogFork = LogForkConfig{
		Enabled: true,
		Schema:  "monitor",
		Table:   "log",
		Columns: []string{"message", "level", "source", "logpath"},
	}

	plans, err := Parse("postgresql", cfg, batch)
	require.NoError(t, err)
	require.Len(t, plans, 2)

	logPlan := plans[1]
	assert.Equal(t, "monitor", logPlan.Schema)
	assert.Equal(t, "log", logPlan.Table)
	assert.Equal(t, "timestamp,id,message,level", logPlan.ColumnsName)
	require.Len(t, logPlan.Rows, 1)
	assert.Equal(t, []any{"2020-10-21 10:19:11", "groot", "stopped", float64(3)}, logPlan.Rows[0])
}

func TestParseLogForkAbsentWhenNoMessageField(t *testing.T) {
	batch := decode(t, `{"schema":"s","table":"t","deviceid":"d","fields":{"x":{"value":1,"type":"int"}}}`)
	cfg := defaultConfig()
	cfg.LogFork = LogForkConfig{Enabled: true, Schema: "monitor", Table: "log", Columns: []string{"message"}}

	plans, err := Parse("postgresql", cfg, batch)
	require.NoError(t, err)
	assert.Len(t, plans, 1)
}

func TestParseLogForkDisabledEvenWithMessageField(t *testing.T) {
	batch := decode(t, `{"schema":"s","table":"t","deviceid":"d","fields":{"message":{"value":"x","type":"str"}}}`)
	plans, err := Parse("postgresql", defaultConfig(), batch)
	require.NoError(t, err)
	assert.Len(t, plans, 1)
}

func TestParseRejectsUnsupportedFlow(t *testing.T) {
	batch := decode(t, `{"schema":"s","table":"t","deviceid":"d","fields":{}}`)
	_, err := Parse("mysql", defaultConfig(), batch)
	assert.ErrorIs(t, err, ErrUnsupportedFlow)
}

func TestParseInvariantColumnAndRowWidthsMatch(t *testing.T) {
	batch := decode(t, `{"schema":"s","table":"t","deviceid":"d","fields":{"a":{"value":1,"type":"int"},"b":{"value":2,"type":"int"},"c":{"value":3,"type":"int"}}}`)
	plans, err := Parse("postgresql", defaultConfig(), batch)
	require.NoError(t, err)

	want := 2 + batch[0].Fields.Len()
	assert.Equal(t, want, len(strings.Split(plans[0].ColumnsName, ",")))
	assert.Equal(t, want, len(strings.Split(plans[0].Placeholder, ",")))
	for _, row := range plans[0].Rows {
		assert.Len(t, row, want)
	}
}
