package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSingleObject(t *testing.T) {
	payload := []byte(`{
		"timestamp": "2020-10-21 10:19:11",
		"schema": "alien",
		"table": "tree",
		"deviceid": "groot",
		"fields": {
			"x": {"value": 65.7, "type": "float"},
			"y": {"value": "hi", "type": "str"}
		}
	}`)

	batch, err := Decode(payload)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	env := batch[0]
	assert.Equal(t, "alien", env.Schema)
	assert.Equal(t, "tree", env.Table)
	assert.Equal(t, "groot", env.DeviceID)
	assert.Equal(t, []string{"x", "y"}, env.Fields.Names())

	x, ok := env.Fields.Get("x")
	require.True(t, ok)
	assert.Equal(t, FieldFloat, x.Type)
	assert.InDelta(t, 65.7, x.Value, 0.0001)
}

func TestDecodeListPreservesFieldOrder(t *testing.T) {
	payload := []byte(`[
		{"timestamp":"t1","schema":"s","table":"t","deviceid":"d1","fields":{"b":{"value":1,"type":"int"},"a":{"value":2,"type":"int"}}},
		{"timestamp":"t2","schema":"s","table":"t","deviceid":"d2","fields":{"b":{"value":3,"type":"int"},"a":{"value":4,"type":"int"}}}
	]`)

	batch, err := Decode(payload)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, []string{"b", "a"}, batch[0].Fields.Names())
	assert.Equal(t, []string{"b", "a"}, batch[1].Fields.Names())
}

func TestDecodeDefaults(t *testing.T) {
	batch, err := Decode([]byte(`{"fields": {}}`))
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, defaultSchema, batch[0].Schema)
	assert.Equal(t, defaultTable, batch[0].Table)
	assert.Equal(t, defaultDeviceID, batch[0].DeviceID)
	assert.Equal(t, defaultTimestamp, batch[0].Timestamp)
}

func TestDecodeRejectsScalar(t *testing.T) {
	_, err := Decode([]byte(`"not an object"`))
	assert.ErrorIs(t, err, ErrInvalidShape)
}

func TestDecodeRejectsEmptyList(t *testing.T) {
	_, err := Decode([]byte(`[]`))
	assert.ErrorIs(t, err, ErrInvalidShape)
}

func TestOrderedFieldsDuplicateKeyLastWins(t *testing.T) {
	var f OrderedFields
	err := f.UnmarshalJSON([]byte(`{"a":{"value":1,"type":"int"},"a":{"value":2,"type":"int"}}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, f.Names())
	v, _ := f.Get("a")
	assert.EqualValues(t, 2, v.Value)
}
