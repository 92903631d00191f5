package config

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecret_String(t *testing.T) {
	s := Secret("password123")
	assert.Equal(t, "[REDACTED]", s.String())

	empty := Secret("")
	assert.Equal(t, "", empty.String())
}

func TestSecret_GoString(t *testing.T) {
	s := Secret("password123")
	assert.Equal(t, `"[REDACTED]"`, fmt.Sprintf("%#v", s))

	empty := Secret("")
	assert.Equal(t, `""`, fmt.Sprintf("%#v", empty))
}

func TestSecret_MarshalJSON(t *testing.T) {
	s := Secret("password123")
	data, err := s.MarshalJSON()
	assert.NoError(t, err)
	assert.Equal(t, `"[REDACTED]"`, string(data))

	// Redaction also holds when the secret is embedded in a struct.
	payload := struct {
		Key Secret `json:"key"`
	}{Key: "password123"}
	out, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "password123")
}

func TestSecret_MarshalYAML(t *testing.T) {
	s := Secret("password123")
	val, err := s.MarshalYAML()
	assert.NoError(t, err)
	assert.Equal(t, "[REDACTED]", val)
}
