package timeutil_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/effective-security/mcpagent/pkg/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type holder struct {
	Timeout timeutil.Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
}

func TestDurationJSON(t *testing.T) {
	tcases := []struct {
		in  string
		exp time.Duration
		err string
	}{
		{in: `{"timeout":"30s"}`, exp: 30 * time.Second},
		{in: `{"timeout":"1m30s"}`, exp: 90 * time.Second},
		{in: `{"timeout":1000000}`, exp: time.Millisecond},
		{in: `{"timeout":""}`, exp: 0},
		{in: `{"timeout":null}`, exp: 0},
		{in: `{"timeout":"soon"}`, err: `invalid duration: time: invalid duration "soon"`},
		{in: `{"timeout":true}`, err: "invalid duration: true"},
	}
	for _, tc := range tcases {
		t.Run(tc.in, func(t *testing.T) {
			var h holder
			err := json.Unmarshal([]byte(tc.in), &h)
			if tc.err != "" {
				assert.EqualError(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.exp, time.Duration(h.Timeout))
		})
	}

	js, err := json.Marshal(holder{Timeout: timeutil.Duration(5 * time.Second)})
	require.NoError(t, err)
	assert.Equal(t, `{"timeout":"5s"}`, string(js))
}

func TestDurationYAML(t *testing.T) {
	var h holder
	require.NoError(t, yaml.Unmarshal([]byte("timeout: 2m\n"), &h))
	assert.Equal(t, 2*time.Minute, time.Duration(h.Timeout))

	require.NoError(t, yaml.Unmarshal([]byte("timeout: 1000\n"), &h))
	assert.Equal(t, time.Microsecond, time.Duration(h.Timeout))

	out, err := yaml.Marshal(holder{Timeout: timeutil.Duration(30 * time.Second)})
	require.NoError(t, err)
	assert.Equal(t, "timeout: 30s\n", string(out))
}

func TestDurationTOML(t *testing.T) {
	var h holder
	_, err := toml.Decode(`timeout = "45s"`, &h)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, h.Timeout.TimeDuration())

	_, err = toml.Decode(`timeout = "later"`, &h)
	assert.ErrorContains(t, err, "invalid duration")

	out, err := h.Timeout.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "45s", string(out))
}
