package common

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDuration_Text(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  time.Duration
	}{
		{input: "250ms", want: 250 * time.Millisecond},
		{input: "2s", want: 2 * time.Second},
		{input: "1h30m", want: 90 * time.Minute},
		{input: "0s", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			var d Duration
			require.NoError(t, d.UnmarshalText([]byte(tt.input)))
			assert.Equal(t, tt.want, d.Duration)

			out, err := d.MarshalText()
			require.NoError(t, err)

			var back Duration
			require.NoError(t, back.UnmarshalText(out))
			assert.Equal(t, tt.want, back.Duration)
		})
	}
}

func TestDuration_TextInvalid(t *testing.T) {
	t.Parallel()

	var d Duration
	err := d.UnmarshalText([]byte("not a duration"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestDuration_JSON(t *testing.T) {
	t.Parallel()

	t.Run("string form", func(t *testing.T) {
		t.Parallel()

		var d Duration
		require.NoError(t, json.Unmarshal([]byte(`"5s"`), &d))
		assert.Equal(t, 5*time.Second, d.Duration)
	})

	t.Run("nanosecond number form", func(t *testing.T) {
		t.Parallel()

		var d Duration
		require.NoError(t, json.Unmarshal([]byte(`1000000000`), &d))
		assert.Equal(t, time.Second, d.Duration)
	})

	t.Run("marshals as string", func(t *testing.T) {
		t.Parallel()

		out, err := json.Marshal(NewDuration(90 * time.Second))
		require.NoError(t, err)
		assert.Equal(t, `"1m30s"`, string(out))
	})

	t.Run("rejects garbage", func(t *testing.T) {
		t.Parallel()

		var d Duration
		assert.Error(t, json.Unmarshal([]byte(`{"nested": true}`), &d))
	})
}

func TestDuration_YAML(t *testing.T) {
	t.Parallel()

	var doc struct {
		Interval Duration `yaml:"interval"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("interval: 750ms\n"), &doc))
	assert.Equal(t, 750*time.Millisecond, doc.Interval.Duration)
}
