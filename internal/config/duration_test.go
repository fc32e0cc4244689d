package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDurationUnmarshalsFromString(t *testing.T) {
	var d Duration
	require.NoError(t, yaml.Unmarshal([]byte("90s"), &d))
	assert.Equal(t, 90*time.Second, d.Std())
}

func TestDurationUnmarshalsFromNanoseconds(t *testing.T) {
	var d Duration
	require.NoError(t, yaml.Unmarshal([]byte("1500000000"), &d))
	assert.Equal(t, 1500*time.Millisecond, d.Std())
}

func TestDurationRejectsInvalidString(t *testing.T) {
	var d Duration
	err := yaml.Unmarshal([]byte("not-a-duration"), &d)
	require.Error(t, err)
}
