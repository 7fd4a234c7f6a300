package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationErrorFrom(t *testing.T) {
	v := NewValidationError()
	v.Add("vad.margin_factor", "must be at least 1", 0.5)
	v.Add("vad.adaptation_rate", "must be greater than 0", 0)

	t.Run("wrapped validation error", func(t *testing.T) {
		got := ValidationErrorFrom(fmt.Errorf("update: %w", v))
		require.NotNil(t, got)
		assert.Len(t, got.Errors, 2)
	})

	t.Run("config error from validation keeps all fields", func(t *testing.T) {
		got := ValidationErrorFrom(ConfigErrorFrom(v))
		require.NotNil(t, got)
		assert.Len(t, got.Errors, 2)
	})

	t.Run("plain config error", func(t *testing.T) {
		got := ValidationErrorFrom(NewConfigError("audio.sample_rate", "must be positive"))
		require.NotNil(t, got)
		require.Len(t, got.Errors, 1)
		assert.Equal(t, "audio.sample_rate", got.Errors[0].Field)
	})

	t.Run("unrelated error", func(t *testing.T) {
		assert.Nil(t, ValidationErrorFrom(errors.New("boom")))
		assert.Nil(t, ValidationErrorFrom(&DeviceError{Op: "open", Err: errors.New("busy")}))
	})
}

func TestConfigErrorFrom(t *testing.T) {
	assert.Nil(t, ConfigErrorFrom(nil))
	assert.Nil(t, ConfigErrorFrom(NewValidationError()))

	v := NewValidationError()
	v.Add("segment.pre_roll", "must be non-negative", -1)
	cerr := ConfigErrorFrom(v)
	require.NotNil(t, cerr)
	assert.Equal(t, "invalid configuration: segment.pre_roll must be non-negative", cerr.Error())
	assert.ErrorIs(t, cerr, v)
}

func TestDeviceErrorUnwrap(t *testing.T) {
	cause := errors.New("no such device")
	err := fmt.Errorf("start: %w", &DeviceError{Op: "open", Err: cause})

	var derr *DeviceError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "open", derr.Op)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "audio device open: no such device", derr.Error())
}
