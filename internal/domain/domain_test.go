package domain

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	cases := map[string]Status{
		"queued":  StatusQueued,
		"RUNNING": StatusRunning,
		" ready ": StatusReady,
		"0":       StatusQueued,
		"2":       StatusReady,
	}
	for in, want := range cases {
		got, err := ParseStatus(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseStatus("done")
	assert.Error(t, err)
}

func TestStatusText(t *testing.T) {
	b, err := StatusRunning.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "running", string(b))

	var s Status
	require.NoError(t, s.UnmarshalText([]byte("ready")))
	assert.Equal(t, StatusReady, s)

	_, err = Status(7).MarshalText()
	assert.Error(t, err)
	assert.Equal(t, "status(7)", Status(7).String())
}

func TestValidateTarget(t *testing.T) {
	ok := Target{TID: "T1", Position: Position{A: 10, B: 20}, ExposureTime: 30}
	assert.NoError(t, ValidateTarget(ok))

	bad := []Target{
		{TID: "", ExposureTime: 1},
		{TID: " T1", ExposureTime: 1},
		{TID: "T1", ExposureTime: -1},
		{TID: "T1", ExposureTime: math.Inf(1)},
		{TID: "T1", Position: Position{A: math.NaN()}},
	}
	for _, tg := range bad {
		assert.Error(t, ValidateTarget(tg), "%+v", tg)
	}
}

func TestValidateImageInput(t *testing.T) {
	assert.NoError(t, ValidateImageInput(ImageInput{Data: []byte{1, 2}}))
	assert.NoError(t, ValidateImageInput(ImageInput{URI: "s3://bucket/frame.fits"}))
	assert.NoError(t, ValidateImageInput(ImageInput{Data: []byte{1}, CapturedAt: "2024-01-01T00:00:00Z"}))

	assert.Error(t, ValidateImageInput(ImageInput{}))
	assert.Error(t, ValidateImageInput(ImageInput{Data: []byte{1}, URI: "s3://x/y"}))
	assert.Error(t, ValidateImageInput(ImageInput{URI: "not a uri"}))
	assert.Error(t, ValidateImageInput(ImageInput{Data: []byte{1}, CapturedAt: "yesterday"}))
}
