package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"abcsmc/internal/model"
)

func TestRunCodecRoundTrip(t *testing.T) {
	truth := 0
	run := model.Run{
		VersionedRecord:       CurrentVersion(),
		ID:                    "run-1",
		CreatedAt:             time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC),
		Observed:              map[string]float64{"mean": 0.1, "var": 1e-12},
		ModelNames:            []string{"gauss"},
		GroundTruthModel:      &truth,
		GroundTruthParameters: map[string]float64{"mu": 0.1},
	}
	data, err := EncodeRun(run)
	require.NoError(t, err)
	decoded, err := DecodeRun(data)
	require.NoError(t, err)

	assert.True(t, decoded.CreatedAt.Equal(run.CreatedAt))
	assert.Equal(t, 1e-12, decoded.Observed["var"])
	assert.Equal(t, []string{"gauss"}, decoded.ModelNames)
	require.NotNil(t, decoded.GroundTruthModel)
	assert.Equal(t, 0, *decoded.GroundTruthModel)
	assert.Equal(t, map[string]float64{"mu": 0.1}, decoded.GroundTruthParameters)

	run.GroundTruthModel = nil
	run.GroundTruthParameters = nil
	data, err = EncodeRun(run)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "ground_truth")
}

func TestDecodeRunRejectsUnknownVersion(t *testing.T) {
	run := model.Run{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion + 1, CodecVersion: CurrentCodecVersion},
		ID:              "future",
	}
	data, err := EncodeRun(run)
	require.NoError(t, err)
	_, err = DecodeRun(data)
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestVectorCodecKeepsExactFloats(t *testing.T) {
	in := map[string]float64{"a": 0.1 + 0.2, "b": -1.0 / 3, "c": 5e-324}
	data, err := EncodeVector(in)
	require.NoError(t, err)
	out, err := DecodeVector(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	empty, err := DecodeVector(nil)
	require.NoError(t, err)
	assert.Nil(t, empty)
}
