package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelsmith/cad-orchestrator/internal/model"
)

func TestSnapshotRoundTrip(t *testing.T) {
	state := model.LoopState{
		Iteration:     2,
		MaxIterations: 3,
		Status:        model.StatusPending,
		Findings: []model.Finding{
			{Severity: model.SeverityError, Description: "module bore missing", PartID: "bore", Iteration: 1},
			{Severity: model.SeverityInfo, Description: "no adjustable parameters", Iteration: 2},
		},
		Plan: &model.Plan{
			Composition: model.CompositionDifference,
			Parts: []model.PartSpec{
				{ID: "washer_body", Kind: model.PartKindSolid},
				{ID: "bore", Kind: model.PartKindSolid, DependsOn: []string{"washer_body"}},
			},
		},
		Artifact: &model.Artifact{
			Source:     "$fn = 100;\nmodule washer_body() {}",
			Parameters: []model.Parameter{{Name: "outer_diameter", Value: 16}},
		},
	}

	raw, err := EncodeSnapshot(state)
	require.NoError(t, err)

	decoded, err := DecodeSnapshot(raw)
	require.NoError(t, err)

	assert.Equal(t, state, decoded)
}

func TestDecodeSnapshot_Invalid(t *testing.T) {
	_, err := DecodeSnapshot([]byte("not json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode snapshot")
}

func TestEncodeSnapshot_OmitsEmptyOptionalFields(t *testing.T) {
	raw, err := EncodeSnapshot(model.LoopState{Iteration: 1, MaxIterations: 3, Status: model.StatusPending})
	require.NoError(t, err)

	assert.NotContains(t, string(raw), "findings")
	assert.NotContains(t, string(raw), "artifact")
	assert.NotContains(t, string(raw), "plan")
}
