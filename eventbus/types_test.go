package eventbus

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nav "portalnav/services/portal_navigator/navigator_pkg"
)

func TestWorkEventRoundTrip(t *testing.T) {
	evt := NewWorkEvent("api", nav.WorkUnit{ID: "T-9", Fields: map[string]string{"subject": "NF rejeitada"}})
	assert.True(t, strings.HasPrefix(evt.EventID, "wrk_"))

	data, err := encodeEvent(evt)
	require.NoError(t, err)

	got, err := decodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, TypeWorkSubmitted, got.Type)
	assert.Equal(t, "T-9", got.Context.WorkID)
	require.NotNil(t, got.Work)
	assert.Equal(t, "NF rejeitada", got.Work.Fields["subject"])
	assert.Nil(t, got.Result)
}

func TestResultEventCarriesTrace(t *testing.T) {
	r := &nav.SessionResult{
		SessionID:    "s-1",
		WorkID:       "T-9",
		Outcome:      nav.OutcomeFailure,
		FailingPhase: nav.PhaseMenuExpanded,
		AttemptTrace: []nav.AttemptRecord{{Strategy: "attribute:aria-label~menu", Outcome: nav.OutcomeNoCandidates}},
	}
	data, err := encodeEvent(NewResultEvent("worker-1", r))
	require.NoError(t, err)

	got, err := decodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, "s-1", got.Context.SessionID)
	assert.Equal(t, nav.PhaseMenuExpanded, got.Result.FailingPhase)
	assert.Len(t, got.Result.AttemptTrace, 1)
}

func TestEventValidation(t *testing.T) {
	_, err := encodeEvent(NewWorkEvent("api", nav.WorkUnit{}))
	assert.Error(t, err, "work without id")

	evt := NewWorkEvent("api", nav.WorkUnit{ID: "T-1"})
	evt.Type = "portalnav.unknown"
	assert.False(t, evt.MinimalValidate())

	evt = NewResultEvent("w", &nav.SessionResult{SessionID: "s"})
	evt.Result = nil
	assert.False(t, evt.MinimalValidate())

	_, err = decodeEvent([]byte(`{"event_id":"x"}`))
	assert.Error(t, err)
	_, err = decodeEvent([]byte(`not json`))
	assert.Error(t, err)
}
