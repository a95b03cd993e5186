package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusDerivation(t *testing.T) {
	tests := []struct {
		name  string
		setup func(r *Report)
		want  Status
	}{
		{"empty report passes", func(r *Report) {}, StatusPass},
		{"warning only", func(r *Report) {
			r.AddWarning("W1", "capital", "low capital")
		}, StatusWarning},
		{"fail wins over warning", func(r *Report) {
			r.AddWarning("W1", "", "minor")
			r.AddFail("F1", "stop_price", "stop missing")
		}, StatusFail},
		{"fail only", func(r *Report) {
			r.AddFail("F1", "", "broken")
		}, StatusFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Report{}
			tt.setup(r)
			assert.Equal(t, tt.want, r.Status())
			assert.Equal(t, tt.want != StatusFail, r.Passed())
		})
	}
}

func TestRoundTripLossless(t *testing.T) {
	r := &Report{}
	r.AddFail("RISK_TOO_HIGH", "quantity", "risk 2.5%% exceeds limit 1%%")
	r.AddWarning("LOW_CAPITAL", "capital", "capital below 10")
	r.AddWarning("NO_FIELD", "", "warning without field")
	r.SetMetadata("validators", []interface{}{"RiskConfiguration"})

	back := FromMap(r.ToMap())

	require.Len(t, back.Issues, len(r.Issues))
	for i, issue := range r.Issues {
		assert.Equal(t, issue, back.Issues[i], "issue %d", i)
	}
	assert.Equal(t, r.Status(), back.Status())
	assert.Equal(t, r.Metadata["validators"], back.Metadata["validators"])

	// Second round trip is stable.
	again := FromMap(back.ToMap())
	assert.Equal(t, back.Issues, again.Issues)
}

func TestFromMapDerivesStatusFromIssues(t *testing.T) {
	// A tampered status field cannot disagree with the issue list.
	m := map[string]interface{}{
		"status": "PASS",
		"issues": []interface{}{
			map[string]interface{}{"severity": "FAIL", "code": "F1", "message": "broken"},
		},
	}
	r := FromMap(m)
	assert.Equal(t, StatusFail, r.Status())
}

func TestFromMapNil(t *testing.T) {
	r := FromMap(nil)
	assert.Equal(t, StatusPass, r.Status())
	assert.Empty(t, r.Issues)
}

func TestMerge(t *testing.T) {
	a := &Report{}
	a.AddWarning("W1", "", "first")
	b := &Report{}
	b.AddFail("F1", "", "second")
	b.SetMetadata("source", "b")

	a.Merge(b)
	assert.Len(t, a.Issues, 2)
	assert.Equal(t, StatusFail, a.Status())
	assert.Equal(t, "b", a.Metadata["source"])

	a.Merge(nil)
	assert.Len(t, a.Issues, 2)
}

func TestHumanReadable(t *testing.T) {
	r := &Report{}
	assert.Contains(t, r.HumanReadable(), "no issues")

	r.AddFail("STOP_REQUIRED", "stop_price", "a protective stop is mandatory")
	out := r.HumanReadable()
	assert.Contains(t, out, "FAIL")
	assert.Contains(t, out, "STOP_REQUIRED")
	assert.Contains(t, out, "stop_price")
}
