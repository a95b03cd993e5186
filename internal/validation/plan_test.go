package validation

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func goodPlan() *Plan {
	return &Plan{
		TenantID:           "tenant-a",
		Symbol:             "BTCUSDC",
		Side:               "BUY",
		EntryPrice:         decimal.NewFromInt(50000),
		StopPrice:          decimal.NewFromInt(49000),
		Quantity:           decimal.NewFromFloat(0.01),
		Capital:            decimal.NewFromInt(1000),
		MaxDrawdownPercent: decimal.NewFromInt(4),
		MaxRiskPercent:     decimal.NewFromInt(1),
	}
}

func TestValidatePlanPasses(t *testing.T) {
	report := ValidatePlan(goodPlan())
	assert.Equal(t, StatusPass, report.Status())
	assert.Equal(t, []string{"tenant_isolation", "risk_configuration", "operation"},
		report.Metadata["validators"])
}

func TestValidatePlanRunsEveryValidator(t *testing.T) {
	// A plan broken in several places reports every failure, not just the
	// first one.
	plan := goodPlan()
	plan.TenantID = ""
	plan.StopPrice = decimal.Zero
	plan.Quantity = decimal.Zero

	report := ValidatePlan(plan)
	assert.Equal(t, StatusFail, report.Status())

	codes := map[string]bool{}
	for _, issue := range report.Issues {
		codes[issue.Code] = true
	}
	assert.True(t, codes["TENANT_MISSING"])
	assert.True(t, codes["STOP_MISSING"])
	assert.True(t, codes["QUANTITY_INVALID"])
}

func TestValidatePlanStopAtEntry(t *testing.T) {
	plan := goodPlan()
	plan.StopPrice = plan.EntryPrice
	plan.Quantity = decimal.Zero // sizing yields zero at zero distance

	report := ValidatePlan(plan)
	assert.Equal(t, StatusFail, report.Status())

	found := false
	for _, issue := range report.Issues {
		if issue.Code == "STOP_AT_ENTRY" {
			found = true
		}
	}
	assert.True(t, found, "expected STOP_AT_ENTRY failure")
}

func TestValidatePlanWarningsStillPass(t *testing.T) {
	plan := goodPlan()
	plan.MaxDrawdownPercent = decimal.NewFromInt(25) // permissive, warns

	report := ValidatePlan(plan)
	assert.Equal(t, StatusWarning, report.Status())
	assert.True(t, report.Passed())
}

func TestValidatePlanSideChecks(t *testing.T) {
	tests := []struct {
		side string
		code string
	}{
		{"", "SIDE_MISSING"},
		{"HOLD", "SIDE_INVALID"},
	}
	for _, tt := range tests {
		plan := goodPlan()
		plan.Side = tt.side
		report := ValidatePlan(plan)

		found := false
		for _, issue := range report.Issues {
			if issue.Code == tt.code {
				found = true
			}
		}
		assert.True(t, found, "side %q should raise %s", tt.side, tt.code)
	}
}
