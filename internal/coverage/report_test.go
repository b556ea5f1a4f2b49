package coverage

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadIstanbulSummary(t *testing.T) {
	input := `{
		"total": {"lines": {"total": 200, "covered": 150, "skipped": 0, "pct": 75}},
		"/repo/src/auth.ts": {"lines": {"total": 10, "covered": 0, "skipped": 0, "pct": 0}},
		"/repo/src/types.ts": {"lines": {"total": 0, "covered": 0, "skipped": 0, "pct": "Unknown"}},
		"/repo/src/util.ts": {"lines": {"total": 3, "covered": 2, "skipped": 0}}
	}`

	snap, err := ReadIstanbulSummary(strings.NewReader(input))
	require.NoError(t, err)

	require.NotNil(t, snap.TotalPct)
	assert.Equal(t, 75.0, *snap.TotalPct)
	require.Len(t, snap.Files, 3)
	assert.Equal(t, "/repo/src/auth.ts", snap.Files[0].Path)
	assert.Equal(t, 0.0, *snap.Files[0].Pct)
	assert.Nil(t, snap.Files[1].Pct)
	assert.Equal(t, 66.67, *snap.Files[2].Pct)

	snap.Relativize("/repo")
	assert.Equal(t, "src/auth.ts", snap.Files[0].Path)
}

func TestReadIstanbulSummary_InvalidJSON(t *testing.T) {
	_, err := ReadIstanbulSummary(strings.NewReader("not json"))
	assert.Error(t, err)
}

func TestReadLCOV(t *testing.T) {
	input := `TN:
SF:src/a.ts
DA:1,1
LF:4
LH:3
end_of_record
SF:src/b.ts
LF:0
LH:0
end_of_record
SF:src/c.ts
LF:4
LH:1
end_of_record
`
	snap, err := ReadLCOV(strings.NewReader(input))
	require.NoError(t, err)

	require.Len(t, snap.Files, 3)
	assert.Equal(t, 75.0, *snap.Files[0].Pct)
	assert.Nil(t, snap.Files[1].Pct)
	assert.Equal(t, 25.0, *snap.Files[2].Pct)
	require.NotNil(t, snap.TotalPct)
	assert.Equal(t, 50.0, *snap.TotalPct)
}

func TestRiskMap_Apply(t *testing.T) {
	rm := RiskMap{
		{Pattern: "src/payments/**", Score: 5},
		{Pattern: "*.tsx", Score: 2},
		{Pattern: "src/*.ts", Score: 3},
	}
	snap := &Snapshot{Files: []FileCoverage{
		{Path: "src/payments/charge.ts"},
		{Path: "src/ui/Button.tsx"},
		{Path: "src/index.ts"},
		{Path: "lib/other.go"},
		{Path: "src/keep.ts", RiskScore: Float(1)},
	}}

	rm.Apply(snap)

	assert.Equal(t, 5.0, *snap.Files[0].RiskScore)
	assert.Equal(t, 2.0, *snap.Files[1].RiskScore)
	assert.Equal(t, 3.0, *snap.Files[2].RiskScore)
	assert.Nil(t, snap.Files[3].RiskScore)
	assert.Equal(t, 1.0, *snap.Files[4].RiskScore)
}
