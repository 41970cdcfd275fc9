package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeframe(t *testing.T) {
	tf, err := ParseTimeframe("1h")
	require.NoError(t, err)
	assert.Equal(t, Timeframe1h, tf)
	assert.Equal(t, time.Hour, tf.Interval())
	assert.Equal(t, int64(3600000), tf.Millis())

	_, err = ParseTimeframe("2h")
	assert.Error(t, err, "unsupported interval must be rejected")
}

func TestTimeframeTruncate(t *testing.T) {
	// 2021-01-01T00:30:00Z truncated to the hour bucket
	ts := int64(1609459200000) + 30*60*1000
	assert.Equal(t, int64(1609459200000), Timeframe1h.Truncate(ts))
	assert.Equal(t, ts, Timeframe1m.Truncate(ts), "already on a minute boundary")
}

func TestBarValidate(t *testing.T) {
	valid := Bar{Timestamp: 1000, Open: 10, High: 12, Low: 9, Close: 11, Volume: 5}
	require.NoError(t, valid.Validate())

	cases := map[string]Bar{
		"high below close":   {Timestamp: 1000, Open: 10, High: 10.5, Low: 9, Close: 11, Volume: 5},
		"low above open":     {Timestamp: 1000, Open: 10, High: 12, Low: 10.5, Close: 11, Volume: 5},
		"negative volume":    {Timestamp: 1000, Open: 10, High: 12, Low: 9, Close: 11, Volume: -1},
		"missing timestamp":  {Open: 10, High: 12, Low: 9, Close: 11, Volume: 5},
	}
	for name, bar := range cases {
		assert.Error(t, bar.Validate(), name)
	}
}

func TestNewSymbol(t *testing.T) {
	s, err := NewSymbol(" btcusdt ")
	require.NoError(t, err)
	assert.Equal(t, Symbol("BTCUSDT"), s)

	_, err = NewSymbol("   ")
	assert.Error(t, err)
}

func TestNewMasterTimeline(t *testing.T) {
	tl, err := NewMasterTimeline(Timeframe1h, []int64{100, 200, 300}, 92.5)
	require.NoError(t, err)
	assert.Equal(t, int64(100), tl.Start)
	assert.Equal(t, int64(300), tl.End)
	assert.Equal(t, 3, tl.TotalPeriods)
	assert.True(t, tl.Contains(200))
	assert.False(t, tl.Contains(250))

	_, err = NewMasterTimeline(Timeframe1h, nil, 50)
	assert.Error(t, err, "empty timeline is an error")

	_, err = NewMasterTimeline(Timeframe1h, []int64{100, 100}, 50)
	assert.Error(t, err, "duplicates violate strict ordering")
}

func TestMasterTimelineQualityClamped(t *testing.T) {
	tl, err := NewMasterTimeline(Timeframe1h, []int64{1, 2}, 140)
	require.NoError(t, err)
	assert.Equal(t, 100.0, tl.SyncQuality)

	tl, err = NewMasterTimeline(Timeframe1h, []int64{1, 2}, -3)
	require.NoError(t, err)
	assert.Equal(t, 0.0, tl.SyncQuality)
}

func TestSideDirection(t *testing.T) {
	assert.Equal(t, 1.0, SideBuy.Direction())
	assert.Equal(t, -1.0, SideSell.Direction())
	assert.Equal(t, SideSell, SideBuy.Opposite())
}

func TestActionSide(t *testing.T) {
	side, ok := ActionBuy.Side()
	assert.True(t, ok)
	assert.Equal(t, SideBuy, side)

	_, ok = ActionHold.Side()
	assert.False(t, ok, "HOLD carries no order side")
}

func TestTradeRecordValidate(t *testing.T) {
	entry := time.Now()
	exit := entry.Add(-time.Minute)
	bad := TradeRecord{
		TradeID:    "t1",
		Symbol:     "BTCUSDT",
		Side:       SideBuy,
		SizeQty:    0.01,
		EntryTime:  entry,
		ExitTime:   &exit,
	}
	assert.Error(t, bad.Validate(), "exit before entry")

	bad.ExitTime = nil
	require.NoError(t, bad.Validate())
	assert.True(t, bad.IsOpen())
}

func TestCoverageReportMath(t *testing.T) {
	r := CoverageReport{
		Symbol:    "BTCUSDT",
		Timeframe: Timeframe1h,
		Records:   25,
		FirstTS:   0,
		LastTS:    24 * 3600_000,
		Status:    CoverageComplete,
	}
	assert.InDelta(t, 1.0, r.CoverageDays(), 1e-9)
	assert.Equal(t, int64(25), r.ExpectedRecords())
}

func TestRiskDecisionRejected(t *testing.T) {
	assert.True(t, RejectRisk("bad input").Rejected())
	assert.False(t, RiskDecision{SizeQty: 0.01}.Rejected())
}
