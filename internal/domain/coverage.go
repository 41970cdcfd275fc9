package domain

// CoverageStatus classifies how complete a (symbol, timeframe) dataset is.
type CoverageStatus string

const (
	CoverageNoData       CoverageStatus = "NO_DATA"
	CoverageInsufficient CoverageStatus = "INSUFFICIENT"
	CoverageComplete     CoverageStatus = "COMPLETE"
	CoverageError        CoverageStatus = "ERROR"
)

// Range is an inclusive span of epoch-millisecond timestamps.
type Range struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// CoverageReport describes the stored data for one (symbol, timeframe).
type CoverageReport struct {
	Symbol     Symbol         `json:"symbol"`
	Timeframe  Timeframe      `json:"timeframe"`
	Records    int64          `json:"records"`
	FirstTS    int64          `json:"first_ts"`
	LastTS     int64          `json:"last_ts"`
	Gaps       []Range        `json:"gaps,omitempty"`
	Duplicates int64          `json:"duplicates"`
	Status     CoverageStatus `json:"status"`
}

// CoverageDays returns the spanned duration in days.
func (r CoverageReport) CoverageDays() float64 {
	if r.Records == 0 || r.LastTS <= r.FirstTS {
		return 0
	}
	return float64(r.LastTS-r.FirstTS) / float64(24*60*60*1000)
}

// ExpectedRecords is the bar count a gapless span would hold.
func (r CoverageReport) ExpectedRecords() int64 {
	if r.Records == 0 {
		return 0
	}
	interval := r.Timeframe.Millis()
	if interval == 0 {
		return r.Records
	}
	return (r.LastTS-r.FirstTS)/interval + 1
}

// Classify grades the report against a minimum day span.
func (r CoverageReport) Classify(minDays float64) CoverageStatus {
	if r.Records == 0 {
		return CoverageNoData
	}
	if r.CoverageDays() < minDays {
		return CoverageInsufficient
	}
	return CoverageComplete
}
