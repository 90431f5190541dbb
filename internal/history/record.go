package history

import (
	"time"

	"github.com/cexll/inspector/internal/pipeline"
)

// FromAnomaly builds the record for a finished anomaly detection. Level and
// voltage stay empty when the report could not be parsed.
func FromAnomaly(res *pipeline.AnomalyResult, source string, at time.Time) Record {
	r := Record{
		ProcessID: res.ProcessID,
		Pipeline:  pipeline.NameAnomaly,
		InputPath: res.ImagePath,
		ResultDir: res.ResultDir,
		Source:    source,
		CreatedAt: at,
	}
	if res.Report != nil {
		r.AnomalyLevel = res.Report.Level
		r.AnalogVoltage = res.Report.Voltage()
		r.Anomalous = res.Report.Anomalous()
	}
	return r
}

// FromTrend builds the record for a finished trend prediction.
func FromTrend(res *pipeline.TrendResult, source string, at time.Time) Record {
	return Record{
		ProcessID: res.ProcessID,
		Pipeline:  pipeline.NameTrend,
		InputPath: res.InputDir,
		ResultDir: res.ResultDir,
		Source:    source,
		CreatedAt: at,
	}
}
