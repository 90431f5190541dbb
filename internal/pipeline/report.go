package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
)

// Anomaly levels written by the remote model. Only these two count as anomalous.
const (
	LevelModerate = "中等异常可能性"
	LevelLikely   = "很可能异常"
)

// IsAnomalous reports whether level is one of the anomalous levels.
func IsAnomalous(level string) bool {
	return level == LevelModerate || level == LevelLikely
}

// AnomalyReport is the model's result.json.
type AnomalyReport struct {
	Level         string
	AnalogVoltage any
	Raw           map[string]any
}

// Anomalous reports whether the report's level is anomalous.
func (r *AnomalyReport) Anomalous() bool {
	return r != nil && IsAnomalous(r.Level)
}

// Voltage renders analog_voltage for display, "unknown" when absent.
func (r *AnomalyReport) Voltage() string {
	if r == nil || r.AnalogVoltage == nil {
		return "unknown"
	}
	return fmt.Sprint(r.AnalogVoltage)
}

// ReadReport parses a downloaded result.json.
func ReadReport(jsonPath string) (*AnomalyReport, error) {
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, err
	}
	return ParseReport(data)
}

// ParseReport decodes a result document. A missing or non-string anomaly_level reads as "".
func ParseReport(data []byte) (*AnomalyReport, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse anomaly report: %w", err)
	}
	report := &AnomalyReport{Raw: raw}
	if level, ok := raw["anomaly_level"].(string); ok {
		report.Level = level
	}
	report.AnalogVoltage = raw["analog_voltage"]
	return report, nil
}
