package models

import "fmt"

const AlertTypeTemperature = "Temperature Out of Range"

const (
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Thresholds is the safe temperature band and the wider band beyond which an
// excursion is treated as high severity.
type Thresholds struct {
	MinTemp     float64
	MaxTemp     float64
	CriticalMin float64
	CriticalMax float64
}

// Classify reports whether temp is an excursion and, if so, its severity.
func (t Thresholds) Classify(temp float64) (alert bool, severity string) {
	if temp >= t.MinTemp && temp <= t.MaxTemp {
		return false, ""
	}
	if temp < t.CriticalMin || temp > t.CriticalMax {
		return true, SeverityHigh
	}
	return true, SeverityMedium
}

// NewTemperatureAlert builds the alert row for an out-of-band reading.
func (t Thresholds) NewTemperatureAlert(r *Reading, severity string) *Alert {
	return &Alert{
		ReadingID:   r.ID,
		BatchID:     r.BatchID,
		AlertType:   AlertTypeTemperature,
		Severity:    severity,
		Message:     fmt.Sprintf("Temperature %v°C is outside safe range (%v-%v°C)", r.Temperature, t.MinTemp, t.MaxTemp),
		Timestamp:   r.Timestamp,
		Temperature: r.Temperature,
		Location:    r.Location,
	}
}
