package alerts

import (
	"fmt"
	"math"
	"sort"

	"github.com/ceapsi/staffcast/internal/api"
)

// WeeklyLabel is the weekday value of the weekly-pattern alert.
const WeeklyLabel = "Toda la semana"

// Thresholds in working hours.
type Thresholds struct {
	Critical    float64
	High        float64
	Low         float64
	Uncertainty float64
	WeeklyMean  float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{Critical: 60, High: 50, Low: 25, Uncertainty: 15, WeeklyMean: 45}
}

// Detector derives operational alerts from a forecast.
type Detector struct {
	th Thresholds
}

func NewDetector(th Thresholds) *Detector {
	return &Detector{th: th}
}

// Detect returns alerts ordered by priority; ties keep forecast order. Each
// point raises at most one of CRITICAL, HIGH or LOW, plus UNCERTAINTY when
// the upper half-width in hours exceeds the threshold. One WEEKLY_PATTERN
// alert is added when the mean of the first seven points exceeds the weekly
// threshold.
func (d *Detector) Detect(points []api.ForecastPoint) []api.Alert {
	var alerts []api.Alert
	for _, p := range points {
		hours := p.Hours()
		weekday := p.Date.Weekday().String()

		switch {
		case hours > d.th.Critical:
			alerts = append(alerts, api.Alert{
				Type: api.AlertCritical, Date: p.Date, Weekday: weekday, PredictedHours: round1(hours),
				Message:  fmt.Sprintf("Demanda crítica: %.1fh. Requiere personal adicional urgente.", hours),
				Action:   "Activar protocolo de personal de emergencia",
				Priority: 1,
			})
		case hours > d.th.High:
			alerts = append(alerts, api.Alert{
				Type: api.AlertHigh, Date: p.Date, Weekday: weekday, PredictedHours: round1(hours),
				Message:  fmt.Sprintf("Demanda alta: %.1fh. Considerar personal adicional.", hours),
				Action:   "Programar turnos extra o personal de refuerzo",
				Priority: 2,
			})
		case hours < d.th.Low:
			alerts = append(alerts, api.Alert{
				Type: api.AlertLow, Date: p.Date, Weekday: weekday, PredictedHours: round1(hours),
				Message:  fmt.Sprintf("Demanda baja: %.1fh. Evaluar reducción de personal.", hours),
				Action:   "Considerar turnos reducidos o reasignación",
				Priority: 3,
			})
		}

		if spread := (p.YHatUpper - p.YHat) * api.HoursPerPersonDay; spread > d.th.Uncertainty {
			alerts = append(alerts, api.Alert{
				Type: api.AlertUncertainty, Date: p.Date, Weekday: weekday, PredictedHours: round1(hours),
				Message:  fmt.Sprintf("Alta incertidumbre: ±%.1fh. Monitorear de cerca.", spread),
				Action:   "Preparar personal de contingencia",
				Priority: 3,
			})
		}
	}

	if len(points) >= 7 {
		sum := 0.0
		for _, p := range points[:7] {
			sum += p.Hours()
		}
		if mean := sum / 7; mean > d.th.WeeklyMean {
			alerts = append(alerts, api.Alert{
				Type: api.AlertWeeklyPattern, Date: points[0].Date, Weekday: WeeklyLabel, PredictedHours: round1(mean),
				Message:  fmt.Sprintf("Semana de alta demanda: %.1fh promedio.", mean),
				Action:   "Planificar recursos adicionales para toda la semana",
				Priority: 2,
			})
		}
	}

	sort.SliceStable(alerts, func(i, j int) bool { return alerts[i].Priority < alerts[j].Priority })
	return alerts
}

// Critical returns the CRITICAL subset of alerts.
func Critical(alerts []api.Alert) []api.Alert {
	var out []api.Alert
	for _, a := range alerts {
		if a.Type == api.AlertCritical {
			out = append(out, a)
		}
	}
	return out
}

// CountByType tallies alerts per type.
func CountByType(alerts []api.Alert) map[api.AlertType]int {
	counts := make(map[api.AlertType]int)
	for _, a := range alerts {
		counts[a.Type]++
	}
	return counts
}

func round1(x float64) float64 {
	return math.Round(x*10) / 10
}
