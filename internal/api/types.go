package api

import (
	"encoding/json"
	"math"
	"sort"
	"time"
)

// Kind identifies the interaction type of a TransactionRecord.
type Kind string

const (
	KindReservation  Kind = "reservation"
	KindConversation Kind = "conversation"
	KindCall         Kind = "call"
)

// Regressor column names shared by the aggregator, the model families and the
// regressor estimator.
const (
	RegVolumeReservation  = "volume_reservation"
	RegVolumeConversation = "volume_conversation"
	RegVolumeCall         = "volume_call"
	RegDayOfWeek          = "day_of_week"
	RegIsMonthStart       = "is_month_start"
	RegAvailableStaff     = "available_staff"

	// SpecialtyPrefix prefixes per-specialty reservation share columns.
	SpecialtyPrefix = "pct_"
)

// HoursPerPersonDay converts the person-day target into working hours.
const HoursPerPersonDay = 8.0

// Model family names.
const (
	FamilySeasonalAdditive = "seasonal_additive"
	FamilyARIMA            = "arima"
	FamilyRandomForest     = "random_forest"
	FamilyGradientBoosting = "gradient_boosting"
)

// TransactionRecord is a single staff-consuming interaction.
type TransactionRecord struct {
	Timestamp       time.Time `json:"timestamp"`
	Kind            Kind      `json:"kind"`
	DurationMinutes float64   `json:"duration_minutes"`
	Role            string    `json:"role"`
	Specialty       string    `json:"specialty,omitempty"`
	AgentID         string    `json:"agent_id"`
}

// DailyAggregate is one business day of workload with its regressors.
type DailyAggregate struct {
	Date       time.Time          `json:"ds"`
	Y          float64            `json:"y"`
	EventCount int                `json:"event_count"`
	Regressors map[string]float64 `json:"regressors"`
}

// Regressor returns the named regressor and whether it is present.
func (d DailyAggregate) Regressor(name string) (float64, bool) {
	v, ok := d.Regressors[name]
	return v, ok
}

// ForecastPoint is the ensemble forecast for one future business day.
type ForecastPoint struct {
	Date      time.Time          `json:"ds"`
	YHat      float64            `json:"yhat"`
	YHatLower float64            `json:"yhat_lower"`
	YHatUpper float64            `json:"yhat_upper"`
	PerFamily map[string]float64 `json:"per_family_yhat,omitempty"`
}

// Hours returns the point forecast in working hours.
func (p ForecastPoint) Hours() float64 { return p.YHat * HoursPerPersonDay }

// AlertType classifies an Alert.
type AlertType string

const (
	AlertCritical      AlertType = "CRITICAL"
	AlertHigh          AlertType = "HIGH"
	AlertLow           AlertType = "LOW"
	AlertUncertainty   AlertType = "UNCERTAINTY"
	AlertWeeklyPattern AlertType = "WEEKLY_PATTERN"
)

// Label returns the wire label used in exported bundles.
func (t AlertType) Label() string {
	switch t {
	case AlertCritical:
		return "CRITICA"
	case AlertHigh:
		return "ALTA"
	case AlertLow:
		return "BAJA"
	case AlertUncertainty:
		return "INCERTIDUMBRE"
	case AlertWeeklyPattern:
		return "PATRON_SEMANAL"
	}
	return string(t)
}

// Alert is an operational notice derived from a forecast.
type Alert struct {
	Type           AlertType `json:"type"`
	Date           time.Time `json:"date"`
	Weekday        string    `json:"weekday"`
	PredictedHours float64   `json:"predicted_hours"`
	Message        string    `json:"message"`
	Action         string    `json:"action"`
	Priority       int       `json:"priority"`
}

// Personnel is the recommended headcount band for a day.
type Personnel struct {
	Min     int `json:"minimo"`
	Optimal int `json:"optimo"`
	Max     int `json:"maximo"`
}

// RoleSplit distributes the optimal headcount across roles.
type RoleSplit struct {
	CallCenter    int `json:"call_center_secretarias"`
	Professionals int `json:"profesionales_medicos"`
	Support       int `json:"personal_apoyo"`
}

// Total returns the headcount across all roles.
func (r RoleSplit) Total() int { return r.CallCenter + r.Professionals + r.Support }

// Shifts suggests shift windows for a day. Saturday is nil except on Saturdays.
type Shifts struct {
	Morning   string  `json:"turno_mañana"`
	Afternoon string  `json:"turno_tarde"`
	Saturday  *string `json:"turno_sabado"`
}

// StaffingRecommendation is the headcount recommendation for one forecast day.
type StaffingRecommendation struct {
	Date           time.Time `json:"fecha"`
	Weekday        string    `json:"dia_semana"`
	DayType        string    `json:"tipo_dia"`
	PredictedHours float64   `json:"horas_predichas"`
	Personnel      Personnel `json:"personal_total"`
	Roles          RoleSplit `json:"dotacion_detallada"`
	Shifts         Shifts    `json:"turnos_sugeridos"`
	Notes          []string  `json:"observaciones"`
}

// ModelArtifact is the persisted, restorable form of a fitted model family.
type ModelArtifact struct {
	Family      string          `json:"family"`
	Params      json.RawMessage `json:"params"`
	TrainedFrom time.Time       `json:"trained_from"`
	TrainedTo   time.Time       `json:"trained_to"`
	NDays       int             `json:"n_days"`
	Regressors  []string        `json:"regressors"`
}

// FoldBoundary records the date range of one cross-validation fold.
type FoldBoundary struct {
	TrainStart time.Time `json:"train_start"`
	TrainEnd   time.Time `json:"train_end"`
	TestStart  time.Time `json:"test_start"`
	TestEnd    time.Time `json:"test_end"`
}

// PerformanceMetric summarises the cross-validated accuracy of one family.
type PerformanceMetric struct {
	Family         string         `json:"family"`
	MAE            float64        `json:"mae"`
	RMSE           float64        `json:"rmse"`
	MAPE           float64        `json:"mape"`
	Folds          int            `json:"folds"`
	Skipped        int            `json:"skipped"`
	FoldBoundaries []FoldBoundary `json:"fold_boundaries,omitempty"`
}

// Usable reports whether the metric can take part in ensemble weighting.
func (m PerformanceMetric) Usable() bool {
	return m.Folds > 0 && m.MAE > 0 && !math.IsNaN(m.MAE) && !math.IsInf(m.MAE, 0)
}

// EnsembleWeights maps family name to its non-negative ensemble weight.
type EnsembleWeights map[string]float64

// Active returns the families with positive weight in sorted order.
func (w EnsembleWeights) Active() []string {
	var names []string
	for name, v := range w {
		if v > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Sum returns the total weight.
func (w EnsembleWeights) Sum() float64 {
	total := 0.0
	for _, name := range w.Families() {
		total += w[name]
	}
	return total
}

// Families returns every family in the map in sorted order.
func (w EnsembleWeights) Families() []string {
	names := make([]string, 0, len(w))
	for name := range w {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Date truncates t to a calendar date at UTC midnight, keeping the local
// calendar day of t.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// IsBusinessDay reports whether the date is Monday through Saturday.
func IsBusinessDay(t time.Time) bool {
	return t.Weekday() != time.Sunday
}
