// Package staffing turns a demand forecast into headcount and shift
// recommendations.
package staffing

import (
	"math"
	"time"

	"github.com/ceapsi/staffcast/internal/api"
	"github.com/ceapsi/staffcast/internal/calendar"
)

const (
	hoursPerShift = 8.0

	minOptimal = 4
	minMinimum = 3

	callCenterShare   = 0.4
	professionalShare = 0.6

	fullShiftHours     = 50.0
	standardShiftHours = 35.0
	highDemandHours    = 45.0
	variabilityHours   = 10.0
)

const (
	DayHighTraffic    = "Alto tráfico"
	DayMediumTraffic  = "Tráfico medio"
	DayReducedTraffic = "Tráfico reducido"
)

// Translator converts forecast points into StaffingRecommendations.
type Translator struct {
	holidays func(time.Time) (string, bool)
}

func NewTranslator() *Translator {
	return &Translator{holidays: calendar.Holiday}
}

// Recommend produces one recommendation per point, in order.
func (t *Translator) Recommend(points []api.ForecastPoint) []api.StaffingRecommendation {
	recs := make([]api.StaffingRecommendation, 0, len(points))
	for _, p := range points {
		recs = append(recs, t.recommend(p))
	}
	return recs
}

func (t *Translator) recommend(p api.ForecastPoint) api.StaffingRecommendation {
	hours := p.YHat * api.HoursPerPersonDay
	lower := p.YHatLower * api.HoursPerPersonDay
	upper := p.YHatUpper * api.HoursPerPersonDay
	wd := p.Date.Weekday()

	personnel := Headcount(hours, lower, upper)
	dayType, factor := Classify(wd)

	return api.StaffingRecommendation{
		Date:           p.Date,
		Weekday:        wd.String(),
		DayType:        dayType,
		PredictedHours: math.Round(hours*10) / 10,
		Personnel:      personnel,
		Roles:          Split(personnel.Optimal, factor),
		Shifts:         ShiftsFor(hours, wd),
		Notes:          t.notes(p.Date, hours, upper-lower),
	}
}

// Headcount sizes the min/optimal/max band from hours. Max never falls
// below optimal.
func Headcount(hours, lowerHours, upperHours float64) api.Personnel {
	optimal := max(minOptimal, ceilDiv(hours))
	return api.Personnel{
		Min:     max(minMinimum, ceilDiv(lowerHours)),
		Optimal: optimal,
		Max:     max(optimal, ceilDiv(upperHours)),
	}
}

// Classify returns the traffic label and call center factor for a weekday.
func Classify(wd time.Weekday) (string, float64) {
	switch wd {
	case time.Monday, time.Tuesday, time.Wednesday:
		return DayHighTraffic, 1.2
	case time.Thursday, time.Friday:
		return DayMediumTraffic, 1.0
	default:
		return DayReducedTraffic, 0.8
	}
}

// Split distributes the optimal headcount across roles.
func Split(optimal int, factor float64) api.RoleSplit {
	cc := max(2, int(math.Floor(float64(optimal)*callCenterShare*factor)))
	prof := max(2, int(math.Floor(float64(optimal)*professionalShare)))
	return api.RoleSplit{
		CallCenter:    cc,
		Professionals: prof,
		Support:       max(1, optimal-cc-prof),
	}
}

// ShiftsFor picks the shift template for the demand tier.
func ShiftsFor(hours float64, wd time.Weekday) api.Shifts {
	var s api.Shifts
	var saturday string
	switch {
	case hours > fullShiftHours:
		s = api.Shifts{Morning: "08:00-16:00 (personal completo)", Afternoon: "14:00-20:00 (refuerzo)"}
		saturday = "08:00-14:00"
	case hours > standardShiftHours:
		s = api.Shifts{Morning: "08:00-16:00 (personal estándar)", Afternoon: "12:00-18:00 (reducido)"}
		saturday = "08:00-13:00"
	default:
		s = api.Shifts{Morning: "09:00-15:00 (mínimo)", Afternoon: "Opcional según demanda"}
		saturday = "09:00-12:00"
	}
	if wd == time.Saturday {
		s.Saturday = &saturday
	}
	return s
}

func (t *Translator) notes(date time.Time, hours, spread float64) []string {
	notes := []string{}
	switch date.Weekday() {
	case time.Monday:
		notes = append(notes, "Lunes: Mayor volumen de reservas nuevas")
	case time.Friday:
		notes = append(notes, "Viernes: Posible concentración de consultas")
	case time.Saturday:
		notes = append(notes, "Sábado: Horario reducido, demanda específica")
	}
	if hours > highDemandHours {
		notes = append(notes, "Considerar activar protocolo de alta demanda")
	}
	if spread > variabilityHours {
		notes = append(notes, "Alta variabilidad: mantener personal de contingencia")
	}
	if t.holidays != nil {
		if name, ok := t.holidays(date); ok {
			notes = append(notes, "Feriado: "+name+", verificar apertura y dotación")
		}
	}
	return notes
}

func ceilDiv(hours float64) int {
	if hours <= 0 {
		return 0
	}
	return int(math.Ceil(hours / hoursPerShift))
}
