// Package export serialises a forecast run into the bundle consumed by the
// dashboard and automation collaborators.
package export

import (
	"encoding/json"
	"io"
	"math"
	"sort"
	"time"

	"github.com/ceapsi/staffcast/internal/api"
)

const dateLayout = time.DateOnly

// Bundle is the wire form of one run. Field order is fixed so identical
// runs encode to identical bytes.
type Bundle struct {
	Metadata        Metadata         `json:"metadata"`
	Predictions     []Prediction     `json:"predictions"`
	Alerts          []AlertRow       `json:"alerts"`
	Recommendations []Recommendation `json:"recomendaciones_staffing"`
	Summary         Summary          `json:"resumen_ejecutivo"`
}

type Metadata struct {
	GeneratedAt      time.Time          `json:"generated_at"`
	ModelVersion     string             `json:"model_version"`
	Horizon          int                `json:"horizon"`
	Period           string             `json:"period"`
	RunID            string             `json:"run_id"`
	EnsembleSize     int                `json:"ensemble_size"`
	EnsembleWeights  map[string]float64 `json:"ensemble_weights"`
	ExcludedFamilies []string           `json:"excluded_families"`
	Degraded         bool               `json:"degraded"`
}

type Prediction struct {
	DS        string             `json:"ds"`
	YHat      float64            `json:"yhat"`
	YHatLower float64            `json:"yhat_lower"`
	YHatUpper float64            `json:"yhat_upper"`
	PerFamily map[string]float64 `json:"per_family_yhat,omitempty"`
}

type AlertRow struct {
	Tipo           string  `json:"tipo"`
	Fecha          string  `json:"fecha"`
	DiaSemana      string  `json:"dia_semana"`
	HorasPredichas float64 `json:"horas_predichas"`
	Mensaje        string  `json:"mensaje"`
	Accion         string  `json:"accion"`
	Prioridad      int     `json:"prioridad"`
}

type Recommendation struct {
	Fecha          string        `json:"fecha"`
	DiaSemana      string        `json:"dia_semana"`
	TipoDia        string        `json:"tipo_dia"`
	HorasPredichas float64       `json:"horas_predichas"`
	PersonalTotal  api.Personnel `json:"personal_total"`
	Dotacion       api.RoleSplit `json:"dotacion_detallada"`
	Turnos         api.Shifts    `json:"turnos_sugeridos"`
	Observaciones  []string      `json:"observaciones"`
}

// Summary is the executive digest. Hours are working hours.
type Summary struct {
	PromedioHorasDiarias float64        `json:"promedio_horas_diarias"`
	TotalHorasPeriodo    float64        `json:"total_horas_periodo"`
	DiaMayorDemanda      string         `json:"dia_mayor_demanda"`
	HorasDiaPico         float64        `json:"horas_dia_pico"`
	TotalAlertas         int            `json:"total_alertas"`
	AlertasCriticas      int            `json:"alertas_criticas"`
	AlertasPorTipo       map[string]int `json:"alertas_por_tipo"`
	TamanoEnsemble       int            `json:"tamano_ensemble"`
	FamiliasExcluidas    []string       `json:"familias_excluidas"`
	Degradado            bool           `json:"degradado"`
}

// Input carries everything a bundle is built from.
type Input struct {
	RunID           string
	GeneratedAt     time.Time
	ModelVersion    string
	Points          []api.ForecastPoint
	Alerts          []api.Alert
	Recommendations []api.StaffingRecommendation
	Weights         api.EnsembleWeights
	Contributors    []string
	Excluded        map[string]string
	Degraded        bool
}

// BuildBundle assembles the export bundle. It does not mutate in.
func BuildBundle(in Input) *Bundle {
	excluded := make([]string, 0, len(in.Excluded))
	for name := range in.Excluded {
		excluded = append(excluded, name)
	}
	sort.Strings(excluded)

	weights := make(map[string]float64, len(in.Weights))
	for name, w := range in.Weights {
		weights[name] = round(w, 4)
	}

	size := len(in.Contributors)
	if in.Contributors == nil {
		size = len(in.Weights.Active())
	}

	b := &Bundle{
		Metadata: Metadata{
			GeneratedAt:      in.GeneratedAt.UTC(),
			ModelVersion:     in.ModelVersion,
			Horizon:          len(in.Points),
			Period:           period(in.Points),
			RunID:            in.RunID,
			EnsembleSize:     size,
			EnsembleWeights:  weights,
			ExcludedFamilies: excluded,
			Degraded:         in.Degraded,
		},
		Predictions:     make([]Prediction, 0, len(in.Points)),
		Alerts:          make([]AlertRow, 0, len(in.Alerts)),
		Recommendations: make([]Recommendation, 0, len(in.Recommendations)),
	}

	for _, p := range in.Points {
		var per map[string]float64
		if len(p.PerFamily) > 0 {
			per = make(map[string]float64, len(p.PerFamily))
			for name, v := range p.PerFamily {
				per[name] = round(v, 4)
			}
		}
		b.Predictions = append(b.Predictions, Prediction{
			DS:        p.Date.Format(dateLayout),
			YHat:      round(p.YHat, 4),
			YHatLower: round(p.YHatLower, 4),
			YHatUpper: round(p.YHatUpper, 4),
			PerFamily: per,
		})
	}
	for _, a := range in.Alerts {
		b.Alerts = append(b.Alerts, AlertRow{
			Tipo:           a.Type.Label(),
			Fecha:          a.Date.Format(dateLayout),
			DiaSemana:      a.Weekday,
			HorasPredichas: a.PredictedHours,
			Mensaje:        a.Message,
			Accion:         a.Action,
			Prioridad:      a.Priority,
		})
	}
	for _, r := range in.Recommendations {
		notes := r.Notes
		if notes == nil {
			notes = []string{}
		}
		b.Recommendations = append(b.Recommendations, Recommendation{
			Fecha:          r.Date.Format(dateLayout),
			DiaSemana:      r.Weekday,
			TipoDia:        r.DayType,
			HorasPredichas: r.PredictedHours,
			PersonalTotal:  r.Personnel,
			Dotacion:       r.Roles,
			Turnos:         r.Shifts,
			Observaciones:  notes,
		})
	}
	b.Summary = summarize(in, size, excluded)
	return b
}

func summarize(in Input, size int, excluded []string) Summary {
	s := Summary{
		TotalAlertas:      len(in.Alerts),
		AlertasPorTipo:    map[string]int{},
		TamanoEnsemble:    size,
		FamiliasExcluidas: excluded,
		Degradado:         in.Degraded,
	}
	for _, a := range in.Alerts {
		s.AlertasPorTipo[a.Type.Label()]++
		if a.Type == api.AlertCritical {
			s.AlertasCriticas++
		}
	}
	if len(in.Points) == 0 {
		return s
	}

	peak := in.Points[0]
	total := 0.0
	for _, p := range in.Points {
		total += p.Hours()
		if p.YHat > peak.YHat {
			peak = p
		}
	}
	s.TotalHorasPeriodo = round(total, 1)
	s.PromedioHorasDiarias = round(total/float64(len(in.Points)), 1)
	s.DiaMayorDemanda = peak.Date.Format(dateLayout)
	s.HorasDiaPico = round(peak.Hours(), 1)
	return s
}

func period(points []api.ForecastPoint) string {
	if len(points) == 0 {
		return ""
	}
	return points[0].Date.Format(dateLayout) + " a " + points[len(points)-1].Date.Format(dateLayout)
}

// WriteJSON encodes the bundle with two-space indentation.
func WriteJSON(w io.Writer, b *Bundle) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(b)
}

// ReadJSON decodes a bundle previously written by WriteJSON.
func ReadJSON(r io.Reader) (*Bundle, error) {
	var b Bundle
	if err := json.NewDecoder(r).Decode(&b); err != nil {
		return nil, err
	}
	return &b, nil
}

// CriticalAlerts returns the rows labelled CRITICA.
func (b *Bundle) CriticalAlerts() []AlertRow {
	var out []AlertRow
	for _, a := range b.Alerts {
		if a.Tipo == api.AlertCritical.Label() {
			out = append(out, a)
		}
	}
	return out
}

func round(x float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(x*p) / p
}
