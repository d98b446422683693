package export

import (
	"strconv"
	"strings"
)

// table is a flat sheet shared by the CSV and Excel writers.
type table struct {
	name   string
	header []string
	rows   [][]string
}

func num(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func tables(b *Bundle) []table {
	preds := table{name: "predictions", header: []string{"ds", "yhat", "yhat_lower", "yhat_upper"}}
	for _, p := range b.Predictions {
		preds.rows = append(preds.rows, []string{p.DS, num(p.YHat), num(p.YHatLower), num(p.YHatUpper)})
	}

	alerts := table{name: "alerts", header: []string{"tipo", "fecha", "dia_semana", "horas_predichas", "mensaje", "accion", "prioridad"}}
	for _, a := range b.Alerts {
		alerts.rows = append(alerts.rows, []string{
			a.Tipo, a.Fecha, a.DiaSemana, num(a.HorasPredichas), a.Mensaje, a.Accion, strconv.Itoa(a.Prioridad),
		})
	}

	recs := table{name: "recommendations", header: []string{
		"fecha", "dia_semana", "tipo_dia", "horas_predichas",
		"personal_minimo", "personal_optimo", "personal_maximo",
		"call_center", "profesionales", "personal_apoyo",
		"turno_mañana", "turno_tarde", "turno_sabado", "observaciones",
	}}
	for _, r := range b.Recommendations {
		saturday := ""
		if r.Turnos.Saturday != nil {
			saturday = *r.Turnos.Saturday
		}
		recs.rows = append(recs.rows, []string{
			r.Fecha, r.DiaSemana, r.TipoDia, num(r.HorasPredichas),
			strconv.Itoa(r.PersonalTotal.Min), strconv.Itoa(r.PersonalTotal.Optimal), strconv.Itoa(r.PersonalTotal.Max),
			strconv.Itoa(r.Dotacion.CallCenter), strconv.Itoa(r.Dotacion.Professionals), strconv.Itoa(r.Dotacion.Support),
			r.Turnos.Morning, r.Turnos.Afternoon, saturday, strings.Join(r.Observaciones, "; "),
		})
	}
	return []table{preds, alerts, recs}
}
