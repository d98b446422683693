// Package calendar knows the Chilean national holidays that shape call
// center demand.
package calendar

import "time"

type fixedHoliday struct {
	month time.Month
	day   int
	name  string
	// years restricts the holiday to specific years; empty means every year.
	years []int
}

var fixed = []fixedHoliday{
	{month: time.January, day: 1, name: "Año Nuevo"},
	{month: time.May, day: 1, name: "Día Nacional del Trabajo"},
	{month: time.May, day: 21, name: "Día de las Glorias Navales"},
	{month: time.June, day: 20, name: "Día Nacional de los Pueblos Indígenas", years: []int{2024, 2025}},
	{month: time.July, day: 16, name: "Día de la Virgen del Carmen"},
	{month: time.August, day: 15, name: "Asunción de la Virgen"},
	{month: time.September, day: 18, name: "Independencia Nacional"},
	{month: time.September, day: 19, name: "Día de las Glorias del Ejército"},
	{month: time.October, day: 12, name: "Encuentro de Dos Mundos"},
	{month: time.October, day: 31, name: "Día de las Iglesias Evangélicas y Protestantes"},
	{month: time.November, day: 1, name: "Día de Todos los Santos"},
	{month: time.December, day: 8, name: "Inmaculada Concepción"},
	{month: time.December, day: 25, name: "Navidad"},
}

// Holiday returns the holiday name for the calendar day of t.
func Holiday(t time.Time) (string, bool) {
	y, m, d := t.Date()
	for _, h := range fixed {
		if h.month != m || h.day != d {
			continue
		}
		if len(h.years) > 0 && !contains(h.years, y) {
			continue
		}
		return h.name, true
	}

	easter := Easter(y)
	date := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	switch {
	case date.Equal(easter.AddDate(0, 0, -2)):
		return "Viernes Santo", true
	case date.Equal(easter.AddDate(0, 0, -1)):
		return "Sábado Santo", true
	}
	return "", false
}

// IsHoliday reports whether t falls on a national holiday.
func IsHoliday(t time.Time) bool {
	_, ok := Holiday(t)
	return ok
}

// Easter returns Easter Sunday of the given year (anonymous Gregorian algorithm).
func Easter(year int) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

func contains(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
