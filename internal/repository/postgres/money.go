package postgres

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// numericStringToCents parses a NUMERIC column rendered as text into minor
// units without going through float64. Digits past the second decimal round
// half away from zero.
func numericStringToCents(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty numeric string")
	}

	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	whole, frac, _ := strings.Cut(s, ".")
	if (whole == "" && frac == "") || !isDigits(whole) || !isDigits(frac) {
		return 0, fmt.Errorf("parse numeric %q: not a decimal", s)
	}

	var w int64
	if whole != "" {
		var err error
		w, err = strconv.ParseInt(whole, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse numeric %q: %w", s, err)
		}
	}
	if w > (math.MaxInt64-100)/100 {
		return 0, fmt.Errorf("parse numeric %q: out of range", s)
	}

	padded := frac + "00"
	c, _ := strconv.ParseInt(padded[:2], 10, 64)
	cents := w*100 + c
	if len(frac) > 2 && frac[2] >= '5' {
		cents++
	}

	if neg {
		cents = -cents
	}
	return cents, nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func centsToNumericString(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}

	whole := cents / 100
	frac := cents % 100

	return fmt.Sprintf("%s%d.%02d", sign, whole, frac)
}
