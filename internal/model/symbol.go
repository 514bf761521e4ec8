package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Symbol is a registered ticker and its ingestion bookkeeping.
type Symbol struct {
	Symbol          string     `json:"symbol"`
	AddedAt         time.Time  `json:"added_at"`
	InitialImportAt *time.Time `json:"initial_import_at"`
	LastUpdateAt    *time.Time `json:"last_update_at"`
}

// Imported reports whether the one-time bulk history load has completed.
func (s *Symbol) Imported() bool {
	return s.InitialImportAt != nil
}

var tickerPattern = regexp.MustCompile(`^[A-Z0-9.\-^]{1,16}$`)

// NormalizeSymbol upper-cases a ticker and rejects anything that is not
// 1-16 characters of A-Z, 0-9, '.', '-' or '^'.
func NormalizeSymbol(s string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(s))
	if !tickerPattern.MatchString(sym) {
		return "", fmt.Errorf("invalid symbol %q", s)
	}
	return sym, nil
}
