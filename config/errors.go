package config

import (
	"fmt"
	"strings"
)

// ValidationError sammelt alle Konfigurationsfehler. Ein Lauf mit ValidationError
// wird abgebrochen, bevor eine einzige Anfrage an eine externe Quelle geht.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (e *ValidationError) orNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}
