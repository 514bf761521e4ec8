package collector

import "fmt"

// FetchError is a transient provider failure: transport error, non-200
// status or a throttling/error body. No data from the attempt is usable.
type FetchError struct {
	Provider   string
	Symbol     string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s fetch %s: status %d: %v", e.Provider, e.Symbol, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s fetch %s: %v", e.Provider, e.Symbol, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Temporary reports that the fetch may succeed if retried.
func (e *FetchError) Temporary() bool { return true }

// IntegrityError means the payload could not be decoded into bars. The whole
// fetch is rejected.
type IntegrityError struct {
	Provider string
	Symbol   string
	Line     int
	Field    string
	Err      error
}

func (e *IntegrityError) Error() string {
	switch {
	case e.Line > 0 && e.Field != "":
		return fmt.Sprintf("%s payload for %s: line %d field %q: %v", e.Provider, e.Symbol, e.Line, e.Field, e.Err)
	case e.Line > 0:
		return fmt.Sprintf("%s payload for %s: line %d: %v", e.Provider, e.Symbol, e.Line, e.Err)
	default:
		return fmt.Sprintf("%s payload for %s: %v", e.Provider, e.Symbol, e.Err)
	}
}

func (e *IntegrityError) Unwrap() error { return e.Err }
