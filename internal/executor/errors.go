package executor

import "fmt"

// StatusError — сервис-владелец ответил не 2xx.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("owning service returned status %d", e.Code)
	}
	return fmt.Sprintf("owning service returned status %d: %s", e.Code, e.Body)
}
