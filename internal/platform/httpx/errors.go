package httpx

import (
	"errors"
	"net/http"
)

// Sentinel errors handlers wrap to pick a problem status.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicate    = errors.New("duplicate entry")
	ErrValidation   = errors.New("validation failed")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
	ErrUnavailable  = errors.New("service unavailable")
)

type problemMapping struct {
	target error
	status int
	// exposeDetail copies err.Error() into the problem detail.
	exposeDetail bool
	detail       string
}

var problemMappings = []problemMapping{
	{target: ErrUnauthorized, status: http.StatusUnauthorized, detail: "authentication required"},
	{target: ErrForbidden, status: http.StatusForbidden, exposeDetail: true},
	{target: ErrNotFound, status: http.StatusNotFound, exposeDetail: true},
	{target: ErrDuplicate, status: http.StatusConflict, exposeDetail: true},
	{target: ErrValidation, status: http.StatusBadRequest, exposeDetail: true},
	{target: ErrUnavailable, status: http.StatusServiceUnavailable},
}

// RespondError writes err as an RFC7807 problem. Unmapped errors become a 500
// without detail so internal messages never reach the client.
func RespondError(w http.ResponseWriter, err error) {
	for _, m := range problemMappings {
		if !errors.Is(err, m.target) {
			continue
		}
		detail := m.detail
		if m.exposeDetail {
			detail = err.Error()
		}
		if m.status == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "1")
		}
		Problem(w, m.status, http.StatusText(m.status), detail)
		return
	}
	Problem(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError), "")
}
