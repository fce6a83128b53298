package response

import (
	"net/http"

	"github.com/inkwellhq/inkwell/billing"
)

// WriteDomainError maps a billing domain error onto the HTTP envelope
func WriteDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var e *Error
	switch billing.KindOf(err) {
	case billing.KindNotFound:
		e = ErrNotFound()
	case billing.KindConflict:
		e = ErrConflict()
	case billing.KindUnauthorized:
		e = ErrForbidden()
	case billing.KindValidation:
		e = ErrBadRequest()
	case billing.KindInvalidSignature:
		e = ErrBadRequest()
	case billing.KindGateway:
		e = ErrUpstream()
	default:
		e = ErrUnexpected()
	}
	WriteError(w, r, e.AddMessages(err.Error()))
}
