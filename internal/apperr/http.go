package apperr

import "net/http"

// HTTPStatus maps the kind of err onto the status code the order back end answers with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindUserCancelled:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTerminalPolicy:
		return http.StatusGone
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Body is the JSON error envelope exchanged between the back end and the network client.
type Body struct {
	Code    string `json:"code"`
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// BodyOf builds the envelope for err. Unclassified errors are reported as ErrUnknown.
func BodyOf(err error) Body {
	code := CodeOf(err)
	if code == "" {
		code = ErrUnknown.Code
	}

	kind := KindOf(err)
	if kind == "" {
		kind = KindUnknown
	}

	return Body{Code: code, Kind: kind, Message: err.Error()}
}
