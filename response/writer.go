package response

import (
	"encoding/json"
	"net/http"
)

// V is the envelope for all API responses
type V struct {
	Code     int         `json:"code"`
	Message  string      `json:"message,omitempty"`
	Messages []string    `json:"messages,omitempty"`
	Result   interface{} `json:"result"`
}

// WriteResponse will write the result as a JSON envelope with status 200
func WriteResponse(w http.ResponseWriter, r *http.Request, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(V{
		Code:   http.StatusOK,
		Result: result,
	})
}

// WriteError will write the Error as a JSON envelope with its status code
func WriteError(w http.ResponseWriter, r *http.Request, e *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode)
	json.NewEncoder(w).Encode(V{
		Code:     e.StatusCode,
		Message:  e.Message,
		Messages: e.Messages,
		Result:   e.Result,
	})
}
