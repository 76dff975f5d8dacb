package response

import (
	"encoding/json"
	"net/http"
)

// V1Response is the standard envelope for all API responses
type V1Response struct {
	Messages []string    `json:"messages"`
	Result   interface{} `json:"result"`
}

// WriteResponse will write the result as JSON with a 200 status code
func WriteResponse(w http.ResponseWriter, r *http.Request, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(V1Response{
		Messages: []string{},
		Result:   result,
	})
}

// WriteError will write the Error as JSON with its corresponding status code
func WriteError(w http.ResponseWriter, r *http.Request, e *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode)
	json.NewEncoder(w).Encode(V1Response{
		Messages: append([]string{e.Message}, e.Messages...),
		Result:   e.Result,
	})
}
