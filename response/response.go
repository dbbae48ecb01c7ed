package response

import (
	"encoding/json"
	"net/http"
)

// V is the success envelope written by all services.
type V struct {
	Result   interface{} `json:"result"`
	Messages []string    `json:"messages,omitempty"`
}

// WriteResponse writes a 200 with the result wrapped in the success envelope.
func WriteResponse(w http.ResponseWriter, r *http.Request, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(V{Result: result})
}

// WriteCreated writes a 201 with the result wrapped in the success envelope.
func WriteCreated(w http.ResponseWriter, r *http.Request, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(V{Result: result})
}

// WriteError writes the error envelope with the error's status code.
func WriteError(w http.ResponseWriter, r *http.Request, e *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode)
	json.NewEncoder(w).Encode(struct {
		Message  string      `json:"message"`
		Messages []string    `json:"messages"`
		Result   interface{} `json:"result"`
	}{
		Message:  e.Message,
		Messages: e.Messages,
		Result:   e.Result,
	})
}
