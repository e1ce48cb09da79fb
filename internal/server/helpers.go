package server

import (
	"encoding/json"
	"net/http"
	"strings"
)

// maxUploadBytes bounds multipart uploads held in memory before spilling to
// temp files.
const maxUploadBytes = 512 << 20

// ErrorResponse is the standard error format for REST API responses.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, statusCode int, message string) {
	WriteJSON(w, statusCode, ErrorResponse{Error: message})
}

// RequireMethod validates the HTTP method and returns true if it matches.
// If it doesn't match, it writes a 405 response and returns false.
func RequireMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
	return false
}

// RequestParam extracts an identifier-bearing parameter from the query
// string, an urlencoded form, or a multipart body — first non-empty wins.
// The query string is checked first. A multipart request is then read only
// from its multipart values (a failed parse yields ""); any other request
// falls back to its urlencoded body via PostFormValue.
func RequestParam(r *http.Request, name string) string {
	if v := r.URL.Query().Get(name); v != "" {
		return v
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		_ = r.ParseMultipartForm(maxUploadBytes)
		if r.MultipartForm != nil {
			if vs := r.MultipartForm.Value[name]; len(vs) > 0 && vs[0] != "" {
				return vs[0]
			}
		}
		return ""
	}
	return r.PostFormValue(name)
}
