package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

type mockStatusRecorder struct {
	codes []int
}

func (m *mockStatusRecorder) RecordHTTPStatus(code int) {
	m.codes = append(m.codes, code)
}

func TestMetricsMiddleware_RecordsStatus(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    int
	}{
		{"WriteHeaderなしは200", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok")) }, http.StatusOK},
		{"201", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusCreated) }, http.StatusCreated},
		{"503", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) }, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &mockStatusRecorder{}
			handler := NewMetricsMiddleware(rec)(tt.handler)

			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/messages", nil))

			if len(rec.codes) != 1 || rec.codes[0] != tt.want {
				t.Errorf("recorded = %v, want [%d]", rec.codes, tt.want)
			}
		})
	}
}
