package middleware

import (
	"compress/gzip"
	"encoding/json"
	"net/http"
	"strings"
)

type gzipWriter struct {
	http.ResponseWriter
	zw *gzip.Writer
}

func (w *gzipWriter) Write(b []byte) (int, error) {
	return w.zw.Write(b)
}

// GzipMiddleware распаковывает сжатые тела запросов и сжимает ответы,
// если клиент объявил поддержку gzip.
func GzipMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.Header.Get("Content-Encoding"), "gzip") {
			zr, err := gzip.NewReader(r.Body)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{
					"status":  "error",
					"message": "Invalid request body.",
				})
				return
			}
			defer zr.Close()
			r.Body = zr
		}

		if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			zw := gzip.NewWriter(w)
			defer zw.Close()

			w.Header().Set("Content-Encoding", "gzip")
			w = &gzipWriter{ResponseWriter: w, zw: zw}
		}

		next.ServeHTTP(w, r)
	})
}
