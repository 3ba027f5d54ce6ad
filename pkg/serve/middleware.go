package serve

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/muyo/sno"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(p)
	r.size += n
	return n, err
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		reqID := sno.New(0)
		logger := s.logger.With().Str("req", reqID.String()).Logger()
		rec := &statusRecorder{ResponseWriter: rw}
		start := time.Now()

		next.ServeHTTP(rec, r.WithContext(logger.WithContext(r.Context())))

		evt := logger.Debug()
		if rec.status >= 400 {
			evt = logger.Warn()
		}
		evt.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Int("size", rec.size).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

// brotliWriter compresses successful responses. Anything other than 200 is passed through untouched since those
// responses either carry no body or a short error text.
type brotliWriter struct {
	http.ResponseWriter
	writer      *brotli.Writer
	wroteHeader bool
}

func (w *brotliWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true

	header := w.Header()
	if status == http.StatusOK && header.Get("Content-Encoding") == "" {
		header.Set("Content-Encoding", "br")
		header.Del("Content-Length")
		header.Del("Accept-Ranges")
		w.writer = brotli.NewWriterLevel(w.ResponseWriter, brotli.DefaultCompression)
	}

	w.ResponseWriter.WriteHeader(status)
}

func (w *brotliWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if w.writer == nil {
		return w.ResponseWriter.Write(p)
	}

	return w.writer.Write(p)
}

func (w *brotliWriter) Close() error {
	if w.writer == nil {
		return nil
	}

	return w.writer.Close()
}

func compressHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Add("Vary", "Accept-Encoding")
		if !acceptsBrotli(r.Header.Get("Accept-Encoding")) || r.Header.Get("Range") != "" {
			next.ServeHTTP(rw, r)
			return
		}

		bw := &brotliWriter{ResponseWriter: rw}
		defer bw.Close()

		next.ServeHTTP(bw, r)
	})
}

func acceptsBrotli(header string) bool {
	for _, part := range strings.Split(header, ",") {
		params := strings.Split(part, ";")
		if strings.TrimSpace(params[0]) != "br" {
			continue
		}

		for _, param := range params[1:] {
			name, value, ok := strings.Cut(strings.TrimSpace(param), "=")
			if ok && strings.EqualFold(strings.TrimSpace(name), "q") {
				q, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
				return err == nil && q > 0
			}
		}
		return true
	}

	return false
}
