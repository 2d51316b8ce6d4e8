package middleware

import (
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// gzipWriterPool maintains a reusable pool of gzip writers to avoid repeated
// allocation overhead on every compressed response. Writers are initialized
// at BestSpeed compression level, prioritizing throughput over compression
// ratio for real-time responses.
var gzipWriterPool = sync.Pool{
	New: func() interface{} {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		return w
	},
}

// compressibleTypes are the response content types worth compressing.
// Media segments are already-compressed codec payloads and are never
// gzipped; manifests and JSON shrink dramatically.
var compressibleTypes = []string{
	"application/vnd.apple.mpegurl",
	"application/dash+xml",
	"application/json",
	"text/",
}

// gzipResponseWriter wraps an http.ResponseWriter, deciding at header-write
// time whether this response's content type is worth compressing. Media
// bytes pass straight through; manifest and JSON bodies go through the
// pooled gzip writer.
type gzipResponseWriter struct {
	http.ResponseWriter
	gz          *gzip.Writer
	compressing bool
	wroteHeader bool
}

// WriteHeader inspects the content type to decide on compression before the
// status line goes out; Content-Length is dropped when compressing since
// the encoded size differs.
func (w *gzipResponseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true

	contentType := w.Header().Get("Content-Type")
	for _, t := range compressibleTypes {
		if strings.HasPrefix(contentType, t) {
			w.compressing = true
			break
		}
	}

	if w.compressing {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Del("Content-Length")
		w.gz = gzipWriterPool.Get().(*gzip.Writer)
		w.gz.Reset(w.ResponseWriter)
	}

	w.ResponseWriter.WriteHeader(status)
}

// Write compresses manifest/JSON bodies and passes media bytes through
// untouched. Defaults to 200 OK when no explicit status was set.
func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if w.compressing {
		return w.gz.Write(b)
	}
	return w.ResponseWriter.Write(b)
}

// close flushes and recycles the gzip writer if one was engaged.
func (w *gzipResponseWriter) close() {
	if w.gz != nil {
		w.gz.Close()
		gzipWriterPool.Put(w.gz)
		w.gz = nil
	}
}

// Compression wraps a handler with content-type-aware gzip compression for
// clients that advertise gzip support.
func Compression(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}

		gw := &gzipResponseWriter{ResponseWriter: w}
		defer gw.close()
		next.ServeHTTP(gw, r)
	})
}
