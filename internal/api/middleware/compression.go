// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package middleware holds the HTTP middleware for the API server.
package middleware

import (
	"compress/gzip"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// compressionAlgorithm identifies a negotiated response encoding.
type compressionAlgorithm int

const (
	algorithmNone compressionAlgorithm = iota
	algorithmGzip
	algorithmBrotli
	algorithmZstd
)

// compressibleTypes is matched against the response Content-Type. Everything
// the API serves is JSON or YAML; anything else passes through unchanged.
var compressibleTypes = []string{
	"application/json",
	"application/yaml",
	"text/",
}

// compressionWriter defers encoder setup until the response crosses the
// minimum size, so small payloads go out uncompressed.
type compressionWriter struct {
	http.ResponseWriter
	algorithm   compressionAlgorithm
	level       int
	minSize     int
	writer      io.Writer
	size        int
	wroteHeader bool
	initialized bool
}

func (w *compressionWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true

	if w.size == 0 {
		// Compression changes the length; let chunked encoding handle it.
		w.Header().Del("Content-Length")
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *compressionWriter) Write(data []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}

	w.size += len(data)

	if !w.initialized && w.size >= w.minSize {
		if w.shouldCompress() {
			if err := w.initCompression(); err != nil {
				w.writer = w.ResponseWriter
			}
		} else {
			w.writer = w.ResponseWriter
		}
		w.initialized = true
	}

	if w.writer == nil {
		w.writer = w.ResponseWriter
	}

	return w.writer.Write(data)
}

func (w *compressionWriter) shouldCompress() bool {
	contentType := w.Header().Get("Content-Type")
	for _, prefix := range compressibleTypes {
		if strings.Contains(contentType, prefix) {
			return true
		}
	}
	return false
}

func (w *compressionWriter) initCompression() error {
	switch w.algorithm {
	case algorithmZstd:
		encoder, err := zstd.NewWriter(w.ResponseWriter,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(w.level)))
		if err != nil {
			return err
		}
		w.Header().Set("Content-Encoding", "zstd")
		w.writer = encoder

	case algorithmBrotli:
		w.Header().Set("Content-Encoding", "br")
		w.writer = brotli.NewWriterLevel(w.ResponseWriter, w.level)

	case algorithmGzip:
		gz, err := gzip.NewWriterLevel(w.ResponseWriter, w.level)
		if err != nil {
			return err
		}
		w.Header().Set("Content-Encoding", "gzip")
		w.writer = gz
	}

	return nil
}

func (w *compressionWriter) Flush() {
	if flusher, ok := w.writer.(interface{ Flush() error }); ok {
		_ = flusher.Flush()
	}
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *compressionWriter) close() error {
	if closer, ok := w.writer.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// negotiateAlgorithm picks the strongest encoding the client accepts.
// Preference order: zstd, brotli, gzip.
func negotiateAlgorithm(acceptEncoding string) compressionAlgorithm {
	accepted := parseAcceptEncoding(acceptEncoding)

	switch {
	case accepted["zstd"] > 0:
		return algorithmZstd
	case accepted["br"] > 0:
		return algorithmBrotli
	case accepted["gzip"] > 0:
		return algorithmGzip
	default:
		return algorithmNone
	}
}

// parseAcceptEncoding extracts encoding names and quality values from the
// Accept-Encoding header.
func parseAcceptEncoding(header string) map[string]float64 {
	accepted := make(map[string]float64)

	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		encoding := part
		quality := 1.0

		if idx := strings.Index(part, ";q="); idx != -1 {
			encoding = strings.TrimSpace(part[:idx])
			if q, err := strconv.ParseFloat(strings.TrimSpace(part[idx+3:]), 64); err == nil {
				quality = q
			}
		}

		if encoding == "*" {
			for _, name := range []string{"gzip", "br", "zstd"} {
				accepted[name] = quality
			}
			continue
		}
		accepted[encoding] = quality
	}

	return accepted
}

// Compress negotiates a response encoding per request and compresses bodies
// larger than minSize bytes.
func Compress(minSize, level int) func(http.Handler) http.Handler {
	if minSize < 0 {
		minSize = 1024
	}
	if level < 1 {
		level = 1
	}
	if level > 9 {
		level = 9
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			algorithm := negotiateAlgorithm(r.Header.Get("Accept-Encoding"))
			if algorithm == algorithmNone {
				next.ServeHTTP(w, r)
				return
			}

			wrapped := &compressionWriter{
				ResponseWriter: w,
				algorithm:      algorithm,
				level:          level,
				minSize:        minSize,
			}
			w.Header().Set("Vary", "Accept-Encoding")

			next.ServeHTTP(wrapped, r)

			if wrapped.writer != nil {
				_ = wrapped.close()
			}
		})
	}
}
