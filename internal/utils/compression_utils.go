package utils

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
)

// decompressFunc inflates a complete response body of one encoding.
type decompressFunc func(data []byte) ([]byte, error)

var decompressors = map[string]decompressFunc{
	"gzip":    decompressGzip,
	"br":      decompressBrotli,
	"deflate": decompressDeflate,
	"zstd":    decompressZstd,
}

// DecompressResponse inflates a response body according to its
// Content-Encoding header. Unknown encodings and decompression failures
// return the original bytes so error reporting still has something to show.
func DecompressResponse(contentEncoding string, data []byte) ([]byte, error) {
	if contentEncoding == "" || len(data) == 0 {
		return data, nil
	}

	inflate, ok := decompressors[contentEncoding]
	if !ok {
		logrus.Warnf("No decompressor registered for encoding '%s', returning original data", contentEncoding)
		return data, nil
	}

	decoded, err := inflate(data)
	if err != nil {
		logrus.WithError(err).Warnf("Failed to decompress with '%s', returning original data", contentEncoding)
		return data, nil
	}
	return decoded, nil
}

func decompressGzip(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer reader.Close()
	return readAll(reader, "gzip")
}

func decompressBrotli(data []byte) ([]byte, error) {
	return readAll(brotli.NewReader(bytes.NewReader(data)), "brotli")
}

func decompressDeflate(data []byte) ([]byte, error) {
	reader := flate.NewReader(bytes.NewReader(data))
	defer reader.Close()
	return readAll(reader, "deflate")
}

func decompressZstd(data []byte) ([]byte, error) {
	reader, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer reader.Close()
	return readAll(reader.IOReadCloser(), "zstd")
}

func readAll(r io.Reader, encoding string) ([]byte, error) {
	decoded, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s data: %w", encoding, err)
	}
	return decoded, nil
}
