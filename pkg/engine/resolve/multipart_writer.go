package resolve

import (
	"fmt"
	"io"
)

const (
	// MultipartBoundary is the boundary token of incremental delivery streams.
	MultipartBoundary = "graphql"
	// MultipartContentType is the Content-Type header value of incremental
	// delivery responses.
	MultipartContentType = `multipart/mixed;boundary="graphql";deferSpec=20220824`
	// MultipartMime is the mime type clients must accept to activate
	// incremental delivery.
	MultipartMime = "multipart/mixed"
	// DeferSpecParameter and DeferSpecVersion negotiate the incremental
	// delivery draft version on the Accept header.
	DeferSpecParameter = "deferSpec"
	DeferSpecVersion   = "20220824"

	partContentType = "application/json"
)

var heartbeatPart = []byte("{}")

// MultipartWriter frames JSON payloads as parts of a multipart/mixed response
// body. It owns framing only, the payload bytes are built by the caller. Parts
// are written in bulk, one Write per part.
type MultipartWriter struct {
	Writer io.Writer
}

// WriteJSON writes one complete part containing the given JSON body.
func (w *MultipartWriter) WriteJSON(body []byte) error {
	if _, err := w.Writer.Write(w.partHeader()); err != nil {
		return fmt.Errorf("writing part header: %w", err)
	}
	if _, err := w.Writer.Write(body); err != nil {
		return fmt.Errorf("writing part body: %w", err)
	}
	if _, err := w.Writer.Write([]byte("\r\n")); err != nil {
		return fmt.Errorf("writing part terminator: %w", err)
	}
	return nil
}

// WriteHeartbeat writes an empty JSON part. Conforming clients ignore it.
func (w *MultipartWriter) WriteHeartbeat() error {
	return w.WriteJSON(heartbeatPart)
}

// Complete terminates the stream with the final boundary.
func (w *MultipartWriter) Complete() error {
	if _, err := w.Writer.Write([]byte(fmt.Sprintf("--%s--\r\n", MultipartBoundary))); err != nil {
		return fmt.Errorf("writing final boundary: %w", err)
	}
	return nil
}

func (w *MultipartWriter) partHeader() []byte {
	return []byte(fmt.Sprintf("--%s\r\nContent-Type: %s\r\n\r\n", MultipartBoundary, partContentType))
}
