package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"syscall"
)

// relayBufSize bounds the bytes held in flight per direction. Large payloads
// stream through in near-constant memory.
const relayBufSize = 32 * 1024

// StreamResponse writes the upstream status, headers and body to the client.
// Injected headers are merged last and win. Returns a fault only when the
// stream could not complete; a fault after the first body byte cannot change
// the status code anymore, the caller just aborts the connection.
func StreamResponse(w http.ResponseWriter, resp *http.Response, inject http.Header) *Error {
	defer resp.Body.Close()

	header := w.Header()
	upstream := resp.Header.Clone()
	removeHopByHop(upstream)
	for name, vals := range upstream {
		header[name] = vals
	}
	for name, vals := range inject {
		if len(vals) > 0 {
			header.Set(name, vals[len(vals)-1])
		}
	}

	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, relayBufSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return Wrap(KindClientAborted, "client went away", werr)
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return classifyStreamError(rerr)
		}
	}
}

// classifyStreamError maps a mid-body read failure. By this point the status
// line is on the wire; the caller can only abort.
func classifyStreamError(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindUpstreamTimeout, "upstream stalled mid-stream", err)
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(KindClientAborted, "client went away", err)
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return Wrap(KindUpstreamUnreachable, "upstream connection reset", err)
	}
	return Wrap(KindUpstreamProtocol, "upstream stream failed", err)
}
