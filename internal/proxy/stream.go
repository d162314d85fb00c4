package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/swapgate/swapgate/internal/transform"
)

// errIdleTimeout is returned when a streaming response stalls between
// chunks for longer than the idle timeout.
var errIdleTimeout = errors.New("idle stream timeout")

type streamChunk struct {
	data []byte
	err  error
}

// relayStream forwards an upstream byte stream to the client chunk by
// chunk. Each chunk resets the idle timer, passes through the rewrite
// hook, is handed to the observer, and is flushed immediately. The
// overall deadline lives on ctx and deliberately does not reset.
//
// Returns nil on clean upstream EOF. A context error means the client
// went away or the overall deadline fired; the caller must skip
// registration in that case.
func relayStream(
	ctx context.Context,
	w http.ResponseWriter,
	upstream io.Reader,
	idle time.Duration,
	rewrite transform.ChunkRewriter,
	observe func([]byte),
) error {
	flusher, _ := w.(http.Flusher)

	chunks := make(chan streamChunk, 1)
	go func() {
		defer close(chunks)
		buf := make([]byte, 32*1024)
		for {
			n, err := upstream.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				select {
				case chunks <- streamChunk{data: data}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					select {
					case chunks <- streamChunk{err: err}:
					case <-ctx.Done():
					}
				}
				return
			}
		}
	}()

	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return errIdleTimeout
		case chunk, ok := <-chunks:
			if !ok {
				return nil
			}
			if chunk.err != nil {
				return chunk.err
			}

			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(idle)

			data := chunk.data
			if rewrite != nil {
				data = rewrite(data)
			}
			if observe != nil {
				observe(data)
			}
			if _, err := w.Write(data); err != nil {
				return err
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}
