package proxy

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"go.uber.org/zap"

	"github.com/swapgate/swapgate/internal/backend"
	"github.com/swapgate/swapgate/internal/config"
	"github.com/swapgate/swapgate/internal/logging"
	"github.com/swapgate/swapgate/internal/sse"
	"github.com/swapgate/swapgate/internal/thinking"
	"github.com/swapgate/swapgate/internal/transform"
)

// maxRequestBytes bounds buffered request bodies. Requests are
// buffered in full so each retry attempt can replay them.
const maxRequestBytes = 64 << 20

// Pipeline labels used in logs and metrics.
const (
	PipelinePrimary  = "primary"
	PipelineTeammate = "teammate"
)

// ForwardOptions select the backend and pipeline for a single request.
type ForwardOptions struct {
	// BackendOverride pins the request to a named backend instead of
	// the active one. Empty means use the active backend.
	BackendOverride string

	// Pipeline tags the request for logs and metrics.
	Pipeline string

	// Session carries the thinking session for the primary pipeline.
	// Nil disables request filtering and response registration.
	Session *thinking.Session
}

// Forwarder relays client requests to the resolved upstream backend,
// applying the transformation pipeline on the way out and reverse
// model mapping on the way back.
type Forwarder struct {
	backends     *backend.Registry
	pool         *ClientPool
	timeouts     TimeoutConfig
	poolCfg      PoolConfig
	thinkingMode string
	converter    *thinking.Converter
	metrics      *Metrics
	logger       *zap.Logger

	// sleep replaces the retry backoff wait in tests. Nil means real time.
	sleep func(time.Duration)
}

func NewForwarder(
	backends *backend.Registry,
	pool *ClientPool,
	timeouts TimeoutConfig,
	poolCfg PoolConfig,
	thinkingMode string,
	metrics *Metrics,
	logger *zap.Logger,
) *Forwarder {
	if metrics == nil {
		metrics = noopMetrics()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if thinkingMode == "" {
		thinkingMode = config.ThinkingModeNative
	}
	f := &Forwarder{
		backends:     backends,
		pool:         pool,
		timeouts:     timeouts,
		poolCfg:      poolCfg,
		thinkingMode: thinkingMode,
		metrics:      metrics,
		logger:       logger,
	}
	switch thinkingMode {
	case config.ThinkingModeDropSignature, config.ThinkingModeConvertToText, config.ThinkingModeConvertToTags:
		f.converter = thinking.NewConverter(thinkingMode)
	}
	return f
}

// Forward handles one client request end to end.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, opts ForwardOptions) {
	ctx := r.Context()
	requestID := logging.RequestIDFromContext(ctx)
	log := f.logger.With(
		zap.String("request_id", requestID),
		zap.String("pipeline", opts.Pipeline),
	)

	b, err := f.resolveBackend(opts.BackendOverride)
	if err != nil {
		f.metrics.GatewayErrors.WithLabelValues(CodeBackendNotFound).Inc()
		WriteError(w, log, http.StatusBadGateway, ErrorResponse{
			Error:       "backend not found",
			Description: err.Error(),
			Code:        CodeBackendNotFound,
			RequestID:   requestID,
		})
		return
	}
	log = log.With(zap.String("backend", b.Name))
	f.metrics.Requests.WithLabelValues(b.Name, opts.Pipeline).Inc()

	rawBody, err := readRequestBody(w, r)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			WriteError(w, log, http.StatusRequestEntityTooLarge, ErrorResponse{
				Error:       "request body too large",
				Description: "request body exceeds " + strconv.FormatInt(maxErr.Limit, 10) + " bytes",
				Code:        CodeRequestTooLarge,
				RequestID:   requestID,
			})
			return
		}
		log.Warn("failed to read request body", zap.Error(err))
		WriteError(w, log, http.StatusBadRequest, ErrorResponse{
			Error:       "invalid request",
			Description: "request body could not be read",
			Code:        CodeInvalidRequest,
			RequestID:   requestID,
		})
		return
	}

	headers := sanitizeInbound(r.Header)
	outBody, mapping := f.transformRequest(rawBody, headers, b, opts.Session, log)

	if err := applyAuth(headers, b); err != nil {
		f.metrics.GatewayErrors.WithLabelValues(CodeBackendNoCred).Inc()
		WriteError(w, log, http.StatusBadGateway, ErrorResponse{
			Error:       "backend not configured",
			Description: err.Error(),
			Code:        CodeBackendNoCred,
			RequestID:   requestID,
		})
		return
	}

	target := joinURL(b.BaseURL, r.URL)

	reqCtx, cancel := context.WithTimeout(ctx, f.timeouts.Request)
	defer cancel()

	resp, err := f.send(reqCtx, r.Method, target, headers, outBody, b, log)
	if err != nil {
		f.writeUpstreamError(w, ctx, log, requestID, err)
		return
	}
	defer resp.Body.Close()

	log.Info("upstream response",
		zap.Int("status", resp.StatusCode),
		zap.String("content_type", resp.Header.Get("Content-Type")),
	)

	if isEventStream(resp) {
		f.relayStreaming(w, reqCtx, resp, b, mapping, opts.Session, log)
		return
	}
	f.relayBuffered(w, resp, b, mapping, opts.Session, log)
}

func (f *Forwarder) resolveBackend(override string) (config.Backend, error) {
	if override != "" {
		return f.backends.Get(override)
	}
	return f.backends.Active()
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
}

// transformRequest runs the outbound pipeline: model mapping, adaptive
// thinking conversion, and thinking filtering for the primary
// pipeline. Returns the bytes to send and the model mapping, if any.
// Bodies that do not parse as a JSON object pass through untouched.
func (f *Forwarder) transformRequest(
	rawBody []byte,
	headers http.Header,
	b config.Backend,
	session *thinking.Session,
	log *zap.Logger,
) ([]byte, *transform.ModelMapping) {
	if len(rawBody) == 0 {
		if session != nil && f.converter != nil {
			f.converter.NoteBackend(b.Name)
		}
		return rawBody, nil
	}
	var body map[string]any
	if err := json.Unmarshal(rawBody, &body); err != nil {
		if session != nil && f.converter != nil {
			f.converter.NoteBackend(b.Name)
		}
		return rawBody, nil
	}

	modified := false

	mapping := transform.MapModel(body, b)
	if mapping != nil {
		modified = true
		log.Debug("mapped model",
			zap.String("from", mapping.Original),
			zap.String("to", mapping.Backend),
		)
	}

	if !b.SupportsAdaptiveThinking {
		changed, present := transform.ConvertAdaptiveThinking(body, b.ThinkingBudgetTokens)
		if changed {
			modified = true
		}
		if present {
			if beta := headers.Get("Anthropic-Beta"); beta != "" {
				headers.Set("Anthropic-Beta", transform.PatchBetaHeader(beta))
			}
		}
	}

	if session != nil {
		switch {
		case f.converter != nil:
			res := f.converter.TransformRequest(b.Name, body)
			if res.Changed {
				modified = true
				f.metrics.ConvertedBlocks.Add(float64(res.Total()))
				log.Info("converted thinking blocks",
					zap.Int("dropped", res.Dropped),
					zap.Int("converted", res.Converted),
					zap.Int("tagged", res.Tagged),
				)
			}
		case f.thinkingMode == config.ThinkingModeStrip:
			if removed := thinking.Strip(body); removed > 0 {
				modified = true
				f.metrics.FilteredBlocks.Add(float64(removed))
				log.Info("filtered thinking blocks", zap.Int("removed", removed))
			}
		default:
			if removed := session.FilterRequest(body); removed > 0 {
				modified = true
				f.metrics.FilteredBlocks.Add(float64(removed))
				log.Info("filtered thinking blocks", zap.Int("removed", removed))
			}
		}
	}

	if !modified {
		return rawBody, mapping
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(body); err != nil {
		log.Warn("failed to re-encode request body", zap.Error(err))
		return rawBody, mapping
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), mapping
}

// send issues the upstream request, retrying transport-level failures
// with jittered exponential backoff. Any HTTP response, including 429
// and 5xx, is returned to the client without a retry.
func (f *Forwarder) send(
	ctx context.Context,
	method, target string,
	headers http.Header,
	body []byte,
	b config.Backend,
	log *zap.Logger,
) (*http.Response, error) {
	client := f.pool.Client(b.Name)

	var lastErr error
	for attempt := 0; attempt <= f.poolCfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := f.poolCfg.RetryBackoffBase << (attempt - 1)
			backoff += time.Duration(rand.Int63n(int64(backoff/2) + 1))
			if err := f.waitBackoff(ctx, backoff); err != nil {
				return nil, err
			}
			f.metrics.Retries.Inc()
			log.Warn("retrying upstream request",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr),
			)
		}

		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header = headers.Clone()
		if len(body) > 0 {
			req.ContentLength = int64(len(body))
		}

		resp, err := client.Do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !isTransient(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (f *Forwarder) waitBackoff(ctx context.Context, d time.Duration) error {
	if f.sleep != nil {
		f.sleep(d)
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (f *Forwarder) writeUpstreamError(
	w http.ResponseWriter,
	clientCtx context.Context,
	log *zap.Logger,
	requestID string,
	err error,
) {
	if clientCtx.Err() != nil {
		// Client went away; nothing useful to write back.
		log.Info("request canceled by client", zap.Error(err))
		f.metrics.GatewayErrors.WithLabelValues(CodeCanceled).Inc()
		return
	}
	if isTimeout(err) {
		f.metrics.GatewayErrors.WithLabelValues(CodeUpstreamTimeout).Inc()
		WriteError(w, log, http.StatusGatewayTimeout, ErrorResponse{
			Error:       "upstream timeout",
			Description: err.Error(),
			Code:        CodeUpstreamTimeout,
			RequestID:   requestID,
		})
		return
	}
	f.metrics.GatewayErrors.WithLabelValues(CodeBadGateway).Inc()
	WriteError(w, log, http.StatusBadGateway, ErrorResponse{
		Error:       "upstream request failed",
		Description: err.Error(),
		Code:        CodeBadGateway,
		RequestID:   requestID,
	})
}

// relayStreaming forwards an SSE response chunk by chunk. Thinking
// blocks are registered only after a clean upstream finish so a
// truncated stream cannot confirm blocks the client never saw in full.
func (f *Forwarder) relayStreaming(
	w http.ResponseWriter,
	ctx context.Context,
	resp *http.Response,
	b config.Backend,
	mapping *transform.ModelMapping,
	session *thinking.Session,
	log *zap.Logger,
) {
	var rewrite transform.ChunkRewriter
	if mapping != nil {
		rewrite = transform.NewReverseModelRewriter(mapping)
	}

	// Compressed streams pass through opaque; observation needs the
	// raw SSE text. Only native mode consults the registry, so only
	// native mode pays for feeding it.
	observable := f.registersBlocks(session) &&
		resp.StatusCode == http.StatusOK &&
		responseEncoding(resp) == ""

	var observed bytes.Buffer
	var observe func([]byte)
	if observable {
		observe = func(chunk []byte) { observed.Write(chunk) }
	}
	if rewrite != nil && responseEncoding(resp) != "" {
		// Cannot rewrite inside a compressed stream.
		rewrite = nil
	}

	sanitizeOutbound(w.Header(), resp.Header, b)
	w.WriteHeader(resp.StatusCode)

	err := relayStream(ctx, w, resp.Body, f.timeouts.Idle, rewrite, observe)
	switch {
	case err == nil:
	case errors.Is(err, errIdleTimeout):
		log.Warn("stream idle timeout, closing connection")
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		log.Info("stream ended early", zap.Error(err))
		return
	default:
		log.Warn("stream relay failed", zap.Error(err))
		return
	}

	if observable {
		events := sse.Parse(observed.Bytes())
		if n := session.RegisterFromStream(events); n > 0 {
			f.metrics.RegisteredBlocks.Add(float64(n))
			log.Info("registered thinking blocks", zap.Int("count", n))
		}
	}
}

// relayBuffered forwards a non-streaming response. When the body needs
// rewriting or observation it is decoded, processed, and re-sent
// identity-encoded with a recomputed length.
func (f *Forwarder) relayBuffered(
	w http.ResponseWriter,
	resp *http.Response,
	b config.Backend,
	mapping *transform.ModelMapping,
	session *thinking.Session,
	log *zap.Logger,
) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Warn("failed to read upstream body", zap.Error(err))
		return
	}

	register := f.registersBlocks(session)
	needsProcessing := (mapping != nil || register) &&
		resp.StatusCode == http.StatusOK &&
		isJSON(resp.Header.Get("Content-Type"))

	encoding := responseEncoding(resp)
	sanitizeOutbound(w.Header(), resp.Header, b)

	if needsProcessing {
		decoded, decErr := decodeBody(body, encoding)
		if decErr != nil {
			log.Warn("failed to decode upstream body", zap.Error(decErr))
		} else {
			if mapping != nil {
				decoded = transform.ReverseMapResponse(decoded, mapping)
			}
			if register {
				var parsed map[string]any
				if json.Unmarshal(decoded, &parsed) == nil {
					if n := session.RegisterFromResponse(parsed); n > 0 {
						f.metrics.RegisteredBlocks.Add(float64(n))
						log.Info("registered thinking blocks", zap.Int("count", n))
					}
				}
			}
			body = decoded
			w.Header().Del("Content-Encoding")
		}
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(body); err != nil {
		log.Debug("failed to write response to client", zap.Error(err))
	}
}

// registersBlocks reports whether responses on this session feed the
// thinking registry. Strip and conversion modes never read it back, so
// registering would only grow the cache until orphan eviction.
func (f *Forwarder) registersBlocks(session *thinking.Session) bool {
	return session != nil && f.thinkingMode == config.ThinkingModeNative
}

func isEventStream(resp *http.Response) bool {
	return strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
}

func isJSON(contentType string) bool {
	return strings.HasPrefix(contentType, "application/json")
}

func responseEncoding(resp *http.Response) string {
	enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	if enc == "identity" {
		return ""
	}
	return enc
}

func decodeBody(body []byte, encoding string) ([]byte, error) {
	switch encoding {
	case "":
		return body, nil
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case "br":
		return io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
	default:
		return nil, errors.New("unsupported content encoding: " + encoding)
	}
}

func joinURL(base string, u *url.URL) string {
	target := strings.TrimSuffix(base, "/") + u.EscapedPath()
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}
	return target
}
