package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Mindburn-Labs/forwarder/pkg/api"
)

// Signature headers recognized on incoming callbacks; first present wins.
var signatureHeaders = []string{
	"X-Alchemy-Signature",
	"X-Signature",
	"X-Hub-Signature-256",
}

// Request outcomes, used for the per-request log line and metrics.
const (
	outcomeStored      = "stored"
	outcomeDuplicate   = "duplicate"
	outcomeAuthFailed  = "auth_failed"
	outcomeBadRequest  = "bad_request"
	outcomeStoreFailed = "store_failed"
)

const maxEventTypeLen = 100

// Recorder receives per-request metrics. The observability provider
// implements it; a nil Recorder disables recording.
type Recorder interface {
	RecordRequest(ctx context.Context, provider, outcome string, duration time.Duration)
}

// Handler drives the ingestion pipeline for one provider route:
// intake, authentication, deduplication, persistence. It is the only place
// where pipeline results become HTTP responses.
type Handler struct {
	provider     string
	authn        Authenticator
	deduper      Deduplicator
	events       EventStore
	health       HealthChecker
	maxBodyBytes int64
	metrics      Recorder
	logger       *slog.Logger
}

// NewHandler creates a Handler for the given provider route. health and
// metrics may be nil.
func NewHandler(provider string, authn Authenticator, deduper Deduplicator, events EventStore,
	health HealthChecker, maxBodyBytes int64, metrics Recorder, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	return &Handler{
		provider:     provider,
		authn:        authn,
		deduper:      deduper,
		events:       events,
		health:       health,
		maxBodyBytes: maxBodyBytes,
		metrics:      metrics,
		logger:       logger.With("component", "webhook", "provider", provider),
	}
}

// Register installs the provider routes on mux. wrap, when non-nil, is
// applied to the ingestion route only (e.g. rate limiting).
func (h *Handler) Register(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	var ingest http.Handler = http.HandlerFunc(h.ServeWebhook)
	if wrap != nil {
		ingest = wrap(ingest)
	}
	mux.Handle("/webhook/"+h.provider, ingest)
	mux.HandleFunc("/webhook/"+h.provider+"/events", h.ServeEvents)
}

// ingestResponse is the fixed wire shape of the ingestion endpoint.
type ingestResponse struct {
	Message   string `json:"message"`
	EventID   string `json:"eventId,omitempty"`
	Duplicate bool   `json:"duplicate"`
}

// ServeWebhook handles POST /webhook/<provider>.
func (h *Handler) ServeWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.observe(ctx, "", "", outcomeBadRequest, start)
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			api.WriteBadRequest(w, "Request body exceeds size limit")
		} else {
			api.WriteBadRequest(w, "Unable to read request body")
		}
		return
	}
	if len(body) == 0 {
		h.observe(ctx, "", "", outcomeBadRequest, start)
		api.WriteBadRequest(w, "Empty request body")
		return
	}

	ev := h.buildEvent(r, body)

	if res := h.authn.Authenticate(ev); !res.Authenticated {
		h.observe(ctx, ev.EventType, "", outcomeAuthFailed, start)
		api.WriteUnauthorized(w, res.FailureReason)
		return
	}

	duplicate, hash, err := h.deduper.IsDuplicate(ctx, h.provider, body)
	if err != nil {
		// Deduplication uncertainty never rejects; the store's unique
		// index settles it.
		h.logger.WarnContext(ctx, "dedup check failed, continuing", "error", err)
	}
	if duplicate {
		h.observe(ctx, ev.EventType, hash, outcomeDuplicate, start)
		h.writeJSON(w, http.StatusOK, ingestResponse{
			Message:   "Event already processed",
			Duplicate: true,
		})
		return
	}

	stored := &StoredEvent{
		Provider:      ev.Provider,
		EventType:     ev.EventType,
		Body:          ev.Body,
		Hash:          hash,
		ReceivedAt:    ev.ReceivedAt,
		SourceAddress: ev.SourceAddress,
		Headers:       ev.Headers,
	}

	id, err := h.events.Store(ctx, stored)
	if err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			// Lost the insert race: the other writer's row is the event.
			h.observe(ctx, ev.EventType, hash, outcomeDuplicate, start)
			h.writeJSON(w, http.StatusOK, ingestResponse{
				Message:   "Event already processed",
				Duplicate: true,
			})
			return
		}
		h.observe(ctx, ev.EventType, hash, outcomeStoreFailed, start)
		api.WriteInternal(w, err)
		return
	}

	h.observe(ctx, ev.EventType, hash, outcomeStored, start)
	h.writeJSON(w, http.StatusOK, ingestResponse{
		Message:   "Event stored",
		EventID:   id.String(),
		Duplicate: false,
	})
}

// ServeEvents handles GET /webhook/<provider>/events: the 50 most recent
// rows, received_at descending. Debug-only, no pagination.
func (h *Handler) ServeEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}

	events, err := h.events.RecentEvents(r.Context(), 50)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	if events == nil {
		events = []StoredEvent{}
	}
	h.writeJSON(w, http.StatusOK, events)
}

// ServePing handles GET /ping.
func (h *Handler) ServePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("pong"))
}

// ServeHealth handles GET /health with a boolean store-reachability probe.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	if h.health != nil && !h.health.CheckHealth(r.Context()) {
		api.WriteServiceUnavailable(w, "Database unreachable")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// buildEvent assembles the request-scoped event: provider fixed by route,
// event type best-effort extracted from the body, verbatim headers.
func (h *Handler) buildEvent(r *http.Request, body []byte) *IncomingEvent {
	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		headers[name] = strings.Join(values, ", ")
	}

	var signature string
	for _, name := range signatureHeaders {
		if v := r.Header.Get(name); v != "" {
			signature = v
			break
		}
	}

	return &IncomingEvent{
		Provider:      h.provider,
		EventType:     h.extractEventType(r, body),
		Body:          body,
		Signature:     signature,
		SourceAddress: r.RemoteAddr,
		ReceivedAt:    time.Now().UTC(),
		Headers:       headers,
	}
}

// extractEventType parses the body only far enough to read a top-level
// "type" field. Parsing must never fail the request: unparseable bodies are
// logged and typed "unknown".
func (h *Handler) extractEventType(r *http.Request, body []byte) string {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		h.logger.WarnContext(r.Context(), "webhook body is not a JSON object", "error", err)
		return "unknown"
	}
	if probe.Type == "" {
		return "unknown"
	}
	if len(probe.Type) > maxEventTypeLen {
		return probe.Type[:maxEventTypeLen]
	}
	return probe.Type
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) observe(ctx context.Context, eventType, hash, outcome string, start time.Time) {
	duration := time.Since(start)
	if h.metrics != nil {
		h.metrics.RecordRequest(ctx, h.provider, outcome, duration)
	}
	prefix := hash
	if len(prefix) > 12 {
		prefix = prefix[:12]
	}
	h.logger.InfoContext(ctx, "webhook request",
		"event_type", eventType,
		"hash", prefix,
		"outcome", outcome,
		"duration_ms", duration.Milliseconds(),
	)
}
