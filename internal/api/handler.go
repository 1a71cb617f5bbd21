package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gowebpki/jcs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/allocops/internal/domain"
	"github.com/punchamoorthee/allocops/internal/idempotency"
	"github.com/punchamoorthee/allocops/internal/normalize"
	"github.com/punchamoorthee/allocops/internal/sequence"
	"github.com/punchamoorthee/allocops/internal/store"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alloc_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "alloc_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// Allocator is the allocation transaction collaborator.
type Allocator interface {
	Allocate(ctx context.Context, req domain.AllocationRequest, dryRun bool) (*domain.AllocationResult, error)
}

// Previewer exposes the next-code preview for a partition.
type Previewer interface {
	Preview(ctx context.Context, p sequence.Partition) (string, error)
}

type Handler struct {
	store    *store.Store
	svc      Allocator
	idem     *idempotency.Coordinator
	preview  Previewer
	resolve  func(code string) (sequence.Partition, error)
	maxIdemN int
}

func NewHandler(s *store.Store, svc Allocator, idem *idempotency.Coordinator, preview Previewer, resolve func(string) (sequence.Partition, error)) *Handler {
	return &Handler{
		store:    s,
		svc:      svc,
		idem:     idem,
		preview:  preview,
		resolve:  resolve,
		maxIdemN: 200,
	}
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// validIdempotencyKey enforces the header contract: a bounded-length token
// of printable ASCII.
func (h *Handler) validIdempotencyKey(key string) bool {
	if len(key) == 0 || len(key) > h.maxIdemN {
		return false
	}
	for i := 0; i < len(key); i++ {
		if key[i] < 0x21 || key[i] > 0x7e {
			return false
		}
	}
	return true
}

// bodyHash derives the dedupe hash over the normalized request so that
// client-side encoding differences never fracture identity.
func bodyHash(req domain.AllocationRequest) (string, error) {
	req.RequesterID = normalize.Normalize(req.RequesterID)
	req.ResourceID = normalize.Normalize(req.ResourceID)
	req.RequestID = normalize.Normalize(req.RequestID)
	req.Partition = normalize.Normalize(req.Partition)

	raw, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func (h *Handler) CreateAllocationHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/allocations"))
	defer timer.ObserveDuration()

	var req domain.AllocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, domain.CodeValidation, "malformed JSON body", "POST", "/allocations")
		return
	}
	dryRun := r.URL.Query().Get("dry_run") == "true"

	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey == "" {
		// No key means no request-level deduplication; the storage-layer
		// unique constraint still guards concurrent execution.
		res, err := h.svc.Allocate(r.Context(), req, dryRun)
		if err != nil {
			h.respondAllocErr(w, err)
			return
		}
		h.respondResult(w, res)
		return
	}

	if !h.validIdempotencyKey(idemKey) {
		h.respondError(w, http.StatusBadRequest, domain.CodeValidation, "Idempotency-Key must be printable ASCII, at most 200 bytes", "POST", "/allocations")
		return
	}

	hash, err := bodyHash(req)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, domain.CodeInfraUnavailable, "hashing failed", "POST", "/allocations")
		return
	}

	reservation, cached, err := h.idem.Reserve(r.Context(), idemKey, hash)
	if err != nil {
		h.respondAllocErr(w, err)
		return
	}
	if cached != nil {
		// Byte-identical replay of the first caller's response, flagged as
		// a duplicate delivery.
		httpRequestsTotal.WithLabelValues("POST", "/allocations", "200").Inc()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Idempotent-Replay", "true")
		w.WriteHeader(http.StatusOK)
		w.Write(cached.Response)
		return
	}

	res, err := h.svc.Allocate(r.Context(), req, dryRun)
	if err != nil {
		if abortErr := reservation.Abort(r.Context()); abortErr != nil {
			// The lock TTL will clear it; the failed attempt stays retryable.
			_ = abortErr
		}
		h.respondAllocErr(w, err)
		return
	}

	body, err := json.Marshal(res)
	if err != nil {
		h.respondAllocErr(w, err)
		return
	}
	if !res.DryRun {
		if err := reservation.Commit(r.Context(), body); err != nil {
			h.respondAllocErr(w, err)
			return
		}
	} else if err := reservation.Abort(r.Context()); err != nil {
		_ = err
	}

	h.respondResult(w, res)
}

func (h *Handler) respondResult(w http.ResponseWriter, res *domain.AllocationResult) {
	code := http.StatusOK
	switch res.Status {
	case domain.StatusOK:
		code = http.StatusCreated
		w.Header().Set("Location", fmt.Sprintf("/api/v1/allocations/%d", res.AllocationID))
	case domain.StatusPolicyReject:
		code = http.StatusUnprocessableEntity
	}
	httpRequestsTotal.WithLabelValues("POST", "/allocations", strconv.Itoa(code)).Inc()
	respondWithJSON(w, code, res)
}

func (h *Handler) respondAllocErr(w http.ResponseWriter, err error) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		h.respondError(w, http.StatusBadRequest, domain.CodeValidation, ve.Error(), "POST", "/allocations")
	case errors.Is(err, domain.ErrIdempotencyConflict):
		h.respondError(w, http.StatusUnprocessableEntity, domain.CodeIdempotencyConflict, "idempotency key reused with a different payload; mint a new key", "POST", "/allocations")
	case errors.Is(err, domain.ErrIdempotencyInFlight):
		h.respondError(w, http.StatusConflict, domain.CodeIdempotencyInFlight, "request with this idempotency key is still processing", "POST", "/allocations")
	case errors.Is(err, domain.ErrSequenceExhausted):
		h.respondError(w, http.StatusServiceUnavailable, domain.CodeSequenceExhausted, "no codes left in this partition", "POST", "/allocations")
	case errors.Is(err, domain.ErrSequenceRetryExhausted):
		h.respondError(w, http.StatusServiceUnavailable, domain.CodeSequenceRetryExceeded, "allocation contention, retry later", "POST", "/allocations")
	case errors.Is(err, domain.ErrNotFound):
		h.respondError(w, http.StatusNotFound, domain.CodeNotFound, "not found", "POST", "/allocations")
	default:
		h.respondError(w, http.StatusInternalServerError, domain.CodeInfraUnavailable, "internal error", "POST", "/allocations")
	}
}

func (h *Handler) GetAllocationHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, domain.CodeValidation, "allocation id must be an integer", "GET", "/allocations/{id}")
		return
	}

	rec, err := h.store.GetAllocation(r.Context(), id)
	if err != nil {
		h.respondLookupErr(w, err, "GET", "/allocations/{id}")
		return
	}
	httpRequestsTotal.WithLabelValues("GET", "/allocations/{id}", "200").Inc()
	respondWithJSON(w, http.StatusOK, rec)
}

func (h *Handler) GetAllocationByCodeHandler(w http.ResponseWriter, r *http.Request) {
	code := normalize.Normalize(mux.Vars(r)["code"])

	rec, err := h.store.GetAllocationByCode(r.Context(), code)
	if err != nil {
		h.respondLookupErr(w, err, "GET", "/allocations/code/{code}")
		return
	}
	httpRequestsTotal.WithLabelValues("GET", "/allocations/code/{code}", "200").Inc()
	respondWithJSON(w, http.StatusOK, rec)
}

func (h *Handler) PreviewCodeHandler(w http.ResponseWriter, r *http.Request) {
	part, err := h.resolve(normalize.Normalize(mux.Vars(r)["partition"]))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, domain.CodeValidation, err.Error(), "GET", "/partitions/{partition}/next")
		return
	}

	code, err := h.preview.Preview(r.Context(), part)
	if err != nil {
		if errors.Is(err, domain.ErrSequenceExhausted) {
			h.respondError(w, http.StatusConflict, domain.CodeSequenceExhausted, "partition exhausted", "GET", "/partitions/{partition}/next")
			return
		}
		h.respondError(w, http.StatusInternalServerError, domain.CodeInfraUnavailable, "internal error", "GET", "/partitions/{partition}/next")
		return
	}
	httpRequestsTotal.WithLabelValues("GET", "/partitions/{partition}/next", "200").Inc()
	respondWithJSON(w, http.StatusOK, map[string]string{"partition": part.Code, "next_code": code})
}

func (h *Handler) OutboxStatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.OutboxStats(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, domain.CodeInfraUnavailable, "internal error", "GET", "/outbox/stats")
		return
	}
	httpRequestsTotal.WithLabelValues("GET", "/outbox/stats", "200").Inc()
	respondWithJSON(w, http.StatusOK, stats)
}

func (h *Handler) respondLookupErr(w http.ResponseWriter, err error, method, endpoint string) {
	if errors.Is(err, domain.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, domain.CodeNotFound, "not found", method, endpoint)
		return
	}
	h.respondError(w, http.StatusInternalServerError, domain.CodeInfraUnavailable, "internal error", method, endpoint)
}

// Helpers
func (h *Handler) respondError(w http.ResponseWriter, code int, errCode, msg, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	respondWithJSON(w, code, map[string]string{"error_code": errCode, "error": msg})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
