package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/allocops/internal/domain"
	"github.com/punchamoorthee/allocops/internal/idempotency"
	"github.com/punchamoorthee/allocops/internal/redistest"
	"github.com/punchamoorthee/allocops/internal/sequence"
)

type fakeAllocator struct {
	result *domain.AllocationResult
	err    error
	calls  int
}

func (f *fakeAllocator) Allocate(_ context.Context, req domain.AllocationRequest, dryRun bool) (*domain.AllocationResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	res := *f.result
	res.DryRun = dryRun
	if dryRun {
		res.Status = domain.StatusDryRun
	}
	return &res, nil
}

type fakePreviewer struct {
	code string
	err  error
}

func (f *fakePreviewer) Preview(context.Context, sequence.Partition) (string, error) {
	return f.code, f.err
}

func testResolver(code string) (sequence.Partition, error) {
	if code == "" {
		code = "02"
	}
	return sequence.Partition{Key: code + ":373", Code: code, CategoryPrefix: "373", SerialWidth: 4, MaxSerial: 9999}, nil
}

func testCoordinator(fake *redistest.FakeScripter) *idempotency.Coordinator {
	return idempotency.New(fake, idempotency.Config{
		RecordTTL:    time.Hour,
		LockTTL:      10 * time.Second,
		WaitAttempts: 2,
		WaitDelay:    time.Millisecond,
	})
}

func okResult() *domain.AllocationResult {
	return &domain.AllocationResult{
		Status:         domain.StatusOK,
		AllocationID:   7,
		AllocationCode: "023730001",
		Partition:      "02",
		IdempotencyKey: "derived",
		OutboxEventID:  "evt-1",
	}
}

func postAllocation(t *testing.T, h *Handler, body string, idemKey string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/allocations", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	w := httptest.NewRecorder()
	h.CreateAllocationHandler(w, req)
	return w
}

const validBody = `{"requester_id":"st-1","resource_id":"mentor-a","partition":"02"}`

func TestCreateAllocationWithoutKeySkipsDedup(t *testing.T) {
	alloc := &fakeAllocator{result: okResult()}
	h := NewHandler(nil, alloc, testCoordinator(redistest.NewFakeScripter()), &fakePreviewer{}, testResolver)

	w := postAllocation(t, h, validBody, "")
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, 1, alloc.calls)
	assert.Equal(t, "/api/v1/allocations/7", w.Header().Get("Location"))
}

func TestCreateAllocationMalformedBody(t *testing.T) {
	alloc := &fakeAllocator{result: okResult()}
	h := NewHandler(nil, alloc, testCoordinator(redistest.NewFakeScripter()), &fakePreviewer{}, testResolver)

	w := postAllocation(t, h, "{not json", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, alloc.calls)
}

func TestCreateAllocationRejectsBadIdempotencyKey(t *testing.T) {
	alloc := &fakeAllocator{result: okResult()}
	h := NewHandler(nil, alloc, testCoordinator(redistest.NewFakeScripter()), &fakePreviewer{}, testResolver)

	for _, key := range []string{"has space", "café", strings.Repeat("x", 201)} {
		w := postAllocation(t, h, validBody, key)
		assert.Equal(t, http.StatusBadRequest, w.Code, "key %q", key)
	}
	assert.Zero(t, alloc.calls)
}

func TestCreateAllocationReservesAndCommits(t *testing.T) {
	fake := redistest.NewFakeScripter(
		redistest.Reply{Val: []interface{}{"reserved"}},
		redistest.Reply{Val: int64(1)}, // commit
	)
	alloc := &fakeAllocator{result: okResult()}
	h := NewHandler(nil, alloc, testCoordinator(fake), &fakePreviewer{}, testResolver)

	w := postAllocation(t, h, validBody, "client-key-1")
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, 1, alloc.calls)
	assert.Equal(t, 2, fake.Calls)

	var res domain.AllocationResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, domain.StatusOK, res.Status)
	assert.Equal(t, "023730001", res.AllocationCode)
}

func TestCreateAllocationReplaysCachedResponse(t *testing.T) {
	cachedBody := `{"status":"OK","allocation_id":7,"allocation_code":"023730001","partition":"02","idempotency_key":"derived"}`
	rec, err := json.Marshal(domain.IdempotencyRecord{
		Status:   domain.IdemCompleted,
		BodyHash: mustBodyHash(t),
		Response: json.RawMessage(cachedBody),
		StoredAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	fake := redistest.NewFakeScripter(redistest.Reply{Val: []interface{}{"completed", string(rec)}})
	alloc := &fakeAllocator{result: okResult()}
	h := NewHandler(nil, alloc, testCoordinator(fake), &fakePreviewer{}, testResolver)

	w := postAllocation(t, h, validBody, "client-key-1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Header().Get("Idempotent-Replay"))
	assert.JSONEq(t, cachedBody, w.Body.String())
	assert.Zero(t, alloc.calls, "replays never re-execute the operation")
}

func mustBodyHash(t *testing.T) string {
	t.Helper()
	var req domain.AllocationRequest
	require.NoError(t, json.Unmarshal([]byte(validBody), &req))
	hash, err := bodyHash(req)
	require.NoError(t, err)
	return hash
}

func TestCreateAllocationConflict(t *testing.T) {
	fake := redistest.NewFakeScripter(redistest.Reply{Val: []interface{}{"conflict"}})
	alloc := &fakeAllocator{result: okResult()}
	h := NewHandler(nil, alloc, testCoordinator(fake), &fakePreviewer{}, testResolver)

	w := postAllocation(t, h, validBody, "client-key-1")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), domain.CodeIdempotencyConflict)
	assert.Zero(t, alloc.calls)
}

func TestCreateAllocationInFlightTimeout(t *testing.T) {
	fake := redistest.NewFakeScripter(redistest.Reply{Val: []interface{}{"pending"}})
	alloc := &fakeAllocator{result: okResult()}
	h := NewHandler(nil, alloc, testCoordinator(fake), &fakePreviewer{}, testResolver)

	w := postAllocation(t, h, validBody, "client-key-1")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), domain.CodeIdempotencyInFlight)
}

func TestCreateAllocationAbortsOnServiceError(t *testing.T) {
	fake := redistest.NewFakeScripter(
		redistest.Reply{Val: []interface{}{"reserved"}},
		redistest.Reply{Val: int64(1)}, // abort
	)
	alloc := &fakeAllocator{err: domain.ErrSequenceExhausted}
	h := NewHandler(nil, alloc, testCoordinator(fake), &fakePreviewer{}, testResolver)

	w := postAllocation(t, h, validBody, "client-key-1")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), domain.CodeSequenceExhausted)
	assert.Equal(t, 2, fake.Calls, "failed reservation is released")
}

func TestCreateAllocationPolicyReject(t *testing.T) {
	fake := redistest.NewFakeScripter(
		redistest.Reply{Val: []interface{}{"reserved"}},
		redistest.Reply{Val: int64(1)},
	)
	alloc := &fakeAllocator{result: &domain.AllocationResult{
		Status:         domain.StatusPolicyReject,
		Partition:      "02",
		ErrorCode:      "REQUESTER_SUSPENDED",
		IdempotencyKey: "derived",
	}}
	h := NewHandler(nil, alloc, testCoordinator(fake), &fakePreviewer{}, testResolver)

	w := postAllocation(t, h, validBody, "client-key-1")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var res domain.AllocationResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, domain.StatusPolicyReject, res.Status)
	assert.Equal(t, "REQUESTER_SUSPENDED", res.ErrorCode)
}

func TestPreviewCodeHandler(t *testing.T) {
	h := NewHandler(nil, &fakeAllocator{result: okResult()},
		testCoordinator(redistest.NewFakeScripter()), &fakePreviewer{code: "023730042"}, testResolver)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/partitions/02/next", nil)
	req = mux.SetURLVars(req, map[string]string{"partition": "02"})
	w := httptest.NewRecorder()
	h.PreviewCodeHandler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "023730042")
}

func TestPreviewCodeHandlerExhausted(t *testing.T) {
	h := NewHandler(nil, &fakeAllocator{result: okResult()},
		testCoordinator(redistest.NewFakeScripter()), &fakePreviewer{err: domain.ErrSequenceExhausted}, testResolver)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/partitions/02/next", nil)
	req = mux.SetURLVars(req, map[string]string{"partition": "02"})
	w := httptest.NewRecorder()
	h.PreviewCodeHandler(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestBodyHashNormalizesEncoding(t *testing.T) {
	// Native-script digits and zero-width noise hash identically to the
	// plain ASCII form.
	a := domain.AllocationRequest{RequesterID: "st-١٢", ResourceID: "mentor-a"}
	b := domain.AllocationRequest{RequesterID: "st-1​2", ResourceID: "mentor-a"}

	ha, err := bodyHash(a)
	require.NoError(t, err)
	hb, err := bodyHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}
