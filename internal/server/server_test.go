package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantfabric/locates/internal/cache"
	"github.com/quantfabric/locates/internal/model"
)

type fakeLocates struct {
	submitted model.LocateRequest
	decided   model.LocateRequest
	decideErr error
}

func (f *fakeLocates) Submit(_ context.Context, clientID, securityID, market string, quantity int64) (model.LocateRequest, error) {
	f.submitted = model.LocateRequest{
		ID:         uuid.New(),
		ClientID:   clientID,
		SecurityID: securityID,
		Market:     market,
		Quantity:   quantity,
		State:      model.LocateAutoApproved,
	}
	return f.submitted, nil
}

func (f *fakeLocates) ManualDecision(_ context.Context, id uuid.UUID, approved bool, reason string) (model.LocateRequest, error) {
	if f.decideErr != nil {
		return model.LocateRequest{}, f.decideErr
	}
	state := model.LocateRejected
	if approved {
		state = model.LocateApproved
	}
	f.decided = model.LocateRequest{ID: id, State: state, Reason: reason}
	return f.decided, nil
}

func (f *fakeLocates) Get(id uuid.UUID) (model.LocateRequest, error) {
	if f.submitted.ID != id {
		return model.LocateRequest{}, errors.New("locate request not found")
	}
	return f.submitted, nil
}

type fakeShortSells struct{}

func (fakeShortSells) Validate(_ context.Context, clientID, unitID, securityID, market string, quantity int64) (model.ShortSellOrder, error) {
	return model.ShortSellOrder{
		ID:                uuid.New(),
		ClientID:          clientID,
		AggregationUnitID: unitID,
		SecurityID:        securityID,
		Market:            market,
		Quantity:          quantity,
		State:             model.ShortSellApproved,
	}, nil
}

func newTestServer(t *testing.T) (*Server, *cache.Cache, *fakeLocates) {
	t.Helper()
	c := cache.New(4, zap.NewNop())
	locates := &fakeLocates{}
	return New(c, locates, fakeShortSells{}, zap.NewNop()), c, locates
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAvailabilityRead(t *testing.T) {
	srv, c, _ := newTestServer(t)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/availability/XNYS/SEC1", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	c.Publish(model.AvailabilityRecord{
		SecurityID: "SEC1", Market: "XNYS",
		ForLoan: 750, ForShortSell: 500,
		Version: 3, AsOf: time.Now(), Degraded: true,
	})

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/availability/XNYS/SEC1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Record   model.AvailabilityRecord `json:"record"`
		Degraded bool                     `json:"degraded"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, int64(750), body.Record.ForLoan)
	assert.True(t, body.Degraded)
}

func TestSubmitAndGetLocate(t *testing.T) {
	srv, _, locates := newTestServer(t)

	payload := `{"client_id":"C1","security_id":"SEC1","market":"XNYS","quantity":500}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/locates", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var created model.LocateRequest
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, model.LocateAutoApproved, created.State)
	assert.Equal(t, int64(500), created.Quantity)

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/locates/"+locates.submitted.ID.String(), nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/locates/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/locates/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitLocateRejectsMissingFields(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/locates", strings.NewReader(`{"client_id":"C1"}`))
	req.Header.Set("Content-Type", "application/json")
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestManualReview(t *testing.T) {
	srv, _, locates := newTestServer(t)
	id := uuid.New()

	payload := `{"approved":true,"reason":"inventory confirmed","reviewer":"desk-ops"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/locates/"+id.String()+"/decision", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.LocateApproved, locates.decided.State)
	assert.Equal(t, "inventory confirmed", locates.decided.Reason)

	// Missing reviewer is rejected before reaching the engine.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/locates/"+id.String()+"/decision", strings.NewReader(`{"approved":true}`))
	req.Header.Set("Content-Type", "application/json")
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// A decision on a terminal request conflicts.
	locates.decideErr = errors.New("request already terminal")
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/locates/"+id.String()+"/decision", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestShortSellValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	payload := `{"client_id":"C1","aggregation_unit_id":"AU1","security_id":"SEC1","market":"XNYS","quantity":200}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/shortsells", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var order model.ShortSellOrder
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &order))
	assert.Equal(t, model.ShortSellApproved, order.State)
	assert.Equal(t, int64(200), order.Quantity)
}
