package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/stiebel-can/db"
	"github.com/thatsimonsguy/stiebel-can/internal/canbus"
	"github.com/thatsimonsguy/stiebel-can/internal/controller"
	"github.com/thatsimonsguy/stiebel-can/internal/endpoint"
	"github.com/thatsimonsguy/stiebel-can/internal/model"
)

type fakeRelays struct {
	statuses   map[string]model.EndpointStatus
	setErr     error
	refreshErr error
	sets       map[string]bool
}

func newFakeRelays() *fakeRelays {
	temp := 6.0
	return &fakeRelays{
		statuses: map[string]model.EndpointStatus{
			"heat_pump":   {Name: "heat_pump", Module: 1, Relay: 0, On: true, OutsideTemperature: &temp, Online: true},
			"ventilation": {Name: "ventilation", Module: 1, Relay: 1, Online: true},
		},
		sets: map[string]bool{},
	}
}

func (f *fakeRelays) Statuses() []model.EndpointStatus {
	return []model.EndpointStatus{f.statuses["heat_pump"], f.statuses["ventilation"]}
}

func (f *fakeRelays) Status(name string) (model.EndpointStatus, error) {
	st, ok := f.statuses[name]
	if !ok {
		return st, fmt.Errorf("%w: %s", controller.ErrUnknownEndpoint, name)
	}
	return st, nil
}

func (f *fakeRelays) Set(_ context.Context, name string, on bool) error {
	if _, err := f.Status(name); err != nil {
		return err
	}
	if f.setErr != nil {
		return f.setErr
	}
	f.sets[name] = on
	return nil
}

func (f *fakeRelays) Refresh(_ context.Context, name string) (endpoint.State, error) {
	if _, err := f.Status(name); err != nil {
		return endpoint.State{}, err
	}
	if f.refreshErr != nil {
		return endpoint.State{}, f.refreshErr
	}
	st := f.statuses[name]
	st.On = !st.On
	f.statuses[name] = st
	return endpoint.State{On: st.On}, nil
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestListAndGet(t *testing.T) {
	h := NewServer(newFakeRelays(), nil).Handler()

	w := do(t, h, http.MethodGet, "/api/endpoints", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	var list []model.EndpointStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "heat_pump", list[0].Name)
	require.NotNil(t, list[0].OutsideTemperature)
	assert.Equal(t, 6.0, *list[0].OutsideTemperature)

	w = do(t, h, http.MethodGet, "/api/endpoints/ventilation", "")
	require.Equal(t, http.StatusOK, w.Code)
	var one model.EndpointStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &one))
	assert.Equal(t, uint8(1), one.Relay)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/endpoints/nope", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodPost, "/api/endpoints", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodOptions, "/api/endpoints", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/endpoints/heat_pump/bogus", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/endpoints/a/b/c", "").Code)
}

func TestSetState(t *testing.T) {
	relays := newFakeRelays()
	h := NewServer(relays, nil).Handler()

	w := do(t, h, http.MethodPut, "/api/endpoints/ventilation/state", `{"on": true}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, map[string]bool{"ventilation": true}, relays.sets)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPut, "/api/endpoints/ventilation/state", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPut, "/api/endpoints/ventilation/state", `on`).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/api/endpoints/ventilation/state", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPut, "/api/endpoints/nope/state", `{"on": false}`).Code)

	relays.setErr = fmt.Errorf("%w: %w", endpoint.ErrSendFailure, context.DeadlineExceeded)
	w = do(t, h, http.MethodPut, "/api/endpoints/ventilation/state", `{"on": false}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "send failed")
}

func TestRefresh(t *testing.T) {
	relays := newFakeRelays()
	h := NewServer(relays, nil).Handler()

	w := do(t, h, http.MethodPost, "/api/endpoints/ventilation/refresh", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st model.EndpointStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.True(t, st.On)

	relays.refreshErr = fmt.Errorf("ventilation: %w", endpoint.ErrGateTimeout)
	assert.Equal(t, http.StatusGatewayTimeout, do(t, h, http.MethodPost, "/api/endpoints/ventilation/refresh", "").Code)

	relays.refreshErr = fmt.Errorf("%w: %w", endpoint.ErrSendFailure, canbus.ErrClosed)
	assert.Equal(t, http.StatusBadGateway, do(t, h, http.MethodPost, "/api/endpoints/ventilation/refresh", "").Code)
}

func TestHistory(t *testing.T) {
	assert.Equal(t, http.StatusNotFound,
		do(t, NewServer(newFakeRelays(), nil).Handler(), http.MethodGet, "/api/endpoints/heat_pump/history", "").Code)

	database, err := db.Open(":memory:")
	require.NoError(t, err)
	defer database.Close()

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	var readings []model.Reading
	for i := 0; i < 5; i++ {
		readings = append(readings, model.Reading{
			Endpoint: "heat_pump", Module: 1, On: i%2 == 0, Source: "get_reply",
			RecordedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	require.NoError(t, db.InsertReadings(database, readings))

	h := NewServer(newFakeRelays(), database).Handler()

	w := do(t, h, http.MethodGet, "/api/endpoints/heat_pump/history?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	var got []model.Reading
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.True(t, got[0].RecordedAt.Equal(base.Add(4*time.Minute)))

	w = do(t, h, http.MethodGet, "/api/endpoints/ventilation/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/endpoints/heat_pump/history?limit=x", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/endpoints/nope/history", "").Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: x", controller.ErrUnknownEndpoint), http.StatusNotFound},
		{fmt.Errorf("x: %w", endpoint.ErrGateTimeout), http.StatusGatewayTimeout},
		{fmt.Errorf("%w: %w", endpoint.ErrSendFailure, context.DeadlineExceeded), http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{context.Canceled, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), tt.err.Error())
	}
}
