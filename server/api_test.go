package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hb9tf/whitespace/export"
	"github.com/hb9tf/whitespace/sdr"
)

type fakeSender struct {
	boards []string
	opts   sdr.ScanOptions
	err    error
}

func (f *fakeSender) Send(_ context.Context, boards []string, opts sdr.ScanOptions) error {
	f.boards, f.opts = boards, opts
	if err := opts.Validate(); err != nil {
		return err
	}
	return f.err
}

type fakeReports struct{}

func (fakeReports) Reports(id string, epoch uint64) ([]export.Report, error) {
	return []export.Report{{Epoch: epoch, RSSI: []float64{-50}}}, nil
}

func newTestAPI(t *testing.T) (*API, *fakeSender) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := export.NewMemory()
	for _, addr := range []string{"192.0.2.2:60000", "192.0.2.1:60000"} {
		store.Put(addr, sdr.Record{
			Sender:     sdr.Sender{Addr: addr},
			Options:    sdr.DefaultScanOptions(),
			Alive:      true,
			LastReport: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
			Last:       []float64{-50, -40},
			Avg:        []float64{-50, -40},
			Min:        []float64{-50, -40},
			Max:        []float64{-50, -40},
			Count:      1,
			Epoch:      1,
		})
	}
	sender := &fakeSender{}
	return &API{
		store:   store,
		sender:  sender,
		boards:  []string{"192.0.2.1"},
		metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { fmt.Fprint(w, "# metrics") }),
	}, sender
}

func do(t *testing.T, api *API, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	api.Router().ServeHTTP(w, req)
	return w
}

func TestSendersHandler(t *testing.T) {
	api, _ := newTestAPI(t)
	w := do(t, api, http.MethodGet, sendersEndpoint, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	var records []sdr.Record
	if err := json.Unmarshal(w.Body.Bytes(), &records); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(records) != 2 || records[0].Sender.Addr != "192.0.2.1:60000" {
		t.Errorf("records = %+v", records)
	}
	if records[0].Options.Modulation != sdr.ModASK {
		t.Errorf("modulation = %s", records[0].Options.Modulation)
	}
}

func TestSendersCSVHandler(t *testing.T) {
	api, _ := newTestAPI(t)
	w := do(t, api, http.MethodGet, sendersCSVEndpoint, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("Content-Type = %q", ct)
	}
	// Header plus two bins per sender.
	if lines := strings.Count(w.Body.String(), "\n"); lines != 5 {
		t.Errorf("got %d lines:\n%s", lines, w.Body)
	}
}

func TestReportsHandler(t *testing.T) {
	api, _ := newTestAPI(t)
	path := "/spectre/v1/senders/192.0.2.1:60000/reports?epoch=1"

	if w := do(t, api, http.MethodGet, path, ""); w.Code != http.StatusNotImplemented {
		t.Errorf("without archive: status = %d", w.Code)
	}

	api.reports = fakeReports{}
	w := do(t, api, http.MethodGet, path, "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"epoch":1`) {
		t.Errorf("status = %d body = %s", w.Code, w.Body)
	}
	if w := do(t, api, http.MethodGet, "/spectre/v1/senders/a/reports?epoch=-1", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad epoch: status = %d", w.Code)
	}
}

func TestConfigureHandler(t *testing.T) {
	valid, _ := json.Marshal(configureRequest{Options: ptr(sdr.DefaultScanOptions())})
	invalidOpts := sdr.DefaultScanOptions()
	invalidOpts.StopFreqMHz = 1000
	invalid, _ := json.Marshal(configureRequest{Boards: []string{"192.0.2.5"}, Options: &invalidOpts})

	tests := []struct {
		name       string
		body       string
		sendErr    error
		wantStatus int
		wantBoards []string
	}{
		{"default boards", string(valid), nil, http.StatusOK, []string{"192.0.2.1"}},
		{"explicit boards", `{"boards":["192.0.2.7"],"options":{"startFreqMHz":800,"stopFreqMHz":900,"freqResolutionKHz":102,"modulation":"GFSK","lna2Gain":7,"dvgaGain":7,"rssiWaitMicroseconds":500}}`, nil, http.StatusOK, []string{"192.0.2.7"}},
		{"invalid options", string(invalid), nil, http.StatusBadRequest, []string{"192.0.2.5"}},
		{"missing options", `{"boards":["192.0.2.7"]}`, nil, http.StatusBadRequest, nil},
		{"malformed json", `{"boards":`, nil, http.StatusBadRequest, nil},
		{"unknown modulation", `{"options":{"modulation":"FM"}}`, nil, http.StatusBadRequest, nil},
		{"unreachable board", string(valid), errors.Join(errors.New("board 192.0.2.1: no route to host")), http.StatusBadGateway, []string{"192.0.2.1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api, sender := newTestAPI(t)
			sender.err = tt.sendErr
			w := do(t, api, http.MethodPost, configureEndpoint, tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantStatus, w.Body)
			}
			if fmt.Sprint(sender.boards) != fmt.Sprint(tt.wantBoards) {
				t.Errorf("boards = %v, want %v", sender.boards, tt.wantBoards)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	api, _ := newTestAPI(t)
	w := do(t, api, http.MethodGet, metricsEndpoint, "")
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte("# metrics")) {
		t.Errorf("status = %d body = %s", w.Code, w.Body)
	}
}

func ptr[T any](v T) *T { return &v }
