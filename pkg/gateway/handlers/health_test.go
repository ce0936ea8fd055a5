package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vango-go/vai-companion/pkg/gateway/config"
	"github.com/vango-go/vai-companion/pkg/gateway/lifecycle"
)

func readyConfig(mode config.AuthMode, keys map[string]struct{}) config.Config {
	return config.Config{
		AuthMode:               mode,
		APIKeys:                keys,
		ToolAckTimeout:         time.Second,
		VideoFPS:               1,
		CallMaxDuration:        time.Minute,
		CallMaxMessageBytes:    1024,
		CallMaxAudioFrameBytes: 512,
		ReadHeaderTimeout:      time.Second,
		ReadTimeout:            time.Second,
	}
}

func serveReady(t *testing.T, h ReadyHandler) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return rr.Code, resp
}

func TestReadyHandler_RequiredAuthEmptyKeys_NotReady(t *testing.T) {
	code, resp := serveReady(t, ReadyHandler{
		Config: readyConfig(config.AuthModeRequired, map[string]struct{}{}),
		Dialer: &fakeLiveDialer{},
	})
	if code != http.StatusInternalServerError {
		t.Fatalf("status=%d resp=%v", code, resp)
	}
	if ok, _ := resp["ok"].(bool); ok {
		t.Fatalf("expected ok=false, got ok=true")
	}
}

func TestReadyHandler_OptionalAuth_Ready(t *testing.T) {
	code, resp := serveReady(t, ReadyHandler{
		Config: readyConfig(config.AuthModeOptional, map[string]struct{}{}),
		Dialer: &fakeLiveDialer{},
	})
	if code != http.StatusOK {
		t.Fatalf("status=%d resp=%v", code, resp)
	}
	if resp["active_calls"] != float64(0) {
		t.Fatalf("active_calls=%v", resp["active_calls"])
	}
}

func TestReadyHandler_NoBackend_NotReady(t *testing.T) {
	code, resp := serveReady(t, ReadyHandler{Config: readyConfig(config.AuthModeDisabled, nil)})
	if code != http.StatusInternalServerError {
		t.Fatalf("status=%d resp=%v", code, resp)
	}
}

func TestReadyHandler_Draining_Unavailable(t *testing.T) {
	lc := lifecycle.New(time.Now())
	lc.SetDraining(true)
	code, resp := serveReady(t, ReadyHandler{
		Config:    readyConfig(config.AuthModeDisabled, nil),
		Dialer:    &fakeLiveDialer{},
		Lifecycle: lc,
	})
	if code != http.StatusServiceUnavailable || resp["draining"] != true {
		t.Fatalf("status=%d resp=%v", code, resp)
	}
}
