//go:build !no_automation

package web

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"cast-go-home/internal/automation"
	"cast-go-home/internal/timer"
)

func setupAutomationServer(t *testing.T) (*Server, *fakeAccessory, *automation.Engine) {
	t.Helper()
	acc := newFakeAccessory()
	mgr, err := automation.NewManager(filepath.Join(t.TempDir(), "scripts"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	engine := automation.NewEngine(acc, mgr, timer.Real(), testLogger())
	engine.Start()
	t.Cleanup(engine.Stop)

	srv := NewServer(acc, testLogger(), WithAutomation(engine, mgr))
	t.Cleanup(srv.Stop)
	return srv, acc, engine
}

func TestAutomationCRUD(t *testing.T) {
	srv, _, engine := setupAutomationServer(t)

	w := doRequest(t, srv, "POST", "/api/automations", `{"name":"Quiet Nights","lua_code":"x = 1","enabled":true}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d body %s", w.Code, w.Body)
	}
	var created automation.Script
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.ID != "quiet_nights" {
		t.Errorf("id = %q", created.ID)
	}
	if !engine.Running(created.ID) {
		t.Error("enabled script not started")
	}

	w = doRequest(t, srv, "GET", "/api/automations", "")
	var list []automation.Script
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Errorf("list = %+v", list)
	}

	w = doRequest(t, srv, "POST", "/api/automations/quiet_nights/toggle", "")
	var toggled automation.Script
	if err := json.Unmarshal(w.Body.Bytes(), &toggled); err != nil {
		t.Fatal(err)
	}
	if toggled.Meta.Enabled || engine.Running("quiet_nights") {
		t.Error("toggle did not disable the script")
	}

	w = doRequest(t, srv, "PUT", "/api/automations/quiet_nights", `{"name":"Quiet Nights","lua_code":"y = 2","enabled":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d", w.Code)
	}
	if !engine.Running("quiet_nights") {
		t.Error("update with enabled=true did not restart the script")
	}

	w = doRequest(t, srv, "GET", "/api/automations/quiet_nights", "")
	if !strings.Contains(w.Body.String(), "y = 2") {
		t.Errorf("get body = %s", w.Body)
	}

	if w := doRequest(t, srv, "DELETE", "/api/automations/quiet_nights", ""); w.Code != http.StatusOK {
		t.Errorf("delete status = %d", w.Code)
	}
	if engine.Running("quiet_nights") {
		t.Error("deleted script still running")
	}
	if w := doRequest(t, srv, "DELETE", "/api/automations/quiet_nights", ""); w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", w.Code)
	}
	if w := doRequest(t, srv, "GET", "/api/automations/quiet_nights", ""); w.Code != http.StatusNotFound {
		t.Errorf("get deleted status = %d, want 404", w.Code)
	}
}

func TestAutomationCreateRequiresName(t *testing.T) {
	srv, _, _ := setupAutomationServer(t)
	if w := doRequest(t, srv, "POST", "/api/automations", `{"lua_code":"x = 1"}`); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestAutomationRunInline(t *testing.T) {
	srv, acc, _ := setupAutomationServer(t)

	w := doRequest(t, srv, "POST", "/api/automations/_inline/run", `{"lua_code":"cast.log('vol ' .. cast.volume()); cast.set_casting(true)"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var res automation.RunResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if !res.OK || len(res.Logs) != 1 || res.Logs[0] != "vol 30" {
		t.Errorf("result = %+v", res)
	}
	if len(acc.castingReqs) != 1 || !acc.castingReqs[0] {
		t.Errorf("casting requests = %v", acc.castingReqs)
	}
}

func TestAutomationsUnavailable(t *testing.T) {
	srv, _ := setupTestServer(t)

	if w := doRequest(t, srv, "GET", "/api/automations", ""); w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("list = %d %s", w.Code, w.Body)
	}
	if w := doRequest(t, srv, "POST", "/api/automations/x/run", ""); w.Code != http.StatusInternalServerError {
		t.Errorf("run status = %d", w.Code)
	}
}

func TestAutomationUpdateDisableStopsScript(t *testing.T) {
	srv, _, engine := setupAutomationServer(t)
	if w := doRequest(t, srv, "POST", "/api/automations", `{"name":"Evening","lua_code":"x = 1","enabled":true}`); w.Code != http.StatusCreated {
		t.Fatalf("create status = %d", w.Code)
	}
	if !engine.Running("evening") {
		t.Fatal("enabled script not started")
	}

	if w := doRequest(t, srv, "PUT", "/api/automations/evening", `{"lua_code":"x = 2"}`); w.Code != http.StatusBadRequest {
		t.Errorf("update without name = %d, want 400", w.Code)
	}
	if w := doRequest(t, srv, "PUT", "/api/automations/evening", `{"name":"Evening","lua_code":"x = 2","enabled":false}`); w.Code != http.StatusOK {
		t.Fatalf("update status = %d", w.Code)
	}
	if engine.Running("evening") {
		t.Error("disabled script still running")
	}
}

func TestAutomationMissingScript(t *testing.T) {
	srv, _, _ := setupAutomationServer(t)
	for _, tc := range []struct{ method, path, body string }{
		{"GET", "/api/automations/nope", ""},
		{"PUT", "/api/automations/nope", `{"name":"Nope"}`},
		{"POST", "/api/automations/nope/toggle", ""},
	} {
		if w := doRequest(t, srv, tc.method, tc.path, tc.body); w.Code != http.StatusNotFound {
			t.Errorf("%s %s = %d, want 404", tc.method, tc.path, w.Code)
		}
	}
}

func TestAutomationWritesUnavailable(t *testing.T) {
	srv, _ := setupTestServer(t)
	if w := doRequest(t, srv, "POST", "/api/automations", `{"name":"x"}`); w.Code != http.StatusInternalServerError {
		t.Errorf("create status = %d, want 500", w.Code)
	}
	if w := doRequest(t, srv, "GET", "/api/automations/x", ""); w.Code != http.StatusNotFound {
		t.Errorf("get status = %d, want 404", w.Code)
	}
}
