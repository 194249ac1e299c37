package web

import (
	"errors"
	"net/http"

	"cast-go-home/internal/automation"
)

// inlineScriptID runs the request body instead of a stored script.
const inlineScriptID = "_inline"

type scriptRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	LuaCode     string `json:"lua_code"`
	Enabled     bool   `json:"enabled"`
}

func (req scriptRequest) apply(sc *automation.Script) {
	sc.Meta.Name = req.Name
	sc.Meta.Description = req.Description
	sc.Meta.Enabled = req.Enabled
	sc.LuaCode = req.LuaCode
}

func (s *Server) handleAPIListAutomations(w http.ResponseWriter, r *http.Request) {
	if s.scriptMgr == nil {
		s.writeJSON(w, http.StatusOK, []any{})
		return
	}
	scripts, err := s.scriptMgr.List()
	if err != nil {
		s.internalError(w, "list scripts", err)
		return
	}
	if scripts == nil {
		scripts = []*automation.Script{}
	}
	s.writeJSON(w, http.StatusOK, scripts)
}

func (s *Server) handleAPIGetAutomation(w http.ResponseWriter, r *http.Request) {
	if sc, ok := s.lookupScript(w, r); ok {
		s.writeJSON(w, http.StatusOK, sc)
	}
}

func (s *Server) handleAPICreateAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsAvailable(w) {
		return
	}
	req, ok := s.decodeScript(w, r)
	if !ok {
		return
	}
	sc := &automation.Script{}
	req.apply(sc)
	s.saveScript(w, sc, http.StatusCreated)
}

func (s *Server) handleAPIUpdateAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsAvailable(w) {
		return
	}
	sc, ok := s.lookupScript(w, r)
	if !ok {
		return
	}
	req, ok := s.decodeScript(w, r)
	if !ok {
		return
	}
	req.apply(sc)
	s.saveScript(w, sc, http.StatusOK)
}

func (s *Server) handleAPIDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsAvailable(w) {
		return
	}
	id := r.PathValue("id")
	if s.autoEngine != nil {
		s.autoEngine.StopScript(id)
	}
	err := s.scriptMgr.Delete(id)
	switch {
	case errors.Is(err, automation.ErrScriptNotFound):
		s.writeError(w, http.StatusNotFound, "script not found")
	case err != nil:
		s.internalError(w, "delete script", err)
	default:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) handleAPIRunAutomation(w http.ResponseWriter, r *http.Request) {
	if s.autoEngine == nil {
		s.writeError(w, http.StatusInternalServerError, "automation engine not available")
		return
	}
	id := r.PathValue("id")
	if id != inlineScriptID {
		s.writeJSON(w, http.StatusOK, s.autoEngine.RunScript(id))
		return
	}
	var req struct {
		LuaCode string `json:"lua_code"`
	}
	if s.decode(w, r, &req) {
		s.writeJSON(w, http.StatusOK, s.autoEngine.RunLuaCode(req.LuaCode))
	}
}

func (s *Server) handleAPIToggleAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsAvailable(w) {
		return
	}
	sc, ok := s.lookupScript(w, r)
	if !ok {
		return
	}
	saved, err := s.scriptMgr.SetEnabled(sc.ID, !sc.Meta.Enabled)
	if err != nil {
		s.internalError(w, "toggle script", err)
		return
	}
	s.syncEngine(saved)
	s.writeJSON(w, http.StatusOK, saved)
}

// scriptsAvailable writes a 500 when the server runs without automations.
func (s *Server) scriptsAvailable(w http.ResponseWriter) bool {
	if s.scriptMgr == nil {
		s.writeError(w, http.StatusInternalServerError, "automations not available")
		return false
	}
	return true
}

func (s *Server) lookupScript(w http.ResponseWriter, r *http.Request) (*automation.Script, bool) {
	if s.scriptMgr == nil {
		s.writeError(w, http.StatusNotFound, "not found")
		return nil, false
	}
	sc, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "script not found")
		return nil, false
	}
	return sc, true
}

func (s *Server) decodeScript(w http.ResponseWriter, r *http.Request) (scriptRequest, bool) {
	var req scriptRequest
	if !s.decode(w, r, &req) {
		return req, false
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return req, false
	}
	return req, true
}

func (s *Server) saveScript(w http.ResponseWriter, sc *automation.Script, status int) {
	saved, err := s.scriptMgr.Save(sc)
	if err != nil {
		s.internalError(w, "save script", err)
		return
	}
	s.syncEngine(saved)
	s.writeJSON(w, status, saved)
}

// syncEngine restarts an enabled script so edits take effect, and stops a
// disabled one.
func (s *Server) syncEngine(sc *automation.Script) {
	if s.autoEngine == nil {
		return
	}
	if !sc.Meta.Enabled {
		s.autoEngine.StopScript(sc.ID)
		return
	}
	if err := s.autoEngine.ReloadScript(sc.ID); err != nil {
		s.logger.Error("reload script", "id", sc.ID, "err", err)
	}
}
