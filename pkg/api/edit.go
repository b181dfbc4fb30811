package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/burrowhq/burrow/pkg/errdefs"
	"github.com/burrowhq/burrow/pkg/types"
)

type commitRequest struct {
	Message string `json:"message,omitempty"`
}

// sessionStatusResponse is the edit status payload; Session is null when no
// session is active for the caller
type sessionStatusResponse struct {
	Session         *types.EditingSession `json:"session"`
	ContainerStatus string                `json:"containerStatus,omitempty"`
}

func (s *Server) handleEditStart(w http.ResponseWriter, r *http.Request) {
	site, err := s.siteByName(r)
	if err != nil {
		writeError(w, err)
		return
	}

	session, err := s.sessions.Start(r.Context(), callerFrom(r), site.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleEditStatus(w http.ResponseWriter, r *http.Request) {
	site, err := s.siteByName(r)
	if err != nil {
		writeError(w, err)
		return
	}

	session, err := s.store.GetActiveSession(callerFrom(r), site.Name)
	if err != nil {
		if errdefs.IsKind(err, errdefs.KindNotFound) {
			writeJSON(w, http.StatusOK, sessionStatusResponse{Session: nil})
			return
		}
		writeError(w, err)
		return
	}

	resp := sessionStatusResponse{Session: session}
	if session.ContainerName != "" {
		resp.ContainerStatus = s.containerStatus(r, session.ContainerName)
	}
	writeJSON(w, http.StatusOK, resp)
}

// containerStatus folds the supervisor's view into the status vocabulary the
// editor understands: building, running or error
func (s *Server) containerStatus(r *http.Request, name string) string {
	if s.containers.IsRunning(r.Context(), name) {
		return "running"
	}
	if c, ok := s.containers.Get(name); ok && c.Status == types.ContainerStatusBuilding {
		return "building"
	}
	return "error"
}

func (s *Server) handleEditCommit(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessionForCaller(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req commitRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
			return
		}
	}

	hash, err := s.sessions.Commit(r.Context(), session.ID, req.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"commit": hash})
}

func (s *Server) handleEditDeploy(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessionForCaller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.sessions.Deploy(r.Context(), session.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": session.ID, "status": "deployed"})
}

func (s *Server) handleEditCancel(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessionForCaller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.sessions.Cancel(r.Context(), session.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": session.ID, "status": "cancelled"})
}

// sessionForCaller loads the session from the route and verifies it belongs
// to the caller and the named site
func (s *Server) sessionForCaller(r *http.Request) (*types.EditingSession, error) {
	session, err := s.store.GetSession(chi.URLParam(r, "sid"))
	if err != nil {
		return nil, err
	}
	caller := callerFrom(r)
	if session.UserID != caller && !isAdmin(caller) {
		return nil, errdefs.New(errdefs.KindAccess, "api.sessionForCaller",
			"session does not belong to caller")
	}
	if name := chi.URLParam(r, "name"); name != "" && session.SiteName != name {
		return nil, errdefs.New(errdefs.KindNotFound, "api.sessionForCaller",
			"session %s is not for site %s", session.ID, name)
	}
	return session, nil
}
