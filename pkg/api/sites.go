package api

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/burrowhq/burrow/pkg/errdefs"
	"github.com/burrowhq/burrow/pkg/supervisor"
	"github.com/burrowhq/burrow/pkg/types"
)

// siteNameRe constrains names to DNS-safe labels; they become subdomains
var siteNameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

type createSiteRequest struct {
	Name       string `json:"name"`
	GitURL     string `json:"git_url,omitempty"`
	Type       string `json:"type,omitempty"`
	Visibility string `json:"visibility,omitempty"`
}

type updateSiteRequest struct {
	Visibility *string `json:"visibility,omitempty"`
}

func (s *Server) handleCreateSite(w http.ResponseWriter, r *http.Request) {
	var req createSiteRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
		return
	}
	if !siteNameRe.MatchString(req.Name) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "site name must be a DNS-safe label"})
		return
	}

	path := filepath.Join(s.cfg.RootDir, req.Name)
	if err := os.MkdirAll(path, 0o755); err != nil {
		writeError(w, errdefs.Wrap(errdefs.KindRepo, "api.createSite", err))
		return
	}

	visibility := types.VisibilityPublic
	if req.Visibility == string(types.VisibilityPrivate) {
		visibility = types.VisibilityPrivate
	}

	site := &types.Site{
		ID:         uuid.NewString(),
		Name:       req.Name,
		Path:       path,
		OwnerID:    callerFrom(r),
		Visibility: visibility,
		Status:     types.SiteStatusStopped,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateSite(site); err != nil {
		writeError(w, err)
		return
	}

	if req.GitURL != "" {
		if err := s.git.Clone(r.Context(), req.GitURL, path); err != nil {
			s.logger.Warn().Err(err).Str("site", req.Name).Msg("initial clone failed")
		}
	}

	s.logger.Info().Str("site", site.Name).Str("owner", site.OwnerID).Msg("site created")
	writeJSON(w, http.StatusCreated, site)
}

func (s *Server) handleListSites(w http.ResponseWriter, r *http.Request) {
	sites, err := s.store.ListSites()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sites)
}

func (s *Server) handleGetSite(w http.ResponseWriter, r *http.Request) {
	site, err := s.siteByID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, site)
}

func (s *Server) handleUpdateSite(w http.ResponseWriter, r *http.Request) {
	site, err := s.siteByID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req updateSiteRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
		return
	}
	if req.Visibility != nil {
		v := types.Visibility(*req.Visibility)
		if v != types.VisibilityPublic && v != types.VisibilityPrivate {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "visibility must be public or private"})
			return
		}
		site.Visibility = v
	}
	if err := s.store.UpdateSite(site); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, site)
}

func (s *Server) handleDeleteSite(w http.ResponseWriter, r *http.Request) {
	site, err := s.siteByID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	// Stop the production container before the rows disappear
	name := types.ContainerName(site.Name, types.RoleProduction)
	if err := s.containers.Stop(r.Context(), name); err != nil {
		s.logger.Warn().Err(err).Str("site", site.Name).Msg("production stop during delete failed")
	}

	if err := s.store.DeleteSite(site.ID); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info().Str("site", site.Name).Msg("site deleted")
	writeJSON(w, http.StatusOK, map[string]string{"id": site.ID})
}

func (s *Server) handleDeploySite(w http.ResponseWriter, r *http.Request) {
	site, err := s.siteByID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	// The rebuild is asynchronous; the response only acknowledges the trigger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
		defer cancel()

		container, err := s.containers.Create(ctx, supervisor.Spec{
			SiteName: site.Name,
			Path:     site.Path,
			Env:      site.Env,
		}, types.RoleProduction)
		if err != nil {
			s.logger.Error().Err(err).Str("site", site.Name).Msg("production rebuild failed")
			site.Status = types.SiteStatusFailed
		} else {
			now := time.Now().UTC()
			site.Status = types.SiteStatusRunning
			site.ContainerID = container.ID
			site.Port = container.Port
			site.LastDeployedAt = &now
		}
		if err := s.store.UpdateSite(site); err != nil {
			s.logger.Warn().Err(err).Str("site", site.Name).Msg("site status update failed")
		}
	}()

	writeJSON(w, http.StatusOK, map[string]string{"site_id": site.ID})
}

func (s *Server) handleUpdateEnv(w http.ResponseWriter, r *http.Request) {
	site, err := s.siteByID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var env map[string]string
	if err := decodeBody(r, &env); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
		return
	}

	// Replaces the whole map; the next container start picks it up
	site.Env = env
	if err := s.store.UpdateSite(site); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, site)
}

// siteByID loads the site and enforces ownership
func (s *Server) siteByID(r *http.Request) (*types.Site, error) {
	site, err := s.store.GetSite(chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	return s.authorize(r, site)
}

// siteByName loads the site and enforces ownership
func (s *Server) siteByName(r *http.Request) (*types.Site, error) {
	site, err := s.store.GetSiteByName(chi.URLParam(r, "name"))
	if err != nil {
		return nil, err
	}
	return s.authorize(r, site)
}

func (s *Server) authorize(r *http.Request, site *types.Site) (*types.Site, error) {
	caller := callerFrom(r)
	if site.OwnerID != caller && !isAdmin(caller) {
		return nil, errdefs.New(errdefs.KindAccess, "api.authorize",
			"site %s is not owned by caller", site.Name)
	}
	return site, nil
}
