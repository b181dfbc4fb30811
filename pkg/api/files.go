package api

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/burrowhq/burrow/pkg/errdefs"
	"github.com/burrowhq/burrow/pkg/types"
)

// treeSkip are directories never shown in the editor's file tree
var treeSkip = map[string]bool{
	".git":         true,
	"node_modules": true,
	"dist":         true,
	"build":        true,
	".cache":       true,
}

// maxFileSize bounds editor file writes; this is a code editor, not an
// asset pipeline
const maxFileSize = 10 << 20

type treeEntry struct {
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size,omitempty"`
}

// sanitizeRel rejects absolute paths and any path that escapes the site root
// after cleaning. Separators and ".." segments in a request path are an
// access violation, not a missing file.
func sanitizeRel(rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) || strings.Contains(rel, "\x00") {
		return "", errdefs.New(errdefs.KindAccess, "api.sanitizeRel", "invalid file path")
	}
	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errdefs.New(errdefs.KindAccess, "api.sanitizeRel", "path escapes site root")
	}
	return clean, nil
}

func (s *Server) handleFileTree(w http.ResponseWriter, r *http.Request) {
	site, err := s.siteByName(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var entries []treeEntry
	err = filepath.Walk(site.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(site.Path, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if info.IsDir() && treeSkip[info.Name()] {
			return filepath.SkipDir
		}
		entry := treeEntry{Path: filepath.ToSlash(rel), IsDir: info.IsDir()}
		if !info.IsDir() {
			entry.Size = info.Size()
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		writeError(w, errdefs.Wrap(errdefs.KindRepo, "api.fileTree", err))
		return
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleFileRead(w http.ResponseWriter, r *http.Request) {
	site, rel, err := s.fileTarget(r)
	if err != nil {
		writeError(w, err)
		return
	}

	f, err := os.Open(filepath.Join(site.Path, rel))
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, errdefs.New(errdefs.KindNotFound, "api.fileRead", "file %s not found", rel))
			return
		}
		writeError(w, errdefs.Wrap(errdefs.KindRepo, "api.fileRead", err))
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, f); err != nil {
		s.logger.Debug().Err(err).Str("file", rel).Msg("file read interrupted")
	}
}

func (s *Server) handleFileWrite(w http.ResponseWriter, r *http.Request) {
	site, rel, err := s.fileTarget(r)
	if err != nil {
		writeError(w, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxFileSize+1))
	if err != nil {
		writeError(w, errdefs.Wrap(errdefs.KindRepo, "api.fileWrite", err))
		return
	}
	if len(body) > maxFileSize {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "file too large"})
		return
	}

	abs := filepath.Join(site.Path, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		writeError(w, errdefs.Wrap(errdefs.KindRepo, "api.fileWrite", err))
		return
	}
	if err := os.WriteFile(abs, body, 0o644); err != nil {
		writeError(w, errdefs.Wrap(errdefs.KindRepo, "api.fileWrite", err))
		return
	}

	s.afterFileChange(r, site, rel)
	writeJSON(w, http.StatusOK, map[string]string{"path": rel})
}

func (s *Server) handleFileDelete(w http.ResponseWriter, r *http.Request) {
	site, rel, err := s.fileTarget(r)
	if err != nil {
		writeError(w, err)
		return
	}

	abs := filepath.Join(site.Path, rel)
	if _, err := os.Stat(abs); os.IsNotExist(err) {
		writeError(w, errdefs.New(errdefs.KindNotFound, "api.fileDelete", "file %s not found", rel))
		return
	}
	if err := os.Remove(abs); err != nil {
		writeError(w, errdefs.Wrap(errdefs.KindRepo, "api.fileDelete", err))
		return
	}

	s.afterFileChange(r, site, rel)
	writeJSON(w, http.StatusOK, map[string]string{"path": rel})
}

// afterFileChange applies the save side effects when the caller has an
// active session: activity bump and the restart-on-save policy
func (s *Server) afterFileChange(r *http.Request, site *types.Site, rel string) {
	session, err := s.store.GetActiveSession(callerFrom(r), site.Name)
	if err != nil {
		return
	}
	if err := s.sessions.HandleFileSaved(r.Context(), session.ID, rel); err != nil {
		s.logger.Warn().Err(err).Str("session_id", session.ID).Str("file", rel).Msg("save policy failed")
	}
}

// fileTarget resolves the site and the sanitized relative path from the
// wildcard segment
func (s *Server) fileTarget(r *http.Request) (*types.Site, string, error) {
	site, err := s.siteByName(r)
	if err != nil {
		return nil, "", err
	}
	rel, err := sanitizeRel(chi.URLParam(r, "*"))
	if err != nil {
		return nil, "", err
	}
	return site, rel, nil
}
