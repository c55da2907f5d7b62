package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohans/sqlgate/domain"
	"github.com/mohans/sqlgate/jobs"
	"github.com/mohans/sqlgate/sqlbridge"
)

type queryRequest struct {
	Query        string `json:"query"`
	Params       any    `json:"params"`
	Database     string `json:"db_name"`
	CacheTTL     *int64 `json:"cache_ttl"`
	ForceRefresh bool   `json:"force_refresh"`
	Wait         bool   `json:"wait"`
}

type submitResponse struct {
	ID     string      `json:"id"`
	Status jobs.Status `json:"status"`
}

// jobView adds the records shape of the result to the job.
type jobView struct {
	*jobs.Job
	Records []map[string]any `json:"records,omitempty"`
}

func newJobView(j *jobs.Job) jobView {
	return jobView{Job: j, Records: j.Result.Records()}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) submitQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sub := jobs.SubmitRequest{
		Database:     req.Database,
		Query:        req.Query,
		Params:       req.Params,
		ForceRefresh: req.ForceRefresh,
	}
	if req.CacheTTL != nil {
		ttl := time.Duration(*req.CacheTTL) * time.Second
		sub.CacheTTL = &ttl
	}
	id, err := s.deps.Jobs.Submit(r.Context(), sub)
	if err != nil {
		s.writeJobError(w, r, id, err)
		return
	}

	if req.Wait {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.WaitTimeout)
		defer cancel()
		job, err := s.deps.Jobs.Wait(ctx, id)
		if err == nil {
			writeJSON(w, http.StatusOK, newJobView(job))
			return
		}
		if domain.KindOf(err) != domain.KindTimeout {
			s.writeError(w, r, err)
			return
		}
	}

	job, err := s.deps.Jobs.Status(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{ID: id, Status: job.Status})
}

func (s *Server) getQuery(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job))
}

func (s *Server) listDatabases(w http.ResponseWriter, r *http.Request) {
	names, err := s.deps.Databases.List()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"databases": names})
}

func (s *Server) createDatabase(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	h, err := s.deps.Databases.Create(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"db_name": name, "path": h.Path})
}

func (s *Server) listLoadedExtensions(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	exts, err := s.deps.Extensions.ListLoaded(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"db_name": name, "extensions": exts})
}

func (s *Server) listExtensions(w http.ResponseWriter, r *http.Request) {
	exts, err := s.deps.Extensions.ListAvailable()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"extensions": exts})
}

func (s *Server) describeExtension(w http.ResponseWriter, r *http.Request) {
	d, err := s.deps.Extensions.Describe(chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type loadExtensionRequest struct {
	Extension  string `json:"extension_name"`
	Database   string `json:"db_name"`
	EntryPoint string `json:"entry_point"`
}

func (s *Server) loadExtension(w http.ResponseWriter, r *http.Request) {
	var req loadExtensionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Extension == "" {
		s.writeError(w, r, domain.InvalidInput("extension_name is required"))
		return
	}
	if req.Database == "" {
		req.Database = "default"
	}
	if err := s.deps.Extensions.Load(r.Context(), req.Extension, req.Database, req.EntryPoint); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":         "loaded",
		"extension_name": req.Extension,
		"db_name":        req.Database,
	})
}

type optimizeRequest struct {
	Query string `json:"query"`
}

func (s *Server) optimize(w http.ResponseWriter, r *http.Request) {
	var req optimizeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := sqlbridge.Optimize(req.Query)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"original_query": req.Query, "optimized_query": out})
}

type convertRequest struct {
	Query  string `json:"query"`
	Origin string `json:"origin_dialect"`
	Target string `json:"target_dialect"`
}

func (s *Server) convert(w http.ResponseWriter, r *http.Request) {
	var req convertRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := sqlbridge.Convert(req.Query, req.Origin, req.Target)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"original_query":  req.Query,
		"converted_query": out,
		"origin_dialect":  req.Origin,
		"target_dialect":  req.Target,
	})
}

func (s *Server) cacheStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"cache": s.deps.Cache.Stats(),
		"jobs":  s.deps.Jobs.Stats(),
	})
}

func (s *Server) clearCache(w http.ResponseWriter, _ *http.Request) {
	s.deps.Cache.Clear()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
