package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"strings"

	"github.com/promptman/promptman/internal/apperror"
	"github.com/promptman/promptman/internal/job"
)

const (
	maxJSONBody = 1 << 20
	// Room for multipart headers and boundaries on top of the file bytes.
	multipartOverhead = 1 << 20
)

type handler struct {
	jobSvc         *job.Service
	maxUploadBytes int64
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

type statusResponse struct {
	JobID     string     `json:"job_id"`
	Status    job.Status `json:"status"`
	Type      job.Type   `json:"type"`
	Error     string     `json:"error,omitempty"`
	ErrorKind job.Kind   `json:"error_kind,omitempty"`
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) uploadCodebase(w http.ResponseWriter, r *http.Request) {
	if h.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+multipartOverhead)
	}
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "expected a multipart/form-data upload")
		return
	}

	q := r.URL.Query()
	req := job.UploadRequest{
		IncludePatterns: splitPatterns(q.Get("include_patterns")),
		ExcludePatterns: splitPatterns(q.Get("exclude_patterns")),
	}
	id, err := h.jobSvc.SubmitUpload(r.Context(), req, &multipartParts{mr: mr})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{JobID: id})
}

func (h *handler) processRepo(w http.ResponseWriter, r *http.Request) {
	var req job.RepoRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id, err := h.jobSvc.SubmitRepo(r.Context(), req)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{JobID: id})
}

func (h *handler) processWebsite(w http.ResponseWriter, r *http.Request) {
	var req job.WebsiteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id, err := h.jobSvc.SubmitWebsite(r.Context(), req)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{JobID: id})
}

func (h *handler) jobStatus(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobSvc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		JobID:     j.ID,
		Status:    j.Status,
		Type:      j.Type,
		Error:     j.Error,
		ErrorKind: j.ErrorKind,
	})
}

func (h *handler) download(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobSvc.Artifact(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	f, err := os.Open(j.ArtifactPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Evicted between the check and the open.
			writeError(w, http.StatusNotFound, "result file not found")
			return
		}
		writeAppError(w, r, fmt.Errorf("open artifact: %w", err))
		return
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		writeAppError(w, r, fmt.Errorf("stat artifact: %w", err))
		return
	}

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": "promptman_result_" + j.ID + ".md",
	}))
	http.ServeContent(w, r, "", info.ModTime(), f)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeAppError(w, r, apperror.Wrap(apperror.BadRequest, "invalid request body: "+err.Error(), err))
		return false
	}
	return true
}

func splitPatterns(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// multipartParts yields the "files" parts of an upload in order. The path is
// taken from the raw Content-Disposition filename because
// multipart.Part.FileName strips directories.
type multipartParts struct {
	mr *multipart.Reader
}

func (p *multipartParts) Next() (string, io.Reader, error) {
	for {
		part, err := p.mr.NextPart()
		if err != nil {
			return "", nil, err
		}
		if part.FormName() != "files" {
			continue
		}
		name := rawFilename(part)
		if name == "" {
			continue
		}
		return name, part, nil
	}
}

func rawFilename(part *multipart.Part) string {
	_, params, err := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
	if err != nil {
		return ""
	}
	return params["filename"]
}
