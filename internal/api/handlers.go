package api

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/autotara/internal/domain"
	"github.com/tjfontaine/autotara/internal/pipeline"
	"github.com/tjfontaine/autotara/internal/prompt"
	"github.com/tjfontaine/autotara/internal/server"
	"github.com/tjfontaine/autotara/internal/stage"
	"github.com/tjfontaine/autotara/internal/tabular"
)

// ModelResponse acknowledges an upload.
type ModelResponse struct {
	Name       string    `json:"name"`
	Bytes      int       `json:"bytes"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// RunBody is the JSON body of run and modify requests.
type RunBody struct {
	Stakeholder string `json:"stakeholder,omitempty"`
	AssetID     string `json:"assetId,omitempty"`
	ScopeKey    string `json:"scopeKey,omitempty"`

	// Modify only.
	Feedback    string `json:"feedback,omitempty"`
	FileName    string `json:"fileName,omitempty"`
	FileContent string `json:"fileContent,omitempty"`
}

func (b RunBody) request(id domain.StageID) pipeline.RunRequest {
	params := make(map[string]string)
	if b.Stakeholder != "" {
		params[stage.ParamStakeholder] = b.Stakeholder
	}
	if b.AssetID != "" {
		params[stage.ParamAssetID] = b.AssetID
	}
	return pipeline.RunRequest{Stage: id, ScopeKey: b.ScopeKey, Params: params}
}

// RunResponse reports a committed artifact.
type RunResponse struct {
	Table       string           `json:"table"`
	Artifact    *domain.Artifact `json:"artifact"`
	Invalidated []string         `json:"invalidated"`
}

func runResponse(res *pipeline.Result) RunResponse {
	d, _ := stage.Get(res.Artifact.Stage)
	out := RunResponse{Table: d.Table, Artifact: res.Artifact, Invalidated: []string{}}
	for _, k := range res.Invalidated {
		out.Invalidated = append(out.Invalidated, k.String())
	}
	return out
}

func isMultipart(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "multipart/form-data"
}

func tooLarge(err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return domain.ErrInvalid("upload exceeds %d bytes", mbe.Limit).WithParam("file")
	}
	return nil
}

// readFile reads the named multipart file, reporting whether it was present.
func (h *Handler) readFile(r *http.Request, field string) (name string, content []byte, ok bool, err error) {
	f, hdr, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return "", nil, false, nil
	}
	if err != nil {
		return "", nil, false, err
	}
	defer f.Close()
	content, err = io.ReadAll(f)
	if err != nil {
		return "", nil, false, err
	}
	return hdr.Filename, content, true, nil
}

func (h *Handler) parseMultipart(r *http.Request) error {
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		if tl := tooLarge(err); tl != nil {
			return tl
		}
		return &domain.Error{Kind: domain.KindValidation, Message: "malformed multipart body", Param: "file", Err: err}
	}
	return nil
}

func (h *Handler) handleUploadModel(w http.ResponseWriter, r *http.Request) {
	ws := workspace(r)
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)

	name := strings.TrimSpace(r.URL.Query().Get("name"))
	var raw []byte
	if isMultipart(r) {
		if err := h.parseMultipart(r); err != nil {
			h.writeError(w, r, err)
			return
		}
		fileName, content, ok, err := h.readFile(r, "file")
		if err != nil {
			h.writeError(w, r, &domain.Error{Kind: domain.KindValidation, Message: "cannot read file", Param: "file", Err: err})
			return
		}
		if !ok {
			h.writeError(w, r, domain.ErrInvalid("multipart upload requires a file field").WithParam("file"))
			return
		}
		raw = content
		if name == "" {
			name = fileName
		}
	} else {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			if tl := tooLarge(err); tl != nil {
				err = tl
			}
			h.writeError(w, r, err)
			return
		}
		raw = body
	}
	if name == "" {
		name = "model"
	}

	m, err := h.orch.UploadModel(r.Context(), ws, name, raw)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	server.Annotate(r.Context(), "model", m.Name)
	writeJSON(w, http.StatusCreated, ModelResponse{Name: m.Name, Bytes: len(m.Raw), UploadedAt: m.UploadedAt})
}

func (h *Handler) handleRunStage(w http.ResponseWriter, r *http.Request) {
	id, err := stageParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var body RunBody
	if err := decodeJSON(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	if body.Feedback != "" || body.FileName != "" || body.FileContent != "" {
		h.writeError(w, r, domain.ErrInvalid("feedback and reference files are only accepted by /modify").WithParam("feedback"))
		return
	}
	server.Annotate(r.Context(), "stage", strconv.Itoa(int(id)))

	res, err := h.orch.Run(r.Context(), workspace(r), body.request(id))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runResponse(res))
}

func (h *Handler) handleModify(w http.ResponseWriter, r *http.Request) {
	id, err := stageParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)

	var body RunBody
	var ref *prompt.Reference
	if isMultipart(r) {
		if err := h.parseMultipart(r); err != nil {
			h.writeError(w, r, err)
			return
		}
		body = RunBody{
			Stakeholder: r.FormValue("stakeholder"),
			AssetID:     r.FormValue("assetId"),
			ScopeKey:    r.FormValue("scopeKey"),
			Feedback:    r.FormValue("feedback"),
		}
		name, content, ok, err := h.readFile(r, "file")
		if err != nil {
			h.writeError(w, r, &domain.Error{Kind: domain.KindValidation, Message: "cannot read file", Param: "file", Err: err})
			return
		}
		if ok {
			ref = &prompt.Reference{Name: name, Content: string(content)}
		}
	} else {
		if err := decodeJSON(r, &body); err != nil {
			if tl := tooLarge(err); tl != nil {
				err = tl
			}
			h.writeError(w, r, err)
			return
		}
		if body.FileContent != "" {
			ref = &prompt.Reference{Name: body.FileName, Content: body.FileContent}
		}
	}
	server.Annotate(r.Context(), "stage", strconv.Itoa(int(id)))

	res, err := h.orch.Modify(r.Context(), workspace(r), pipeline.ModifyRequest{
		RunRequest: body.request(id),
		Feedback:   body.Feedback,
		Reference:  ref,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runResponse(res))
}

func (h *Handler) handleAssets(w http.ResponseWriter, r *http.Request) {
	list, err := h.orch.ListAssets(r.Context(), workspace(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleCSV(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	d, ok := stage.ByName(name)
	if !ok {
		h.writeError(w, r, domain.ErrInvalid("unknown table %q", name).WithParam("name"))
		return
	}
	a, err := h.orch.Artifact(r.Context(), workspace(r), d.ID, r.URL.Query().Get("scope"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := tabular.Write(&buf, d.ID, a.Rows); err != nil {
		h.writeError(w, r, domain.ErrStorageFailed("render table", err))
		return
	}

	hdr := w.Header()
	hdr.Set("Content-Type", "text/csv; charset=utf-8")
	hdr.Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": d.Table + ".csv"}))
	hdr.Set(HeaderStale, strconv.FormatBool(a.Stale))
	hdr.Set(HeaderFingerprint, a.Fingerprint)
	hdr.Set(HeaderProducedAt, a.ProducedAt.UTC().Format(time.RFC3339Nano))
	if a.Scope != "" {
		hdr.Set(HeaderScope, a.Scope)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		h.logger.Debug("csv write failed", slog.String("error", err.Error()))
	}
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.orch.Status(r.Context(), workspace(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
