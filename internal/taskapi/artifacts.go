package taskapi

import (
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/pathsift/internal/artifact"
)

// artifactFiles maps the URL kind segment to the workbook filename.
var artifactFiles = map[string]string{
	"valid":   artifact.ValidWorkbook,
	"invalid": artifact.InvalidWorkbook,
}

func (a *API) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	kind := chi.URLParam(r, "kind")

	name, ok := artifactFiles[kind]
	if !ok {
		http.Error(w, `{"error":"unknown artifact kind"}`, http.StatusNotFound)
		return
	}

	t, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.respondError(w, r, err, "failed to get task for artifact", id)
		return
	}
	if !t.Status.Terminal() || t.OutputDir == "" {
		http.Error(w, `{"error":"artifacts not ready"}`, http.StatusConflict)
		return
	}

	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	http.ServeFile(w, r, filepath.Join(t.OutputDir, name))
}
