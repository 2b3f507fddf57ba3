package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/finsight/finsight/archive"
	"github.com/finsight/finsight/id"
)

func (a *API) listArchive(w http.ResponseWriter, r *http.Request) {
	opts := archive.ListOpts{}
	q := r.URL.Query()

	if raw := q.Get("document_id"); raw != "" {
		docID, err := id.ParseDocumentID(raw)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid document ID: %v", err))
			return
		}
		opts.DocumentID = docID
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			a.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		opts.Limit = limit
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			a.writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		opts.Offset = offset
	}

	entries, err := a.eng.Archive().ArchiveStore().ListArchive(r.Context(), opts)
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	if entries == nil {
		entries = []*archive.Entry{}
	}
	a.writeJSON(w, http.StatusOK, entries)
}

func (a *API) getArchiveEntry(w http.ResponseWriter, r *http.Request) {
	entryID, err := id.ParseArchiveID(r.PathValue("entryID"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid archive entry ID: %v", err))
		return
	}

	entry, err := a.eng.Archive().ArchiveStore().GetArchive(r.Context(), entryID)
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, entry)
}

// replayArchiveEntry re-admits an archived failure as a fresh queued job.
func (a *API) replayArchiveEntry(w http.ResponseWriter, r *http.Request) {
	entryID, err := id.ParseArchiveID(r.PathValue("entryID"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid archive entry ID: %v", err))
		return
	}

	j, err := a.eng.Archive().Replay(r.Context(), entryID)
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, viewOf(j))
}
