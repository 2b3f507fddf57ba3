package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	finsight "github.com/finsight/finsight"
	"github.com/finsight/finsight/event"
	"github.com/finsight/finsight/id"
)

// StreamMessage is one frame on the event stream, either a progress
// event or a control signal. Control frames end the stream.
type StreamMessage struct {
	Kind    string       `json:"kind"` // "event" or "control"
	Event   *event.Event `json:"event,omitempty"`
	Control string       `json:"control,omitempty"`
}

// Stream frame kinds.
const (
	KindEvent   = "event"
	KindControl = "control"
)

// Control codes delivered on stream end.
const (
	// ControlEndOfStream means the document's job reached a terminal
	// status and every event was delivered.
	ControlEndOfStream = "end_of_stream"
	// ControlResyncRequired means the requested or reached position fell
	// outside the retention buffer; the client must re-fetch the job
	// status before subscribing again.
	ControlResyncRequired = "resync_required"
)

func eventMessage(evt *event.Event) StreamMessage {
	return StreamMessage{Kind: KindEvent, Event: evt}
}

func controlMessage(code string) StreamMessage {
	return StreamMessage{Kind: KindControl, Control: code}
}

// streamEvents serves the per-document progress stream. WebSocket is the
// primary transport; an Accept of text/event-stream selects SSE.
func (a *API) streamEvents(w http.ResponseWriter, r *http.Request) {
	docID, err := id.ParseDocumentID(r.PathValue("documentID"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid document ID: %v", err))
		return
	}

	if _, authErr := a.auth.Authenticate(r.Context(), bearerToken(r)); authErr != nil {
		a.writeEngineError(w, authErr)
		return
	}

	var fromSeq uint64
	if raw := r.URL.Query().Get("from"); raw != "" {
		fromSeq, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid from sequence: %v", err))
			return
		}
	}

	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		a.streamWebSocket(w, r, docID, fromSeq)
		return
	}
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		a.streamSSE(w, r, docID, fromSeq)
		return
	}
	a.writeError(w, http.StatusBadRequest, "websocket upgrade or text/event-stream required")
}

func (a *API) subscribeOrResync(docID id.DocumentID, fromSeq uint64) (*event.Subscription, string, error) {
	sub, err := a.eng.Subscribe(docID, fromSeq)
	if errors.Is(err, finsight.ErrResyncRequired) {
		return nil, ControlResyncRequired, nil
	}
	if err != nil {
		return nil, "", err
	}
	return sub, "", nil
}

// closeControl maps a finished subscription to its final control code.
func closeControl(sub *event.Subscription) string {
	if errors.Is(sub.Err(), finsight.ErrResyncRequired) {
		return ControlResyncRequired
	}
	return ControlEndOfStream
}

func (a *API) streamWebSocket(w http.ResponseWriter, r *http.Request, docID id.DocumentID, fromSeq uint64) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		a.logger.Warn("websocket upgrade failed",
			slog.String("document_id", docID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	defer conn.Close() //nolint:errcheck

	writeMsg := func(msg StreamMessage) error {
		data, marshalErr := json.Marshal(msg)
		if marshalErr != nil {
			return marshalErr
		}
		return wsutil.WriteServerText(conn, data)
	}

	sub, resync, err := a.subscribeOrResync(docID, fromSeq)
	if err != nil {
		a.logger.Error("subscribe failed", slog.String("error", err.Error()))
		return
	}
	if resync != "" {
		writeMsg(controlMessage(resync)) //nolint:errcheck // best-effort before close
		return
	}
	defer sub.Close()

	// Drain client frames so pings are answered and a peer close is
	// noticed even while we only push events.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, readErr := wsutil.ReadClientText(conn); readErr != nil {
				return
			}
		}
	}()

	for {
		select {
		case evt, ok := <-sub.C():
			if !ok {
				writeMsg(controlMessage(closeControl(sub))) //nolint:errcheck // best-effort before close
				return
			}
			if writeErr := writeMsg(eventMessage(evt)); writeErr != nil {
				return // connection gone
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (a *API) streamSSE(w http.ResponseWriter, r *http.Request, docID id.DocumentID, fromSeq uint64) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub, resync, err := a.subscribeOrResync(docID, fromSeq)
	if err != nil {
		a.writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeMsg := func(msg StreamMessage) error {
		data, marshalErr := json.Marshal(msg)
		if marshalErr != nil {
			return marshalErr
		}
		if _, writeErr := fmt.Fprintf(w, "data: %s\n\n", data); writeErr != nil {
			return writeErr
		}
		flusher.Flush()
		return nil
	}

	if resync != "" {
		writeMsg(controlMessage(resync)) //nolint:errcheck // best-effort before close
		return
	}
	defer sub.Close()

	for {
		select {
		case evt, ok := <-sub.C():
			if !ok {
				writeMsg(controlMessage(closeControl(sub))) //nolint:errcheck // best-effort before close
				return
			}
			if writeErr := writeMsg(eventMessage(evt)); writeErr != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
