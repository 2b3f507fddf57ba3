package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/finsight/finsight/api"
	"github.com/finsight/finsight/event"
	"github.com/finsight/finsight/id"
	"github.com/finsight/finsight/job"
)

// State is the local view of a document's analysis. It only ever moves
// forward: a stale push event or polled snapshot never regresses the
// displayed stage or status.
type State struct {
	JobID      string
	DocumentID string
	Stage      job.Stage
	Status     job.Status

	// Sequence is the last applied push event sequence. Zero until the
	// first event arrives; snapshots do not advance it.
	Sequence uint64

	Result job.Result
	Error  *job.Failure
}

// Terminal reports whether the watched job reached a final status.
func (s State) Terminal() bool { return s.Status.Terminal() }

// progressRank orders states for regression checks. Any terminal status
// outranks every in-flight position.
func progressRank(s job.Stage, st job.Status) int {
	if st.Terminal() {
		return 1 << 10
	}
	r := s.Ordinal() * 2
	if st == job.StatusRunning {
		r++
	}
	return r
}

// errResync signals that the push position fell outside the server's
// retention buffer; the watcher re-fetches status and resumes live.
var errResync = errors.New("finsight/client: resync required")

// Watcher keeps a document's State in step with the server. It prefers
// the push stream and falls back to polling the status endpoint while
// push is unavailable; polling is suspended again once push reconnects.
type Watcher struct {
	c     *Client
	docID id.DocumentID

	updates chan State
	done    chan struct{}
	cancel  context.CancelFunc

	mu       sync.Mutex
	state    State
	liveOnly bool
}

// Watch starts observing a document. Close the returned watcher, or
// cancel ctx, to stop; the updates channel closes when the watched job
// reaches a terminal status or the watcher stops.
func (c *Client) Watch(ctx context.Context, docID id.DocumentID) *Watcher {
	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		c:       c,
		docID:   docID,
		updates: make(chan State, 16),
		done:    make(chan struct{}),
		cancel:  cancel,
		state:   State{DocumentID: docID.String(), Stage: job.StageQueued, Status: job.StatusQueued},
	}
	go w.run(ctx)
	return w
}

// Updates returns the stream of state changes. Slow consumers lose
// intermediate states, never the latest one.
func (w *Watcher) Updates() <-chan State { return w.updates }

// State returns the current local view.
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	defer close(w.updates)

	delay := w.c.baseDelay
	for {
		err := w.push(ctx)
		switch {
		case err == nil:
			return // stream ended at a terminal status
		case ctx.Err() != nil:
			return
		case errors.Is(err, errResync):
			if w.State().Terminal() {
				return
			}
			continue // position refreshed, resume live immediately
		}

		w.c.logger.Warn("push stream unavailable, polling",
			slog.String("document_id", w.docID.String()),
			slog.String("error", err.Error()),
		)
		if w.pollUntil(ctx, time.Now().Add(delay)) {
			return
		}
		delay = min(delay*2, w.c.maxDelay)
	}
}

// push opens the WebSocket stream and applies events until the stream
// ends. A nil return means the job finished; errResync means the watcher
// must resume from a fresh snapshot.
func (w *Watcher) push(ctx context.Context) error {
	streamURL := w.c.wsURL + "/v1/documents/" + w.docID.String() + "/events?from=" +
		strconv.FormatUint(w.resumeFrom(), 10)
	if w.c.token != "" {
		streamURL += "&token=" + url.QueryEscape(w.c.token)
	}

	conn, _, _, err := ws.Dial(ctx, streamURL)
	if err != nil {
		return err
	}
	defer conn.Close() //nolint:errcheck

	// Unblock reads when the context is cancelled.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close() //nolint:errcheck
		case <-stop:
		}
	}()

	for {
		data, readErr := wsutil.ReadServerText(conn)
		if readErr != nil {
			return readErr
		}

		var msg api.StreamMessage
		if unmarshalErr := json.Unmarshal(data, &msg); unmarshalErr != nil {
			return unmarshalErr
		}

		switch msg.Kind {
		case api.KindEvent:
			w.applyEvent(msg.Event)
		case api.KindControl:
			switch msg.Control {
			case api.ControlEndOfStream:
				// A subscription opened past the last event closes with
				// no replay; fetch the final state directly.
				if w.State().Terminal() {
					return nil
				}
				if pollErr := w.pollOnce(ctx); pollErr != nil {
					return pollErr
				}
				if w.State().Terminal() {
					return nil
				}
				return errResync
			case api.ControlResyncRequired:
				if pollErr := w.pollOnce(ctx); pollErr != nil {
					return pollErr
				}
				w.goLive()
				return errResync
			}
		}
	}
}

// resumeFrom returns the sequence to subscribe from: one past the last
// applied event, or live-only after a resync.
func (w *Watcher) resumeFrom() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.liveOnly {
		return 0
	}
	return w.state.Sequence + 1
}

// goLive drops the replay position after a resync; the snapshot already
// reflects everything the lost events carried.
func (w *Watcher) goLive() {
	w.mu.Lock()
	w.liveOnly = true
	w.mu.Unlock()
}

// pollUntil polls the status endpoint at the configured interval until
// the deadline passes, the job finishes, or ctx is cancelled. Returns
// true when the watcher is done.
func (w *Watcher) pollUntil(ctx context.Context, deadline time.Time) bool {
	ticker := time.NewTicker(w.c.pollInterval)
	defer ticker.Stop()

	for {
		if err := w.pollOnce(ctx); err != nil {
			w.c.logger.Warn("status poll failed",
				slog.String("document_id", w.docID.String()),
				slog.String("error", err.Error()),
			)
		}
		if w.State().Terminal() {
			return true
		}
		select {
		case <-ctx.Done():
			return true
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			return false
		}
	}
}

// pollOnce fetches one status snapshot and reconciles it into the state.
func (w *Watcher) pollOnce(ctx context.Context) error {
	st := w.State()
	if st.JobID != "" {
		jobID, err := id.ParseJobID(st.JobID)
		if err != nil {
			return err
		}
		view, err := w.c.Job(ctx, jobID)
		if err != nil {
			return err
		}
		w.applySnapshot(*view)
		return nil
	}

	views, err := w.c.DocumentJobs(ctx, w.docID)
	if err != nil {
		return err
	}
	if len(views) == 0 {
		return nil
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].CreatedAt.After(views[j].CreatedAt)
	})
	w.applySnapshot(views[0])
	return nil
}

// applyEvent advances the state from a push event. Events at or behind
// the applied sequence are ignored.
func (w *Watcher) applyEvent(evt *event.Event) {
	if evt == nil {
		return
	}

	w.mu.Lock()
	if evt.Sequence <= w.state.Sequence {
		w.mu.Unlock()
		return
	}
	w.state.JobID = evt.JobID.String()
	w.state.Stage = evt.Stage
	w.state.Status = evt.Status
	w.state.Sequence = evt.Sequence

	switch evt.Type {
	case event.TypeCompleted:
		var result job.Result
		if len(evt.Payload) > 0 && json.Unmarshal(evt.Payload, &result) == nil {
			w.state.Result = result
		}
	case event.TypeFailed:
		var fp event.FailurePayload
		if len(evt.Payload) > 0 && json.Unmarshal(evt.Payload, &fp) == nil {
			w.state.Error = &job.Failure{Kind: fp.Kind, Detail: fp.Detail}
		}
	}
	st := w.state
	w.mu.Unlock()

	w.emit(st)
}

// applySnapshot reconciles a polled status into the state. A snapshot
// ahead of the last event advances the view; one behind it is dropped.
func (w *Watcher) applySnapshot(view api.JobView) {
	w.mu.Lock()

	// Stick with the watched job while it is live.
	if w.state.JobID != "" && view.JobID != w.state.JobID && !w.state.Status.Terminal() {
		w.mu.Unlock()
		return
	}

	cur := progressRank(w.state.Stage, w.state.Status)
	next := progressRank(view.Stage, view.Status)
	if next < cur {
		w.mu.Unlock()
		return
	}
	changed := next > cur || w.state.JobID == ""
	w.state.JobID = view.JobID
	w.state.Stage = view.Stage
	w.state.Status = view.Status
	if view.Result != nil {
		w.state.Result = view.Result
	}
	if view.Error != nil {
		w.state.Error = view.Error
	}
	st := w.state
	w.mu.Unlock()

	if changed {
		w.emit(st)
	}
}

// emit delivers a state to the updates channel, dropping the oldest
// buffered state when the consumer lags.
func (w *Watcher) emit(st State) {
	for {
		select {
		case w.updates <- st:
			return
		default:
			select {
			case <-w.updates:
			default:
			}
		}
	}
}
