package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/decision-engine/internal/audit"
	"github.com/sells-group/decision-engine/internal/engine"
	"github.com/sells-group/decision-engine/internal/export"
	"github.com/sells-group/decision-engine/internal/featurestore"
	"github.com/sells-group/decision-engine/internal/model"
	"github.com/sells-group/decision-engine/internal/registry"
	"github.com/sells-group/decision-engine/internal/resolve"
	"github.com/sells-group/decision-engine/internal/store"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds the dependencies of every route.
type Handler struct {
	engine   *engine.Engine
	audit    *audit.Log
	features *featurestore.Store
	resolver *resolve.Resolver
	models   *registry.Registry
	db       Pinger
	now      func() time.Time
	log      *zap.Logger
}

// Deps are the collaborators of a Handler. DB may be nil.
type Deps struct {
	Engine   *engine.Engine
	Audit    *audit.Log
	Features *featurestore.Store
	Resolver *resolve.Resolver
	Models   *registry.Registry
	DB       Pinger
}

// NewHandler creates a handler.
func NewHandler(d Deps) *Handler {
	return &Handler{
		engine:   d.Engine,
		audit:    d.Audit,
		features: d.Features,
		resolver: d.Resolver,
		models:   d.Models,
		db:       d.DB,
		now:      time.Now,
		log:      zap.L().With(zap.String("component", "server")),
	}
}

// Health reports liveness, and store reachability when a store is set.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Evaluate runs one evaluation and returns the recorded result.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	var req engine.Request
	if !decode(w, r, &req) {
		return
	}
	if req.Mode != "" && req.Mode != model.ModeQuick && req.Mode != model.ModeFull {
		writeError(w, http.StatusBadRequest, "mode must be quick or full", nil)
		return
	}

	ev, err := h.engine.Evaluate(r.Context(), req)
	if err != nil {
		h.fail(w, "evaluation failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

// Report returns the read-only report of one evaluation.
func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	rep, err := h.audit.Report(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "failed to load report", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// Reports returns every report created in [from, to). Both bounds are
// optional; the default window is the last 30 days.
func (h *Handler) Reports(w http.ResponseWriter, r *http.Request) {
	to := h.now().UTC()
	from := to.AddDate(0, 0, -30)
	var err error
	if s := r.URL.Query().Get("from"); s != "" {
		if from, err = parseTime(s); err != nil {
			writeError(w, http.StatusBadRequest, "invalid from", err)
			return
		}
	}
	if s := r.URL.Query().Get("to"); s != "" {
		if to, err = parseTime(s); err != nil {
			writeError(w, http.StatusBadRequest, "invalid to", err)
			return
		}
	}

	reports, err := h.audit.Reports(r.Context(), from, to)
	if err != nil {
		h.fail(w, "failed to list reports", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := export.WriteJSON(w, reports); err != nil {
		h.log.Warn("server: write reports", zap.Error(err))
	}
}

type overrideRequest struct {
	Class  model.Class `json:"class"`
	Reason string      `json:"reason"`
	Actor  string      `json:"actor"`
}

// Override records a human decision against an evaluation.
func (h *Handler) Override(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if !decode(w, r, &req) {
		return
	}
	entry, err := h.audit.Override(r.Context(), chi.URLParam(r, "id"), req.Class, req.Reason, req.Actor)
	if err != nil {
		h.fail(w, "failed to record override", err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

type outcomeRequest struct {
	Outcome    model.Outcome `json:"outcome"`
	MOIC       *float64      `json:"moic,omitempty"`
	Milestone  *bool         `json:"milestone,omitempty"`
	ObservedAt time.Time     `json:"observed_at"`
}

// AttachOutcome attaches the realized outcome of an evaluation.
func (h *Handler) AttachOutcome(w http.ResponseWriter, r *http.Request) {
	var req outcomeRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.Outcome.Valid() {
		writeError(w, http.StatusBadRequest, "outcome must be trading, exited or failed", nil)
		return
	}
	if req.MOIC != nil && *req.MOIC < 0 {
		writeError(w, http.StatusBadRequest, "moic must not be negative", nil)
		return
	}

	entry, err := h.audit.AttachOutcome(r.Context(), chi.URLParam(r, "id"), model.RealizedOutcome{
		Outcome:    req.Outcome,
		MOIC:       req.MOIC,
		Milestone:  req.Milestone,
		ObservedAt: req.ObservedAt,
	})
	if err != nil {
		h.fail(w, "failed to attach outcome", err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

type featureIn struct {
	EntityID string          `json:"entity_id"`
	AsOf     time.Time       `json:"as_of"`
	Family   model.Family    `json:"family"`
	Name     string          `json:"name"`
	Value    json.RawMessage `json:"value"`
	Source   string          `json:"source"`
	Tier     model.LabelTier `json:"tier,omitempty"`
}

type featuresRequest struct {
	Records []featureIn `json:"records"`
}

// WriteFeatures appends a batch of feature records. The batch is written
// all or nothing.
func (h *Handler) WriteFeatures(w http.ResponseWriter, r *http.Request) {
	var req featuresRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Records) == 0 {
		writeError(w, http.StatusBadRequest, "at least one record is required", nil)
		return
	}

	reg := h.features.Registry()
	recs := make([]model.FeatureRecord, 0, len(req.Records))
	for _, in := range req.Records {
		def, ok := reg.Lookup(in.Family, in.Name)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown feature "+string(in.Family)+"."+in.Name, featurestore.ErrUnknownFeature)
			return
		}
		v, err := decodeValue(def.Kind, in.Value)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid value for "+string(in.Family)+"."+in.Name, err)
			return
		}
		if in.Tier == 0 {
			in.Tier = featurestore.AssignTier(in.Source)
		}
		recs = append(recs, model.FeatureRecord{
			EntityID: in.EntityID,
			AsOf:     in.AsOf,
			Family:   in.Family,
			Name:     in.Name,
			Value:    v,
			Source:   in.Source,
			Tier:     in.Tier,
		})
	}

	written, err := h.features.WriteBatch(r.Context(), recs)
	if err != nil {
		h.fail(w, "failed to write features", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"records": written})
}

// decodeValue accepts either the typed {"kind", "value"} form or a bare
// JSON scalar of the registered kind.
func decodeValue(kind model.FeatureKind, raw json.RawMessage) (model.FeatureValue, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return model.FeatureValue{}, eris.Wrap(featurestore.ErrInvalidRecord, "value is required")
	}
	if raw[0] == '{' {
		var v model.FeatureValue
		if err := json.Unmarshal(raw, &v); err != nil {
			return model.FeatureValue{}, err
		}
		return v, nil
	}

	var err error
	switch kind {
	case model.KindNumeric:
		var f float64
		if err = json.Unmarshal(raw, &f); err == nil {
			return model.Numeric(f), nil
		}
	case model.KindBoolean:
		var b bool
		if err = json.Unmarshal(raw, &b); err == nil {
			return model.Boolean(b), nil
		}
	default:
		var s string
		if err = json.Unmarshal(raw, &s); err == nil {
			return model.Categorical(s), nil
		}
	}
	return model.FeatureValue{}, eris.Wrapf(featurestore.ErrKindMismatch, "expected %s: %v", kind, err)
}

type snapshotResponse struct {
	EntityID     string                `json:"entity_id"`
	AsOf         time.Time             `json:"as_of"`
	Completeness float64               `json:"completeness"`
	Records      []model.FeatureRecord `json:"records"`
}

// Snapshot returns the input features of an entity effective at as_of.
// known_at further hides records written after it.
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	asOf := h.now().UTC()
	if s := r.URL.Query().Get("as_of"); s != "" {
		t, err := parseTime(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid as_of", err)
			return
		}
		asOf = t
	}

	var (
		snap *featurestore.Snapshot
		err  error
	)
	if s := r.URL.Query().Get("known_at"); s != "" {
		known, perr := parseTime(s)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "invalid known_at", perr)
			return
		}
		snap, err = h.features.ReadKnown(r.Context(), chi.URLParam(r, "id"), asOf, known)
	} else {
		snap, err = h.features.Read(r.Context(), chi.URLParam(r, "id"), asOf)
	}
	if err != nil {
		h.fail(w, "failed to read snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, newSnapshotResponse(snap))
}

// EvaluationSnapshot returns the features a recorded evaluation scored,
// unaffected by records written after it.
func (h *Handler) EvaluationSnapshot(w http.ResponseWriter, r *http.Request) {
	ev, err := h.audit.Evaluation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "failed to load evaluation", err)
		return
	}
	snap, err := h.features.Replay(r.Context(), ev)
	if err != nil {
		h.fail(w, "failed to replay snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, newSnapshotResponse(snap))
}

func newSnapshotResponse(snap *featurestore.Snapshot) snapshotResponse {
	return snapshotResponse{
		EntityID:     snap.EntityID,
		AsOf:         snap.AsOf,
		Completeness: snap.Completeness(),
		Records:      snap.Records(),
	}
}

// Resolve links a source reference to a canonical entity.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	var ref resolve.Reference
	if !decode(w, r, &ref) {
		return
	}
	res, err := h.resolver.Resolve(r.Context(), ref)
	if err != nil {
		h.fail(w, "failed to resolve reference", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListReviews lists entity links waiting for a human.
func (h *Handler) ListReviews(w http.ResponseWriter, r *http.Request) {
	links, err := h.resolver.PendingReviews(r.Context())
	if err != nil {
		h.fail(w, "failed to list reviews", err)
		return
	}
	if links == nil {
		links = []model.EntityLink{}
	}
	writeJSON(w, http.StatusOK, links)
}

type reviewRequest struct {
	Reviewer string `json:"reviewer"`
	Reason   string `json:"reason"`
}

func (req reviewRequest) validate() string {
	if strings.TrimSpace(req.Reviewer) == "" {
		return "reviewer is required"
	}
	return ""
}

// ConfirmReview accepts a pending link.
func (h *Handler) ConfirmReview(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if !decode(w, r, &req) {
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg, nil)
		return
	}
	link, err := h.resolver.Confirm(r.Context(), chi.URLParam(r, "id"), req.Reviewer, req.Reason)
	if err != nil {
		h.fail(w, "failed to confirm link", err)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

// RejectReview rejects a pending link and relinks the reference to a new
// entity.
func (h *Handler) RejectReview(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if !decode(w, r, &req) {
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg, nil)
		return
	}
	res, err := h.resolver.Reject(r.Context(), chi.URLParam(r, "id"), req.Reviewer, req.Reason)
	if err != nil {
		h.fail(w, "failed to reject link", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListModels lists model artifacts, optionally filtered by ?status=.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	status := model.ReleaseStatus(r.URL.Query().Get("status"))
	switch status {
	case "", model.StatusCandidate, model.StatusReleased, model.StatusRetired:
	default:
		writeError(w, http.StatusBadRequest, "unknown status "+string(status), nil)
		return
	}
	arts, err := h.models.List(r.Context(), status)
	if err != nil {
		h.fail(w, "failed to list models", err)
		return
	}
	if arts == nil {
		arts = []model.ModelArtifact{}
	}
	writeJSON(w, http.StatusOK, arts)
}

// fail maps err onto a status code and writes it. Server faults are logged.
func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("server: "+msg, zap.Error(err))
	}
	writeError(w, status, msg, err)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, audit.ErrReasonRequired),
		errors.Is(err, audit.ErrInvalidClass),
		errors.Is(err, resolve.ErrInvalidReference),
		errors.Is(err, featurestore.ErrUnknownFeature),
		errors.Is(err, featurestore.ErrKindMismatch),
		errors.Is(err, featurestore.ErrInvalidRecord):
		return http.StatusBadRequest
	case errors.Is(err, audit.ErrOverrideExists),
		errors.Is(err, audit.ErrOutcomeAlreadySet),
		errors.Is(err, featurestore.ErrDuplicate),
		errors.Is(err, resolve.ErrNotPending),
		errors.Is(err, resolve.ErrLinkRejected),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, eris.Errorf("server: unparseable time %q", s)
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := errorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}
