// Package handler exposes the import engine over HTTP.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/common"
	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/fieldlist"
	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/ledger"
	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/normalizer"
	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/repository"
	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/schema"
	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/service"
	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/sniffer"
)

const defaultMaxBytes = 32 << 20

// ImportHandler serves the /v1 reconciliation API.
type ImportHandler struct {
	engine   *service.Engine
	validate *validator.Validate
	logger   *slog.Logger
	maxBytes int64
}

// HandlerOption configures an ImportHandler.
type HandlerOption func(*ImportHandler)

// WithMaxBodyBytes caps request bodies, snapshots included.
func WithMaxBodyBytes(n int64) HandlerOption {
	return func(h *ImportHandler) {
		if n > 0 {
			h.maxBytes = n
		}
	}
}

// NewImportHandler constructs a new handler.
func NewImportHandler(engine *service.Engine, logger *slog.Logger, opts ...HandlerOption) *ImportHandler {
	h := &ImportHandler{
		engine:   engine,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
		maxBytes: defaultMaxBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts the API on r.
func (h *ImportHandler) Routes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Post("/sources:suggest", h.SuggestSource)
		r.Route("/accounts/{account}", func(r chi.Router) {
			r.Put("/source", h.PutSource)
			r.Get("/source", h.GetSource)
			r.Post("/imports", h.Import)
			r.Post("/imports:preview", h.Preview)
			r.Get("/imports", h.ListImports)
			r.Get("/transactions", h.ListTransactions)
			r.Get("/checkpoints", h.ListCheckpoints)
			r.Get("/balance", h.GetBalance)
			r.Post("/relations", h.CreateRelation)
			r.Get("/relations", h.ListRelations)
		})
	})
}

type snapshotRequest struct {
	Snapshot string `json:"snapshot" validate:"required"`
}

type relationRequest struct {
	FromID string `json:"from_id" validate:"required,uuid"`
	ToID   string `json:"to_id" validate:"required,uuid"`
	Kind   string `json:"kind" validate:"required,max=64"`
}

type importResponse struct {
	Account     string   `json:"account"`
	BatchID     *string  `json:"batch_id"`
	Changed     bool     `json:"changed"`
	Inserted    []string `json:"inserted"`
	RolledBack  []string `json:"rolled_back"`
	Confirmed   int      `json:"confirmed"`
	Checkpoints int      `json:"checkpoints"`
	Warnings    []string `json:"warnings"`
}

type previewRow struct {
	TransID     string `json:"trans_id"`
	EntryDate   string `json:"entry_date"`
	Description string `json:"description"`
	Amount      string `json:"amount"`
}

type previewResponse struct {
	Account       string               `json:"account"`
	Changed       bool                 `json:"changed"`
	Inserts       []previewRow         `json:"inserts"`
	Rollbacks     []previewRow         `json:"rollbacks"`
	Confirmations int                  `json:"confirmations"`
	Checkpoints   []checkpointResponse `json:"checkpoints"`
	Warnings      []string             `json:"warnings"`
}

type transactionResponse struct {
	ID              string   `json:"id"`
	TransID         string   `json:"trans_id"`
	EntryDate       string   `json:"entry_date"`
	EffectiveDate   *string  `json:"effective_date,omitempty"`
	Description     string   `json:"description"`
	Amount          string   `json:"amount"`
	AmountCents     int64    `json:"amount_cents"`
	RunningTotal    *int64   `json:"running_total_cents,omitempty"`
	UniqueID        *string  `json:"unique_id,omitempty"`
	RawFields       []string `json:"raw_fields"`
	CheckpointID    *string  `json:"checkpoint_id,omitempty"`
	FirstImportedBy string   `json:"first_imported_by"`
	AlsoImportedBy  []string `json:"also_imported_by"`
	RemovedBy       *string  `json:"removed_by,omitempty"`
	Sequence        int64    `json:"sequence"`
}

type checkpointResponse struct {
	ID           string  `json:"id"`
	PreviousID   *string `json:"previous_id"`
	Balance      string  `json:"balance"`
	BalanceCents int64   `json:"balance_cents"`
	At           string  `json:"at"`
	ImportedBy   *string `json:"imported_by,omitempty"`
	Notes        string  `json:"notes,omitempty"`
	Sequence     int64   `json:"sequence"`
}

type batchResponse struct {
	ID         string  `json:"id"`
	Checksum   string  `json:"checksum"`
	PreviousID *string `json:"previous_id"`
	CreatedAt  string  `json:"created_at"`
}

type balanceResponse struct {
	Account          string  `json:"account"`
	Balance          string  `json:"balance"`
	BalanceCents     int64   `json:"balance_cents"`
	CheckpointID     *string `json:"checkpoint_id"`
	CheckpointCents  int64   `json:"checkpoint_balance_cents"`
	ActiveAfterCents int64   `json:"active_after_cents"`
}

type relationResponse struct {
	FromID    string `json:"from_id"`
	ToID      string `json:"to_id"`
	Kind      string `json:"kind"`
	CreatedAt string `json:"created_at"`
}

type suggestionResponse struct {
	Schema      schema.FieldSchema `json:"schema"`
	Columns     []string           `json:"columns"`
	Fingerprint string             `json:"fingerprint"`
	SampleRows  [][]string         `json:"sample_rows"`
}

// PutSource registers or replaces the account's FieldSchema.
func (h *ImportHandler) PutSource(w http.ResponseWriter, r *http.Request) {
	var s schema.FieldSchema
	if !h.decodeJSON(w, r, &s) {
		return
	}
	src, err := h.engine.RegisterSource(r.Context(), chi.URLParam(r, "account"), s)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, src.Schema)
}

// GetSource returns the account's FieldSchema.
func (h *ImportHandler) GetSource(w http.ResponseWriter, r *http.Request) {
	src, err := h.engine.Source(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, src.Schema)
}

// Import runs one import. The snapshot is either the raw request body or,
// for application/json, the "snapshot" field.
func (h *ImportHandler) Import(w http.ResponseWriter, r *http.Request) {
	snapshot, ok := h.readSnapshot(w, r)
	if !ok {
		return
	}
	res, err := h.engine.Import(r.Context(), chi.URLParam(r, "account"), snapshot)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := importResponse{
		Account:     res.Account,
		Changed:     res.BatchID != nil,
		Inserted:    res.Inserted,
		RolledBack:  res.RolledBack,
		Confirmed:   res.Confirmed,
		Checkpoints: res.Checkpoints,
		Warnings:    warningStrings(res.Warnings),
	}
	status := http.StatusOK
	if res.BatchID != nil {
		id := res.BatchID.String()
		resp.BatchID = &id
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

// Preview reports what an import would change without committing it.
func (h *ImportHandler) Preview(w http.ResponseWriter, r *http.Request) {
	snapshot, ok := h.readSnapshot(w, r)
	if !ok {
		return
	}
	plan, err := h.engine.Preview(r.Context(), chi.URLParam(r, "account"), snapshot)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := previewResponse{
		Account:       plan.Account,
		Changed:       !plan.NoOp(),
		Inserts:       make([]previewRow, 0, len(plan.Inserts)),
		Rollbacks:     make([]previewRow, 0, len(plan.Rollbacks)),
		Confirmations: len(plan.Confirmations),
		Checkpoints:   make([]checkpointResponse, 0, len(plan.Checkpoints)),
		Warnings:      warningStrings(plan.Warnings),
	}
	for _, t := range plan.Inserts {
		resp.Inserts = append(resp.Inserts, toPreviewRow(t))
	}
	for _, t := range plan.Rollbacks {
		resp.Rollbacks = append(resp.Rollbacks, toPreviewRow(t))
	}
	for _, cp := range plan.Checkpoints {
		resp.Checkpoints = append(resp.Checkpoints, toCheckpointResponse(cp))
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListImports lists the account's batches, newest first.
func (h *ImportHandler) ListImports(w http.ResponseWriter, r *http.Request) {
	batches, err := h.engine.Batches(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]batchResponse, 0, len(batches))
	for _, b := range batches {
		out = append(out, batchResponse{
			ID:         b.ID.String(),
			Checksum:   b.Checksum,
			PreviousID: uuidString(b.PreviousID),
			CreatedAt:  b.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"imports": out})
}

// ListTransactions lists active transactions, or all of them with
// include_removed=true.
func (h *ImportHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	includeRemoved := false
	if v := r.URL.Query().Get("include_removed"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			h.writeError(w, r, fmt.Errorf("include_removed must be a boolean: %w", common.ErrBadRequest))
			return
		}
		includeRemoved = b
	}

	txs, err := h.engine.Transactions(r.Context(), chi.URLParam(r, "account"), includeRemoved)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]transactionResponse, 0, len(txs))
	for _, t := range txs {
		out = append(out, toTransactionResponse(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": out})
}

// ListCheckpoints returns the verified checkpoint chain.
func (h *ImportHandler) ListCheckpoints(w http.ResponseWriter, r *http.Request) {
	chain, err := h.engine.History(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]checkpointResponse, 0, len(chain))
	for _, cp := range chain {
		out = append(out, toCheckpointResponse(cp))
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": out})
}

// GetBalance returns the account balance implied by the ledger.
func (h *ImportHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.Balance(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := balanceResponse{
		Account:          report.Account,
		Balance:          normalizer.FormatCents(report.Balance),
		BalanceCents:     report.Balance,
		ActiveAfterCents: report.ActiveAfter,
	}
	if report.Checkpoint != nil {
		id := report.Checkpoint.ID.String()
		resp.CheckpointID = &id
		resp.CheckpointCents = report.Checkpoint.Balance
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateRelation links two transactions.
func (h *ImportHandler) CreateRelation(w http.ResponseWriter, r *http.Request) {
	var req relationRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	rel, err := h.engine.Relate(r.Context(), chi.URLParam(r, "account"),
		uuid.MustParse(req.FromID), uuid.MustParse(req.ToID), req.Kind)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRelationResponse(rel))
}

// ListRelations lists relations of ?transaction_id.
func (h *ImportHandler) ListRelations(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.URL.Query().Get("transaction_id"))
	if err != nil {
		h.writeError(w, r, fmt.Errorf("transaction_id must be a uuid: %w", common.ErrBadRequest))
		return
	}
	rels, err := h.engine.Relations(r.Context(), chi.URLParam(r, "account"), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]relationResponse, 0, len(rels))
	for _, rel := range rels {
		out = append(out, toRelationResponse(rel))
	}
	writeJSON(w, http.StatusOK, map[string]any{"relations": out})
}

// SuggestSource guesses a FieldSchema for the export in the request body.
func (h *ImportHandler) SuggestSource(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBytes))
	if err != nil {
		h.writeError(w, r, fmt.Errorf("failed to read body: %w", common.ErrBadRequest))
		return
	}
	suggestion, err := sniffer.Suggest(data)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, suggestionResponse{
		Schema:      suggestion.Schema,
		Columns:     suggestion.Columns,
		Fingerprint: suggestion.Config.Fingerprint,
		SampleRows:  suggestion.Config.SampleRows,
	})
}

func (h *ImportHandler) readSnapshot(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var req snapshotRequest
		if !h.decodeJSON(w, r, &req) {
			return nil, false
		}
		return []byte(req.Snapshot), true
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBytes))
	if err != nil {
		h.writeError(w, r, fmt.Errorf("failed to read snapshot: %w", common.ErrBadRequest))
		return nil, false
	}
	return data, true
}

func (h *ImportHandler) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.writeError(w, r, fmt.Errorf("invalid request body: %v: %w", err, common.ErrBadRequest))
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		h.writeError(w, r, fmt.Errorf("request body must only contain a single JSON object: %w", common.ErrBadRequest))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.writeError(w, r, fmt.Errorf("validation failed: %v: %w", err, common.ErrBadRequest))
		return false
	}
	return true
}

type errorResponse struct {
	Error string `json:"error"`
	State string `json:"state,omitempty"`
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrNoSource), errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrStaleBaseline), errors.Is(err, common.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, service.ErrRelationsUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, common.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, common.ErrForbidden):
		return http.StatusForbidden
	}

	var abortErr *service.AbortError
	if errors.As(err, &abortErr) {
		return http.StatusUnprocessableEntity
	}

	switch {
	case errors.Is(err, common.ErrBadRequest),
		errors.Is(err, service.ErrUnknownPostProcessor),
		errors.Is(err, schema.ErrMissingRequiredField),
		errors.Is(err, schema.ErrDuplicateField),
		errors.Is(err, schema.ErrConflictingFields),
		errors.Is(err, schema.ErrUnknownTag),
		errors.Is(err, schema.ErrUnknownOrder),
		errors.Is(err, schema.ErrInvalidDelimiter),
		errors.Is(err, normalizer.ErrInvalidDate),
		errors.Is(err, normalizer.ErrUnknownEncoding),
		errors.Is(err, sniffer.ErrEmptyFile),
		errors.Is(err, sniffer.ErrNoHeadersFound):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrBrokenChain), errors.Is(err, fieldlist.ErrSchemaMismatch):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (h *ImportHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}

	var abortErr *service.AbortError
	if errors.As(err, &abortErr) {
		resp.State = abortErr.State.String()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		resp.Error = "internal error"
	} else {
		h.logger.Warn("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func warningStrings(warnings []error) []string {
	out := make([]string, 0, len(warnings))
	for _, w := range warnings {
		out = append(out, w.Error())
	}
	return out
}

func uuidString(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

func toPreviewRow(t *repository.Transaction) previewRow {
	return previewRow{
		TransID:     t.TransID,
		EntryDate:   t.EntryDate.Format(time.DateOnly),
		Description: t.Description,
		Amount:      normalizer.FormatCents(t.Amount),
	}
}

func toTransactionResponse(t *repository.Transaction) transactionResponse {
	resp := transactionResponse{
		ID:              t.ID.String(),
		TransID:         t.TransID,
		EntryDate:       t.EntryDate.Format(time.DateOnly),
		Description:     t.Description,
		Amount:          normalizer.FormatCents(t.Amount),
		AmountCents:     t.Amount,
		RunningTotal:    t.RunningTotal,
		UniqueID:        t.UniqueID,
		RawFields:       t.RawFields,
		CheckpointID:    uuidString(t.CheckpointID),
		FirstImportedBy: t.FirstImportedBy.String(),
		AlsoImportedBy:  make([]string, 0, len(t.AlsoImportedBy)),
		RemovedBy:       uuidString(t.RemovedBy),
		Sequence:        t.Sequence,
	}
	if t.EffectiveDate != nil {
		d := t.EffectiveDate.Format(time.DateOnly)
		resp.EffectiveDate = &d
	}
	for _, id := range t.AlsoImportedBy {
		resp.AlsoImportedBy = append(resp.AlsoImportedBy, id.String())
	}
	return resp
}

func toCheckpointResponse(cp *repository.Checkpoint) checkpointResponse {
	return checkpointResponse{
		ID:           cp.ID.String(),
		PreviousID:   uuidString(cp.PreviousID),
		Balance:      normalizer.FormatCents(cp.Balance),
		BalanceCents: cp.Balance,
		At:           cp.At.UTC().Format(time.RFC3339Nano),
		ImportedBy:   uuidString(cp.ImportedBy),
		Notes:        cp.Notes,
		Sequence:     cp.Sequence,
	}
}

func toRelationResponse(rel *repository.Relation) relationResponse {
	return relationResponse{
		FromID:    rel.FromID.String(),
		ToID:      rel.ToID.String(),
		Kind:      rel.Kind,
		CreatedAt: rel.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}
