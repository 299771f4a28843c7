package api

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/lvonguyen/repsentinel/internal/pipeline"
)

// Ingest body errors.
var (
	ErrBatchTooLarge = errors.New("batch exceeds maximum size")
	ErrNoItems       = errors.New("no valid items found")
)

// validateToken checks the bearer token against the secret named by
// ingest.token_env. An unset secret rejects every request.
func (s *Server) validateToken(r *http.Request) bool {
	expected := os.Getenv(s.cfg.Ingest.TokenEnv)
	if expected == "" {
		return false
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return false
	}
	got := strings.TrimPrefix(auth, "Bearer ")
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}

// parseItems accepts one JSON object or newline-delimited objects.
func parseItems(body []byte, maxBatch int) ([]pipeline.IngestItem, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, ErrNoItems
	}

	var single pipeline.IngestItem
	if err := json.Unmarshal(body, &single); err == nil {
		return []pipeline.IngestItem{single}, nil
	}

	var items []pipeline.IngestItem
	decoder := json.NewDecoder(bytes.NewReader(body))
	for decoder.More() {
		var item pipeline.IngestItem
		if err := decoder.Decode(&item); err != nil {
			return nil, fmt.Errorf("failed to parse item %d: %w", len(items), err)
		}
		items = append(items, item)
		if maxBatch > 0 && len(items) > maxBatch {
			return nil, fmt.Errorf("%w: limit %d", ErrBatchTooLarge, maxBatch)
		}
	}

	if len(items) == 0 {
		return nil, ErrNoItems
	}
	return items, nil
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Ingest.Enabled {
		writeError(w, http.StatusNotFound, "ingest_disabled", "push ingestion is disabled")
		return
	}
	if !s.validateToken(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.Ingest.MaxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large",
				fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_body", "error reading body")
		return
	}

	items, err := parseItems(body, s.cfg.Ingest.MaxBatchSize)
	switch {
	case errors.Is(err, ErrBatchTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "batch_too_large", err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	dryRun, _ := strconv.ParseBool(r.URL.Query().Get("dry_run"))
	res, err := s.scanner.Ingest(r.Context(), items, pipeline.IngestOptions{DryRun: dryRun})
	if err != nil {
		s.logger.Error("Ingest failed", zap.Int("items", len(items)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "ingest_failed", err.Error())
		return
	}

	status := http.StatusAccepted
	if dryRun {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}
