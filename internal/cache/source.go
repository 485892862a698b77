package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hyperengineering/fieldsync/internal/types"
)

// pointColumns is the projection cached for monitoring points.
const pointColumns = "id,expediente_id,locacion,cod_punto_campo,este,norte,estatus"

// Source fetches server-owned reference data. Rows are returned as raw JSON
// objects and cached as-is.
type Source interface {
	FetchAssignments(ctx context.Context, expedienteID string) ([]json.RawMessage, error)
	FetchPoints(ctx context.Context, expedienteID string) ([]json.RawMessage, error)
	ListExpedientes(ctx context.Context) ([]types.Expediente, error)
}

// PostgRESTSource reads reference tables through a PostgREST endpoint.
type PostgRESTSource struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewPostgRESTSource creates a source for the PostgREST API at baseURL.
// apiKey is sent both as the apikey header and as a bearer token.
func NewPostgRESTSource(baseURL, apiKey string, timeout time.Duration) *PostgRESTSource {
	return &PostgRESTSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// FetchAssignments returns the live supervisor assignments of an expediente.
func (s *PostgRESTSource) FetchAssignments(ctx context.Context, expedienteID string) ([]json.RawMessage, error) {
	var rows []json.RawMessage
	err := s.get(ctx, "expediente_supervisores", url.Values{
		"select":        {"*"},
		"expediente_id": {"eq." + expedienteID},
		"is_deleted":    {"eq.false"},
	}, &rows)
	return rows, err
}

// FetchPoints returns the live monitoring points of an expediente.
func (s *PostgRESTSource) FetchPoints(ctx context.Context, expedienteID string) ([]json.RawMessage, error) {
	var rows []json.RawMessage
	err := s.get(ctx, "monitoreo_puntos", url.Values{
		"select":        {pointColumns},
		"expediente_id": {"eq." + expedienteID},
		"is_deleted":    {"eq.false"},
	}, &rows)
	return rows, err
}

// ListExpedientes returns the expedientes available for preload, newest first.
func (s *PostgRESTSource) ListExpedientes(ctx context.Context) ([]types.Expediente, error) {
	var out []types.Expediente
	err := s.get(ctx, "expedientes", url.Values{
		"select":     {"id,expediente_codigo,nombre"},
		"is_deleted": {"eq.false"},
		"order":      {"created_at.desc"},
	}, &out)
	return out, err
}

func (s *PostgRESTSource) get(ctx context.Context, table string, query url.Values, out any) error {
	endpoint := s.baseURL + "/rest/v1/" + table + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", table, err)
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("apikey", s.apiKey)
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", table, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("fetch %s: status %d: %s", table, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", table, err)
	}
	return nil
}
