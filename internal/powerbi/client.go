// Package powerbi wraps the analytics service REST API: DAX query
// execution, dataset metadata, and refresh management. Tokens come from the
// OAuth2 client-credentials flow; dataset info is cached and invalidated on
// refresh.
package powerbi

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/seekapa/copilot/internal/cache"
	"github.com/seekapa/copilot/internal/config"
)

var (
	ErrQueryFailed   = errors.New("analytics query failed")
	ErrRefreshFailed = errors.New("dataset refresh failed")
)

// cacheGroup tags dataset metadata entries so a refresh can invalidate
// them together.
const cacheGroup = "powerbi"

const cacheNamespace = "powerbi"

// QueryResult is a processed DAX result set.
type QueryResult struct {
	Success  bool             `json:"success"`
	Columns  []string         `json:"columns,omitempty"`
	Data     []map[string]any `json:"data"`
	RowCount int              `json:"row_count"`
}

// DatasetInfo is the cached dataset summary.
type DatasetInfo struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	WorkspaceID string           `json:"workspace_id"`
	Tables      []map[string]any `json:"tables"`
	FetchedAt   time.Time        `json:"fetched_at"`
}

// RefreshEntry is one row of refresh history.
type RefreshEntry struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime,omitempty"`
}

// Client talks to the analytics service.
type Client struct {
	cfg    config.PowerBIConfig
	http   *http.Client
	cache  *cache.Service
	logger *slog.Logger
}

// New builds a client. The OAuth2 transport refreshes tokens as needed;
// cacheSvc may be nil to disable metadata caching.
func New(cfg config.PowerBIConfig, cacheSvc *cache.Service, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InfoCacheTTL <= 0 {
		cfg.InfoCacheTTL = time.Hour
	}

	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.TenantID)
	}
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{cfg.Scope},
	}

	httpClient := cc.Client(context.Background())
	httpClient.Timeout = 30 * time.Second

	return &Client{
		cfg:    cfg,
		http:   httpClient,
		cache:  cacheSvc,
		logger: logger.With("component", "powerbi"),
	}
}

// WithHTTPClient replaces the transport, for tests.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

func (c *Client) datasetURL(suffix string) string {
	return fmt.Sprintf("%s/groups/%s/datasets/%s%s",
		strings.TrimRight(c.cfg.APIBase, "/"), c.cfg.WorkspaceID, c.cfg.DatasetID, suffix)
}

// ExecuteQuery runs a DAX query and flattens the first result table.
func (c *Client) ExecuteQuery(ctx context.Context, dax string) (*QueryResult, error) {
	body, err := json.Marshal(map[string]any{
		"queries":            []map[string]string{{"query": dax}},
		"serializerSettings": map[string]bool{"includeNulls": true},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.datasetURL("/executeQueries"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrQueryFailed, resp.StatusCode)
	}

	var raw struct {
		Results []struct {
			Tables []struct {
				Name    string `json:"name"`
				Columns []struct {
					Name string `json:"name"`
				} `json:"columns"`
				Rows []map[string]any `json:"rows"`
			} `json:"tables"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode query result: %w", err)
	}

	out := &QueryResult{Success: true, Data: []map[string]any{}}
	if len(raw.Results) == 0 || len(raw.Results[0].Tables) == 0 {
		return out, nil
	}

	table := raw.Results[0].Tables[0]
	for _, col := range table.Columns {
		out.Columns = append(out.Columns, col.Name)
	}
	for _, row := range table.Rows {
		processed := make(map[string]any, len(out.Columns))
		for _, col := range out.Columns {
			// Rows may key cells as Table[Column] or as the bare name.
			if v, ok := row[fmt.Sprintf("%s[%s]", table.Name, col)]; ok {
				processed[col] = v
			} else if v, ok := row[col]; ok {
				processed[col] = v
			}
		}
		out.Data = append(out.Data, processed)
	}
	out.RowCount = len(out.Data)
	return out, nil
}

// FormatCSV renders a query result as CSV.
func (r *QueryResult) FormatCSV() (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(r.Columns); err != nil {
		return "", err
	}
	for _, row := range r.Data {
		record := make([]string, len(r.Columns))
		for i, col := range r.Columns {
			if v, ok := row[col]; ok && v != nil {
				record[i] = fmt.Sprint(v)
			}
		}
		if err := w.Write(record); err != nil {
			return "", err
		}
	}
	w.Flush()
	return buf.String(), w.Error()
}

// Info returns the dataset summary, serving from cache inside the TTL.
func (c *Client) Info(ctx context.Context) (*DatasetInfo, error) {
	const key = "dataset_info"

	if c.cache != nil {
		if data, ok := c.cache.Get(ctx, key, cacheNamespace); ok {
			var info DatasetInfo
			if json.Unmarshal(data, &info) == nil {
				return &info, nil
			}
		}
	}

	info, err := c.fetchInfo(ctx)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if data, err := json.Marshal(info); err == nil {
			c.cache.Set(ctx, key, data, cache.SetOptions{
				TTL:       c.cfg.InfoCacheTTL,
				Namespace: cacheNamespace,
				Groups:    []string{cacheGroup},
			})
		}
	}
	return info, nil
}

func (c *Client) fetchInfo(ctx context.Context) (*DatasetInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.datasetURL(""), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch dataset: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dataset lookup returned %d", resp.StatusCode)
	}

	var ds struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ds); err != nil {
		return nil, err
	}

	tables, err := c.fetchTables(ctx)
	if err != nil {
		c.logger.Warn("table listing failed", "error", err)
	}

	return &DatasetInfo{
		ID:          ds.ID,
		Name:        ds.Name,
		WorkspaceID: c.cfg.WorkspaceID,
		Tables:      tables,
		FetchedAt:   time.Now().UTC(),
	}, nil
}

func (c *Client) fetchTables(ctx context.Context) ([]map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.datasetURL("/tables"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("table listing returned %d", resp.StatusCode)
	}

	var payload struct {
		Value []map[string]any `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	return payload.Value, nil
}

// TriggerRefresh starts a dataset refresh and invalidates cached metadata.
func (c *Client) TriggerRefresh(ctx context.Context) error {
	body := []byte(`{"notifyOption":"MailOnFailure"}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.datasetURL("/refreshes"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("trigger refresh: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrRefreshFailed, resp.StatusCode)
	}

	if c.cache != nil {
		c.cache.InvalidateGroup(ctx, cacheGroup)
	}
	c.logger.Info("dataset refresh triggered", "dataset", c.cfg.DatasetID)
	return nil
}

// RefreshHistory returns the most recent refreshes, newest first.
func (c *Client) RefreshHistory(ctx context.Context, top int) ([]RefreshEntry, error) {
	if top <= 0 {
		top = 5
	}
	url := c.datasetURL(fmt.Sprintf("/refreshes?$top=%d", top))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh history: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("refresh history returned %d", resp.StatusCode)
	}

	var payload struct {
		Value []RefreshEntry `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	return payload.Value, nil
}
