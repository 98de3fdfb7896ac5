package poweron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"poweron/internal/logging"
)

const (
	// DefaultAPIURL is the production data API base.
	DefaultAPIURL = "https://api-poweron.toe.com.ua/api"

	// DefaultSiteURL is the public schedule page the renderer drives.
	DefaultSiteURL = "https://poweron.toe.com.ua/"

	defaultRetries = 3
	defaultLimit   = 10
	maxBodyBytes   = 4 << 20
)

var (
	// ErrUnavailable reports that the API could not be reached after all
	// retry attempts (network failure, timeout, or 5xx responses).
	ErrUnavailable = errors.New("poweron: upstream unavailable")

	// ErrFormat reports that the API answered but the response body no
	// longer matches the expected shape.
	ErrFormat = errors.New("poweron: upstream response format changed")
)

// Config controls the API client.
type Config struct {
	BaseURL string        `yaml:"base_url"`
	SiteURL string        `yaml:"site_url"`
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`
	Limit   int           `yaml:"limit"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultAPIURL,
		SiteURL: DefaultSiteURL,
		Timeout: 30 * time.Second,
		Retries: defaultRetries,
		Limit:   defaultLimit,
	}
}

// Client looks up settlements, streets and buildings against the data API.
// It is a pure lookup layer: no shared state is mutated, and candidate order
// follows the upstream's own relevance order.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient builds a client with the given config, filling zero values from
// DefaultConfig.
func NewClient(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.SiteURL == "" {
		cfg.SiteURL = def.SiteURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Retries <= 0 {
		cfg.Retries = def.Retries
	}
	if cfg.Limit <= 0 {
		cfg.Limit = def.Limit
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// SiteURL returns the schedule page the renderer should open.
func (c *Client) SiteURL() string {
	return c.cfg.SiteURL
}

// Resolve returns candidates for the given step, filtered by query.
// parent is the already-resolved portion of the address: ignored for the
// settlement step, settlement required for streets, settlement+street for
// buildings.
func (c *Client) Resolve(ctx context.Context, step Step, parent Address, query string) ([]Candidate, error) {
	switch step {
	case StepSettlement:
		return c.Settlements(ctx, query)
	case StepStreet:
		return c.Streets(ctx, parent.Settlement.ID, query)
	case StepBuilding:
		return c.Buildings(ctx, parent.Settlement.ID, parent.Street.ID, query)
	default:
		return nil, fmt.Errorf("poweron: no lookup for step %s", step)
	}
}

// hydra envelopes every collection response.
type memberEnvelope struct {
	Members []json.RawMessage `json:"hydra:member"`
}

type cityItem struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	OTG  *struct {
		Name string `json:"name"`
	} `json:"otg"`
}

type streetItem struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type accountItem struct {
	ID           int64  `json:"id"`
	BuildingName string `json:"buildingName"`
	ChergGpv     string `json:"chergGpv"`
	ChergGav     string `json:"chergGav"`
	ChergAchr    string `json:"chergAchr"`
	ChergGvsp    string `json:"chergGvsp"`
	ChergSgav    string `json:"chergSgav"`
}

// Settlements lists settlements whose caption contains query.
func (c *Client) Settlements(ctx context.Context, query string) ([]Candidate, error) {
	members, err := c.getMembers(ctx, "/pw_cities", url.Values{
		"pagination": {"false"},
		"otg.id":     {""},
	})
	if err != nil {
		return nil, err
	}

	norm := normQuery(query)
	out := make([]Candidate, 0, c.cfg.Limit)
	for _, raw := range members {
		var item cityItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, fmt.Errorf("%w: pw_cities member: %v", ErrFormat, err)
		}
		caption := item.Name
		if item.OTG != nil && item.OTG.Name != "" {
			caption = fmt.Sprintf("%s (%s ОТГ)", item.Name, item.OTG.Name)
		}
		if norm != "" && !strings.Contains(strings.ToLower(caption), norm) {
			continue
		}
		out = append(out, Candidate{ID: item.ID, Label: caption, RawName: item.Name})
		if len(out) >= c.cfg.Limit {
			break
		}
	}
	logging.ResolverDebug("settlements: query=%q matched=%d", query, len(out))
	return out, nil
}

// Streets lists streets of a settlement whose name contains query. The
// upstream prefixes street names with "вул. "; captions drop it.
func (c *Client) Streets(ctx context.Context, settlementID int64, query string) ([]Candidate, error) {
	members, err := c.getMembers(ctx, "/pw_streets", url.Values{
		"pagination": {"false"},
		"city.id":    {fmt.Sprint(settlementID)},
	})
	if err != nil {
		return nil, err
	}

	norm := normQuery(query)
	out := make([]Candidate, 0, c.cfg.Limit)
	for _, raw := range members {
		var item streetItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, fmt.Errorf("%w: pw_streets member: %v", ErrFormat, err)
		}
		name := strings.TrimSpace(strings.ReplaceAll(item.Name, "вул. ", ""))
		if name == "" {
			continue
		}
		if norm != "" && !strings.Contains(strings.ToLower(name), norm) {
			continue
		}
		out = append(out, Candidate{ID: item.ID, Label: name})
		if len(out) >= c.cfg.Limit {
			break
		}
	}
	logging.ResolverDebug("streets: settlement=%d query=%q matched=%d", settlementID, query, len(out))
	return out, nil
}

// Buildings lists buildings on a street whose number contains query. Queue
// assignments reported by the account records ride on the candidates so the
// engine can show them without a second lookup.
func (c *Client) Buildings(ctx context.Context, settlementID, streetID int64, query string) ([]Candidate, error) {
	members, err := c.getMembers(ctx, "/pw_accounts", url.Values{
		"pagination": {"false"},
		"city.id":    {fmt.Sprint(settlementID)},
		"street.id":  {fmt.Sprint(streetID)},
	})
	if err != nil {
		return nil, err
	}

	norm := normQuery(query)
	out := make([]Candidate, 0, c.cfg.Limit)
	for _, raw := range members {
		var item accountItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, fmt.Errorf("%w: pw_accounts member: %v", ErrFormat, err)
		}
		name := strings.TrimSpace(item.BuildingName)
		if name == "" {
			continue
		}
		if norm != "" && !strings.Contains(strings.ToLower(name), norm) {
			continue
		}
		out = append(out, Candidate{
			ID:    item.ID,
			Label: name,
			Queues: Queues{
				GPV:  orDash(item.ChergGpv),
				GAV:  orDash(item.ChergGav),
				ACHR: orDash(item.ChergAchr),
				GVSP: orDash(item.ChergGvsp),
				SGAV: orDash(item.ChergSgav),
			},
		})
		if len(out) >= c.cfg.Limit {
			break
		}
	}
	logging.ResolverDebug("buildings: settlement=%d street=%d query=%q matched=%d", settlementID, streetID, query, len(out))
	return out, nil
}

// getMembers fetches a collection endpoint and unwraps the hydra envelope,
// retrying transient failures with linear backoff.
func (c *Client) getMembers(ctx context.Context, path string, params url.Values) ([]json.RawMessage, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.Retries; attempt++ {
		members, err := c.getMembersOnce(ctx, path, params)
		if err == nil {
			return members, nil
		}
		if errors.Is(err, ErrFormat) {
			// Retrying cannot fix a schema change.
			return nil, err
		}
		lastErr = err
		logging.ResolverDebug("attempt %d/%d failed for %s: %v", attempt, c.cfg.Retries, path, err)
		if attempt < c.cfg.Retries {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}
	}
	logging.ResolverError("upstream unavailable after %d attempts: %s: %v", c.cfg.Retries, path, lastErr)
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (c *Client) getMembersOnce(ctx context.Context, path string, params url.Values) ([]json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/ld+json, application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}

	var envelope memberEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return envelope.Members, nil
}

func normQuery(q string) string {
	return strings.ToLower(strings.TrimSpace(q))
}

func orDash(v string) string {
	if strings.TrimSpace(v) == "" {
		return "—"
	}
	return v
}
