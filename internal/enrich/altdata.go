package enrich

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/decision-engine/internal/featurestore"
	"github.com/sells-group/decision-engine/internal/model"
	"github.com/sells-group/decision-engine/internal/resilience"
)

// AltDataName is the rubric component fed by the alt-data source.
const AltDataName = "alt_data"

// AltDataOption configures an HTTP alt-data source.
type AltDataOption func(*AltData)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(hc *http.Client) AltDataOption {
	return func(a *AltData) { a.http = hc }
}

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) AltDataOption {
	return func(a *AltData) { a.apiKey = key }
}

// AsRequired marks the source as required.
func AsRequired() AltDataOption {
	return func(a *AltData) { a.required = true }
}

// AltData fetches a signal from a JSON HTTP endpoint:
//
//	GET {url}?entity_id=..&name=..&domain=..&country=..
//	{"value": 0-100, "confidence": 0-1, "observed_at": RFC3339}
//
// 404 means the provider has nothing for the entity.
type AltData struct {
	name     string
	baseURL  string
	apiKey   string
	required bool
	http     *http.Client
}

// NewAltData creates a source named name polling baseURL.
func NewAltData(name, baseURL string, opts ...AltDataOption) *AltData {
	a := &AltData{
		name:    name,
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *AltData) Name() string   { return a.name }
func (a *AltData) Required() bool { return a.required }

type altDataResponse struct {
	Value      *float64  `json:"value"`
	Confidence *float64  `json:"confidence"`
	ObservedAt time.Time `json:"observed_at"`
}

// Fetch implements Source.
func (a *AltData) Fetch(ctx context.Context, entity *model.CanonicalEntity, _ *featurestore.Snapshot) (Signal, error) {
	u, err := url.Parse(a.baseURL)
	if err != nil {
		return Signal{}, eris.Wrapf(err, "enrich: %s url", a.name)
	}
	q := u.Query()
	q.Set("entity_id", entity.ID)
	q.Set("name", entity.PrimaryName)
	if entity.Domain != "" {
		q.Set("domain", entity.Domain)
	}
	if entity.Country != "" {
		q.Set("country", entity.Country)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Signal{}, eris.Wrapf(err, "enrich: %s request", a.name)
	}
	req.Header.Set("Accept", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return Signal{}, eris.Wrapf(err, "enrich: %s", a.name)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Signal{}, ErrUnavailable
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return Signal{}, resilience.FromStatus(a.name, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Signal{}, resilience.Transient(eris.Wrapf(err, "enrich: %s read body", a.name), 0)
	}
	var out altDataResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return Signal{}, eris.Wrapf(ErrMalformed, "enrich: %s: %v", a.name, err)
	}
	if out.Value == nil || math.IsNaN(*out.Value) || *out.Value < 0 || *out.Value > 100 {
		return Signal{}, eris.Wrapf(ErrMalformed, "enrich: %s value out of range", a.name)
	}

	conf := 1.0
	if out.Confidence != nil {
		conf = clamp(*out.Confidence, 0, 1)
	}
	return Signal{Name: a.name, Value: *out.Value, Confidence: conf, Freshness: out.ObservedAt}, nil
}
