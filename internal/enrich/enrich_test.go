package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/decision-engine/internal/featurestore"
	"github.com/sells-group/decision-engine/internal/model"
	"github.com/sells-group/decision-engine/internal/resilience"
	"github.com/sells-group/decision-engine/pkg/anthropic"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var t0 = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func testEntity() *model.CanonicalEntity {
	return &model.CanonicalEntity{ID: "ent-1", PrimaryName: "Acme Robotics Ltd", Country: "GB", Sector: "robotics", Domain: "acme.io"}
}

func testSnapshot() *featurestore.Snapshot {
	return featurestore.NewSnapshot("ent-1", t0, nil, []model.FeatureRecord{
		{EntityID: "ent-1", AsOf: t0.AddDate(0, -2, 0), Family: model.FamilyCampaign, Name: featurestore.CampaignRaised, Value: model.Numeric(250000), Source: "crowdcube"},
		{EntityID: "ent-1", AsOf: t0.AddDate(0, -1, 0), Family: model.FamilyTeam, Name: "founder_count", Value: model.Numeric(2), Source: "companies_house"},
	})
}

type stubSource struct {
	name     string
	required bool
	calls    atomic.Int32
	fetch    func(ctx context.Context) (Signal, error)
}

func (s *stubSource) Name() string   { return s.name }
func (s *stubSource) Required() bool { return s.required }
func (s *stubSource) Fetch(ctx context.Context, _ *model.CanonicalEntity, _ *featurestore.Snapshot) (Signal, error) {
	s.calls.Add(1)
	return s.fetch(ctx)
}

func noRetry() Config {
	cfg := DefaultConfig()
	cfg.Retry = resilience.RetryPolicy{MaxAttempts: 1}
	cfg.RatePerSecond = 0
	return cfg
}

func TestDecay_Confidence(t *testing.T) {
	d := Decay{HalfLifeDays: 100, Floor: 0.1}
	assert.Equal(t, 0.8, d.Confidence(0.8, time.Time{}, t0), "no timestamp keeps raw")
	assert.Equal(t, 0.8, d.Confidence(0.8, t0.Add(time.Hour), t0), "future data is not aged")
	assert.InDelta(t, 0.4, d.Confidence(0.8, t0.AddDate(0, 0, -100), t0), 1e-9)
	assert.InDelta(t, 0.2, d.Confidence(0.8, t0.AddDate(0, 0, -200), t0), 1e-9)
	assert.Equal(t, 0.1, d.Confidence(0.8, t0.AddDate(-5, 0, 0), t0), "floored")
	assert.Zero(t, d.Confidence(0, t0, t0))
}

func TestCollector_Collect(t *testing.T) {
	ok := &stubSource{name: "alt_data", fetch: func(context.Context) (Signal, error) {
		return Signal{Value: 140, Confidence: 1, Freshness: t0}, nil
	}}
	missing := &stubSource{name: "web_traffic", fetch: func(context.Context) (Signal, error) {
		return Signal{}, ErrUnavailable
	}}
	broken := &stubSource{name: "registry_feed", required: true, fetch: func(context.Context) (Signal, error) {
		return Signal{}, errors.New("connection refused")
	}}

	c := NewCollector(noRetry(), nil, ok, missing, broken)
	res := c.Collect(context.Background(), testEntity(), testSnapshot(), t0)

	sig, found := res.Available("alt_data")
	require.True(t, found)
	assert.Equal(t, 100.0, sig.Value, "clamped to the rubric scale")
	assert.Equal(t, "alt_data", sig.Name)
	_, found = res.Available("web_traffic")
	assert.False(t, found)
	assert.Equal(t, []string{"registry_feed"}, res.RequiredFailures)
	require.Len(t, res.Notes, 2)
	assert.Equal(t, "web_traffic unavailable: no data", res.Notes[0])
	assert.True(t, strings.HasPrefix(res.Notes[1], "registry_feed unavailable"))
}

func TestCollector_Timeout(t *testing.T) {
	slow := &stubSource{name: "slow", fetch: func(ctx context.Context) (Signal, error) {
		<-ctx.Done()
		return Signal{}, ctx.Err()
	}}
	fast := &stubSource{name: "fast", fetch: func(context.Context) (Signal, error) {
		return Signal{Value: 60, Confidence: 1}, nil
	}}
	cfg := noRetry()
	cfg.Timeout = 20 * time.Millisecond

	start := time.Now()
	res := NewCollector(cfg, nil, slow, fast).Collect(context.Background(), testEntity(), testSnapshot(), t0)
	assert.Less(t, time.Since(start), 2*time.Second)
	_, ok := res.Available("fast")
	assert.True(t, ok)
	assert.Equal(t, []string{"slow unavailable: timeout"}, res.Notes)
	assert.Empty(t, res.RequiredFailures)
}

func TestCollector_CircuitBreaker(t *testing.T) {
	failing := &stubSource{name: "alt_data", fetch: func(context.Context) (Signal, error) {
		return Signal{}, errors.New("upstream 500")
	}}
	breakers := resilience.NewSet(resilience.BreakerConfig{FailureThreshold: 3, Cooldown: 24 * time.Hour})
	c := NewCollector(noRetry(), breakers, failing)

	for range 3 {
		c.Collect(context.Background(), testEntity(), testSnapshot(), t0)
	}
	res := c.Collect(context.Background(), testEntity(), testSnapshot(), t0)
	assert.Equal(t, int32(3), failing.calls.Load(), "open breaker skips the call")
	assert.Equal(t, []string{"alt_data unavailable: circuit open"}, res.Notes)
	assert.Equal(t, resilience.Open, breakers.Get("alt_data").State())
}

func TestCollector_NoDataDoesNotTrip(t *testing.T) {
	empty := &stubSource{name: "alt_data", fetch: func(context.Context) (Signal, error) {
		return Signal{}, ErrUnavailable
	}}
	breakers := resilience.NewSet(resilience.BreakerConfig{FailureThreshold: 1})
	c := NewCollector(noRetry(), breakers, empty)
	for range 3 {
		c.Collect(context.Background(), testEntity(), testSnapshot(), t0)
	}
	assert.Equal(t, int32(3), empty.calls.Load())
	assert.Equal(t, resilience.Closed, breakers.Get("alt_data").State())
}

func TestCollector_RecoversPanics(t *testing.T) {
	bad := &stubSource{name: "bad", fetch: func(context.Context) (Signal, error) {
		panic("nil map")
	}}
	res := NewCollector(noRetry(), nil, bad).Collect(context.Background(), testEntity(), testSnapshot(), t0)
	require.Len(t, res.Notes, 1)
	assert.Contains(t, res.Notes[0], "panicked")
}

func TestCollector_DecaysConfidence(t *testing.T) {
	old := &stubSource{name: "alt_data", fetch: func(context.Context) (Signal, error) {
		return Signal{Value: 50, Confidence: 1, Freshness: t0.AddDate(0, 0, -180)}, nil
	}}
	res := NewCollector(noRetry(), nil, old).Collect(context.Background(), testEntity(), testSnapshot(), t0)
	assert.InDelta(t, 0.5, res.Signals["alt_data"].Confidence, 1e-9)
}

func TestCollector_DropsStaleSignals(t *testing.T) {
	stale := &stubSource{name: "alt_data", required: true, fetch: func(context.Context) (Signal, error) {
		// Four half-lives: 1.0 decays to 0.0625.
		return Signal{Value: 95, Confidence: 1, Freshness: t0.AddDate(0, 0, -720)}, nil
	}}
	fresh := &stubSource{name: "narrative", fetch: func(context.Context) (Signal, error) {
		return Signal{Value: 60, Confidence: 0.9, Freshness: t0}, nil
	}}
	zero := &stubSource{name: "web_traffic", fetch: func(context.Context) (Signal, error) {
		return Signal{Value: 70}, nil
	}}

	res := NewCollector(noRetry(), nil, stale, fresh, zero).Collect(context.Background(), testEntity(), testSnapshot(), t0)

	_, ok := res.Available("alt_data")
	assert.False(t, ok, "decayed below the confidence floor")
	_, ok = res.Available("web_traffic")
	assert.False(t, ok, "no confidence at all")
	sig, ok := res.Available("narrative")
	require.True(t, ok)
	assert.InDelta(t, 0.9, sig.Confidence, 1e-9)
	assert.Equal(t, []string{"alt_data"}, res.RequiredFailures)
	require.Len(t, res.Notes, 2)
	assert.Equal(t, "alt_data unavailable: stale (confidence 0.06)", res.Notes[0])
}

func TestAltData_Fetch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		switch r.URL.Query().Get("entity_id") {
		case "ent-1":
			assert.Equal(t, "acme.io", r.URL.Query().Get("domain"))
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
				"value": 72.5, "confidence": 0.9, "observed_at": "2024-05-20T00:00:00Z",
			})
		case "ent-404":
			w.WriteHeader(http.StatusNotFound)
		case "ent-503":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "ent-bad":
			w.Write([]byte(`{"value": 180}`)) //nolint:errcheck
		default:
			w.Write([]byte(`not json`)) //nolint:errcheck
		}
	}))
	defer ts.Close()

	src := NewAltData(AltDataName, ts.URL+"/signals", WithAPIKey("k"), AsRequired())
	assert.True(t, src.Required())
	ctx := context.Background()

	sig, err := src.Fetch(ctx, testEntity(), nil)
	require.NoError(t, err)
	assert.Equal(t, 72.5, sig.Value)
	assert.Equal(t, 0.9, sig.Confidence)
	assert.Equal(t, time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC), sig.Freshness)

	e := testEntity()
	e.ID = "ent-404"
	_, err = src.Fetch(ctx, e, nil)
	assert.ErrorIs(t, err, ErrUnavailable)

	e.ID = "ent-503"
	_, err = src.Fetch(ctx, e, nil)
	assert.True(t, resilience.IsTransient(err))

	e.ID = "ent-bad"
	_, err = src.Fetch(ctx, e, nil)
	assert.ErrorIs(t, err, ErrMalformed)

	e.ID = "ent-garbage"
	_, err = src.Fetch(ctx, e, nil)
	assert.ErrorIs(t, err, ErrMalformed)
}

type mockAnthropic struct {
	mock.Mock
}

func (m *mockAnthropic) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{Content: []anthropic.ContentBlock{{Type: "text", Text: text}}}
}

func TestNarrative_Fetch(t *testing.T) {
	client := &mockAnthropic{}
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		var in narrativeInput
		if err := json.Unmarshal([]byte(req.Messages[0].Content), &in); err != nil {
			return false
		}
		return in.Name == "Acme Robotics Ltd" && in.Features["team.founder_count"] == "2"
	})).Return(textResponse("```json\n"+`{"team":8,"market":6,"traction":5,"risk":3,"flags":["market_risk"],"summary":"Credible team."}`+"\n```"), nil)

	src := NewNarrative(client, NarrativeConfig{})
	assert.False(t, src.Required())
	sig, err := src.Fetch(context.Background(), testEntity(), testSnapshot())
	require.NoError(t, err)
	assert.InDelta(t, 65.0, sig.Value, 1e-9)
	assert.Equal(t, []string{"market_risk"}, sig.Flags)
	assert.Equal(t, 0.6, sig.Confidence)
	assert.Equal(t, 3.0, sig.Detail["risk"])
	assert.Equal(t, t0.AddDate(0, -1, 0), sig.Freshness)
	client.AssertExpectations(t)
}

func TestNarrative_MalformedIsUnavailable(t *testing.T) {
	client := &mockAnthropic{}
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse(`{"team": 11}`), nil)

	c := NewCollector(noRetry(), nil, NewNarrative(client, NarrativeConfig{}))
	res := c.Collect(context.Background(), testEntity(), testSnapshot(), t0)
	assert.False(t, res.Available(NarrativeName))
	assert.Equal(t, []string{"narrative unavailable: malformed response"}, res.Notes)
	assert.Empty(t, res.RequiredFailures)
}

func TestParseNarrative(t *testing.T) {
	long := strings.Repeat("x", MaxSummaryLen+1)
	tests := []struct {
		name string
		text string
		ok   bool
	}{
		{"valid", `{"team":5,"market":5,"traction":5,"risk":5,"flags":[],"summary":"ok"}`, true},
		{"prose around object", `Here you go: {"team":0,"market":10,"traction":1,"risk":10} thanks`, true},
		{"no object", `I cannot assess this company.`, false},
		{"missing field", `{"team":5,"market":5,"traction":5}`, false},
		{"out of range", `{"team":5,"market":-1,"traction":5,"risk":5}`, false},
		{"unknown flag", `{"team":5,"market":5,"traction":5,"risk":5,"flags":["vibes"]}`, false},
		{"unknown field", `{"team":5,"market":5,"traction":5,"risk":5,"extra":1}`, false},
		{"summary too long", `{"team":5,"market":5,"traction":5,"risk":5,"summary":"` + long + `"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseNarrative(tt.text)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}
