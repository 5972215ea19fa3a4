package nlp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sony/gobreaker"
	"github.com/synaptica-ai/cardiorisk/pkg/common/httpclient"
	"github.com/synaptica-ai/cardiorisk/pkg/common/logger"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

// ErrBackendUnavailable is returned when the remote recognizer is shedding
// load or its circuit is open.
var ErrBackendUnavailable = errors.New("entity backend unavailable")

type HTTPConfig struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	Timeout      time.Duration
	RateLimit    float64
	MaxRetries   int
	RetryDelay   time.Duration

	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// HTTPBackend calls a token-classification service at POST {base}/ner. The
// service returns character offsets, which are converted to byte offsets.
type HTTPBackend struct {
	baseURL    string
	client     *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	maxRetries int
	retryDelay time.Duration
}

type nerRequest struct {
	Text string `json:"text"`
}

type nerEntity struct {
	Start       int     `json:"start"`
	End         int     `json:"end"`
	EntityGroup string  `json:"entity_group"`
	Entity      string  `json:"entity"`
	Score       float64 `json:"score"`
	Word        string  `json:"word"`
}

func NewHTTPBackend(cfg HTTPConfig) *HTTPBackend {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}

	client := httpclient.New(cfg.Timeout)
	if cfg.TokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, client)
		client = cc.Client(ctx)
		client.Timeout = cfg.Timeout
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ner-backend",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Log.WithFields(map[string]interface{}{
				"circuit_breaker": name,
				"from_state":      from.String(),
				"to_state":        to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})

	return &HTTPBackend{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		client:     client,
		limiter:    limiter,
		breaker:    breaker,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}
}

func (b *HTTPBackend) Extract(ctx context.Context, text string) ([]Span, error) {
	result, err := b.breaker.Execute(func() (interface{}, error) {
		var entities []nerEntity
		err := httpclient.Retry(ctx, b.maxRetries, b.retryDelay, func() error {
			if err := b.limiter.Wait(ctx); err != nil {
				return err
			}
			var err error
			entities, err = b.post(ctx, text)
			return err
		})
		return entities, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if err != nil {
		return nil, err
	}
	return toSpans(text, result.([]nerEntity)), nil
}

func (b *HTTPBackend) post(ctx context.Context, text string) ([]nerEntity, error) {
	payload, err := json.Marshal(nerRequest{Text: text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/ner", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &httpclient.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	var entities []nerEntity
	if err := json.NewDecoder(resp.Body).Decode(&entities); err != nil {
		return nil, fmt.Errorf("decode ner response: %w", err)
	}
	return entities, nil
}

func toSpans(text string, entities []nerEntity) []Span {
	offsets := runeOffsets(text)
	spans := make([]Span, 0, len(entities))
	for _, e := range entities {
		label := e.EntityGroup
		if label == "" {
			label = e.Entity
		}
		if e.Start < 0 || e.End > len(offsets)-1 || e.Start >= e.End {
			continue
		}
		spans = append(spans, Span{Start: offsets[e.Start], End: offsets[e.End], Label: label, Score: e.Score})
	}
	return spans
}

// runeOffsets maps character index i to its byte offset; the final element
// is len(text).
func runeOffsets(text string) []int {
	offsets := make([]int, 0, utf8.RuneCountInString(text)+1)
	for i := range text {
		offsets = append(offsets, i)
	}
	return append(offsets, len(text))
}

// FallbackBackend tries Primary and falls back to Secondary on any error
// other than caller cancellation.
type FallbackBackend struct {
	Primary   Backend
	Secondary Backend
}

func (f FallbackBackend) Extract(ctx context.Context, text string) ([]Span, error) {
	spans, err := f.Primary.Extract(ctx, text)
	if err == nil {
		return spans, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	logger.Log.WithError(err).Warn("primary entity backend failed, using fallback")
	return f.Secondary.Extract(ctx, text)
}
