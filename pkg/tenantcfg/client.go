// Package tenantcfg resolves the dialed number to the tenant's voice
// persona: greeting, voice, and the conversation instructions sent to
// the model. Lookups go through a Redis cache in front of the
// dashboard API, with a static default when neither knows the number.
package tenantcfg

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/CoraHQ/cora-voice-bridge/pkg/logger"
	"github.com/CoraHQ/cora-voice-bridge/pkg/redis"
	"go.uber.org/zap"
)

const cacheTTL = 5 * time.Minute

// TenantConfig is everything call setup needs to know about a tenant.
type TenantConfig struct {
	TenantID         string `json:"tenant_id"`
	DisplayName      string `json:"display_name"`
	BrandName        string `json:"brand_name"`
	GreetingTemplate string `json:"greeting_template"`
	Voice            string `json:"voice"`
	Locale           string `json:"locale"`
	PromptExtras     string `json:"prompt_extras"`
}

// Greeting renders the opening line.
func (t *TenantConfig) Greeting() string {
	greeting := t.GreetingTemplate
	greeting = strings.ReplaceAll(greeting, "{brand}", t.BrandName)
	greeting = strings.ReplaceAll(greeting, "{tenant}", t.DisplayName)
	return greeting
}

// Instructions builds the system instructions for the model session.
func (t *TenantConfig) Instructions() string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, the phone assistant for %s. ", t.BrandName, t.DisplayName)
	b.WriteString("You help callers search property listings, book showings, and arrange callbacks. ")
	b.WriteString("Keep answers short and conversational, one or two sentences, suitable for speech. ")
	fmt.Fprintf(&b, "Open the call with: %q. ", t.Greeting())
	b.WriteString("Use the provided tools for anything factual about listings or bookings; never invent listing details. ")
	b.WriteString("If the caller wants a person, is upset, or asks something you cannot handle, use transfer_to_human.")
	if t.PromptExtras != "" {
		b.WriteString(" ")
		b.WriteString(t.PromptExtras)
	}
	return b.String()
}

// DefaultTenant is used when no configuration exists for a number.
func DefaultTenant(tenantID string) *TenantConfig {
	return &TenantConfig{
		TenantID:         tenantID,
		DisplayName:      "Ray Richards Real Estate",
		BrandName:        "CORA",
		GreetingTemplate: "Thanks for calling {tenant}, this is {brand}. How can I help you today?",
		Voice:            "alloy",
		Locale:           "en-US",
	}
}

// Client resolves tenant configuration by dialed number.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cache      redis.RedisServiceInterface
	fallback   *TenantConfig
}

// NewClient returns a resolver. cache may be nil.
func NewClient(baseURL string, cache redis.RedisServiceInterface, fallback *TenantConfig) *Client {
	if fallback == nil {
		fallback = DefaultTenant("")
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		cache:      cache,
		fallback:   fallback,
	}
}

// Resolve returns the tenant configuration for a dialed number. It
// never fails; unresolvable numbers get the fallback tenant so the
// call still connects.
func (c *Client) Resolve(ctx context.Context, dialedNumber string) *TenantConfig {
	if dialedNumber == "" {
		return c.fallback
	}

	var cacheKey string
	if c.cache != nil {
		cacheKey = c.cache.GenerateKey(redis.TENANT_CONFIG, dialedNumber)
		if cached, err := c.cache.GetValue(ctx, cacheKey); err == nil {
			var cfg TenantConfig
			if json.Unmarshal([]byte(cached), &cfg) == nil {
				return &cfg
			}
		}
	}

	cfg, err := c.fetch(ctx, dialedNumber)
	if err != nil {
		logger.Base().Warn("Tenant lookup failed, using fallback",
			zap.String("dialed", dialedNumber),
			zap.Error(err))
		return c.fallback
	}

	if c.cache != nil {
		if data, err := json.Marshal(cfg); err == nil {
			if err := c.cache.SetValue(ctx, cacheKey, string(data), cacheTTL); err != nil {
				logger.Base().Debug("Failed to cache tenant config", zap.Error(err))
			}
		}
	}
	return cfg
}

func (c *Client) fetch(ctx context.Context, dialedNumber string) (*TenantConfig, error) {
	endpoint := fmt.Sprintf("%s/api/tenants/by-number/%s", c.baseURL, url.PathEscape(dialedNumber))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create tenant request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tenant request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("no tenant configured for %s", dialedNumber)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tenant API returned status %d", resp.StatusCode)
	}

	var cfg TenantConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode tenant config: %w", err)
	}
	return &cfg, nil
}
