package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"openpos/internal/apperr"
	"openpos/internal/config"
)

// breaker is a minimal circuit breaker: it opens after a run of consecutive
// failures and lets one probe through after the cooldown.
type breaker struct {
	mu        sync.Mutex
	failures  int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
	halfOpen  bool
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	return &breaker{threshold: threshold, cooldown: cooldown}
}

// allow reports whether a call may proceed.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < b.threshold {
		return true
	}
	if time.Since(b.openedAt) >= b.cooldown && !b.halfOpen {
		b.halfOpen = true
		return true
	}
	return false
}

func (b *breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.failures = 0
		b.halfOpen = false
		return
	}
	b.failures++
	b.halfOpen = false
	if b.failures == b.threshold {
		b.openedAt = time.Now()
	}
}

// envelope mirrors the Master-Data response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Remote calls the Master-Data service over HTTP. Requests carry the
// service-to-service retry policy (3 tries, exponential backoff) and flow
// through the circuit breaker: 3 consecutive failures open it, one probe is
// allowed after 60 seconds.
type Remote struct {
	http *resty.Client
	brk  *breaker
}

// NewRemote creates a Master-Data client for the configured base URL.
func NewRemote(cfg config.CatalogConfig) *Remote {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Remote{
		http: httpClient,
		brk:  newBreaker(3, 60*time.Second),
	}
}

func (r *Remote) get(ctx context.Context, path string, out any) error {
	if !r.brk.allow() {
		return apperr.Dependency(apperr.CodeMasterBase+503, "master-data circuit open")
	}

	var env envelope
	resp, err := r.http.R().
		SetContext(ctx).
		SetResult(&env).
		Get(path)
	if err != nil {
		r.brk.record(err)
		return apperr.Wrap(err, apperr.KindDependency, apperr.CodeMasterBase+503, "master-data unreachable")
	}
	if resp.StatusCode() == http.StatusNotFound {
		r.brk.record(nil)
		return apperr.NotFound(apperr.CodeMasterBase+404, "not found: %s", path)
	}
	if resp.StatusCode() != http.StatusOK || !env.Success {
		err := fmt.Errorf("master-data status %d: %s", resp.StatusCode(), env.Message)
		r.brk.record(err)
		return apperr.Wrap(err, apperr.KindDependency, apperr.CodeMasterBase+503, "master-data error")
	}
	r.brk.record(nil)
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode master-data response: %w", err)
	}
	return nil
}

func (r *Remote) Item(ctx context.Context, tenantID, itemCode string) (*Item, error) {
	var item Item
	path := fmt.Sprintf("/api/v1/tenants/%s/items/%s", tenantID, itemCode)
	if err := r.get(ctx, path, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *Remote) StorePrice(ctx context.Context, tenantID, storeCode, itemCode string) (*StorePrice, error) {
	var sp StorePrice
	path := fmt.Sprintf("/api/v1/tenants/%s/stores/%s/items/%s", tenantID, storeCode, itemCode)
	if err := r.get(ctx, path, &sp); err != nil {
		return nil, err
	}
	return &sp, nil
}

func (r *Remote) Tax(ctx context.Context, tenantID, taxCode string) (*Tax, error) {
	var tax Tax
	path := fmt.Sprintf("/api/v1/tenants/%s/taxes/%s", tenantID, taxCode)
	if err := r.get(ctx, path, &tax); err != nil {
		return nil, err
	}
	return &tax, nil
}

func (r *Remote) Payment(ctx context.Context, tenantID, paymentCode string) (*Payment, error) {
	var pay Payment
	path := fmt.Sprintf("/api/v1/tenants/%s/payments/%s", tenantID, paymentCode)
	if err := r.get(ctx, path, &pay); err != nil {
		return nil, err
	}
	return &pay, nil
}
