// Package roster provides the active worker list to the polling coordinator.
package roster

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-resty/resty/v2"

	"geotrack/internal/buildinfo"
	"geotrack/internal/model"
)

// Provider lists active worker ids. Inactive and stopped workers are excluded.
type Provider interface {
	ListActiveWorkerIDs(ctx context.Context) ([]string, error)
}

// HTTPProvider reads the roster from an HR service returning
// {"workers":[{"workerId":"...","active":true}, ...]}.
type HTTPProvider struct {
	client *resty.Client
	url    string
}

func NewHTTPProvider(url string, timeout time.Duration) *HTTPProvider {
	client := resty.New()
	client.SetHeader("Accept", "application/json").SetHeader("User-Agent", buildinfo.UserAgent())
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	return &HTTPProvider{client: client, url: url}
}

type rosterResponse struct {
	Workers []model.Worker `json:"workers"`
}

func (p *HTTPProvider) ListActiveWorkerIDs(ctx context.Context) ([]string, error) {
	var resp rosterResponse
	httpResp, err := p.client.R().SetContext(ctx).SetResult(&resp).Get(p.url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrRosterUnavailable, err)
	}
	if httpResp.StatusCode() != 200 {
		return nil, fmt.Errorf("%w: status %d", model.ErrRosterUnavailable, httpResp.StatusCode())
	}
	seen := make(map[string]struct{}, len(resp.Workers))
	ids := make([]string, 0, len(resp.Workers))
	for _, w := range resp.Workers {
		if !w.Active || w.ID == "" {
			continue
		}
		if _, dup := seen[w.ID]; dup {
			continue
		}
		seen[w.ID] = struct{}{}
		ids = append(ids, w.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

// Lister is satisfied by store.Roster.
type Lister interface {
	ListActiveWorkerIDs(ctx context.Context) ([]string, error)
}

// StoreProvider wraps a store-backed roster so its errors read as roster failures.
type StoreProvider struct {
	Store Lister
}

func (p StoreProvider) ListActiveWorkerIDs(ctx context.Context) ([]string, error) {
	ids, err := p.Store.ListActiveWorkerIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrRosterUnavailable, err)
	}
	return ids, nil
}
