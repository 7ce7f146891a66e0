// Package enrich resolves coordinates to place names while keeping provider calls to a
// minimum: nearby samples are clustered and each cluster costs one paced call.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"geotrack/internal/model"
)

// Provider resolves a coordinate to a place. Only the RateLimiter calls it.
type Provider interface {
	Resolve(ctx context.Context, lat, lng float64) (model.Place, error)
}

// NominatimConfig configures a Nominatim-compatible reverse lookup endpoint.
type NominatimConfig struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
}

// NominatimProvider calls GET {base}/reverse?format=jsonv2.
type NominatimProvider struct {
	client *resty.Client
}

func NewNominatimProvider(cfg NominatimConfig) *NominatimProvider {
	client := resty.New()
	client.SetBaseURL(cfg.BaseURL)
	client.SetHeader("Accept", "application/json")
	if cfg.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.UserAgent)
	}
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	return &NominatimProvider{client: client}
}

type nominatimResponse struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Category    string `json:"category"`
	Type        string `json:"type"`
	AddressType string `json:"addresstype"`
	Error       string `json:"error"`
}

func (p *NominatimProvider) Resolve(ctx context.Context, lat, lng float64) (model.Place, error) {
	var resp nominatimResponse
	httpResp, err := p.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"format": "jsonv2",
			"lat":    strconv.FormatFloat(lat, 'f', 6, 64),
			"lon":    strconv.FormatFloat(lng, 'f', 6, 64),
		}).
		SetResult(&resp).
		Get("/reverse")
	if err != nil {
		return model.Place{}, &model.EnrichmentProviderFailure{Lat: lat, Lng: lng, Err: err}
	}
	if httpResp.StatusCode() != 200 {
		return model.Place{}, &model.EnrichmentProviderFailure{Lat: lat, Lng: lng, Err: fmt.Errorf("status %d", httpResp.StatusCode())}
	}
	if resp.Error != "" {
		return model.Place{}, &model.EnrichmentProviderFailure{Lat: lat, Lng: lng, Err: errors.New(resp.Error)}
	}
	place := model.Place{Name: resp.Name, Type: resp.Type}
	if place.Name == "" {
		place.Name = resp.DisplayName
	}
	if place.Type == "" {
		place.Type = resp.AddressType
	}
	if place.Type == "" {
		place.Type = resp.Category
	}
	return place, nil
}
