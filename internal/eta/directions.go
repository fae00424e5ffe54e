package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ambu-dispatch/internal/models"
)

// Leg is one routed segment as reported by the directions provider.
type Leg struct {
	Seconds float64
	Meters  float64
}

// Directions is the interface used by the estimator to route one leg.
type Directions interface {
	Leg(ctx context.Context, from, to models.Coord) (Leg, error)
}

// OSRMDirections performs per-leg route lookups against an OSRM-style HTTP
// directions server. The API key is optional; providers that require one
// take it as a query parameter.
type OSRMDirections struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

func NewOSRMDirections(endpoint, apiKey string) *OSRMDirections {
	return &OSRMDirections{
		Endpoint: endpoint,
		APIKey:   apiKey,
		Client:   &http.Client{Timeout: 2 * time.Second},
	}
}

// Leg queries /route/v1/driving/{lon1},{lat1};{lon2},{lat2} and returns the
// first route's first leg.
func (o *OSRMDirections) Leg(ctx context.Context, from, to models.Coord) (Leg, error) {
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=false", o.Endpoint, from.Lon, from.Lat, to.Lon, to.Lat)
	if o.APIKey != "" {
		url += "&key=" + o.APIKey
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Leg{}, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return Leg{}, err
	}
	defer resp.Body.Close()
	var out struct {
		Routes []struct {
			Legs []struct {
				Duration float64 `json:"duration"`
				Distance float64 `json:"distance"`
			} `json:"legs"`
		} `json:"routes"`
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Leg{}, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 || len(out.Routes[0].Legs) == 0 {
		return Leg{}, fmt.Errorf("directions: no route (code=%q)", out.Code)
	}
	l := out.Routes[0].Legs[0]
	return Leg{Seconds: l.Duration, Meters: l.Distance}, nil
}
