package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/example/ambu-dispatch/internal/models"
	"github.com/example/ambu-dispatch/internal/observability"
	"github.com/example/ambu-dispatch/internal/session"
)

// Client performs authenticated HTTP requests against the ride/driver
// backend and normalizes every failure into the package error taxonomy.
type Client struct {
	base    string
	http    *http.Client
	session session.Store
	logger  *slog.Logger
}

func NewClient(baseURL string, timeout time.Duration, sess session.Store, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		base:    strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		session: sess,
		logger:  logger,
	}
}

// do issues one request. When authed, the stored access token is attached;
// a 401 triggers a one-shot refresh and the call still fails with AuthError
// so the caller decides whether to retry. Partial application is impossible:
// either out is fully decoded or an error is returned.
func (c *Client) do(ctx context.Context, method, path string, body, out any, authed bool) error {
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		buf = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if authed {
		access, _, err := c.session.Tokens(ctx)
		if err != nil {
			return &AuthError{Err: err}
		}
		req.Header.Set("Authorization", "Bearer "+access)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		observability.APIErrors.WithLabelValues("network").Inc()
		return &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		observability.APIErrors.WithLabelValues("auth").Inc()
		if !authed {
			return &AuthError{Err: errors.New("credentials rejected")}
		}
		if err := c.refreshTokens(ctx); err != nil {
			return &AuthError{Err: err}
		}
		return &AuthError{Refreshed: true, Err: errors.New("access token was stale")}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		observability.APIErrors.WithLabelValues("server").Inc()
		return &ServerError{Status: resp.StatusCode, Message: serverMessage(resp)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s response: %w", method, path, err)
		}
	}
	return nil
}

// serverMessage extracts {"message": ...} from an error body, tolerating
// non-JSON bodies with a generic fallback.
func serverMessage(resp *http.Response) string {
	b, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err == nil {
		var payload struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(b, &payload) == nil && payload.Message != "" {
			return payload.Message
		}
	}
	return fmt.Sprintf("HTTP %d", resp.StatusCode)
}

// refreshTokens reads the stored refresh token, exchanges it, and overwrites
// both tokens on success. Failure is terminal for the session: the caller
// must prompt for a fresh sign-in, never silently retry.
func (c *Client) refreshTokens(ctx context.Context) error {
	_, refresh, err := c.session.Tokens(ctx)
	if err != nil {
		return err
	}
	if refresh == "" {
		return session.ErrNoSession
	}

	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.do(ctx, http.MethodPost, "/auth/refresh-token", map[string]string{"refresh_token": refresh}, &out, false); err != nil {
		observability.TokenRefreshErrors.Inc()
		return fmt.Errorf("refresh token: %w", err)
	}
	if err := c.session.SetTokens(ctx, out.AccessToken, out.RefreshToken); err != nil {
		return fmt.Errorf("store refreshed tokens: %w", err)
	}
	observability.TokenRefreshes.Inc()
	c.logger.Info("token refreshed")
	return nil
}

// SignIn authenticates by phone and role and stores the resulting session.
func (c *Client) SignIn(ctx context.Context, phone, role string) error {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return &ValidationError{Field: "phone", Reason: "required"}
	}
	if role != "driver" && role != "patient" {
		return &ValidationError{Field: "role", Reason: "must be driver or patient"}
	}

	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		User         struct {
			ID   string `json:"id"`
			Role string `json:"role"`
		} `json:"user"`
	}
	if err := c.do(ctx, http.MethodPost, "/auth/signin", map[string]string{"phone": phone, "role": role}, &out, false); err != nil {
		return err
	}
	if err := c.session.SetTokens(ctx, out.AccessToken, out.RefreshToken); err != nil {
		return fmt.Errorf("store tokens: %w", err)
	}
	if err := c.session.SetIdentity(ctx, out.User.ID, out.User.Role); err != nil {
		return fmt.Errorf("store identity: %w", err)
	}
	return nil
}

// UpdateProfile pushes changed profile fields.
func (c *Client) UpdateProfile(ctx context.Context, fields map[string]any) error {
	if len(fields) == 0 {
		return &ValidationError{Field: "fields", Reason: "nothing to update"}
	}
	return c.do(ctx, http.MethodPut, "/auth/profile", fields, nil, true)
}

// DriverProfile fetches the authenticated driver's record. Doubles as the
// deferred auth sanity check after going online.
func (c *Client) DriverProfile(ctx context.Context) (models.DriverProfile, error) {
	var out models.DriverProfile
	err := c.do(ctx, http.MethodGet, "/driver/profile", nil, &out, true)
	return out, err
}

// SetOnlineStatus reports the driver's presence to the backend.
func (c *Client) SetOnlineStatus(ctx context.Context, online bool) error {
	return c.do(ctx, http.MethodPut, "/driver/online-status", map[string]bool{"isOnline": online}, nil, true)
}

func (c *Client) DriverStats(ctx context.Context) (models.DriverStats, error) {
	var out models.DriverStats
	err := c.do(ctx, http.MethodGet, "/driver/stats", nil, &out, true)
	return out, err
}

// DriverRides lists the rides currently visible to this driver. The caller
// filters by status; the backend list is small and authoritative.
func (c *Client) DriverRides(ctx context.Context) ([]models.Ride, error) {
	var out struct {
		Rides []models.Ride `json:"rides"`
	}
	if err := c.do(ctx, http.MethodGet, "/ride/driverrides", nil, &out, true); err != nil {
		return nil, err
	}
	return out.Rides, nil
}

// AcceptRide claims a searching ride. A 409/400 means another driver got
// there first; the returned ServerError reports Conflict.
func (c *Client) AcceptRide(ctx context.Context, rideID string) (models.Ride, error) {
	var out struct {
		Ride models.Ride `json:"ride"`
	}
	if rideID == "" {
		return models.Ride{}, &ValidationError{Field: "rideID", Reason: "required"}
	}
	err := c.do(ctx, http.MethodPatch, "/ride/accept/"+rideID, nil, &out, true)
	return out.Ride, err
}

// UpdateRideStatus asks the server to transition the ride and returns the
// server's view of it. Local state must only ever reflect that returned ride.
func (c *Client) UpdateRideStatus(ctx context.Context, rideID string, status models.RideStatus) (models.Ride, error) {
	if rideID == "" {
		return models.Ride{}, &ValidationError{Field: "rideID", Reason: "required"}
	}
	var out struct {
		Ride models.Ride `json:"ride"`
	}
	err := c.do(ctx, http.MethodPatch, "/ride/update/"+rideID, map[string]models.RideStatus{"status": status}, &out, true)
	return out.Ride, err
}

// CreateRide books a ride on behalf of a patient.
func (c *Client) CreateRide(ctx context.Context, vehicle models.VehicleClass, pickup, drop models.Stop) (models.Ride, error) {
	if pickup.Address == "" || drop.Address == "" {
		return models.Ride{}, &ValidationError{Field: "address", Reason: "pickup and drop required"}
	}
	var out struct {
		Ride models.Ride `json:"ride"`
	}
	body := map[string]any{
		"vehicle": models.NormalizeVehicle(vehicle),
		"pickup":  pickup,
		"drop":    drop,
	}
	err := c.do(ctx, http.MethodPost, "/ride/create", body, &out, true)
	return out.Ride, err
}
