package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/courtsync/availability-service/apperror"
	"github.com/courtsync/availability-service/config"
	"github.com/courtsync/availability-service/model"
)

// HTTPReservationService talks to the reservation backend over its REST
// API, authenticating with a short-lived service JWT.
type HTTPReservationService struct {
	baseURL    string
	tokenPath  string
	httpClient *http.Client
	mintToken  func() (string, error)
}

// NewHTTPReservationService builds a client with a pooled transport.
// mintToken produces the service-to-service bearer token per request.
func NewHTTPReservationService(cfg *config.Reservation, mintToken func() (string, error)) *HTTPReservationService {
	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     time.Duration(cfg.IdleConnTimeout) * time.Second,
		DisableKeepAlives:   false,
		ForceAttemptHTTP2:   true,
	}

	return &HTTPReservationService{
		baseURL:   cfg.BaseURL,
		tokenPath: cfg.TokenPath,
		mintToken: mintToken,
		httpClient: &http.Client{
			Timeout:   time.Duration(cfg.RequestTimeout) * time.Second,
			Transport: transport,
		},
	}
}

// ListBookings retrieves the bookings for (clubID, date).
func (s *HTTPReservationService) ListBookings(ctx context.Context, clubID, date string) ([]model.Booking, error) {
	endpoint := fmt.Sprintf("%s/api/clubs/%s/bookings?date=%s", s.baseURL, url.PathEscape(clubID), url.QueryEscape(date))

	var out struct {
		Bookings []model.Booking `json:"bookings"`
	}
	if err := s.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, err
	}
	return out.Bookings, nil
}

// CreateBooking submits a booking and returns the authoritative record.
func (s *HTTPReservationService) CreateBooking(ctx context.Context, req model.CreateBookingRequest) (*model.Booking, error) {
	endpoint := fmt.Sprintf("%s/api/bookings", s.baseURL)

	var out model.Booking
	if err := s.do(ctx, http.MethodPost, endpoint, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelBooking cancels a booking by ID.
func (s *HTTPReservationService) CancelBooking(ctx context.Context, bookingID string) error {
	endpoint := fmt.Sprintf("%s/api/bookings/%s/cancel", s.baseURL, url.PathEscape(bookingID))
	return s.do(ctx, http.MethodPatch, endpoint, nil, nil)
}

// ChannelToken fetches a push-channel token from the token endpoint.
func (s *HTTPReservationService) ChannelToken(ctx context.Context) (string, error) {
	endpoint := s.baseURL + s.tokenPath

	var out struct {
		Token string `json:"token"`
	}
	if err := s.do(ctx, http.MethodPost, endpoint, nil, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", apperror.Network("token endpoint returned empty token", nil)
	}
	return out.Token, nil
}

func (s *HTTPReservationService) do(ctx context.Context, method, endpoint string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	token, err := s.mintToken()
	if err != nil {
		return fmt.Errorf("failed to mint service token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if apperror.IsAbort(err) || ctx.Err() != nil {
			return ctx.Err()
		}
		return apperror.Network("reservation service unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return apperror.FromStatus(resp.StatusCode, string(raw))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
