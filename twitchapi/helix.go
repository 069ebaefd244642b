package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// helixMaxRetries bounds transient-failure retries (429/5xx) per request.
const helixMaxRetries = 3

// HelixClient provides the minimal Helix surface the automation modules need:
// resolving logins to user ids and checking live status.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
}

// User is one Helix users record.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// Stream is one live stream record.
type Stream struct {
	UserID    string `json:"user_id"`
	UserLogin string `json:"user_login"`
	Title     string `json:"title"`
	StartedAt string `json:"started_at"`
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// doRequest performs an authenticated Helix GET with bounded retries. 429 and
// 5xx responses retry with a short pause; a 401 invalidates the cached app
// token and retries once with a fresh one.
func (hc *HelixClient) doRequest(ctx context.Context, path string, query map[string][]string, out any) error {
	refreshed := false
	for attempt := 1; ; attempt++ {
		tok, err := hc.AppTokenSource.Get(ctx)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.twitch.tv"+path, nil)
		if err != nil {
			return err
		}
		q := req.URL.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		req.URL.RawQuery = q.Encode()
		req.Header.Set("Client-Id", hc.ClientID)
		req.Header.Set("Authorization", "Bearer "+tok)

		resp, err := hc.http().Do(req)
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			err := json.NewDecoder(resp.Body).Decode(out)
			closeBody(resp)
			return err
		case resp.StatusCode == http.StatusUnauthorized && !refreshed:
			closeBody(resp)
			hc.AppTokenSource.Invalidate()
			refreshed = true
			continue
		case (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < helixMaxRetries+1:
			wait := retryDelay(resp, attempt)
			closeBody(resp)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		default:
			status := resp.Status
			closeBody(resp)
			return fmt.Errorf("helix %s failed: %s", path, status)
		}
	}
}

func retryDelay(resp *http.Response, attempt int) time.Duration {
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Duration(attempt) * 200 * time.Millisecond
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}

// GetUsers resolves up to 100 login names in one call.
func (hc *HelixClient) GetUsers(ctx context.Context, logins []string) ([]User, error) {
	if len(logins) == 0 {
		return nil, fmt.Errorf("logins empty")
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := hc.doRequest(ctx, "/helix/users", map[string][]string{"login": logins}, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// GetUserID resolves a single login name to its user id.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	users, err := hc.GetUsers(ctx, []string{login})
	if err != nil {
		return "", err
	}
	if len(users) == 0 {
		return "", fmt.Errorf("user not found")
	}
	return users[0].ID, nil
}

// GetStreams returns the live streams for the given logins; offline channels
// are simply absent from the result.
func (hc *HelixClient) GetStreams(ctx context.Context, logins ...string) ([]Stream, error) {
	if len(logins) == 0 {
		return nil, fmt.Errorf("logins empty")
	}
	var body struct {
		Data []Stream `json:"data"`
	}
	if err := hc.doRequest(ctx, "/helix/streams", map[string][]string{"user_login": logins}, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}
