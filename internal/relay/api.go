package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

var apiClient = &http.Client{Timeout: 10 * time.Second}

// FetchSession logs in to the relay at baseURL with email.
func FetchSession(ctx context.Context, baseURL, email string) (SessionResponse, error) {
	body, err := json.Marshal(sessionRequest{Email: email})
	if err != nil {
		return SessionResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL(baseURL, "/api/session"), bytes.NewReader(body))
	if err != nil {
		return SessionResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp SessionResponse
	if err := doJSON(req, &resp); err != nil {
		return SessionResponse{}, fmt.Errorf("create session: %w", err)
	}
	return resp, nil
}

// FetchICE returns the relay's ICE servers in pion form.
func FetchICE(ctx context.Context, baseURL, token string) ([]webrtc.ICEServer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL(baseURL, "/api/ice"), nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	var resp struct {
		ICEServers []ICEServer `json:"iceServers"`
	}
	if err := doJSON(req, &resp); err != nil {
		return nil, fmt.Errorf("fetch ICE servers: %w", err)
	}

	out := make([]webrtc.ICEServer, 0, len(resp.ICEServers))
	for _, s := range resp.ICEServers {
		out = append(out, webrtc.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
	}
	return out, nil
}

func doJSON(req *http.Request, v any) error {
	res, err := apiClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(res.Body).Decode(&e)
		if e.Error == "" {
			e.Error = res.Status
		}
		return fmt.Errorf("relay: %s", e.Error)
	}
	return json.NewDecoder(res.Body).Decode(v)
}

// apiURL maps a relay base URL (http, https, ws or wss) to an HTTP endpoint.
func apiURL(baseURL, path string) string {
	base := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(base, "ws://"):
		base = "http://" + strings.TrimPrefix(base, "ws://")
	case strings.HasPrefix(base, "wss://"):
		base = "https://" + strings.TrimPrefix(base, "wss://")
	}
	return base + path
}
