package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/zeusync/netsync/internal/core/netcode"
)

const maxTokenSize = 4096

// FetchToken asks a token endpoint for a connect token. clientID 0 lets the
// server pick one.
func FetchToken(ctx context.Context, httpClient *http.Client, endpoint string, clientID uint64) (*netcode.ConnectToken, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenRequest, err)
	}
	if clientID != 0 {
		q := u.Query()
		q.Set("client_id", strconv.FormatUint(clientID, 10))
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenRequest, err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenRequest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrTokenRequest, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenRequest, err)
	}
	return netcode.ParseConnectTokenString(strings.TrimSpace(string(body)))
}
