package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/genesis-cloud/genesis-core/pkg/config"
	"github.com/genesis-cloud/genesis-core/pkg/errdefs"
	"github.com/genesis-cloud/genesis-core/pkg/types"
)

// tokenRenewLead is how long before expiry the cached token is
// replaced. Long enough that an in-flight request never carries a
// token that expires mid-round-trip.
const tokenRenewLead = 30 * time.Second

// Client talks to the control plane endpoints on behalf of the agent.
// It logs in lazily, renews the token shortly before it expires and
// still retries once with a fresh token when the server rejects the
// cached one.
type Client struct {
	cfg  config.AgentConfig
	http *http.Client

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewClient builds the control plane client
func NewClient(cfg config.AgentConfig) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

type errorEnvelope struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Login authenticates against the user endpoint and caches the token
func (c *Client) Login(ctx context.Context) error {
	body, _ := json.Marshal(loginRequest{
		Username: c.cfg.Username,
		Password: c.cfg.Password,
	})
	var resp loginResponse
	if err := c.call(ctx, http.MethodPost, c.cfg.UserEndpoint, "/v1/iam/login", body, &resp, false); err != nil {
		return err
	}
	c.mu.Lock()
	c.token = resp.Token
	c.expiry = tokenExpiry(resp.Token)
	c.mu.Unlock()
	return nil
}

// tokenExpiry reads the exp claim without verifying the signature; the
// server is the authority on validity, the client only schedules the
// renewal. A token without a readable exp never triggers a proactive
// renewal and falls back to the 401 retry.
func tokenExpiry(token string) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// Register announces the agent to the orchestrator. An already
// registered identity is not an error.
func (c *Client) Register(ctx context.Context, agent *types.UniversalAgent) error {
	body, _ := json.Marshal(agent)
	err := c.call(ctx, http.MethodPost, c.cfg.OrchEndpoint, "/v1/orch/agents", body, nil, true)
	if errdefs.IsConflict(err) {
		return nil
	}
	return err
}

type heartbeatRequest struct {
	Capabilities types.StringList `json:"capabilities"`
}

// Heartbeat refreshes liveness and the advertised capability set
func (c *Client) Heartbeat(ctx context.Context, id uuid.UUID, caps types.StringList) error {
	body, _ := json.Marshal(heartbeatRequest{Capabilities: caps})
	path := fmt.Sprintf("/v1/orch/agents/%s/heartbeat", id)
	return c.call(ctx, http.MethodPost, c.cfg.OrchEndpoint, path, body, nil, true)
}

// FetchTargets pulls the outstanding targets of one kind assigned to
// this agent. Targets being deleted are absent from the feed, so the
// local diff produces the teardown.
func (c *Client) FetchTargets(ctx context.Context, agent uuid.UUID, kind types.Kind) ([]*types.Resource, error) {
	path := fmt.Sprintf("/v1/orch/targets?agent=%s&kind=%s", agent, url.QueryEscape(string(kind)))
	var out []*types.Resource
	if err := c.call(ctx, http.MethodGet, c.cfg.OrchEndpoint, path, nil, &out, true); err != nil {
		return nil, err
	}
	return out, nil
}

type statusPush struct {
	Agent   uuid.UUID         `json:"agent"`
	Kind    types.Kind        `json:"kind"`
	Actuals []*types.Resource `json:"actuals"`
}

// PushActuals replaces the full observed set of one kind
func (c *Client) PushActuals(ctx context.Context, agent uuid.UUID, kind types.Kind, actuals []*types.Resource) error {
	body, _ := json.Marshal(statusPush{Agent: agent, Kind: kind, Actuals: actuals})
	return c.call(ctx, http.MethodPost, c.cfg.StatusEndpoint, "/v1/status/actuals", body, nil, true)
}

func (c *Client) call(ctx context.Context, method, base, path string, body []byte, out any, authed bool) error {
	if authed && c.needsLogin() {
		if err := c.Login(ctx); err != nil {
			return err
		}
	}
	err := c.do(ctx, method, base, path, body, out, authed)
	if authed && errdefs.IsAuthRequired(err) {
		if err = c.Login(ctx); err != nil {
			return err
		}
		return c.do(ctx, method, base, path, body, out, authed)
	}
	return err
}

// needsLogin reports whether the cached token is missing or close
// enough to expiry that it should be replaced before use
func (c *Client) needsLogin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" {
		return true
	}
	return !c.expiry.IsZero() && time.Until(c.expiry) < tokenRenewLead
}

func (c *Client) do(ctx context.Context, method, base, path string, body []byte, out any, authed bool) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(base, "/")+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if authed {
		c.mu.Lock()
		token := c.token
		c.mu.Unlock()
		if token == "" {
			return errdefs.AuthRequired("no cached token")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errdefs.Wrap(err, errdefs.KindTransient, "%s %s failed", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var envelope errorEnvelope
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &envelope) != nil || envelope.Message == "" {
			envelope.Message = fmt.Sprintf("%s %s returned %d", method, path, resp.StatusCode)
		}
		return errdefs.New(kindForStatus(resp.StatusCode), "%s", envelope.Message)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func kindForStatus(status int) errdefs.Kind {
	switch status {
	case http.StatusBadRequest:
		return errdefs.KindValidation
	case http.StatusUnauthorized:
		return errdefs.KindAuthRequired
	case http.StatusForbidden:
		return errdefs.KindPermissionDenied
	case http.StatusNotFound:
		return errdefs.KindNotFound
	case http.StatusConflict:
		return errdefs.KindConflict
	case http.StatusServiceUnavailable, http.StatusTooManyRequests, http.StatusBadGateway, http.StatusGatewayTimeout:
		return errdefs.KindTransient
	default:
		return errdefs.KindPermanent
	}
}
