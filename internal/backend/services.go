package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/mikeyg42/psoagent/internal/command"
	"github.com/mikeyg42/psoagent/internal/transport"
)

// Credential fetches a fresh short-lived SFU credential.
func (c *Client) Credential(ctx context.Context) (transport.Credential, error) {
	var cred transport.Credential
	if err := c.do(ctx, http.MethodGet, "/api/streaming/credentials", c.operatorQuery(), nil, &cred); err != nil {
		return transport.Credential{}, err
	}
	if cred.URL == "" || cred.Token == "" {
		return transport.Credential{}, errors.New("credential response is missing url or token")
	}
	return cred, nil
}

type pendingResponse struct {
	Commands []command.PendingCommand `json:"commands"`
}

// Pending returns unacknowledged directives for the operator.
func (c *Client) Pending(ctx context.Context) ([]command.PendingCommand, error) {
	var resp pendingResponse
	if err := c.do(ctx, http.MethodGet, "/api/commands/pending", c.operatorQuery(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Commands, nil
}

type ackRequest struct {
	IDs []string `json:"ids"`
}

func (c *Client) Acknowledge(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.do(ctx, http.MethodPost, "/api/commands/ack", nil, ackRequest{IDs: ids}, nil)
}

type sessionRequest struct {
	Email  string `json:"email"`
	Reason string `json:"reason,omitempty"`
}

func (c *Client) SetActive(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/sessions/active", nil, sessionRequest{Email: c.operator}, nil)
}

func (c *Client) SetInactive(ctx context.Context, reason string) error {
	return c.do(ctx, http.MethodPost, "/api/sessions/inactive", nil, sessionRequest{Email: c.operator, Reason: reason}, nil)
}

// LastSession returns nil when the operator has no recorded session.
func (c *Client) LastSession(ctx context.Context) (*command.LastSession, error) {
	var last *command.LastSession
	err := c.do(ctx, http.MethodGet, "/api/sessions/last", c.operatorQuery(), nil, &last)
	if IsNotFound(err) {
		c.logger.Debug("No recorded session")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return last, nil
}

type presenceRequest struct {
	Email  string `json:"email"`
	Status string `json:"status"`
}

func (c *Client) SetOnline(ctx context.Context) error {
	return c.setPresence(ctx, "online")
}

func (c *Client) SetOffline(ctx context.Context) error {
	return c.setPresence(ctx, "offline")
}

func (c *Client) setPresence(ctx context.Context, status string) error {
	if err := c.do(ctx, http.MethodPost, "/api/presence", nil, presenceRequest{Email: c.operator, Status: status}, nil); err != nil {
		return fmt.Errorf("presence %s: %w", status, err)
	}
	c.logger.Debug("Presence updated", zap.String("status", status))
	return nil
}
