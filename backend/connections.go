package backend

import (
	"context"
	"net/http"
	"time"

	"github.com/johnstarich/sagelink/model"
	"github.com/pkg/errors"
)

type completeConnectionRequest struct {
	RequisitionID    string   `json:"requisitionId"`
	InstitutionID    string   `json:"institutionId"`
	LinkedAccountIDs []string `json:"linkedAccountIds"`
}

type connectionJSON struct {
	RequisitionID    string   `json:"requisitionId"`
	InstitutionID    string   `json:"institutionId"`
	CreatedAt        string   `json:"createdAt"`
	ExpiresAt        string   `json:"expiresAt"`
	LinkedAccountIDs []string `json:"linkedAccountIds"`
}

func (c connectionJSON) model() (model.Connection, error) {
	createdAt, err := parseTime(c.CreatedAt)
	if err != nil {
		return model.Connection{}, err
	}
	expiresAt, err := parseTime(c.ExpiresAt)
	if err != nil {
		return model.Connection{}, err
	}
	return model.Connection{
		RequisitionID:    c.RequisitionID,
		InstitutionID:    c.InstitutionID,
		CreatedAt:        createdAt,
		ExpiresAt:        expiresAt,
		LinkedAccountIDs: c.LinkedAccountIDs,
	}, nil
}

// CompleteConnection registers the connection for a finished authorization
func (c *Client) CompleteConnection(ctx context.Context, grant model.Grant, linkedAccountIDs []string) (model.Connection, error) {
	if linkedAccountIDs == nil {
		linkedAccountIDs = []string{}
	}
	var resp connectionJSON
	err := c.do(ctx, http.MethodPost, "connections/complete", nil, completeConnectionRequest{
		RequisitionID:    grant.RequisitionID,
		InstitutionID:    grant.InstitutionID,
		LinkedAccountIDs: linkedAccountIDs,
	}, &resp)
	if err != nil {
		return model.Connection{}, errors.Wrap(err, "Failed to register connection")
	}
	conn, err := resp.model()
	if err != nil {
		return model.Connection{}, errors.Wrap(err, "Backend returned an invalid connection")
	}
	if conn.RequisitionID == "" {
		conn.RequisitionID = grant.RequisitionID
	}
	if conn.InstitutionID == "" {
		conn.InstitutionID = grant.InstitutionID
	}
	if len(conn.LinkedAccountIDs) == 0 {
		conn.LinkedAccountIDs = linkedAccountIDs
	}
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = time.Now()
	}
	return conn, nil
}

// Connections returns every registered connection and its expiration
func (c *Client) Connections(ctx context.Context) ([]model.Connection, error) {
	var resp []connectionJSON
	if err := c.do(ctx, http.MethodGet, "connection-status", nil, nil, &resp); err != nil {
		return nil, errors.Wrap(err, "Failed to fetch connection status")
	}
	conns := make([]model.Connection, 0, len(resp))
	for _, item := range resp {
		conn, err := item.model()
		if err != nil {
			return nil, errors.Wrapf(err, "Invalid connection %q", item.RequisitionID)
		}
		conns = append(conns, conn)
	}
	return conns, nil
}
