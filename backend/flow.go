package backend

import (
	"context"
	"net/http"

	"github.com/johnstarich/sagelink/model"
	"github.com/pkg/errors"
)

// Flow is a started authorization at the aggregator
type Flow struct {
	AuthURL       string
	RequisitionID string
}

type startFlowRequest struct {
	InstitutionID string `json:"institutionId"`
	RedirectURL   string `json:"redirectUrl"`
}

type startFlowResponse struct {
	AuthURL       string `json:"authUrl"`
	RequisitionID string `json:"requisitionId"`
}

// StartFlow asks the backend to create a requisition and returns the URL the user must visit to authorize it
func (c *Client) StartFlow(ctx context.Context, institutionID, redirectURL string) (Flow, error) {
	var resp startFlowResponse
	err := c.do(ctx, http.MethodPost, "flow/start", nil, startFlowRequest{
		InstitutionID: institutionID,
		RedirectURL:   redirectURL,
	}, &resp)
	if err != nil {
		return Flow{}, errors.Wrap(err, "Failed to start authorization flow")
	}
	if resp.AuthURL == "" || resp.RequisitionID == "" {
		return Flow{}, errors.New("Backend returned an incomplete authorization flow")
	}
	return Flow{AuthURL: resp.AuthURL, RequisitionID: resp.RequisitionID}, nil
}

type externalAccountJSON struct {
	ID       string `json:"id"`
	IBAN     string `json:"iban"`
	Name     string `json:"name"`
	Currency string `json:"currency"`
}

func (e externalAccountJSON) model() model.ExternalAccount {
	return model.ExternalAccount{
		ID:       e.ID,
		IBAN:     e.IBAN,
		Name:     e.Name,
		Currency: e.Currency,
	}
}

// RequisitionAccounts returns the external accounts authorized by a requisition
func (c *Client) RequisitionAccounts(ctx context.Context, requisitionID string) ([]model.ExternalAccount, error) {
	var accounts []externalAccountJSON
	if err := c.do(ctx, http.MethodGet, pathOf("requisitions", requisitionID, "accounts"), nil, nil, &accounts); err != nil {
		return nil, errors.Wrap(err, "Failed to fetch authorized accounts")
	}
	results := make([]model.ExternalAccount, 0, len(accounts))
	for _, account := range accounts {
		results = append(results, account.model())
	}
	return results, nil
}
