package backend

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/johnstarich/sagelink/model"
	"github.com/pkg/errors"
)

type institutionJSON struct {
	ID                    string   `json:"id"`
	Name                  string   `json:"name"`
	BIC                   string   `json:"bic"`
	TransactionTotalDays  looseInt `json:"transaction_total_days"`
	MaxAccessValidForDays looseInt `json:"max_access_valid_for_days"`
	Logo                  string   `json:"logo"`
	Countries             []string `json:"countries"`
}

func (i institutionJSON) model() model.Institution {
	return model.Institution{
		ID:                    i.ID,
		Name:                  i.Name,
		BIC:                   i.BIC,
		TransactionTotalDays:  int(i.TransactionTotalDays),
		MaxAccessValidForDays: int(i.MaxAccessValidForDays),
		Logo:                  i.Logo,
		Countries:             i.Countries,
	}
}

// Institutions lists the institutions available in a country. An empty country lists all of them
func (c *Client) Institutions(ctx context.Context, country string) ([]model.Institution, error) {
	query := url.Values{}
	if country != "" {
		query.Set("country", strings.ToUpper(country))
	}
	var institutions []institutionJSON
	if err := c.do(ctx, http.MethodGet, "institutions", query, nil, &institutions); err != nil {
		return nil, errors.Wrap(err, "Failed to fetch institutions")
	}
	results := make([]model.Institution, 0, len(institutions))
	for _, inst := range institutions {
		results = append(results, inst.model())
	}
	return results, nil
}
