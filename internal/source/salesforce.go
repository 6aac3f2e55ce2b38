package source

import (
	"context"
	"strconv"
	"strings"

	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/pkg/salesforce"
)

// Salesforce looks up the CRM Account whose website matches the domain.
type Salesforce struct {
	name   string
	client salesforce.Client
}

// NewSalesforce creates the CRM adapter.
func NewSalesforce(name string, client salesforce.Client) *Salesforce {
	return &Salesforce{name: name, client: client}
}

func (s *Salesforce) Name() string { return s.name }

func (s *Salesforce) Fetch(ctx context.Context, req Request) (*Response, error) {
	acct, err := salesforce.FindAccountByWebsite(ctx, s.client, req.Domain)
	if err != nil {
		return nil, classifyAPIError(s.name, 0, err)
	}
	if acct == nil {
		return &Response{Fields: model.Fields{}}, nil
	}
	return &Response{Fields: accountFields(acct)}, nil
}

func accountFields(a *salesforce.Account) model.Fields {
	f := model.Fields{
		model.FieldName:        a.Name,
		model.FieldIndustry:    a.Industry,
		model.FieldDescription: a.Description,
		model.FieldPhone:       a.Phone,
		model.FieldCity:        a.BillingCity,
		model.FieldState:       a.BillingState,
		model.FieldCountry:     a.BillingCountry,
		model.FieldFoundedYear: strings.TrimSpace(a.YearStarted),
	}
	if a.NumberOfEmployees > 0 {
		f[model.FieldEmployeeCount] = strconv.Itoa(a.NumberOfEmployees)
	}
	if a.AnnualRevenue > 0 {
		f[model.FieldAnnualRevenue] = strconv.FormatFloat(a.AnnualRevenue, 'f', 0, 64)
	}
	return f
}
