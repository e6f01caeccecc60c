package controller

import (
	"errors"
	"fmt"
	"strings"
	"time"

	e "github.com/gartstein/certoil/internal/certification/errors"
	"github.com/gartstein/certoil/internal/certification/models"
	"github.com/gartstein/certoil/internal/pkg/dates"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

const maxNoteLength = 3000

var (
	errInvalidDate = errors.New("must be a valid ISO-8601 date")
	errPastDate    = errors.New("must be in the future")
)

func blank(rules ...validation.Rule) func(string) error {
	return func(value string) error {
		return validation.Validate(strings.TrimSpace(value), append([]validation.Rule{validation.Required}, rules...)...)
	}
}

// validateIssue checks every field of req and returns the parsed expiry. All
// failures are reported together.
func (s *CertificationService) validateIssue(req *models.IssueRequest) (time.Time, error) {
	required := blank()
	errs := validation.Errors{}

	if c := req.Company; c == nil {
		errs["companyData"] = validation.ErrRequired
	} else {
		errs["companyData.companyName"] = required(c.CompanyName)
		errs["companyData.address"] = required(c.Address)
		errs["companyData.city"] = required(c.City)
		errs["companyData.province"] = required(c.Province)
		errs["companyData.zipCode"] = required(c.ZipCode)
		errs["companyData.email"] = blank(is.EmailFormat)(c.Email)
		errs["companyData.taxCode"] = required(c.TaxCode)
		errs["companyData.vatNumber"] = required(c.VatNumber)
	}

	var expiry time.Time
	errs["certificationExpireDate"] = blank(validation.By(func(value interface{}) error {
		t, err := dates.ParseISO(value.(string))
		if err != nil {
			return errInvalidDate
		}
		if dates.IsExpired(t, s.now()) {
			return errPastDate
		}
		expiry = t
		return nil
	}))(req.ExpiryDate)

	if req.Note != nil {
		errs["certificationNote"] = validation.Validate(*req.Note, validation.RuneLength(0, maxNoteLength))
	}

	if len(req.OilData) == 0 {
		errs["oilData"] = validation.ErrRequired
	}
	for i, m := range req.OilData {
		prefix := fmt.Sprintf("oilData[%d].", i)
		errs[prefix+"name"] = required(m.Name)
		errs[prefix+"value"] = required(m.Value)
		errs[prefix+"unit"] = required(m.Unit)
	}

	if req.Document == nil || req.Document.Size == 0 {
		errs["document"] = validation.ErrRequired
	}

	if err := e.NewValidationError(errs); err != nil {
		return time.Time{}, err
	}
	return expiry, nil
}
