package ingest

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"campaign-platform/internal/campaigns"

	"github.com/xuri/excelize/v2"
)

// MaxRows bounds the data rows accepted in one upload.
const MaxRows = 500

var (
	ErrTooManyRows   = fmt.Errorf("ingest: maximum %d leads allowed per upload", MaxRows)
	ErrNoSheet       = errors.New("ingest: workbook has no sheets")
	ErrMissingHeader = errors.New("ingest: header row is empty")
	ErrInvalidMap    = errors.New("ingest: column mapping requires a phone column")
)

// Row errors reported back to the uploader and persisted as VALIDATION_ERROR leads.
const (
	ErrMsgMissingPhone   = "Missing phone number"
	ErrMsgInvalidPhone   = "Invalid phone format"
	ErrMsgDuplicatePhone = "Duplicate phone number"
)

// ColumnMapping names the header columns that feed each lead field.
type ColumnMapping struct {
	Phone        string            `json:"phone" validate:"required"`
	Name         string            `json:"name,omitempty"`
	CustomFields map[string]string `json:"customFields,omitempty"`
}

// Result splits an upload into dispatchable leads and rejected rows.
type Result struct {
	Valid    []campaigns.LeadInput
	Rejected []campaigns.RejectedLead
}

// Row is one data row keyed by header name. Number is the 1-based sheet row.
type Row struct {
	Number int
	Values map[string]string
}

// ReadXLSX reads the first sheet of a workbook. The first row is the header;
// blank rows are skipped.
func ReadXLSX(r io.Reader) ([]Row, error) {
	xl, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("ingest: open workbook: %w", err)
	}
	defer func() { _ = xl.Close() }()

	sheets := xl.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrNoSheet
	}
	rows, err := xl.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("ingest: read sheet %q: %w", sheets[0], err)
	}
	if len(rows) == 0 {
		return nil, ErrMissingHeader
	}

	header := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		header[i] = strings.TrimSpace(h)
	}
	out := make([]Row, 0, len(rows)-1)
	for n, cells := range rows[1:] {
		rec := make(map[string]string, len(header))
		for i, v := range cells {
			if i >= len(header) || header[i] == "" || strings.TrimSpace(v) == "" {
				continue
			}
			rec[header[i]] = v
		}
		if len(rec) == 0 {
			continue
		}
		out = append(out, Row{Number: n + 2, Values: rec})
	}
	return out, nil
}

// Validate maps and checks rows read by ReadXLSX.
func Validate(rows []Row, m ColumnMapping) (Result, error) {
	if strings.TrimSpace(m.Phone) == "" {
		return Result{}, ErrInvalidMap
	}
	if len(rows) > MaxRows {
		return Result{}, ErrTooManyRows
	}

	var res Result
	seen := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		rowNum, row := r.Number, r.Values
		raw := strings.TrimSpace(row[m.Phone])
		if raw == "" {
			res.Rejected = append(res.Rejected, campaigns.RejectedLead{Row: rowNum, Error: ErrMsgMissingPhone})
			continue
		}
		phone := NormalizePhone(raw)
		if !ValidPhone(phone) {
			res.Rejected = append(res.Rejected, campaigns.RejectedLead{Row: rowNum, Error: ErrMsgInvalidPhone, Phone: phone})
			continue
		}
		if _, dup := seen[phone]; dup {
			res.Rejected = append(res.Rejected, campaigns.RejectedLead{Row: rowNum, Error: ErrMsgDuplicatePhone, Phone: phone})
			continue
		}
		seen[phone] = struct{}{}

		lead := campaigns.LeadInput{Phone: phone}
		if m.Name != "" {
			lead.Name = strings.TrimSpace(row[m.Name])
		}
		for field, col := range m.CustomFields {
			v, ok := row[col]
			if !ok {
				continue
			}
			if lead.CustomFields == nil {
				lead.CustomFields = map[string]any{}
			}
			lead.CustomFields[field] = v
		}
		res.Valid = append(res.Valid, lead)
	}
	return res, nil
}

// Parse reads and validates an uploaded workbook.
func Parse(r io.Reader, m ColumnMapping) (Result, error) {
	rows, err := ReadXLSX(r)
	if err != nil {
		return Result{}, err
	}
	return Validate(rows, m)
}

var (
	nonPhoneChars = regexp.MustCompile(`[^\d+]`)
	phoneFormat   = regexp.MustCompile(`^\+?\d{10,15}$`)
)

// NormalizePhone strips everything but digits and '+'.
func NormalizePhone(s string) string {
	return nonPhoneChars.ReplaceAllString(s, "")
}

// ValidPhone accepts 10 to 15 digits with an optional leading '+'.
func ValidPhone(normalized string) bool {
	return phoneFormat.MatchString(normalized)
}
