package analytics

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"time"

	"campaign-platform/internal/campaigns"

	"github.com/xuri/excelize/v2"
)

var exportHeader = []string{
	"name",
	"phone",
	"outcome",
	"call_timestamp",
	"meeting_datetime",
	"meeting_location",
	"site_visit_datetime",
	"site_visit_location",
	"custom_fields",
	"campaign_id",
	"tags",
	"error_type",
}

// Export renders one row per lead, in upload order, with phones decrypted.
// It returns a suggested filename and the file body.
func (s *Service) Export(ctx context.Context, orgID, campaignID string, format Format) (string, []byte, error) {
	if orgID == "" || campaignID == "" {
		return "", nil, ErrInvalidRequest
	}
	if format == "" {
		format = FormatCSV
	}
	if format != FormatCSV && format != FormatXLSX {
		return "", nil, fmt.Errorf("%w: unsupported format %q", ErrInvalidRequest, format)
	}
	c, err := s.campaign(ctx, orgID, campaignID)
	if err != nil {
		return "", nil, err
	}
	leads, err := s.src.ListLeads(ctx, c.ID)
	if err != nil {
		return "", nil, err
	}

	records := make([][]string, 0, len(leads))
	for _, l := range leads {
		rec, err := s.record(c.ID, l)
		if err != nil {
			return "", nil, err
		}
		records = append(records, rec)
	}

	filename := fmt.Sprintf("campaign-%s.%s", c.ID, format)
	var body []byte
	if format == FormatXLSX {
		body, err = writeXLSX(records)
	} else {
		body, err = writeCSV(records)
	}
	if err != nil {
		return "", nil, err
	}
	return filename, body, nil
}

func (s *Service) record(campaignID string, l campaigns.Lead) ([]string, error) {
	phone := ""
	if l.Phone != "" {
		p, err := s.cipher.Decrypt(l.Phone)
		if err != nil {
			return nil, fmt.Errorf("analytics: decrypt lead %s: %w", l.ID, err)
		}
		phone = p
	}
	ts := ""
	if l.Timestamp != nil {
		ts = l.Timestamp.UTC().Format(time.RFC3339)
	}
	var meetingAt, meetingLoc, visitAt, visitLoc string
	if l.MeetingDetails != nil {
		meetingAt, meetingLoc = l.MeetingDetails.Datetime, l.MeetingDetails.Location
	}
	if l.SiteVisitDetails != nil {
		visitAt, visitLoc = l.SiteVisitDetails.Datetime, l.SiteVisitDetails.Location
	}
	custom := ""
	if len(l.CustomFields) > 0 && string(l.CustomFields) != "null" {
		custom = string(l.CustomFields)
	}
	tags := ""
	if len(l.Tags) > 0 {
		b, err := json.Marshal(l.Tags)
		if err != nil {
			return nil, err
		}
		tags = string(b)
	}
	return []string{
		l.Name,
		phone,
		string(l.Outcome),
		ts,
		meetingAt,
		meetingLoc,
		visitAt,
		visitLoc,
		custom,
		campaignID,
		tags,
		l.ErrorType,
	}, nil
}

func writeCSV(records [][]string) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	if err := w.Write(exportHeader); err != nil {
		return nil, fmt.Errorf("analytics: write csv header: %w", err)
	}
	if err := w.WriteAll(records); err != nil {
		return nil, fmt.Errorf("analytics: write csv rows: %w", err)
	}
	return buf.Bytes(), nil
}

func writeXLSX(records [][]string) ([]byte, error) {
	xl := excelize.NewFile()
	defer func() { _ = xl.Close() }()

	const sheet = "Leads"
	if err := xl.SetSheetName(xl.GetSheetName(0), sheet); err != nil {
		return nil, fmt.Errorf("analytics: name sheet: %w", err)
	}
	header := exportHeader
	if err := xl.SetSheetRow(sheet, "A1", &header); err != nil {
		return nil, fmt.Errorf("analytics: write xlsx header: %w", err)
	}
	for i, rec := range records {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		row := rec
		if err := xl.SetSheetRow(sheet, cell, &row); err != nil {
			return nil, fmt.Errorf("analytics: write xlsx row %d: %w", i+2, err)
		}
	}
	buf, err := xl.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("analytics: write xlsx: %w", err)
	}
	return buf.Bytes(), nil
}
