package analytics

// CampaignMetrics aggregates one campaign's leads. Rates are percentages
// rounded to two decimals.
type CampaignMetrics struct {
	CampaignID string `json:"campaign_id"`
	Status     string `json:"status"`

	TotalContacts      int `json:"total_contacts"`
	CompletedContacts  int `json:"completed_contacts"`
	PendingContacts    int `json:"pending_contacts"`
	InProgressContacts int `json:"in_progress_contacts"`

	QualifiedCount          int `json:"qualified_count"`
	MeetingScheduledCount   int `json:"meeting_scheduled_count"`
	SiteVisitScheduledCount int `json:"site_visit_scheduled_count"`
	NoAnswerCount           int `json:"no_answer_count"`
	FailedCount             int `json:"failed_count"`

	AnswerRate        float64 `json:"answer_rate"`
	QualificationRate float64 `json:"qualification_rate"`
	FailureRate       float64 `json:"failure_rate"`
}

// OrgMetricsRequest filters the campaigns included in OrgMetrics.
// Org isolation: OrgID is required.
type OrgMetricsRequest struct {
	OrgID      string `json:"org_id"`
	CampaignID string `json:"campaign_id,omitempty"`
	// Days limits the window to campaigns created in the last N days. Zero means no limit.
	Days int `json:"days,omitempty"`
}

type OrgMetrics struct {
	TotalCalls              int     `json:"total_calls"`
	AnswerRate              float64 `json:"answer_rate"`
	QualificationRate       float64 `json:"qualification_rate"`
	MeetingScheduledCount   int     `json:"meeting_scheduled_count"`
	SiteVisitScheduledCount int     `json:"site_visit_scheduled_count"`
	FailureRate             float64 `json:"failure_rate"`
}

type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ContentType is the MIME type served for the format.
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv; charset=utf-8"
}
