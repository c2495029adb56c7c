package dto

import "github.com/noah-isme/campus-gatepass-api/internal/models"

// StatusCounts breaks a set of passes down by lifecycle status.
type StatusCounts struct {
	Pending        int `json:"pending"`
	MentorApproved int `json:"mentor_approved"`
	Approved       int `json:"approved"`
	Rejected       int `json:"rejected"`
	Active         int `json:"active"`
	Completed      int `json:"completed"`
	Expired        int `json:"expired"`
	Cancelled      int `json:"cancelled"`
	Total          int `json:"total"`
}

// FromStatusMap builds StatusCounts from a status histogram.
func FromStatusMap(counts map[models.PassStatus]int) StatusCounts {
	result := StatusCounts{
		Pending:        counts[models.PassStatusPending],
		MentorApproved: counts[models.PassStatusMentorApproved],
		Approved:       counts[models.PassStatusApproved],
		Rejected:       counts[models.PassStatusRejected],
		Active:         counts[models.PassStatusActive],
		Completed:      counts[models.PassStatusCompleted],
		Expired:        counts[models.PassStatusExpired],
		Cancelled:      counts[models.PassStatusCancelled],
	}
	for _, count := range counts {
		result.Total += count
	}
	return result
}

// StudentDashboardResponse summarises the student's own passes.
type StudentDashboardResponse struct {
	Counts       StatusCounts            `json:"counts"`
	ActivePass   *models.GatePassDetail  `json:"active_pass,omitempty"`
	RecentPasses []models.GatePassDetail `json:"recent_passes"`
}

// MentorDashboardResponse summarises passes of the mentor's students.
type MentorDashboardResponse struct {
	PendingApprovals int                     `json:"pending_approvals"`
	Counts           StatusCounts            `json:"counts"`
	Queue            []models.GatePassDetail `json:"queue"`
}

// HODDashboardResponse summarises the department's passes.
type HODDashboardResponse struct {
	AwaitingApproval int                     `json:"awaiting_approval"`
	Counts           StatusCounts            `json:"counts"`
	Queue            []models.GatePassDetail `json:"queue"`
}

// SecurityDashboardResponse summarises today's gate activity.
type SecurityDashboardResponse struct {
	CurrentlyOut     int                     `json:"currently_out"`
	TodayCheckouts   int                     `json:"today_checkouts"`
	TodayCheckins    int                     `json:"today_checkins"`
	TodayLateReturns int                     `json:"today_late_returns"`
	OutPasses        []models.GatePassDetail `json:"out_passes"`
}
