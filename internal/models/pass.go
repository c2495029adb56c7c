package models

import "time"

// PassStatus is the canonical lifecycle status of a gate pass. The
// per-stage approval records carry their own ApprovalStatus; transition
// decisions are made against this field only.
type PassStatus string

const (
	PassStatusPending        PassStatus = "PENDING"
	PassStatusMentorApproved PassStatus = "MENTOR_APPROVED"
	PassStatusApproved       PassStatus = "APPROVED"
	PassStatusRejected       PassStatus = "REJECTED"
	PassStatusActive         PassStatus = "ACTIVE"
	PassStatusCompleted      PassStatus = "COMPLETED"
	PassStatusExpired        PassStatus = "EXPIRED"
	PassStatusCancelled      PassStatus = "CANCELLED"
)

// Terminal reports whether no further transition is possible from s.
func (s PassStatus) Terminal() bool {
	switch s {
	case PassStatusRejected, PassStatusCompleted, PassStatusExpired, PassStatusCancelled:
		return true
	}
	return false
}

// ApprovalStatus is the state of a single approval stage.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

// PassCategory classifies the reason for leaving campus.
type PassCategory string

const (
	CategoryPersonal  PassCategory = "PERSONAL"
	CategoryMedical   PassCategory = "MEDICAL"
	CategoryFamily    PassCategory = "FAMILY"
	CategoryAcademic  PassCategory = "ACADEMIC"
	CategoryEmergency PassCategory = "EMERGENCY"
	CategoryOther     PassCategory = "OTHER"
)

// PassPriority indicates urgency as chosen by the student.
type PassPriority string

const (
	PriorityLow    PassPriority = "LOW"
	PriorityMedium PassPriority = "MEDIUM"
	PriorityHigh   PassPriority = "HIGH"
)

// GatePass is the central entity: one exit/return authorization request.
type GatePass struct {
	ID          string       `db:"id" json:"id"`
	PassCode    string       `db:"pass_code" json:"pass_code"`
	StudentID   string       `db:"student_id" json:"student_id"`
	MentorID    string       `db:"mentor_id" json:"mentor_id"`
	HODID       *string      `db:"hod_id" json:"hod_id,omitempty"`
	Reason      string       `db:"reason" json:"reason"`
	Destination string       `db:"destination" json:"destination"`
	Category    PassCategory `db:"category" json:"category"`
	Priority    PassPriority `db:"priority" json:"priority"`

	DepartureTime      time.Time  `db:"departure_time" json:"departure_time"`
	ExpectedReturnTime time.Time  `db:"expected_return_time" json:"expected_return_time"`
	ActualExitTime     *time.Time `db:"actual_exit_time" json:"actual_exit_time,omitempty"`
	ActualReturnTime   *time.Time `db:"actual_return_time" json:"actual_return_time,omitempty"`

	EmergencyName     string `db:"emergency_name" json:"emergency_name"`
	EmergencyPhone    string `db:"emergency_phone" json:"emergency_phone"`
	EmergencyRelation string `db:"emergency_relation" json:"emergency_relation"`

	Status PassStatus `db:"status" json:"status"`

	MentorApprovalStatus   ApprovalStatus `db:"mentor_approval_status" json:"-"`
	MentorApprovalComments *string        `db:"mentor_approval_comments" json:"-"`
	MentorApprovedBy       *string        `db:"mentor_approved_by" json:"-"`
	MentorApprovedAt       *time.Time     `db:"mentor_approved_at" json:"-"`

	HODApprovalStatus   ApprovalStatus `db:"hod_approval_status" json:"-"`
	HODApprovalComments *string        `db:"hod_approval_comments" json:"-"`
	HODApprovedBy       *string        `db:"hod_approved_by" json:"-"`
	HODApprovedAt       *time.Time     `db:"hod_approved_at" json:"-"`

	QRToken        *string    `db:"qr_token" json:"-"`
	QRTokenExpires *time.Time `db:"qr_token_expires" json:"qr_token_expires,omitempty"`

	CheckedOutBy *string `db:"checked_out_by" json:"checked_out_by,omitempty"`
	CheckedInBy  *string `db:"checked_in_by" json:"checked_in_by,omitempty"`
	LateReturn   bool    `db:"late_return" json:"late_return"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Approval is the JSON projection of one approval stage.
type Approval struct {
	Status     ApprovalStatus `json:"status"`
	ApproverID *string        `json:"approver_id,omitempty"`
	Comments   *string        `json:"comments,omitempty"`
	DecidedAt  *time.Time     `json:"decided_at,omitempty"`
}

// MentorApproval returns the mentor stage as an Approval projection.
func (p *GatePass) MentorApproval() Approval {
	return Approval{
		Status:     p.MentorApprovalStatus,
		ApproverID: p.MentorApprovedBy,
		Comments:   p.MentorApprovalComments,
		DecidedAt:  p.MentorApprovedAt,
	}
}

// HODApproval returns the HOD stage as an Approval projection.
func (p *GatePass) HODApproval() Approval {
	return Approval{
		Status:     p.HODApprovalStatus,
		ApproverID: p.HODApprovedBy,
		Comments:   p.HODApprovalComments,
		DecidedAt:  p.HODApprovedAt,
	}
}

// GatePassDetail joins the pass with the names needed by list views.
type GatePassDetail struct {
	GatePass
	StudentName       string  `db:"student_name" json:"student_name"`
	StudentRegNo      string  `db:"student_reg_no" json:"student_reg_no"`
	StudentDepartment string  `db:"student_department" json:"student_department"`
	MentorName        *string `db:"mentor_name" json:"mentor_name,omitempty"`
	HODName           *string `db:"hod_name" json:"hod_name,omitempty"`
}

// PassFilter captures list criteria for gate passes.
type PassFilter struct {
	StudentID  string
	MentorID   string
	HODID      string
	Department string
	Status     PassStatus
	Category   PassCategory
	FromDate   *time.Time
	ToDate     *time.Time
	Page       int
	PageSize   int
	SortBy     string
	SortOrder  string
}
