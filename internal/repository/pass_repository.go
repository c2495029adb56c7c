package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/campus-gatepass-api/internal/models"
)

const passColumns = `id, pass_code, student_id, mentor_id, hod_id, reason, destination, category, priority,
        departure_time, expected_return_time, actual_exit_time, actual_return_time,
        emergency_name, emergency_phone, emergency_relation, status,
        mentor_approval_status, mentor_approval_comments, mentor_approved_by, mentor_approved_at,
        hod_approval_status, hod_approval_comments, hod_approved_by, hod_approved_at,
        qr_token, qr_token_expires, checked_out_by, checked_in_by, late_return, created_at, updated_at`

const passDetailColumns = `p.id, p.pass_code, p.student_id, p.mentor_id, p.hod_id, p.reason, p.destination, p.category, p.priority,
        p.departure_time, p.expected_return_time, p.actual_exit_time, p.actual_return_time,
        p.emergency_name, p.emergency_phone, p.emergency_relation, p.status,
        p.mentor_approval_status, p.mentor_approval_comments, p.mentor_approved_by, p.mentor_approved_at,
        p.hod_approval_status, p.hod_approval_comments, p.hod_approved_by, p.hod_approved_at,
        p.qr_token, p.qr_token_expires, p.checked_out_by, p.checked_in_by, p.late_return, p.created_at, p.updated_at,
        s.full_name AS student_name, COALESCE(s.reg_no, '') AS student_reg_no, s.department AS student_department,
        m.full_name AS mentor_name, h.full_name AS hod_name`

const passDetailJoins = `FROM gate_passes p
JOIN users s ON s.id = p.student_id
LEFT JOIN users m ON m.id = p.mentor_id
LEFT JOIN users h ON h.id = p.hod_id`

// PassRepository handles persistence of gate passes. All status-changing
// updates are conditional on the expected prior status so that concurrent
// decisions serialize on the database row (second racer sees zero rows).
type PassRepository struct {
	db *sqlx.DB
}

// NewPassRepository constructs the repository.
func NewPassRepository(db *sqlx.DB) *PassRepository {
	return &PassRepository{db: db}
}

// Create persists a new gate pass in PENDING state.
func (r *PassRepository) Create(ctx context.Context, pass *models.GatePass) error {
	if pass.ID == "" {
		pass.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if pass.CreatedAt.IsZero() {
		pass.CreatedAt = now
	}
	pass.UpdatedAt = now
	if pass.Status == "" {
		pass.Status = models.PassStatusPending
	}
	if pass.MentorApprovalStatus == "" {
		pass.MentorApprovalStatus = models.ApprovalPending
	}
	if pass.HODApprovalStatus == "" {
		pass.HODApprovalStatus = models.ApprovalPending
	}

	const query = `INSERT INTO gate_passes (id, pass_code, student_id, mentor_id, hod_id, reason, destination, category, priority,
        departure_time, expected_return_time, emergency_name, emergency_phone, emergency_relation, status,
        mentor_approval_status, hod_approval_status, late_return, created_at, updated_at)
        VALUES (:id, :pass_code, :student_id, :mentor_id, :hod_id, :reason, :destination, :category, :priority,
        :departure_time, :expected_return_time, :emergency_name, :emergency_phone, :emergency_relation, :status,
        :mentor_approval_status, :hod_approval_status, :late_return, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, pass); err != nil {
		return fmt.Errorf("create gate pass: %w", err)
	}
	return nil
}

// FindByID returns a gate pass by its identifier.
func (r *PassRepository) FindByID(ctx context.Context, id string) (*models.GatePass, error) {
	query := fmt.Sprintf(`SELECT %s FROM gate_passes WHERE id = $1`, passColumns)
	var pass models.GatePass
	if err := r.db.GetContext(ctx, &pass, query, id); err != nil {
		return nil, err
	}
	return &pass, nil
}

// FindDetailByID returns a gate pass joined with user names.
func (r *PassRepository) FindDetailByID(ctx context.Context, id string) (*models.GatePassDetail, error) {
	query := fmt.Sprintf(`SELECT %s %s WHERE p.id = $1`, passDetailColumns, passDetailJoins)
	var detail models.GatePassDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// List returns gate passes filtered by the provided criteria.
func (r *PassRepository) List(ctx context.Context, filter models.PassFilter) ([]models.GatePassDetail, int, error) {
	var conditions []string
	var args []interface{}

	if filter.StudentID != "" {
		conditions = append(conditions, fmt.Sprintf("p.student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.MentorID != "" {
		conditions = append(conditions, fmt.Sprintf("p.mentor_id = $%d", len(args)+1))
		args = append(args, filter.MentorID)
	}
	if filter.HODID != "" {
		conditions = append(conditions, fmt.Sprintf("p.hod_id = $%d", len(args)+1))
		args = append(args, filter.HODID)
	}
	if filter.Department != "" {
		conditions = append(conditions, fmt.Sprintf("s.department = $%d", len(args)+1))
		args = append(args, filter.Department)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("p.status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}
	if filter.Category != "" {
		conditions = append(conditions, fmt.Sprintf("p.category = $%d", len(args)+1))
		args = append(args, filter.Category)
	}
	if filter.FromDate != nil {
		conditions = append(conditions, fmt.Sprintf("p.departure_time >= $%d", len(args)+1))
		args = append(args, *filter.FromDate)
	}
	if filter.ToDate != nil {
		conditions = append(conditions, fmt.Sprintf("p.departure_time <= $%d", len(args)+1))
		args = append(args, *filter.ToDate)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"created_at":     "p.created_at",
		"departure_time": "p.departure_time",
		"status":         "p.status",
		"priority":       "p.priority",
		"student_name":   "s.full_name",
	}
	orderBy := allowedSorts[filter.SortBy]
	if orderBy == "" {
		orderBy = "p.created_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT %s %s%s ORDER BY %s %s LIMIT %d OFFSET %d`,
		passDetailColumns, passDetailJoins, clause, orderBy, order, size, offset)

	var passes []models.GatePassDetail
	if err := r.db.SelectContext(ctx, &passes, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list gate passes: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s%s", passDetailJoins, clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count gate passes: %w", err)
	}
	return passes, total, nil
}

// ApplyMentorDecision records the mentor stage outcome. The update only
// lands when the pass is still PENDING; callers treat zero affected rows
// as a state conflict.
func (r *PassRepository) ApplyMentorDecision(ctx context.Context, id string, approved bool, approverID string, comments *string, decidedAt time.Time) (bool, error) {
	status := models.PassStatusMentorApproved
	approval := models.ApprovalApproved
	if !approved {
		status = models.PassStatusRejected
		approval = models.ApprovalRejected
	}
	const query = `UPDATE gate_passes SET status = $2, mentor_approval_status = $3, mentor_approval_comments = $4,
        mentor_approved_by = $5, mentor_approved_at = $6, updated_at = $6
        WHERE id = $1 AND status = $7`
	res, err := r.db.ExecContext(ctx, query, id, status, approval, comments, approverID, decidedAt, models.PassStatusPending)
	if err != nil {
		return false, fmt.Errorf("apply mentor decision: %w", err)
	}
	return rowsAffected(res), nil
}

// ApplyHODDecision records the HOD stage outcome. On approval it also
// binds the issued gate token. Conditional on MENTOR_APPROVED.
func (r *PassRepository) ApplyHODDecision(ctx context.Context, id string, approved bool, approverID string, comments *string, decidedAt time.Time, token *string, tokenExpires *time.Time) (bool, error) {
	status := models.PassStatusApproved
	approval := models.ApprovalApproved
	if !approved {
		status = models.PassStatusRejected
		approval = models.ApprovalRejected
	}
	const query = `UPDATE gate_passes SET status = $2, hod_approval_status = $3, hod_approval_comments = $4,
        hod_approved_by = $5, hod_approved_at = $6, hod_id = $5, qr_token = $7, qr_token_expires = $8, updated_at = $6
        WHERE id = $1 AND status = $9`
	res, err := r.db.ExecContext(ctx, query, id, status, approval, comments, approverID, decidedAt, token, tokenExpires, models.PassStatusMentorApproved)
	if err != nil {
		return false, fmt.Errorf("apply hod decision: %w", err)
	}
	return rowsAffected(res), nil
}

// MarkCancelled cancels a pass while it is still cancellable and the
// departure time has not passed.
func (r *PassRepository) MarkCancelled(ctx context.Context, id string, now time.Time) (bool, error) {
	const query = `UPDATE gate_passes SET status = $2, updated_at = $3
        WHERE id = $1 AND status IN ($4, $5, $6) AND departure_time > $3`
	res, err := r.db.ExecContext(ctx, query, id, models.PassStatusCancelled, now,
		models.PassStatusPending, models.PassStatusMentorApproved, models.PassStatusApproved)
	if err != nil {
		return false, fmt.Errorf("cancel gate pass: %w", err)
	}
	return rowsAffected(res), nil
}

// MarkCheckedOut records the exit event. Conditional on APPROVED.
func (r *PassRepository) MarkCheckedOut(ctx context.Context, id, officerID string, exitTime time.Time) (bool, error) {
	const query = `UPDATE gate_passes SET status = $2, actual_exit_time = $3, checked_out_by = $4, updated_at = $3
        WHERE id = $1 AND status = $5`
	res, err := r.db.ExecContext(ctx, query, id, models.PassStatusActive, exitTime, officerID, models.PassStatusApproved)
	if err != nil {
		return false, fmt.Errorf("checkout gate pass: %w", err)
	}
	return rowsAffected(res), nil
}

// MarkCheckedIn records the return event. Conditional on ACTIVE.
func (r *PassRepository) MarkCheckedIn(ctx context.Context, id, officerID string, returnTime time.Time, late bool) (bool, error) {
	const query = `UPDATE gate_passes SET status = $2, actual_return_time = $3, checked_in_by = $4, late_return = $5, updated_at = $3
        WHERE id = $1 AND status = $6`
	res, err := r.db.ExecContext(ctx, query, id, models.PassStatusCompleted, returnTime, officerID, late, models.PassStatusActive)
	if err != nil {
		return false, fmt.Errorf("checkin gate pass: %w", err)
	}
	return rowsAffected(res), nil
}

// MarkExpired expires a single approved pass whose token validity lapsed.
func (r *PassRepository) MarkExpired(ctx context.Context, id string, now time.Time) (bool, error) {
	const query = `UPDATE gate_passes SET status = $2, updated_at = $3
        WHERE id = $1 AND status = $4 AND qr_token_expires IS NOT NULL AND qr_token_expires < $3`
	res, err := r.db.ExecContext(ctx, query, id, models.PassStatusExpired, now, models.PassStatusApproved)
	if err != nil {
		return false, fmt.Errorf("expire gate pass: %w", err)
	}
	return rowsAffected(res), nil
}

// ExpireOverdue sweeps all approved passes whose token validity lapsed,
// returning the affected passes so callers can notify the owners.
func (r *PassRepository) ExpireOverdue(ctx context.Context, now time.Time) ([]models.GatePass, error) {
	query := fmt.Sprintf(`UPDATE gate_passes SET status = $1, updated_at = $2
        WHERE status = $3 AND qr_token_expires IS NOT NULL AND qr_token_expires < $2
        RETURNING %s`, passColumns)
	var expired []models.GatePass
	if err := r.db.SelectContext(ctx, &expired, query, models.PassStatusExpired, now, models.PassStatusApproved); err != nil {
		return nil, fmt.Errorf("expire overdue passes: %w", err)
	}
	return expired, nil
}

// CountByStatus aggregates pass counts per status for the given filter
// scope. Empty scope values are ignored.
func (r *PassRepository) CountByStatus(ctx context.Context, studentID, mentorID, department string) (map[models.PassStatus]int, error) {
	base := `SELECT p.status, COUNT(*) AS count FROM gate_passes p JOIN users s ON s.id = p.student_id`
	var conditions []string
	var args []interface{}
	if studentID != "" {
		conditions = append(conditions, fmt.Sprintf("p.student_id = $%d", len(args)+1))
		args = append(args, studentID)
	}
	if mentorID != "" {
		conditions = append(conditions, fmt.Sprintf("p.mentor_id = $%d", len(args)+1))
		args = append(args, mentorID)
	}
	if department != "" {
		conditions = append(conditions, fmt.Sprintf("s.department = $%d", len(args)+1))
		args = append(args, department)
	}
	if len(conditions) > 0 {
		base += " WHERE " + strings.Join(conditions, " AND ")
	}
	base += " GROUP BY p.status"

	rows, err := r.db.QueryxContext(ctx, base, args...)
	if err != nil {
		return nil, fmt.Errorf("count passes by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.PassStatus]int)
	for rows.Next() {
		var status models.PassStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// GateActivitySince returns checkout/checkin/late counts since the cutoff,
// feeding the security dashboard.
func (r *PassRepository) GateActivitySince(ctx context.Context, since time.Time) (checkouts, checkins, late int, err error) {
	const query = `SELECT
        COUNT(*) FILTER (WHERE actual_exit_time >= $1) AS checkouts,
        COUNT(*) FILTER (WHERE actual_return_time >= $1) AS checkins,
        COUNT(*) FILTER (WHERE actual_return_time >= $1 AND late_return) AS late
        FROM gate_passes`
	row := r.db.QueryRowxContext(ctx, query, since)
	if err := row.Scan(&checkouts, &checkins, &late); err != nil {
		return 0, 0, 0, fmt.Errorf("gate activity counts: %w", err)
	}
	return checkouts, checkins, late, nil
}

func rowsAffected(res sql.Result) bool {
	if res == nil {
		return false
	}
	n, err := res.RowsAffected()
	return err == nil && n > 0
}
