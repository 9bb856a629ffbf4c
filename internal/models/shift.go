package models

// ShiftStatus is the lifecycle state of a shift.
type ShiftStatus string

const (
	ShiftStatusOpen      ShiftStatus = "OPEN"
	ShiftStatusAssigned  ShiftStatus = "ASSIGNED"
	ShiftStatusCompleted ShiftStatus = "COMPLETED"
	ShiftStatusCancelled ShiftStatus = "CANCELLED"
)

// Valid reports whether s is a known status.
func (s ShiftStatus) Valid() bool {
	switch s {
	case ShiftStatusOpen, ShiftStatusAssigned, ShiftStatusCompleted, ShiftStatusCancelled:
		return true
	}
	return false
}

// Role is a staff role tag.
type Role string

const (
	RoleAdmin       Role = "ADMIN"
	RoleCoordinator Role = "COORDINATOR"
	RoleDoctor      Role = "DOCTOR"
	RoleNurse       Role = "NURSE"
	RoleAgent       Role = "AGENT"
)

// Shift is a scheduled block of work requiring one staff member of a role.
type Shift struct {
	ID             int64       `json:"id"`
	StartTime      Timestamp   `json:"startTime"`
	EndTime        Timestamp   `json:"endTime"`
	RequiredRole   Role        `json:"requiredRole"`
	Status         ShiftStatus `json:"status"`
	DepartmentID   int64       `json:"departmentId"`
	DepartmentName string      `json:"departmentName,omitempty"`
	AssigneeUserID *int64      `json:"assigneeUserId,omitempty"`
	AssigneeName   string      `json:"assigneeName,omitempty"`
	Notes          string      `json:"notes,omitempty"`
	Version        *int64      `json:"version,omitempty"`
}

// Key returns the shift identifier.
func (s Shift) Key() int64 { return s.ID }

// Revision returns the entity version, if the server sent one.
func (s Shift) Revision() (int64, bool) {
	if s.Version == nil {
		return 0, false
	}
	return *s.Version, true
}

// CreateShiftRequest is the body of POST /shifts.
type CreateShiftRequest struct {
	StartTime    Timestamp `json:"startTime"`
	EndTime      Timestamp `json:"endTime"`
	RequiredRole Role      `json:"requiredRole"`
	DepartmentID int64     `json:"departmentId"`
	Notes        string    `json:"notes,omitempty"`
}

// UpdateShiftRequest is the body of PUT /shifts/{id}.
type UpdateShiftRequest struct {
	AssigneeUserID *int64      `json:"assigneeUserId"`
	Notes          string      `json:"notes"`
	Status         ShiftStatus `json:"status"`
}

// SummaryItem is one labelled count in a distribution.
type SummaryItem struct {
	Label string `json:"label"`
	Value int64  `json:"value"`
}

// ShiftSummary holds the dashboard aggregate statistics.
type ShiftSummary struct {
	TotalShifts            int64         `json:"totalShifts"`
	NightShifts            int64         `json:"nightShifts"`
	AssignedShifts         int64         `json:"assignedShifts"`
	UnassignedShifts       int64         `json:"unassignedShifts"`
	TotalAssignees         int64         `json:"totalAssignees"`
	RoleDistribution       []SummaryItem `json:"roleDistribution"`
	DepartmentDistribution []SummaryItem `json:"departmentDistribution"`
	AssigneeDistribution   []SummaryItem `json:"assigneeDistribution"`
}
