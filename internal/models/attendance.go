package models

import "strings"

// AttendanceStatus is the fixed set of statuses a client may publish.
type AttendanceStatus string

const (
	AttendanceCheckIn      AttendanceStatus = "CheckIn"
	AttendanceCheckOut     AttendanceStatus = "CheckOut"
	AttendanceBreakStart   AttendanceStatus = "BreakStart"
	AttendanceBreakEnd     AttendanceStatus = "BreakEnd"
	AttendanceWorkFromHome AttendanceStatus = "WorkFromHome"
	AttendanceOnLeave      AttendanceStatus = "OnLeave"
)

var attendanceStatuses = map[string]AttendanceStatus{
	"checkin":      AttendanceCheckIn,
	"checkout":     AttendanceCheckOut,
	"breakstart":   AttendanceBreakStart,
	"breakend":     AttendanceBreakEnd,
	"workfromhome": AttendanceWorkFromHome,
	"onleave":      AttendanceOnLeave,
}

// ParseAttendanceStatus matches case-insensitively and returns the
// canonical spelling.
func ParseAttendanceStatus(s string) (AttendanceStatus, bool) {
	status, ok := attendanceStatuses[strings.ToLower(strings.TrimSpace(s))]
	return status, ok
}
