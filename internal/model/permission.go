package model

// Permission represents a string code for a specific system action.
type Permission string

const (
	// PermissionExamsRead allows viewing exam configuration and results.
	PermissionExamsRead Permission = "exams:read"

	// PermissionExamsWrite allows publishing exams and refreshing their cache.
	PermissionExamsWrite Permission = "exams:write"

	// PermissionMonitoringRead allows watching live proctoring and reading
	// monitoring records.
	PermissionMonitoringRead Permission = "monitoring:read"

	// PermissionMediaRead allows viewing proctoring snapshots.
	PermissionMediaRead Permission = "media:read"
)

// AllPermissions is a slice of all available permissions.
var AllPermissions = []Permission{
	PermissionExamsRead,
	PermissionExamsWrite,
	PermissionMonitoringRead,
	PermissionMediaRead,
}
