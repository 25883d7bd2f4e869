package model

import (
	"time"

	"github.com/google/uuid"
)

// SnapshotKind names why a proctoring snapshot was taken.
type SnapshotKind string

const (
	SnapshotExamStart       SnapshotKind = "exam_start"
	SnapshotRegularInterval SnapshotKind = "regular_interval"
	SnapshotNoFace          SnapshotKind = "no_face_detection"
	SnapshotMultipleFaces   SnapshotKind = "multiple_face_detection"
)

// Valid reports whether k is a known snapshot kind.
func (k SnapshotKind) Valid() bool {
	switch k {
	case SnapshotExamStart, SnapshotRegularInterval, SnapshotNoFace, SnapshotMultipleFaces:
		return true
	}
	return false
}

// IntegrityCounters is the counter triple of a monitoring record. The values
// never decrease.
type IntegrityCounters struct {
	TabSwitchCount      int `json:"tab_switch_count"`
	FullscreenExitCount int `json:"fullscreen_exit_count"`
	VoiceDetectionCount int `json:"voice_detection_count"`
}

// Violations is the number of events that count toward auto-submit.
func (c IntegrityCounters) Violations() int {
	return c.TabSwitchCount + c.FullscreenExitCount
}

// Max returns the element-wise maximum of c and o.
func (c IntegrityCounters) Max(o IntegrityCounters) IntegrityCounters {
	return IntegrityCounters{
		TabSwitchCount:      max(c.TabSwitchCount, o.TabSwitchCount),
		FullscreenExitCount: max(c.FullscreenExitCount, o.FullscreenExitCount),
		VoiceDetectionCount: max(c.VoiceDetectionCount, o.VoiceDetectionCount),
	}
}

// MonitoringPatch updates a monitoring record. Omitted fields are left unchanged
// server-side; callers always send the full counter triple.
type MonitoringPatch struct {
	EnrollmentID        uuid.UUID     `json:"enrollment_id" binding:"required"`
	TabSwitchCount      *int          `json:"tab_switch_count,omitempty" binding:"omitempty,min=0"`
	FullscreenExitCount *int          `json:"fullscreen_exit_count,omitempty" binding:"omitempty,min=0"`
	VoiceDetectionCount *int          `json:"voice_detection_count,omitempty" binding:"omitempty,min=0"`
	SnapshotMediaID     *uuid.UUID    `json:"snapshot_media_id,omitempty" binding:"required_with=SnapshotType"`
	SnapshotType        *SnapshotKind `json:"snapshot_type,omitempty" binding:"omitempty,snapshot_type"`
}

// CounterPatch builds a patch echoing all three counters.
func CounterPatch(enrollmentID uuid.UUID, c IntegrityCounters) MonitoringPatch {
	tab, fs, voice := c.TabSwitchCount, c.FullscreenExitCount, c.VoiceDetectionCount
	return MonitoringPatch{
		EnrollmentID:        enrollmentID,
		TabSwitchCount:      &tab,
		FullscreenExitCount: &fs,
		VoiceDetectionCount: &voice,
	}
}

// HasSnapshot reports whether the patch carries snapshot evidence.
func (p MonitoringPatch) HasSnapshot() bool {
	return p.SnapshotMediaID != nil && p.SnapshotType != nil
}

// Apply merges the patch into c using partial-patch semantics.
func (p MonitoringPatch) Apply(c IntegrityCounters) IntegrityCounters {
	if p.TabSwitchCount != nil {
		c.TabSwitchCount = *p.TabSwitchCount
	}
	if p.FullscreenExitCount != nil {
		c.FullscreenExitCount = *p.FullscreenExitCount
	}
	if p.VoiceDetectionCount != nil {
		c.VoiceDetectionCount = *p.VoiceDetectionCount
	}
	return c
}

// MonitoringRecord is the backend proctoring log of one enrollment.
type MonitoringRecord struct {
	EnrollmentID uuid.UUID `json:"enrollment_id"`
	ExamID       uuid.UUID `json:"exam_id"`
	StudentID    int       `json:"student_id"`
	IntegrityCounters
	Snapshots []MonitoringSnapshot `json:"snapshots,omitempty"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// MonitoringSnapshot links an uploaded media item to a monitoring record.
type MonitoringSnapshot struct {
	MediaID   uuid.UUID    `json:"media_id"`
	Kind      SnapshotKind `json:"kind"`
	CreatedAt time.Time    `json:"created_at"`
}

// Media is an uploaded proctoring artefact.
type Media struct {
	ID          uuid.UUID `json:"id"`
	StudentID   int       `json:"student_id"`
	Path        string    `json:"path"`
	ContentType string    `json:"content_type"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
}

// MonitoringEvent is one audit row of a received monitoring patch.
type MonitoringEvent struct {
	EnrollmentID uuid.UUID       `json:"enrollment_id"`
	ExamID       uuid.UUID       `json:"exam_id"`
	StudentID    int             `json:"student_id"`
	Patch        MonitoringPatch `json:"patch"`
	ReceivedAt   time.Time       `json:"received_at"`
}
