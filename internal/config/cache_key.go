package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// StudentEnrollmentKey returns the cache key for a student's enrollment hash
// (id, started_at, status, score, finished_at).
func (r *CacheKeyStruct) StudentEnrollmentKey(examID string, studentID int) string {
	return fmt.Sprintf("student:%d:exam:%s:enrollment", studentID, examID)
}

// StudentAnswersKey returns the cache key for a student's answers
func (r *CacheKeyStruct) StudentAnswersKey(examID string, studentID int) string {
	return fmt.Sprintf("student:%d:exam:%s:answers", studentID, examID)
}

// StudentSessionLockKey returns the key guarding a student's single live
// WebSocket session for an exam.
func (r *CacheKeyStruct) StudentSessionLockKey(examID string, studentID int) string {
	return fmt.Sprintf("student:%d:exam:%s:session_lock", studentID, examID)
}

// ExamPayloadKey returns the cache key for an exam's payload
func (r *CacheKeyStruct) ExamPayloadKey(examID string) string {
	return fmt.Sprintf("exam:%s:payload", examID)
}

// ExamMonitorChannel returns the Redis PubSub channel name for an exam monitor
func (r *CacheKeyStruct) ExamMonitorChannel(examID string) string {
	return fmt.Sprintf("exam:%s:monitor", examID)
}

var CacheKey = NewCacheKeyStruct()
