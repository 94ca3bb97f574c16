package command

import (
	"strings"
	"time"
)

// StopReasonDisconnect is the only recorded stop reason that may resume.
const StopReasonDisconnect = "DISCONNECT"

// LastSession is the most recent session record for the operator.
type LastSession struct {
	StartedAt  *time.Time `json:"startedAt"`
	StoppedAt  *time.Time `json:"stoppedAt"`
	StopReason string     `json:"stopReason"`
}

// ShouldResume decides whether capture restarts after the signaling link
// comes back. A session left open resumes. A session stopped by DISCONNECT
// resumes only within window. Every other reason, known or not, does not.
func ShouldResume(last *LastSession, now time.Time, window time.Duration) bool {
	if last == nil {
		return false
	}
	if last.StoppedAt == nil {
		return true
	}
	if !strings.EqualFold(strings.TrimSpace(last.StopReason), StopReasonDisconnect) {
		return false
	}
	return now.Sub(*last.StoppedAt) <= window
}
