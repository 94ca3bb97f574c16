// Package command applies START/STOP directives from the live signaling push
// and the pending-command backfill, and decides whether a session resumes
// after the signaling link comes back.
package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Directive is a normalized command.
type Directive string

const (
	Start Directive = "START"
	Stop  Directive = "STOP"
)

// Normalize trims and upper-cases raw. Anything unknown is treated as STOP.
func Normalize(raw string) Directive {
	switch d := Directive(strings.ToUpper(strings.TrimSpace(raw))); d {
	case Start, Stop:
		return d
	default:
		return Stop
	}
}

// Known reports whether raw normalizes to a directive without the STOP
// fallback.
func Known(raw string) bool {
	d := Directive(strings.ToUpper(strings.TrimSpace(raw)))
	return d == Start || d == Stop
}

// PendingCommand is one directive issued to this operator.
type PendingCommand struct {
	ID           string    `json:"id"`
	Command      string    `json:"command"`
	Timestamp    Timestamp `json:"timestamp"`
	Acknowledged bool      `json:"acknowledged,omitempty"`
}

// Timestamp accepts RFC 3339 strings and unix milliseconds.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
		t.Time = parsed
		return nil
	}
	ms, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %s: %w", b, err)
	}
	t.Time = time.UnixMilli(ms).UTC()
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// message covers both push shapes: {command,timestamp,id} and
// {employeeEmail,command}.
type message struct {
	ID            string    `json:"id"`
	Command       string    `json:"command"`
	Timestamp     Timestamp `json:"timestamp"`
	EmployeeEmail string    `json:"employeeEmail"`
}

// Stage of one directive.
type Stage string

const (
	StageReceived     Stage = "received"
	StageApplying     Stage = "applying"
	StageAcknowledged Stage = "acknowledged"
)

var stages = map[Stage]Stage{
	StageReceived: StageApplying,
	StageApplying: StageAcknowledged,
}

// next returns the stage after s; ok is false once acknowledged.
func next(s Stage) (Stage, bool) {
	n, ok := stages[s]
	return n, ok
}
