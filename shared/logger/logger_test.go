// Copyright 2025 TallyGate
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"testing"
)

func capture(t *testing.T, fn func()) string {
	t.Helper()

	var buf bytes.Buffer
	orig := log.Writer()
	flags := log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(orig)
		log.SetFlags(flags)
	})

	fn()
	return buf.String()
}

func TestLogEmitsStructuredJSON(t *testing.T) {
	l := &Logger{Component: "gatekeeper", InstanceID: "i-1", Container: "c-1"}

	out := capture(t, func() {
		l.Info("user:abc", "req-42", "quota check", map[string]interface{}{"allowed": true})
	})

	var entry LogEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &entry); err != nil {
		t.Fatalf("log line is not valid JSON: %v\n%s", err, out)
	}
	if entry.Level != INFO {
		t.Errorf("level = %q, want INFO", entry.Level)
	}
	if entry.Component != "gatekeeper" {
		t.Errorf("component = %q, want gatekeeper", entry.Component)
	}
	if entry.IdentityKey != "user:abc" {
		t.Errorf("identity_key = %q, want user:abc", entry.IdentityKey)
	}
	if entry.RequestID != "req-42" {
		t.Errorf("request_id = %q, want req-42", entry.RequestID)
	}
	if entry.Message != "quota check" {
		t.Errorf("message = %q, want quota check", entry.Message)
	}
	if entry.Fields["allowed"] != true {
		t.Errorf("fields = %v, want allowed=true", entry.Fields)
	}
	if entry.Timestamp == "" {
		t.Error("timestamp is empty")
	}
}

func TestErrorWithCodeIncludesStatusAndError(t *testing.T) {
	l := &Logger{Component: "gatekeeper", InstanceID: "i-1", Container: "c-1"}

	out := capture(t, func() {
		l.ErrorWithCode("", "req-7", "store unavailable", 503, errors.New("connection refused"), nil)
	})

	var entry LogEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &entry); err != nil {
		t.Fatalf("log line is not valid JSON: %v\n%s", err, out)
	}
	if entry.Level != ERROR {
		t.Errorf("level = %q, want ERROR", entry.Level)
	}
	if entry.Fields["status_code"] != float64(503) {
		t.Errorf("status_code = %v, want 503", entry.Fields["status_code"])
	}
	if entry.Fields["error"] != "connection refused" {
		t.Errorf("error field = %v, want connection refused", entry.Fields["error"])
	}
}

func TestNewFillsDefaults(t *testing.T) {
	t.Setenv("INSTANCE_ID", "")

	l := New("gatekeeper")
	if l.Component != "gatekeeper" {
		t.Errorf("component = %q, want gatekeeper", l.Component)
	}
	if l.InstanceID != "unknown" {
		t.Errorf("instance id = %q, want unknown", l.InstanceID)
	}
	if l.Container == "" {
		t.Error("container is empty")
	}
}
