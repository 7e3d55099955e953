// Copyright 2025 TallyGate
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

// Logger provides structured JSON logging for the gateway services.
//
// Callers pass the resolved identity key, never raw fingerprints or IP
// addresses: only opaque tokens may appear in log output.
type Logger struct {
	Component  string
	InstanceID string
	Container  string
}

// LogEntry is the wire shape of one structured log line.
type LogEntry struct {
	Timestamp   string                 `json:"timestamp"`
	Level       LogLevel               `json:"level"`
	Component   string                 `json:"component"`
	InstanceID  string                 `json:"instance_id"`
	Container   string                 `json:"container"`
	IdentityKey string                 `json:"identity_key,omitempty"`
	RequestID   string                 `json:"request_id,omitempty"`
	Message     string                 `json:"message"`
	Fields      map[string]interface{} `json:"fields,omitempty"`
}

// New creates a Logger for the specified component.
func New(component string) *Logger {
	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = "unknown"
	}

	container, err := os.Hostname()
	if err != nil {
		container = "unknown"
	}

	return &Logger{
		Component:  component,
		InstanceID: instanceID,
		Container:  container,
	}
}

// Log writes a structured log entry to stdout.
func (l *Logger) Log(level LogLevel, identityKey, requestID, message string, fields map[string]interface{}) {
	entry := LogEntry{
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		Level:       level,
		Component:   l.Component,
		InstanceID:  l.InstanceID,
		Container:   l.Container,
		IdentityKey: identityKey,
		RequestID:   requestID,
		Message:     message,
		Fields:      fields,
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		log.Printf("ERROR: Failed to marshal log entry: %v", err)
		return
	}

	log.Println(string(jsonBytes))
}

// Info logs an informational message
func (l *Logger) Info(identityKey, requestID, message string, fields map[string]interface{}) {
	l.Log(INFO, identityKey, requestID, message, fields)
}

// Error logs an error message
func (l *Logger) Error(identityKey, requestID, message string, fields map[string]interface{}) {
	l.Log(ERROR, identityKey, requestID, message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(identityKey, requestID, message string, fields map[string]interface{}) {
	l.Log(WARN, identityKey, requestID, message, fields)
}

// Debug logs a debug message
func (l *Logger) Debug(identityKey, requestID, message string, fields map[string]interface{}) {
	l.Log(DEBUG, identityKey, requestID, message, fields)
}

// ErrorWithCode logs an error with the HTTP status code that was returned.
func (l *Logger) ErrorWithCode(identityKey, requestID, message string, statusCode int, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["status_code"] = statusCode
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error(identityKey, requestID, message, fields)
}
