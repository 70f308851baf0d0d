// Package idgen generates the identifiers used across the durable data
// model: opaque job ids, timestamp-derived run ids, and Crockford
// base32 task ids in the exact format the task schema requires.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// TaskIDPrefix is prepended to every task identifier.
const TaskIDPrefix = "tsk_"

// JobID returns a new opaque 16-hex-character job identifier.
func JobID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("idgen: generate job id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// RunID returns a UTC-timestamp run identifier of the form
// 20060102T150405.000000000Z, matching the "UTC-timestamp string"
// convention from the data model unless the caller overrides it (e.g.
// via ORCH_RUN_ID).
func RunID(now time.Time) string {
	return now.UTC().Format("20060102T150405.000000000Z")
}

// TaskID returns a new task identifier: the literal prefix "tsk_"
// followed by 26 uppercase Crockford base32 characters. ULIDs are
// Crockford base32 and 26 characters long, which is exactly the shape
// the task schema (§6.2) requires, so a ULID's string form is used
// verbatim as the suffix.
func TaskID(now time.Time) (string, error) {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(now), entropy)
	if err != nil {
		return "", fmt.Errorf("idgen: generate task id: %w", err)
	}
	return TaskIDPrefix + strings.ToUpper(id.String()), nil
}

// IsTaskID reports whether s has the shape of a task identifier
// produced by TaskID, without validating that it was actually issued
// by this generator.
func IsTaskID(s string) bool {
	if !strings.HasPrefix(s, TaskIDPrefix) {
		return false
	}
	rest := strings.TrimPrefix(s, TaskIDPrefix)
	if len(rest) != ulid.EncodedSize {
		return false
	}
	_, err := ulid.ParseStrict(rest)
	return err == nil
}

// RequestID returns a random client-facing request identifier used for
// control signal idempotency keys when the caller does not supply one.
func RequestID() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return "", fmt.Errorf("idgen: generate request id: %w", err)
	}
	return fmt.Sprintf("req_%x", n), nil
}
