package api

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"geotrack/internal/model"
)

const defaultRange = 24 * time.Hour

// parseRange reads the half-open [from, to) window. to defaults to now and from to a day earlier.
func parseRange(q url.Values, now time.Time) (time.Time, time.Time, error) {
	to := now
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("to: %w", err)
		}
		to = t
	}
	from := to.Add(-defaultRange)
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("from: %w", err)
		}
		from = t
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("from must be before to")
	}
	return from.UTC(), to.UTC(), nil
}

// validateReport checks what the feed needs to key a sample. Coordinate and accuracy checks
// happen in the detector so bad readings still reach the validation log.
func validateReport(s model.LocationSample) error {
	if strings.TrimSpace(s.WorkerID) == "" {
		return fmt.Errorf("workerId is required")
	}
	if s.CapturedAt.IsZero() {
		return fmt.Errorf("capturedAt is required")
	}
	if s.CapturedAt.After(time.Now().Add(5 * time.Minute)) {
		return fmt.Errorf("capturedAt is in the future")
	}
	return nil
}
