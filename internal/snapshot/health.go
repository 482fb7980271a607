package snapshot

import "time"

// HealthReport is the return value of a HealthDaemon scan (spec §4.6,
// SPEC_FULL.md's added HealthReport entity). The most recent report is
// cached here so /healthz can report staleness without re-running a scan.
type HealthReport struct {
	ScannedAt         time.Time `json:"scanned_at"`
	TasksScanned      int       `json:"tasks_scanned"`
	WorkersTerminated int       `json:"workers_terminated"`
	ReviewsEscalated  int       `json:"reviews_escalated"`
	OrphanSessions    []string  `json:"orphan_sessions"`
	DurationMillis    int64     `json:"duration_millis"`
}

var healthReportKey = []byte("last_report")

// PutHealthReport caches the most recent HealthDaemon scan result.
func (d *DB) PutHealthReport(r HealthReport) error {
	return d.put(bucketHealth, healthReportKey, r)
}

// LastHealthReport reads back the most recently cached scan result.
func (d *DB) LastHealthReport() (*HealthReport, error) {
	var r HealthReport
	ok, err := d.get(bucketHealth, healthReportKey, &r)
	if err != nil || !ok {
		return nil, err
	}
	return &r, nil
}
