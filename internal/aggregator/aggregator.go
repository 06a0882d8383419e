// Package aggregator folds completed scans' findings into account rollups.
// Everything here is pure: results depend only on the scans passed in.
package aggregator

import (
	"sort"

	"github.com/aleister1102/vulnerax/internal/models"
)

// Aggregate sums vulnerabilities and privacy issues across every completed scan.
// Queued, in-progress and failed scans are ignored; an empty input yields a zero rollup.
func Aggregate(scans []*models.Scan) models.AccountRollup {
	var rollup models.AccountRollup
	for _, scan := range scans {
		if scan == nil || scan.Status != models.ScanStatusCompleted || scan.Findings == nil {
			continue
		}
		rollup.Vulnerabilities = rollup.Vulnerabilities.Add(scan.Findings.Vulnerabilities)
		rollup.PrivacyIssues = rollup.PrivacyIssues.Add(scan.Findings.PrivacyIssues)
		rollup.CompletedScans++
	}
	return rollup
}

// AggregateByAccount groups scans by owner and aggregates each group.
func AggregateByAccount(scans []*models.Scan) map[string]models.AccountRollup {
	grouped := make(map[string][]*models.Scan)
	for _, scan := range scans {
		if scan == nil {
			continue
		}
		grouped[scan.AccountID] = append(grouped[scan.AccountID], scan)
	}

	rollups := make(map[string]models.AccountRollup, len(grouped))
	for account, owned := range grouped {
		rollups[account] = Aggregate(owned)
	}
	return rollups
}

// ByRecency returns a copy of scans ordered newest first. Ties keep input order.
func ByRecency(scans []*models.Scan) []*models.Scan {
	ordered := make([]*models.Scan, len(scans))
	copy(ordered, scans)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].StartedAt.After(ordered[j].StartedAt)
	})
	return ordered
}

// MostRecentCompleted returns the newest completed scan, or nil.
func MostRecentCompleted(scans []*models.Scan) *models.Scan {
	var latest *models.Scan
	for _, scan := range scans {
		if scan == nil || scan.Status != models.ScanStatusCompleted {
			continue
		}
		if latest == nil || scan.StartedAt.After(latest.StartedAt) {
			latest = scan
		}
	}
	return latest
}

// Dashboard is the presenter-facing view: scan rows newest first plus the rollup.
type Dashboard struct {
	Scans               []models.ScanSummary `json:"scans"`
	Rollup              models.AccountRollup `json:"rollup"`
	RecentCompletedScan *models.Scan         `json:"recentCompletedScan,omitempty"`
}

// BuildDashboard assembles the dashboard view for one account's scans.
func BuildDashboard(scans []*models.Scan) Dashboard {
	ordered := ByRecency(scans)
	summaries := make([]models.ScanSummary, 0, len(ordered))
	for _, scan := range ordered {
		summaries = append(summaries, scan.Summary())
	}

	return Dashboard{
		Scans:               summaries,
		Rollup:              Aggregate(ordered),
		RecentCompletedScan: MostRecentCompleted(ordered),
	}
}
