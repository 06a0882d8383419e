package aggregator

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/aleister1102/vulnerax/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 3, 20, 10, 0, 0, 0, time.UTC)

func completedScan(t *testing.T, id, account string, started time.Time, v models.VulnerabilityCounts, p models.PrivacyCounts) *models.Scan {
	t.Helper()
	scan := models.NewScan(id, account, models.Target{Name: id, URL: "https://" + id + ".example"}, "", started)
	require.NoError(t, scan.Start())
	require.NoError(t, scan.Complete(models.Findings{Vulnerabilities: v, PrivacyIssues: p, Dependencies: models.DependencyCounts{Total: 10}}, started.Add(time.Minute)))
	return scan
}

func failedScan(t *testing.T, id, account string, started time.Time) *models.Scan {
	t.Helper()
	scan := models.NewScan(id, account, models.Target{URL: "https://" + id + ".example"}, "", started)
	require.NoError(t, scan.Start())
	require.NoError(t, scan.Fail(models.TransportFailure("unreachable"), started.Add(time.Minute)))
	return scan
}

func TestAggregate_ExampleTotals(t *testing.T) {
	scans := []*models.Scan{
		completedScan(t, "a", "acct", base, models.VulnerabilityCounts{Critical: 2, High: 5, Medium: 8, Low: 12, Info: 15}, models.PrivacyCounts{High: 3, Medium: 6, Low: 9}),
		completedScan(t, "b", "acct", base, models.VulnerabilityCounts{Critical: 1}, models.PrivacyCounts{}),
	}

	rollup := Aggregate(scans)

	assert.Equal(t, models.VulnerabilityCounts{Critical: 3, High: 5, Medium: 8, Low: 12, Info: 15}, rollup.Vulnerabilities)
	assert.Equal(t, models.PrivacyCounts{High: 3, Medium: 6, Low: 9}, rollup.PrivacyIssues)
	assert.Equal(t, 43, rollup.Vulnerabilities.Total())
	assert.Equal(t, 2, rollup.CompletedScans)
}

func TestAggregate_IgnoresNonCompleted(t *testing.T) {
	queued := models.NewScan("q", "acct", models.Target{URL: "https://q.example"}, "", base)
	running := models.NewScan("r", "acct", models.Target{URL: "https://r.example"}, "", base)
	require.NoError(t, running.Start())

	scans := []*models.Scan{
		queued,
		running,
		failedScan(t, "f", "acct", base),
		completedScan(t, "c", "acct", base, models.VulnerabilityCounts{High: 1}, models.PrivacyCounts{Low: 2}),
		nil,
	}

	rollup := Aggregate(scans)
	assert.Equal(t, models.VulnerabilityCounts{High: 1}, rollup.Vulnerabilities)
	assert.Equal(t, models.PrivacyCounts{Low: 2}, rollup.PrivacyIssues)
	assert.Equal(t, 1, rollup.CompletedScans)
}

func TestAggregate_EmptyIsZero(t *testing.T) {
	assert.Equal(t, models.AccountRollup{}, Aggregate(nil))
	assert.Equal(t, models.AccountRollup{}, Aggregate([]*models.Scan{failedScan(t, "f", "acct", base)}))
}

func TestAggregate_OrderIndependent(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	var scans []*models.Scan
	for i := 0; i < 12; i++ {
		scans = append(scans, completedScan(t, fmt.Sprintf("s%d", i), "acct", base.Add(time.Duration(i)*time.Hour),
			models.VulnerabilityCounts{Critical: rng.Intn(5), High: rng.Intn(5), Medium: rng.Intn(5), Low: rng.Intn(5), Info: rng.Intn(5)},
			models.PrivacyCounts{High: rng.Intn(5), Medium: rng.Intn(5), Low: rng.Intn(5)}))
	}
	scans = append(scans, failedScan(t, "f", "acct", base))

	expected := Aggregate(scans)
	for i := 0; i < 20; i++ {
		shuffled := make([]*models.Scan, len(scans))
		copy(shuffled, scans)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		assert.Equal(t, expected, Aggregate(shuffled))
	}
}

func TestAggregateByAccount(t *testing.T) {
	scans := []*models.Scan{
		completedScan(t, "a", "alice", base, models.VulnerabilityCounts{High: 1}, models.PrivacyCounts{}),
		completedScan(t, "b", "bob", base, models.VulnerabilityCounts{Low: 4}, models.PrivacyCounts{High: 1}),
		completedScan(t, "c", "alice", base, models.VulnerabilityCounts{High: 2}, models.PrivacyCounts{}),
		failedScan(t, "d", "carol", base),
	}

	rollups := AggregateByAccount(scans)

	require.Len(t, rollups, 3)
	assert.Equal(t, 3, rollups["alice"].Vulnerabilities.High)
	assert.Equal(t, 4, rollups["bob"].Vulnerabilities.Low)
	assert.Equal(t, models.AccountRollup{}, rollups["carol"])
}

func TestBuildDashboard(t *testing.T) {
	older := completedScan(t, "older", "acct", base, models.VulnerabilityCounts{Info: 1}, models.PrivacyCounts{})
	newer := completedScan(t, "newer", "acct", base.Add(2*time.Hour), models.VulnerabilityCounts{Info: 2}, models.PrivacyCounts{})
	failed := failedScan(t, "failed", "acct", base.Add(3*time.Hour))

	dashboard := BuildDashboard([]*models.Scan{older, failed, newer})

	require.Len(t, dashboard.Scans, 3)
	assert.Equal(t, []string{"failed", "newer", "older"}, []string{dashboard.Scans[0].ID, dashboard.Scans[1].ID, dashboard.Scans[2].ID})
	assert.False(t, dashboard.Scans[0].ViewResults)
	assert.True(t, dashboard.Scans[1].ViewResults)
	assert.Equal(t, 3, dashboard.Rollup.Vulnerabilities.Info)
	require.NotNil(t, dashboard.RecentCompletedScan)
	assert.Equal(t, "newer", dashboard.RecentCompletedScan.ID)
}

func TestBuildDashboard_Empty(t *testing.T) {
	dashboard := BuildDashboard(nil)
	assert.NotNil(t, dashboard.Scans)
	assert.Empty(t, dashboard.Scans)
	assert.Nil(t, dashboard.RecentCompletedScan)
}
