package models

// AccountRollup is the element-wise sum of findings across an account's
// completed scans. It is derived on demand and never stored.
type AccountRollup struct {
	Vulnerabilities VulnerabilityCounts `json:"vulnerabilities"`
	PrivacyIssues   PrivacyCounts       `json:"privacyIssues"`
	CompletedScans  int                 `json:"completedScans"`
}

// UserSession exists for the duration of an authenticated request and is never persisted.
type UserSession struct {
	UID           string `json:"uid"`
	ProfileExists bool   `json:"profileExists"`
}
