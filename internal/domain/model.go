package domain

import (
	"time"

	"github.com/google/uuid"
)

// Core domain models used internally. The HTTP adapter serializes these
// directly; keep json tags in sync with the API.

// UnassignedTenant owns scans submitted without a tenant identity.
var UnassignedTenant = uuid.Nil

// CookieSource tags cookie records captured by the browser engine.
const CookieSource = "headless_browser"

// CookieDescription is attached to every automatically classified cookie.
const CookieDescription = "Automatically detected cookie"

type Scan struct {
	ID          uuid.UUID  `json:"id"`
	TenantID    uuid.UUID  `json:"tenant_id"`
	URL         string     `json:"url"`
	Site        string     `json:"site"`
	Status      Status     `json:"status"`
	Error       *string    `json:"error"`
	EvidenceURL *string    `json:"evidence_url,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// CookieRecord is one classified cookie owned by a scan.
type CookieRecord struct {
	ID          uuid.UUID  `json:"id"`
	ScanID      uuid.UUID  `json:"scan_id"`
	Name        string     `json:"name"`
	Domain      string     `json:"domain"`
	Path        string     `json:"path"`
	Value       string     `json:"value"`
	Expiration  *time.Time `json:"expiration"`
	Secure      bool       `json:"secure"`
	HTTPOnly    bool       `json:"http_only"`
	SameSite    string     `json:"same_site"`
	Source      string     `json:"source"`
	Category    Category   `json:"category"`
	Description string     `json:"description"`
	FirstParty  bool       `json:"first_party"`
}

// RawCookie is a cookie as reported by the browser, before classification.
// Expires is seconds since the epoch; non-positive means a session cookie.
type RawCookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	Secure   bool    `json:"secure"`
	HTTPOnly bool    `json:"http_only"`
	SameSite string  `json:"same_site"`
}

// Expiration converts Expires to an absolute time, or nil for session cookies.
func (c RawCookie) Expiration() *time.Time {
	if c.Expires <= 0 {
		return nil
	}
	sec := int64(c.Expires)
	nsec := int64((c.Expires - float64(sec)) * float64(time.Second))
	t := time.Unix(sec, nsec).UTC()
	return &t
}

// Capture is the outcome of one browser session. NavigationError is set when
// the page could not be reached or settled; Cookies holds whatever the jar
// contained at teardown either way.
type Capture struct {
	Cookies         []RawCookie
	NavigationError string
}

// StatusUpdate describes a transition written by the persistence gateway.
type StatusUpdate struct {
	Status      Status
	Error       *string
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
	EvidenceURL *string
}
