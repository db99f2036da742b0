package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Tier identifies the eviction class of a pooled browser instance
type Tier string

const (
	TierPermanent Tier = "permanent"
	TierHot       Tier = "hot"
	TierCold      Tier = "cold"
)

// TierHit reports how an acquisition was satisfied
type TierHit string

const (
	TierHitPermanent    TierHit = "permanent"
	TierHitHot          TierHit = "hot"
	TierHitCold         TierHit = "cold"
	TierHitColdPromoted TierHit = "cold_promoted"
	TierHitNew          TierHit = "new"
)

// Viewport is the browser window size in CSS pixels
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// BrowserSpec is an immutable description of a browser launch configuration.
// Its canonical serialization hashed with SHA-256 produces the fingerprint
// used as the pool key.
//
// Unknown fields received over the wire are preserved in Extra so job records
// round-trip losslessly, but they never contribute to the fingerprint: two
// specs that differ only in unrecognized keys share a pool instance.
type BrowserSpec struct {
	Headless  bool     `json:"headless"`
	Viewport  Viewport `json:"viewport"`
	UserAgent string   `json:"user_agent,omitempty"`
	Proxy     string   `json:"proxy,omitempty"`
	// Extra holds unrecognized browser_config fields (not fingerprinted)
	Extra map[string]json.RawMessage `json:"-"`
}

// DefaultBrowserSpec returns the launch configuration of the PERMANENT instance
func DefaultBrowserSpec(userAgent string) BrowserSpec {
	return BrowserSpec{
		Headless:  true,
		Viewport:  Viewport{Width: 1280, Height: 720},
		UserAgent: userAgent,
	}
}

// specKnownKeys are the canonicalized keys, in sorted order
var specKnownKeys = []string{"headless", "proxy", "user_agent", "viewport"}

// Canonical returns the stable serialization of the spec: known keys only,
// sorted, no whitespace. Deterministic across processes.
func (s BrowserSpec) Canonical() string {
	viewport := fmt.Sprintf(`{"height":%d,"width":%d}`, s.Viewport.Height, s.Viewport.Width)
	ua, _ := json.Marshal(s.UserAgent)
	proxy, _ := json.Marshal(s.Proxy)
	return fmt.Sprintf(`{"headless":%t,"proxy":%s,"user_agent":%s,"viewport":%s}`,
		s.Headless, proxy, ua, viewport)
}

// Fingerprint returns the hex SHA-256 digest of the canonical serialization
func (s BrowserSpec) Fingerprint() string {
	sum := sha256.Sum256([]byte(s.Canonical()))
	return hex.EncodeToString(sum[:])
}

// UnmarshalJSON parses known fields and preserves everything else in Extra
func (s *BrowserSpec) UnmarshalJSON(data []byte) error {
	type alias BrowserSpec
	var known alias
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range specKnownKeys {
		delete(raw, k)
	}
	if len(raw) > 0 {
		known.Extra = raw
	}

	*s = BrowserSpec(known)
	return nil
}

// MarshalJSON emits known fields plus preserved unknown fields
func (s BrowserSpec) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{
		"headless": s.Headless,
		"viewport": s.Viewport,
	}
	if s.UserAgent != "" {
		out["user_agent"] = s.UserAgent
	}
	if s.Proxy != "" {
		out["proxy"] = s.Proxy
	}
	for k, v := range s.Extra {
		out[k] = v
	}
	return json.Marshal(out)
}

// BrowserInfo is the read-model of one pooled instance
type BrowserInfo struct {
	Fingerprint    string    `json:"fingerprint"`
	Tier           Tier      `json:"tier"`
	CreatedAt      time.Time `json:"created_at"`
	LastUsedAt     time.Time `json:"last_used_at"`
	UseCount       int64     `json:"use_count"`
	ActiveRequests int32     `json:"active_requests"`
}

// PoolSnapshot is a consistent read-model of the pool; not a source of truth
type PoolSnapshot struct {
	Browsers []BrowserInfo `json:"browsers"`
	Size     int           `json:"size"`
}
