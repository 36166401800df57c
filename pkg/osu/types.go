// Package osu holds the domain model shared by the provider client, the
// score store and the fetch scheduler.
package osu

import (
	"encoding/json"
	"strings"
	"time"
)

// Mode is an osu! ruleset.
type Mode string

const (
	ModeOsu    Mode = "osu"
	ModeTaiko  Mode = "taiko"
	ModeFruits Mode = "fruits"
	ModeMania  Mode = "mania"
)

// PrimaryMode is the only mode whose beatmaps can be played as converts.
const PrimaryMode = ModeOsu

// ConvertMode is the alternate mode fetched for converts.
const ConvertMode = ModeFruits

// Modes lists every ruleset in ruleset-id order.
var Modes = []Mode{ModeOsu, ModeTaiko, ModeFruits, ModeMania}

// ModeFromRulesetID maps the numeric ruleset id used by score payloads.
func ModeFromRulesetID(id int) (Mode, bool) {
	if id < 0 || id >= len(Modes) {
		return "", false
	}
	return Modes[id], true
}

// Valid reports whether m is a known ruleset.
func (m Mode) Valid() bool {
	for _, known := range Modes {
		if m == known {
			return true
		}
	}
	return false
}

// Status is a beatmapset ranking status.
type Status string

const (
	StatusGraveyard Status = "graveyard"
	StatusWIP       Status = "wip"
	StatusPending   Status = "pending"
	StatusRanked    Status = "ranked"
	StatusApproved  Status = "approved"
	StatusQualified Status = "qualified"
	StatusLoved     Status = "loved"
)

// HasLeaderboard reports whether scores on maps with this status are
// importable. Only ranked, approved and loved maps qualify.
func (s Status) HasLeaderboard() bool {
	switch Status(strings.ToLower(string(s))) {
	case StatusRanked, StatusApproved, StatusLoved:
		return true
	default:
		return false
	}
}

// Credential is a subject's OAuth token set.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Missing reports whether there is nothing to authenticate with.
func (c Credential) Missing() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}

// Expired reports whether the access token is unusable at now.
func (c Credential) Expired(now time.Time) bool {
	return c.AccessToken == "" || !now.Before(c.ExpiresAt)
}

// Subject is a registered player whose history is imported.
type Subject struct {
	ID                   int64
	DisplayName          string
	Credential           Credential
	LastFetchCompletedAt *time.Time
	RegisteredAt         time.Time
}

// Eligible reports whether a new import may be started.
func (s *Subject) Eligible() bool {
	return s.LastFetchCompletedAt == nil
}

// Beatmap is one entry of a subject's most played list.
type Beatmap struct {
	ID           int64  `json:"beatmap_id"`
	BeatmapsetID int64  `json:"beatmapset_id"`
	Mode         Mode   `json:"mode"`
	Status       Status `json:"status"`
	PlayCount    int    `json:"play_count,omitempty"`
}

// Mod is one enabled mod with its optional settings.
type Mod struct {
	Acronym  string          `json:"acronym"`
	Settings json.RawMessage `json:"settings,omitempty"`
}

// Statistics holds judgement counts.
type Statistics struct {
	Great int `json:"great"`
	Ok    int `json:"ok"`
	Meh   int `json:"meh"`
	Miss  int `json:"miss"`
}

// Score is one fetched score of a subject on a beatmap.
type Score struct {
	ID                int64      `json:"id"`
	BeatmapID         int64      `json:"beatmap_id"`
	UserID            int64      `json:"user_id"`
	Mode              Mode       `json:"-"`
	RulesetID         int        `json:"ruleset_id"`
	TotalScore        int64      `json:"total_score"`
	LegacyTotalScore  int64      `json:"legacy_total_score"`
	ClassicTotalScore int64      `json:"classic_total_score"`
	Accuracy          float64    `json:"accuracy"`
	MaxCombo          int        `json:"max_combo"`
	Rank              string     `json:"rank"`
	PerfectCombo      bool       `json:"is_perfect_combo"`
	PP                *float64   `json:"pp"`
	Replay            bool       `json:"replay"`
	Mods              []Mod      `json:"mods"`
	Statistics        Statistics `json:"statistics"`
	EndedAt           time.Time  `json:"ended_at"`
}

// ModString concatenates the mod acronyms, e.g. "HDDT".
func (s *Score) ModString() string {
	var b strings.Builder
	for _, m := range s.Mods {
		b.WriteString(m.Acronym)
	}
	return b.String()
}
