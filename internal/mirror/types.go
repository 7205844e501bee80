package mirror

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind names one of the two catalog entity kinds.
type Kind string

// Catalog kinds, one store index each.
const (
	KindMap    Kind = "map"
	KindMapSet Kind = "mapset"
)

// Document paths used by queries against stored entities.
const (
	FieldID          = "data.id"
	FieldStatus      = "data.status"
	FieldMapMode     = "data.beatmaps.mode"
	FieldLastChecked = "last_checked"
	FieldCrawled     = "crawled"
)

// RankedStatus is the upstream moderation state of a map or map-set.
type RankedStatus int

// Ranked status values as stored. StatusAll is only meaningful as a search filter.
const (
	StatusAll       RankedStatus = -3
	StatusGraveyard RankedStatus = -2
	StatusWIP       RankedStatus = -1
	StatusPending   RankedStatus = 0
	StatusRanked    RankedStatus = 1
	StatusApproved  RankedStatus = 2
	StatusQualified RankedStatus = 3
	StatusLoved     RankedStatus = 4
)

var statusNames = map[string]RankedStatus{
	"graveyard": StatusGraveyard,
	"wip":       StatusWIP,
	"pending":   StatusPending,
	"ranked":    StatusRanked,
	"approved":  StatusApproved,
	"qualified": StatusQualified,
	"loved":     StatusLoved,
}

// NonFinalStatuses lists the statuses that may still change upstream.
func NonFinalStatuses() []RankedStatus {
	return []RankedStatus{StatusGraveyard, StatusWIP, StatusPending, StatusQualified}
}

// Final reports whether the status is terminal and never re-checked.
func (s RankedStatus) Final() bool {
	for _, st := range NonFinalStatuses() {
		if st == s {
			return false
		}
	}
	return true
}

// Valid reports whether s is a known status (including StatusAll).
func (s RankedStatus) Valid() bool {
	return s >= StatusAll && s <= StatusLoved
}

// UnmarshalJSON accepts both the integer form and the upstream string name.
func (s *RankedStatus) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		*s = RankedStatus(n)
		return nil
	}
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return fmt.Errorf("decode ranked status: %w", err)
	}
	v, ok := statusNames[strings.ToLower(name)]
	if !ok {
		return fmt.Errorf("unknown ranked status %q", name)
	}
	*s = v
	return nil
}

// Mode is the ruleset a map is played in.
type Mode int

// Game modes as stored. ModeAll is only meaningful as a search filter.
const (
	ModeAll   Mode = -1
	ModeOsu   Mode = 0
	ModeTaiko Mode = 1
	ModeCatch Mode = 2
	ModeMania Mode = 3
)

var modeNames = map[string]Mode{
	"osu":    ModeOsu,
	"taiko":  ModeTaiko,
	"fruits": ModeCatch,
	"catch":  ModeCatch,
	"mania":  ModeMania,
}

// Valid reports whether m is a known mode (including ModeAll).
func (m Mode) Valid() bool {
	return m >= ModeAll && m <= ModeMania
}

// UnmarshalJSON accepts both the integer form and the upstream ruleset name.
func (m *Mode) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		*m = Mode(n)
		return nil
	}
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return fmt.Errorf("decode mode: %w", err)
	}
	v, ok := modeNames[strings.ToLower(name)]
	if !ok {
		return fmt.Errorf("unknown mode %q", name)
	}
	*m = v
	return nil
}

// Tag is an id/name pair used for genre and language.
type Tag struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Map is the upstream representation of a single difficulty.
type Map struct {
	ID               uint32       `json:"id"`
	MapSetID         uint32       `json:"beatmapset_id"`
	Mode             Mode         `json:"mode"`
	Status           RankedStatus `json:"status"`
	Version          string       `json:"version"`
	DifficultyRating float64      `json:"difficulty_rating"`
	CS               float64      `json:"cs"`
	AR               float64      `json:"ar"`
	OD               float64      `json:"accuracy"`
	HP               float64      `json:"drain"`
	BPM              float64      `json:"bpm"`
	TotalLength      uint32       `json:"total_length"`
	HitLength        uint32       `json:"hit_length"`
	MaxCombo         uint32       `json:"max_combo"`
	Checksum         string       `json:"checksum"`
	Playcount        uint32       `json:"playcount"`
	Passcount        uint32       `json:"passcount"`
	CountCircles     uint32       `json:"count_circles"`
	CountSliders     uint32       `json:"count_sliders"`
	CountSpinners    uint32       `json:"count_spinners"`
	CreatorID        uint32       `json:"user_id"`
	LastUpdated      time.Time    `json:"last_updated"`
	MapSet           *MapSet      `json:"beatmapset,omitempty"`
}

// UpstreamID returns the upstream map id.
func (m Map) UpstreamID() uint32 { return m.ID }

// MapSet is the upstream representation of a collection of maps.
type MapSet struct {
	ID             uint32       `json:"id"`
	Artist         string       `json:"artist"`
	ArtistUnicode  string       `json:"artist_unicode"`
	Title          string       `json:"title"`
	TitleUnicode   string       `json:"title_unicode"`
	Creator        string       `json:"creator"`
	CreatorID      uint32       `json:"user_id"`
	Source         string       `json:"source"`
	Tags           string       `json:"tags"`
	Video          bool         `json:"video"`
	Status         RankedStatus `json:"status"`
	BPM            float64      `json:"bpm"`
	FavouriteCount uint32       `json:"favourite_count"`
	PlayCount      uint32       `json:"play_count"`
	Genre          *Tag         `json:"genre,omitempty"`
	Language       *Tag         `json:"language,omitempty"`
	SubmittedDate  *time.Time   `json:"submitted_date,omitempty"`
	RankedDate     *time.Time   `json:"ranked_date,omitempty"`
	LastUpdated    time.Time    `json:"last_updated"`
	Maps           []Map        `json:"beatmaps,omitempty"`
}

// UpstreamID returns the upstream map-set id.
func (s MapSet) UpstreamID() uint32 { return s.ID }

// Item is satisfied by every upstream representation that can be stored.
type Item interface {
	Map | MapSet
	UpstreamID() uint32
}

// Entity wraps one upstream item with local provenance timestamps.
type Entity[T Item] struct {
	Data        T         `json:"data"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	LastChecked time.Time `json:"last_checked"`
	// Crawled is true for entities discovered by the forward crawler and
	// false for entities created by on-demand resolution.
	Crawled bool `json:"crawled"`
}

// MapEntity is a stored map.
type MapEntity = Entity[Map]

// MapSetEntity is a stored map-set.
type MapSetEntity = Entity[MapSet]

// NewEntity stamps a freshly observed item with now for every timestamp.
func NewEntity[T Item](data T, now time.Time, crawled bool) Entity[T] {
	return Entity[T]{
		Data:        data,
		CreatedAt:   now,
		UpdatedAt:   now,
		LastChecked: now,
		Crawled:     crawled,
	}
}

// ID returns the upstream id of the wrapped item.
func (e Entity[T]) ID() uint32 {
	return e.Data.UpstreamID()
}

// DocumentID is the store document id: the stringified upstream id.
func (e Entity[T]) DocumentID() string {
	return DocumentID(e.ID())
}

// DocumentID stringifies an upstream id.
func DocumentID(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}
