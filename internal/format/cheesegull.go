package format

import (
	"time"

	"github.com/JakeFAU/beatmap-mirror/internal/mirror"
)

// CheesegullMap is the v1 projection of a single map.
type CheesegullMap struct {
	FileMD5          string  `json:"FileMD5"`
	TotalLength      uint32  `json:"TotalLength"`
	Playcount        uint32  `json:"Playcount"`
	Mode             int     `json:"Mode"`
	HP               float64 `json:"HP"`
	MaxCombo         uint32  `json:"MaxCombo"`
	ParentSetID      uint32  `json:"ParentSetID"`
	CS               float64 `json:"CS"`
	AR               float64 `json:"AR"`
	OD               float64 `json:"OD"`
	BeatmapID        uint32  `json:"BeatmapID"`
	HitLength        uint32  `json:"HitLength"`
	DifficultyRating float64 `json:"DifficultyRating"`
	Passcount        uint32  `json:"Passcount"`
	DiffName         string  `json:"DiffName"`
	BPM              float64 `json:"BPM"`
}

// CheesegullMapSet is the v1 projection of a map-set and its children.
type CheesegullMapSet struct {
	SetID            uint32          `json:"SetID"`
	RankedStatus     int             `json:"RankedStatus"`
	ChildrenBeatmaps []CheesegullMap `json:"ChildrenBeatmaps"`
	ApprovedDate     *string         `json:"ApprovedDate"`
	LastUpdate       string          `json:"LastUpdate"`
	Artist           string          `json:"Artist"`
	Title            string          `json:"Title"`
	Creator          string          `json:"Creator"`
	CreatorID        uint32          `json:"CreatorID"`
	Source           string          `json:"Source"`
	Tags             string          `json:"Tags"`
	HasVideo         bool            `json:"HasVideo"`
	Genre            int             `json:"Genre"`
	Language         int             `json:"Language"`
	Favourites       uint32          `json:"Favourites"`
	StarRating       float64         `json:"StarRating"`
}

// Map projects m. The play count reported is the parent set's when the
// upstream embedded one, matching what legacy clients expect.
func Map(m mirror.Map) CheesegullMap {
	playcount := m.Playcount
	if m.MapSet != nil {
		playcount = m.MapSet.PlayCount
	}
	return CheesegullMap{
		FileMD5:          m.Checksum,
		TotalLength:      m.TotalLength,
		Playcount:        playcount,
		Mode:             int(m.Mode),
		HP:               m.HP,
		MaxCombo:         m.MaxCombo,
		ParentSetID:      m.MapSetID,
		CS:               m.CS,
		AR:               m.AR,
		OD:               m.OD,
		BeatmapID:        m.ID,
		HitLength:        m.HitLength,
		DifficultyRating: m.DifficultyRating,
		Passcount:        m.Passcount,
		DiffName:         m.Version,
		BPM:              m.BPM,
	}
}

// MapSet projects s and every map it carries.
func MapSet(s mirror.MapSet) CheesegullMapSet {
	children := make([]CheesegullMap, 0, len(s.Maps))
	var stars float64
	for _, m := range s.Maps {
		cm := Map(m)
		cm.Playcount = s.PlayCount
		if cm.ParentSetID == 0 {
			cm.ParentSetID = s.ID
		}
		children = append(children, cm)
		if m.DifficultyRating > stars {
			stars = m.DifficultyRating
		}
	}

	var approved *string
	if s.RankedDate != nil {
		v := rfc3339(*s.RankedDate)
		approved = &v
	}

	return CheesegullMapSet{
		SetID:            s.ID,
		RankedStatus:     int(s.Status),
		ChildrenBeatmaps: children,
		ApprovedDate:     approved,
		LastUpdate:       rfc3339(s.LastUpdated),
		Artist:           s.Artist,
		Title:            s.Title,
		Creator:          s.Creator,
		CreatorID:        s.CreatorID,
		Source:           s.Source,
		Tags:             s.Tags,
		HasVideo:         s.Video,
		Genre:            tagID(s.Genre),
		Language:         tagID(s.Language),
		Favourites:       s.FavouriteCount,
		StarRating:       stars,
	}
}

func tagID(t *mirror.Tag) int {
	if t == nil {
		return 0
	}
	return t.ID
}

func rfc3339(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
