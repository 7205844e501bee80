package format

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/JakeFAU/beatmap-mirror/internal/mirror"
)

// Direct renders sets in the osu!direct listing format: a count line
// followed by one pipe-separated line per set.
func Direct(sets []mirror.MapSet) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(len(sets)))
	b.WriteByte('\n')
	for i, s := range sets {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(directLine(s))
	}
	return b.String()
}

func directLine(s mirror.MapSet) string {
	diffs := make([]string, 0, len(s.Maps))
	for _, m := range s.Maps {
		diffs = append(diffs, fmt.Sprintf("[%s⭐] %s // cs: %s / od: %s / ar: %s / hp: %s@%d",
			num(m.DifficultyRating), m.Version, num(m.CS), num(m.OD), num(m.AR), num(m.HP), int(m.Mode)))
	}
	video := 0
	if s.Video {
		video = 1
	}
	return fmt.Sprintf("%d.osz|%s|%s|%s|%d|10.0|%s|%d|0|%d|0|0|0|%s",
		s.ID, s.Artist, s.Title, s.Creator, int(s.Status),
		rfc3339(s.LastUpdated), s.ID, video, strings.Join(diffs, ","))
}

// num prints the shortest representation of f that round-trips.
func num(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
