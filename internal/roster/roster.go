package roster

import (
	"context"
	"time"

	"freeblock/internal/checkin"
	"freeblock/internal/schedule"
)

// Roster is one day's feed: the block starts (empty when the feed has no
// calendar for the date) and every student with the blocks they are free
// in.
type Roster struct {
	Schedule []schedule.Entry
	Students []checkin.Entry
}

// Source fetches the roster for a date. Any error aborts the reset that
// asked for it.
type Source interface {
	Fetch(ctx context.Context, date time.Time) (Roster, error)
}

// SeniorYear is the graduation year of this school year's seniors. The
// school year rolls over in July.
func SeniorYear(now time.Time) int {
	if now.Month() < time.July {
		return now.Year()
	}
	return now.Year() + 1
}
