package backend

import (
	"sort"

	"github.com/grigta/eventpulse/services/analytics-service/internal/models"
)

func sortByTimestamp(events []models.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
}
