package push

import "time"

// Event is one notification-worthy occurrence for one recipient.
type Event struct {
	UserID      string
	ThreadID    string
	MessageID   string
	CollapseKey string
	Time        time.Time
}

// Candidate is one notification to render: events not yet delivered plus, for a
// collapsed row, the messages that row already carried.
type Candidate struct {
	UserID      string
	ThreadID    string
	CollapseKey string
	New         []Event
	Existing    []string
	Row         *Notification
}

// MessageIDs returns existing then new message ids without duplicates.
func (candidate Candidate) MessageIDs() []string {
	seen := make(map[string]struct{}, len(candidate.Existing)+len(candidate.New))
	result := make([]string, 0, len(candidate.Existing)+len(candidate.New))
	for _, id := range candidate.Existing {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			result = append(result, id)
		}
	}
	for _, event := range candidate.New {
		if _, ok := seen[event.MessageID]; !ok {
			seen[event.MessageID] = struct{}{}
			result = append(result, event.MessageID)
		}
	}
	return result
}

// Collapse partitions events by (recipient, collapse key). Events without a key stand
// alone. Keyed events join the latest delivered, non-rescinded row sharing their key.
func Collapse(events []Event, delivered []Notification) []Candidate {
	latest := make(map[string]*Notification)
	for index := range delivered {
		row := &delivered[index]
		if row.Rescinded || row.Source != SourceMessage || row.CollapseKey == "" {
			continue
		}
		key := row.UserID + "\x00" + row.CollapseKey
		if current, ok := latest[key]; !ok || row.CreatedAt.After(current.CreatedAt) {
			latest[key] = row
		}
	}

	candidates := make([]Candidate, 0, len(events))
	grouped := make(map[string]int)
	for _, event := range events {
		if event.CollapseKey == "" {
			candidates = append(candidates, Candidate{
				UserID:   event.UserID,
				ThreadID: event.ThreadID,
				New:      []Event{event},
			})
			continue
		}
		key := event.UserID + "\x00" + event.CollapseKey
		if index, ok := grouped[key]; ok {
			candidates[index].New = append(candidates[index].New, event)
			continue
		}
		candidate := Candidate{
			UserID:      event.UserID,
			ThreadID:    event.ThreadID,
			CollapseKey: event.CollapseKey,
			New:         []Event{event},
		}
		if row, ok := latest[key]; ok {
			rowCopy := *row
			candidate.Row = &rowCopy
			candidate.Existing = row.MessageIDs()
		}
		grouped[key] = len(candidates)
		candidates = append(candidates, candidate)
	}
	return candidates
}
