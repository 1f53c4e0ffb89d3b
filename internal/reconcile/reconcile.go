// Package reconcile computes the minimal set of inserts and updates needed
// to bring the store in line with a fetched batch of meetings. It is a pure
// function over in-memory collections: no I/O, no deletions.
package reconcile

import (
	"sort"

	"github.com/lachwilkes/raceday/internal/domain"
)

// Result partitions a fetched batch. Every fetched record lands in exactly
// one of the three sets or is counted as a duplicate, so
// len(ToInsert)+len(ToUpdate)+len(Unchanged)+Duplicates equals the fetched
// input size.
type Result struct {
	ToInsert  []domain.Meeting
	ToUpdate  []domain.Meeting
	Unchanged []domain.Meeting
	// Duplicates counts records superseded by a later observation of the
	// same natural key within the batch.
	Duplicates int
}

// Diff compares fetched meetings against the existing records keyed by
// natural key. Output ordering is by natural key, so the partition is
// identical regardless of input iteration order.
// Parameters:
//   - existing: current store contents keyed by (source identifier, date).
//   - fetched: meetings parsed from the latest fetch.
// Returns:
//   - Result: insert/update/unchanged partition of the fetched set.
func Diff(existing map[domain.MeetingKey]domain.Meeting, fetched []domain.Meeting) Result {
	var result Result

	// Last observation wins when the source repeats a key within one batch.
	deduped := make(map[domain.MeetingKey]domain.Meeting, len(fetched))
	for _, meeting := range fetched {
		if _, seen := deduped[meeting.Key()]; seen {
			result.Duplicates++
		}
		deduped[meeting.Key()] = meeting
	}

	for key, meeting := range deduped {
		current, ok := existing[key]
		if !ok {
			result.ToInsert = append(result.ToInsert, meeting)
			continue
		}

		if equal(current, meeting) {
			result.Unchanged = append(result.Unchanged, current)
			continue
		}

		// Carry forward the surrogate identity so the update targets the
		// existing row.
		meeting.ID = current.ID
		meeting.CreatedAt = current.CreatedAt
		result.ToUpdate = append(result.ToUpdate, meeting)
	}

	sortByKey(result.ToInsert)
	sortByKey(result.ToUpdate)
	sortByKey(result.Unchanged)
	return result
}

// equal reports whether a fetched observation matches the stored record.
// The payload digest is the fast path; when digests differ (e.g. the source
// reformatted its JSON) the tracked fields decide.
func equal(current, fetched domain.Meeting) bool {
	if current.PayloadHash != "" && fetched.PayloadHash != "" &&
		current.PayloadHash == fetched.PayloadHash {
		return true
	}

	if current.Venue != fetched.Venue {
		return false
	}
	if len(current.TrackInfo) != len(fetched.TrackInfo) {
		return false
	}
	for k, v := range fetched.TrackInfo {
		if current.TrackInfo[k] != v {
			return false
		}
	}
	return true
}

func sortByKey(meetings []domain.Meeting) {
	sort.Slice(meetings, func(i, j int) bool {
		if meetings[i].SourceMeetingID == meetings[j].SourceMeetingID {
			return meetings[i].MeetingDate < meetings[j].MeetingDate
		}
		return meetings[i].SourceMeetingID < meetings[j].SourceMeetingID
	})
}
