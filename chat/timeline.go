package chat

import "sort"

// Merge returns the union by ID of existing and incoming, sorted ascending by
// ID. When an ID appears twice the first occurrence wins. Neither input is
// modified; the result is always a fresh slice so snapshots handed out earlier
// stay valid.
func Merge(existing, incoming []Message) []Message {
	out := make([]Message, 0, len(existing)+len(incoming))
	seen := make(map[int64]struct{}, len(existing)+len(incoming))

	for _, batch := range [][]Message{existing, incoming} {
		for _, m := range batch {
			if !m.Valid() {
				continue
			}
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			out = append(out, m)
		}
	}

	if !sort.SliceIsSorted(out, func(i, j int) bool { return out[i].ID < out[j].ID }) {
		sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	}

	return out
}

// Contains reports whether a message with id is in the sorted timeline.
func Contains(timeline []Message, id int64) bool {
	i := sort.Search(len(timeline), func(i int) bool { return timeline[i].ID >= id })

	return i < len(timeline) && timeline[i].ID == id
}

// Oldest returns the first message of a sorted timeline.
func Oldest(timeline []Message) (Message, bool) {
	if len(timeline) == 0 {
		return Message{}, false
	}

	return timeline[0], true
}

// Newest returns the last message of a sorted timeline.
func Newest(timeline []Message) (Message, bool) {
	if len(timeline) == 0 {
		return Message{}, false
	}

	return timeline[len(timeline)-1], true
}

// FilterRoom keeps only the messages of roomID.
func FilterRoom(msgs []Message, roomID int64) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.RoomID == roomID {
			out = append(out, m)
		}
	}

	return out
}
