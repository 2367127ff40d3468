package groupcall

import (
	"cmp"
	"slices"
)

// OrderKey is a participant's position in the client-visible list.
//
// Speaking participants come first, then higher priority timestamps, then
// the greater identity. The identity component makes the order total, so
// identical inputs always sort identically.
type OrderKey struct {
	Speaking bool
	Priority int64
	Tiebreak ParticipantID
}

// Compare returns -1 if k sorts before o, +1 if after and 0 if equal.
func (k OrderKey) Compare(o OrderKey) int {
	if k.Speaking != o.Speaking {
		if k.Speaking {
			return -1
		}
		return 1
	}
	if c := cmp.Compare(o.Priority, k.Priority); c != 0 {
		return c
	}
	return cmp.Compare(o.Tiebreak, k.Tiebreak)
}

// Less reports whether k sorts strictly before o.
func (k OrderKey) Less(o OrderKey) bool {
	return k.Compare(o) < 0
}

// Order computes the sort key of a participant as seen by a viewer.
//
// Speakers are ranked by their last speech time. Raised hands only lift a
// participant for viewers who can moderate the call; everyone else keeps
// a zero priority.
func Order(p Participant, viewerCanModerate bool) OrderKey {
	key := OrderKey{Speaking: p.IsSpeaking, Tiebreak: p.ID}
	switch {
	case p.IsSpeaking:
		key.Priority = p.LastSpokeAt
	case p.IsHandRaised && viewerCanModerate:
		key.Priority = p.HandRaisedAt
	}
	return key
}

// SortViews sorts participant views in list order.
func SortViews(views []ParticipantView) {
	slices.SortFunc(views, func(a, b ParticipantView) int {
		return a.Order.Compare(b.Order)
	})
}
