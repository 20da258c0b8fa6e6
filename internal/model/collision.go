package model

import "time"

// CollisionKind tags which boundary of the existing event overlaps the
// candidate.
type CollisionKind int

const (
	// CollisionTop: the existing event's head overlaps the candidate's tail.
	CollisionTop CollisionKind = iota + 1
	// CollisionBottom: the candidate starts inside the existing event.
	CollisionBottom
	// CollisionFull: both of the above.
	CollisionFull
)

func (k CollisionKind) String() string {
	switch k {
	case CollisionTop:
		return "top"
	case CollisionBottom:
		return "bottom"
	case CollisionFull:
		return "full"
	default:
		return "none"
	}
}

// Collision is the classified overlap. Top only sets Start, Bottom only
// sets End, Full sets both.
type Collision struct {
	Kind  CollisionKind
	Start time.Time
	End   time.Time
}

// CheckCollisionWith classifies how a candidate interval
// [otherStart, otherStart+otherDuration) overlaps e, with e as the existing
// event.
//
// The predicate is not symmetric: swapping e and the candidate can change
// the result. Use CheckMutualCollision when both orders matter.
func (e Event) CheckCollisionWith(otherStart time.Time, otherDuration time.Duration) (Collision, bool) {
	selfEnd := e.End()
	otherEnd := otherStart.Add(otherDuration)

	top := e.Start.Before(otherEnd) && !selfEnd.Before(otherEnd)
	bottom := !e.Start.After(otherStart) && selfEnd.After(otherStart)

	switch {
	case top && bottom:
		return Collision{Kind: CollisionFull, Start: e.Start, End: selfEnd}, true
	case top:
		return Collision{Kind: CollisionTop, Start: e.Start}, true
	case bottom:
		return Collision{Kind: CollisionBottom, End: selfEnd}, true
	}
	return Collision{}, false
}

// CheckMutualCollision tries e as the existing event first and then other.
// The returned collision is in the frame of whichever event matched.
func (e Event) CheckMutualCollision(other Event) (Collision, bool) {
	if c, ok := e.CheckCollisionWith(other.Start, other.Duration); ok {
		return c, true
	}
	return other.CheckCollisionWith(e.Start, e.Duration)
}

// EventCollision pairs an existing event with its collision against a
// candidate.
type EventCollision struct {
	Existing  Event
	Collision Collision
}

// FindCollisions checks the candidate against every existing event, one
// independent CheckCollisionWith call each. An existing event with the
// candidate's non-zero ID is skipped so edits don't collide with themselves.
func FindCollisions(candidate Event, existing []Event) []EventCollision {
	var out []EventCollision
	for _, ev := range existing {
		if candidate.ID != 0 && ev.ID == candidate.ID {
			continue
		}
		if c, ok := ev.CheckCollisionWith(candidate.Start, candidate.Duration); ok {
			out = append(out, EventCollision{Existing: ev, Collision: c})
		}
	}
	return out
}
