package core

import "time"

// MaxPageSize caps list pagination.
const MaxPageSize = 100

// Filter narrows notification list queries. Zero values mean "any".
type Filter struct {
	Status         Status
	Priority       Priority
	Channel        Channel
	Type           NotificationType
	RecipientID    string
	RecipientEmail string
	Tags           []string
	From           *time.Time
	To             *time.Time
	Limit          int
	Offset         int
}

// Normalize clamps pagination to sane bounds.
func (f *Filter) Normalize() {
	if f.Limit <= 0 || f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}
