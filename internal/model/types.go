package model

import (
	"strings"
	"time"
)

// EventCategory tags entries in a player's event log.
type EventCategory string

const (
	CategoryJoin         EventCategory = "join"
	CategoryLeave        EventCategory = "leave"
	CategorySticker      EventCategory = "sticker"
	CategoryPrint        EventCategory = "print"
	CategoryInventory    EventCategory = "inventory"
	CategoryAvatar       EventCategory = "avatar"
	CategoryModeration   EventCategory = "moderation"
	CategoryOwnership    EventCategory = "ownership"
	CategoryProfileWatch EventCategory = "profile_watch"
	CategoryGroupWatch   EventCategory = "group_watch"
	CategoryEvaluation   EventCategory = "evaluation"
)

type DropKind string

const (
	DropPrint     DropKind = "print"
	DropSticker   DropKind = "sticker"
	DropInventory DropKind = "inventory"
)

type PlayerEvent struct {
	ID       string
	At       time.Time
	Category EventCategory
	Text     string
}

// Drop is an externally identified artifact a player spawned into the world.
type Drop struct {
	ID        string
	Kind      DropKind
	SpawnedAt time.Time
}

// Player is the live record of one user from join to leave.
type Player struct {
	UserID       string
	DisplayName  string
	NetworkID    int
	AvatarName   string
	LastActivity string
	Bio          string
	Evaluation   string
	AvatarWatch  bool
	GroupWatch   bool
	ProfileWatch bool
	JoinedAt     time.Time
	LeftAt       *time.Time
	Events       []PlayerEvent
	Drops        map[string]Drop
	Inventory    []Drop
}

func (p Player) Active() bool {
	return p.LeftAt == nil
}

func (p Player) IsWatched() bool {
	return p.AvatarWatch || p.GroupWatch || p.ProfileWatch
}

// WatchCode joins the initials of the set watch flags, e.g. "AP".
func (p Player) WatchCode() string {
	var b strings.Builder
	if p.AvatarWatch {
		b.WriteByte('A')
	}
	if p.GroupWatch {
		b.WriteByte('G')
	}
	if p.ProfileWatch {
		b.WriteByte('P')
	}
	return b.String()
}

// Clone returns a deep copy safe to hand out of the registry lock.
func (p Player) Clone() Player {
	out := p
	if p.LeftAt != nil {
		v := *p.LeftAt
		out.LeftAt = &v
	}
	out.Events = append([]PlayerEvent(nil), p.Events...)
	out.Inventory = append([]Drop(nil), p.Inventory...)
	out.Drops = make(map[string]Drop, len(p.Drops))
	for k, v := range p.Drops {
		out.Drops[k] = v
	}
	return out
}

// World is the instance the local client currently occupies.
type World struct {
	WorldID    string
	InstanceID string
	StartedAt  time.Time
}

func (w World) Known() bool {
	return w.WorldID != ""
}

// Error codes defined by API contract.
const (
	ErrRefInvalid         = "E_REF_INVALID"
	ErrRefNotFound        = "E_REF_NOT_FOUND"
	ErrPreconditionFailed = "E_PRECONDITION_FAILED"
)
