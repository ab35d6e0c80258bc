package registry

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/g960059/lobbywatch/internal/model"
)

// retired is a value snapshot of a player taken when it left, handed to the
// duration sink once the lock is released.
type retired struct {
	userID      string
	displayName string
	minutes     float64
}

// Join creates the player for userID or, when already active, migrates its
// display name in place. A new player gets the last avatar recorded for its
// display name and one profile evaluation request. Another active player
// holding displayName is retired as if it had left.
func (r *Registry) Join(userID, displayName string) (model.Player, bool) {
	userID = strings.TrimSpace(userID)
	displayName = strings.TrimSpace(displayName)
	if userID == "" || displayName == "" {
		return model.Player{}, false
	}

	r.mu.Lock()
	now := r.now()
	if p, ok := r.byUser[userID]; ok {
		var recs []retired
		if p.DisplayName != displayName {
			old := p.DisplayName
			if r.byName[old] == p {
				delete(r.byName, old)
			}
			recs = r.claimNameLocked(displayName, p, now)
			p.DisplayName = displayName
			r.appendEventLocked(p, model.CategoryJoin, fmt.Sprintf("renamed from %s", old))
			r.notifyLocked(ChangeUpdated, p)
		}
		snap := p.Clone()
		r.mu.Unlock()
		r.recordPlaytime(recs)
		return snap, true
	}

	recs := r.claimNameLocked(displayName, nil, now)
	p := &model.Player{
		UserID:      userID,
		DisplayName: displayName,
		JoinedAt:    now,
		Drops:       map[string]model.Drop{},
	}
	r.appendEventLocked(p, model.CategoryJoin, "joined")
	if avatar, ok := r.avatars.Get(displayName); ok {
		p.AvatarName = avatar
		p.AvatarWatch = r.isWatched(avatar)
		r.appendEventLocked(p, model.CategoryAvatar, fmt.Sprintf("joined wearing %s", avatar))
	}
	r.byUser[userID] = p
	r.byName[displayName] = p
	r.notifyLocked(ChangeAdded, p)
	snap := p.Clone()
	evaluator := r.evaluator
	r.mu.Unlock()

	r.recordPlaytime(recs)
	if evaluator != nil {
		evaluator.RequestProfile(userID)
	}
	return snap, true
}

// claimNameLocked retires a different active player holding displayName and,
// when p is set, points the name at p. A nil p only frees the name.
func (r *Registry) claimNameLocked(displayName string, p *model.Player, at time.Time) []retired {
	var recs []retired
	if prev, ok := r.byName[displayName]; ok && prev != p {
		r.logger.Warn("display name taken by another user, retiring previous holder",
			"display_name", displayName, "previous_user_id", prev.UserID)
		recs = append(recs, r.retireLocked(prev, at))
	}
	if p != nil {
		r.byName[displayName] = p
	}
	return recs
}

// Leave retires the active player with displayName. The duration sink sees
// the full snapshot; subscribers see Persisted followed by Removed.
func (r *Registry) Leave(displayName string) bool {
	r.mu.Lock()
	p, ok := r.byName[strings.TrimSpace(displayName)]
	if !ok {
		r.mu.Unlock()
		return false
	}
	rec := r.retireLocked(p, r.now())
	r.mu.Unlock()

	r.recordPlaytime([]retired{rec})
	return true
}

func (r *Registry) retireLocked(p *model.Player, at time.Time) retired {
	left := at
	p.LeftAt = &left
	r.appendEventLocked(p, model.CategoryLeave, "left")
	minutes := at.Sub(p.JoinedAt).Minutes()
	if minutes < 0 {
		minutes = 0
	}
	r.notifyLocked(ChangePersisted, p)

	if r.byUser[p.UserID] == p {
		delete(r.byUser, p.UserID)
	}
	if r.byName[p.DisplayName] == p {
		delete(r.byName, p.DisplayName)
	}
	if p.NetworkID != 0 && r.byNet[p.NetworkID] == p {
		delete(r.byNet, p.NetworkID)
	}
	r.notifyLocked(ChangeRemoved, p)
	return retired{userID: p.UserID, displayName: p.DisplayName, minutes: minutes}
}

func (r *Registry) recordPlaytime(recs []retired) {
	if r.durations == nil || len(recs) == 0 {
		return
	}
	ctx, cancel := r.sinkContext()
	defer cancel()
	for _, rec := range recs {
		if err := r.durations.RecordPlaytime(ctx, rec.userID, rec.displayName, rec.minutes); err != nil {
			r.logger.Warn("record playtime failed", "user_id", rec.userID, "error", err)
		}
	}
}

// AssignNetworkID maps id to the player with displayName. A previous holder
// of id silently loses it.
func (r *Registry) AssignNetworkID(displayName string, id int) bool {
	if id <= 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byName[strings.TrimSpace(displayName)]
	if !ok {
		return false
	}
	if prev, ok := r.byNet[id]; ok && prev != p {
		r.logger.Debug("network id superseded", "network_id", id, "from", prev.UserID, "to", p.UserID)
		prev.NetworkID = 0
		r.notifyLocked(ChangeUpdated, prev)
	}
	if p.NetworkID != 0 && p.NetworkID != id && r.byNet[p.NetworkID] == p {
		delete(r.byNet, p.NetworkID)
	}
	p.NetworkID = id
	r.byNet[id] = p
	r.notifyLocked(ChangeUpdated, p)
	return true
}

// TransferOwnership records that objectID moved from one network id to
// another. It is a no-op unless at least one side is a known player.
func (r *Registry) TransferOwnership(objectID, from, to int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	src := r.byNet[from]
	dst := r.byNet[to]
	if src == nil && dst == nil {
		return false
	}
	r.objects[objectID] = to
	text := fmt.Sprintf("object %d transferred from %d to %d", objectID, from, to)
	if src != nil {
		r.appendEventLocked(src, model.CategoryOwnership, text)
		r.notifyLocked(ChangeUpdated, src)
	}
	if dst != nil && dst != src {
		r.appendEventLocked(dst, model.CategoryOwnership, text)
		r.notifyLocked(ChangeUpdated, dst)
	}
	return true
}

// ObjectOwner returns the network id last recorded as owning objectID.
func (r *Registry) ObjectOwner(objectID int) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, ok := r.objects[objectID]
	return owner, ok
}

// SetAvatar records avatarName for the active player with displayName,
// refreshes the reverse index and the avatar watch flag.
func (r *Registry) SetAvatar(displayName, avatarName string) bool {
	displayName = strings.TrimSpace(displayName)
	avatarName = strings.TrimSpace(avatarName)
	if avatarName == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byName[displayName]
	if !ok {
		return false
	}
	r.avatars.Add(displayName, avatarName)
	r.seenAvatars[avatarName] = struct{}{}
	p.AvatarName = avatarName
	watched := r.isWatched(avatarName)
	if watched && !p.AvatarWatch {
		r.appendEventLocked(p, model.CategoryAvatar, fmt.Sprintf("switched to watched avatar %s", avatarName))
	} else {
		r.appendEventLocked(p, model.CategoryAvatar, fmt.Sprintf("switched to %s", avatarName))
	}
	p.AvatarWatch = watched
	r.notifyLocked(ChangeUpdated, p)
	return true
}

// AddEvent appends to the log of an active player. It never creates one.
func (r *Registry) AddEvent(ref string, category model.EventCategory, text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.lookupLocked(ref)
	if p == nil {
		return false
	}
	r.appendEventLocked(p, category, text)
	if category == model.CategoryModeration {
		p.LastActivity = text
	}
	r.notifyLocked(ChangeUpdated, p)
	return true
}

// AddDrop records a print or sticker the player spawned.
func (r *Registry) AddDrop(ref string, kind model.DropKind, dropID string) bool {
	dropID = strings.TrimSpace(dropID)
	if dropID == "" {
		return false
	}
	category := model.CategoryPrint
	if kind == model.DropSticker {
		category = model.CategorySticker
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.lookupLocked(ref)
	if p == nil {
		return false
	}
	now := r.now()
	p.Drops[dropID] = model.Drop{ID: dropID, Kind: kind, SpawnedAt: now}
	note := fmt.Sprintf("spawned %s %s", kind, dropID)
	p.LastActivity = note
	r.appendEventLocked(p, category, note)
	r.notifyLocked(ChangeUpdated, p)
	return true
}

// AddInventorySpawn records an inventory item the player spawned.
func (r *Registry) AddInventorySpawn(ref, itemID string) bool {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.lookupLocked(ref)
	if p == nil {
		return false
	}
	p.Inventory = append(p.Inventory, model.Drop{ID: itemID, Kind: model.DropInventory, SpawnedAt: r.now()})
	note := fmt.Sprintf("spawned inventory item %s", itemID)
	p.LastActivity = note
	r.appendEventLocked(p, model.CategoryInventory, note)
	r.notifyLocked(ChangeUpdated, p)
	return true
}

func (r *Registry) SetActivity(ref, note string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.lookupLocked(ref)
	if p == nil {
		return false
	}
	p.LastActivity = strings.TrimSpace(note)
	r.notifyLocked(ChangeUpdated, p)
	return true
}

type EvaluationKind string

const (
	EvaluationProfile EvaluationKind = "profile"
	EvaluationAsset   EvaluationKind = "asset"
)

// Evaluation is a classification result written back by the evaluation
// worker.
type Evaluation struct {
	Kind      EvaluationKind
	SubjectID string
	Bio       string
	Result    string
	Flagged   bool
}

// ApplyEvaluation writes a result onto the player with userID if it is still
// active.
func (r *Registry) ApplyEvaluation(userID string, ev Evaluation) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byUser[userID]
	if !ok {
		return false
	}
	switch ev.Kind {
	case EvaluationAsset:
		if ev.Flagged {
			r.appendEventLocked(p, model.CategoryEvaluation, fmt.Sprintf("asset %s flagged: %s", ev.SubjectID, ev.Result))
		}
	default:
		p.Bio = ev.Bio
		p.Evaluation = ev.Result
		if ev.Flagged && !p.ProfileWatch {
			r.appendEventLocked(p, model.CategoryProfileWatch, ev.Result)
		}
		p.ProfileWatch = ev.Flagged
	}
	r.notifyLocked(ChangeUpdated, p)
	return true
}

// SetGroupWatch sets the group watch flag; groups names the matching groups.
func (r *Registry) SetGroupWatch(userID string, watched bool, groups []string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byUser[userID]
	if !ok {
		return false
	}
	if watched && !p.GroupWatch {
		r.appendEventLocked(p, model.CategoryGroupWatch, "member of "+strings.Join(groups, ", "))
	}
	p.GroupWatch = watched
	r.notifyLocked(ChangeUpdated, p)
	return true
}

// ClearAll retires every active player, emits one Cleared notification and
// flushes the avatars seen in this world to the warmer.
func (r *Registry) ClearAll() int {
	r.mu.Lock()
	recs, seen, at := r.clearLocked()
	r.mu.Unlock()

	r.afterClear(recs, seen, at)
	return len(recs)
}

// ChangeWorld clears the registry and starts a new world context.
func (r *Registry) ChangeWorld(worldID, instanceID string) int {
	r.mu.Lock()
	recs, seen, at := r.clearLocked()
	r.world = model.World{WorldID: worldID, InstanceID: instanceID, StartedAt: at}
	r.mu.Unlock()

	r.afterClear(recs, seen, at)
	return len(recs)
}

func (r *Registry) clearLocked() ([]retired, []string, time.Time) {
	now := r.now()
	players := make([]*model.Player, 0, len(r.byUser))
	for _, p := range r.byUser {
		players = append(players, p)
	}
	sort.Slice(players, func(i, j int) bool {
		if players[i].JoinedAt.Equal(players[j].JoinedAt) {
			return players[i].UserID < players[j].UserID
		}
		return players[i].JoinedAt.Before(players[j].JoinedAt)
	})
	recs := make([]retired, 0, len(players))
	for _, p := range players {
		recs = append(recs, r.retireLocked(p, now))
	}
	// Leftover network or name entries can only point at retired players.
	r.byName = map[string]*model.Player{}
	r.byNet = map[int]*model.Player{}
	r.objects = map[int]int{}
	r.notifyLocked(ChangeCleared, nil)

	seen := r.seenAvatarsLocked()
	r.seenAvatars = map[string]struct{}{}
	return recs, seen, now
}

func (r *Registry) afterClear(recs []retired, seen []string, at time.Time) {
	r.recordPlaytime(recs)
	if r.warmer == nil || len(seen) == 0 {
		return
	}
	ctx, cancel := r.sinkContext()
	defer cancel()
	if err := r.warmer.WarmAvatars(ctx, seen, at); err != nil {
		r.logger.Warn("avatar warm failed", "avatars", len(seen), "error", err)
	}
}
