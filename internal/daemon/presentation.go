package daemon

import (
	"sort"
	"strings"

	"github.com/g960059/lobbywatch/internal/api"
	"github.com/g960059/lobbywatch/internal/model"
)

type playerFilter struct {
	watchedOnly bool
	name        string
}

func (f playerFilter) match(p model.Player) bool {
	if f.watchedOnly && !p.IsWatched() {
		return false
	}
	if f.name != "" && !strings.Contains(strings.ToLower(p.DisplayName), f.name) {
		return false
	}
	return true
}

func toPlayerItem(p model.Player) api.PlayerItem {
	item := api.PlayerItem{
		UserID:       p.UserID,
		DisplayName:  p.DisplayName,
		NetworkID:    p.NetworkID,
		AvatarName:   p.AvatarName,
		LastActivity: p.LastActivity,
		Evaluation:   p.Evaluation,
		Watch: api.WatchFlags{
			Avatar:  p.AvatarWatch,
			Group:   p.GroupWatch,
			Profile: p.ProfileWatch,
		},
		WatchCode: p.WatchCode(),
		IsWatched: p.IsWatched(),
		JoinedAt:  p.JoinedAt,
	}
	if p.LeftAt != nil {
		at := *p.LeftAt
		item.LeftAt = &at
	}
	return item
}

func toPlayerDetail(p model.Player) api.PlayerDetail {
	detail := api.PlayerDetail{
		PlayerItem: toPlayerItem(p),
		Bio:        p.Bio,
		Events:     make([]api.PlayerEvent, 0, len(p.Events)),
		Drops:      make([]api.DropItem, 0, len(p.Drops)),
		Inventory:  make([]api.DropItem, 0, len(p.Inventory)),
	}
	for _, ev := range p.Events {
		detail.Events = append(detail.Events, api.PlayerEvent{
			ID:       ev.ID,
			At:       ev.At,
			Category: string(ev.Category),
			Text:     ev.Text,
		})
	}
	for _, d := range p.Drops {
		detail.Drops = append(detail.Drops, toDropItem(d))
	}
	sort.Slice(detail.Drops, func(i, j int) bool {
		if !detail.Drops[i].SpawnedAt.Equal(detail.Drops[j].SpawnedAt) {
			return detail.Drops[i].SpawnedAt.Before(detail.Drops[j].SpawnedAt)
		}
		return detail.Drops[i].ID < detail.Drops[j].ID
	})
	for _, d := range p.Inventory {
		detail.Inventory = append(detail.Inventory, toDropItem(d))
	}
	return detail
}

func toDropItem(d model.Drop) api.DropItem {
	return api.DropItem{ID: d.ID, Kind: string(d.Kind), SpawnedAt: d.SpawnedAt}
}

func summarize(items []api.PlayerItem) api.ListSummary {
	summary := api.ListSummary{Total: len(items), ByWatch: map[string]int{}}
	for _, item := range items {
		if !item.IsWatched {
			continue
		}
		summary.Watched++
		if item.Watch.Avatar {
			summary.ByWatch["avatar"]++
		}
		if item.Watch.Group {
			summary.ByWatch["group"]++
		}
		if item.Watch.Profile {
			summary.ByWatch["profile"]++
		}
	}
	return summary
}
