package ingest

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/g960059/lobbywatch/internal/model"
)

type Kind string

const (
	KindJoin        Kind = "join"
	KindLeave       Kind = "leave"
	KindAvatar      Kind = "avatar"
	KindNetworkID   Kind = "network_id"
	KindOwnership   Kind = "ownership"
	KindPrint       Kind = "print"
	KindSticker     Kind = "sticker"
	KindInventory   Kind = "inventory"
	KindModeration  Kind = "moderation"
	KindWorldChange Kind = "world_change"
	KindAppQuit     Kind = "app_quit"
	KindCatchAll    Kind = "catch_all"
)

// DefaultOrder is the dispatch order used when no handlers are configured.
var DefaultOrder = []Kind{
	KindWorldChange,
	KindAppQuit,
	KindJoin,
	KindLeave,
	KindNetworkID,
	KindAvatar,
	KindOwnership,
	KindPrint,
	KindSticker,
	KindInventory,
	KindModeration,
	KindCatchAll,
}

// AssetRequester queues an evaluation of an item a player spawned.
type AssetRequester interface {
	RequestAsset(ownerID, assetID string)
}

type kindDef struct {
	pattern string
	style   Color
	apply   func(d *Deps, f Fields) (string, error)
}

var kinds = map[Kind]kindDef{
	KindJoin: {
		pattern: `\[Behaviour\] OnPlayerJoined (?P<display_name>.+?) \((?P<user_id>usr_[0-9a-fA-F-]+)\)\s*$`,
		style:   ColorGreen,
		apply:   applyJoin,
	},
	KindLeave: {
		pattern: `\[Behaviour\] OnPlayerLeft (?P<display_name>.+?)(?: \((?P<user_id>usr_[0-9a-fA-F-]+)\))?\s*$`,
		style:   ColorYellow,
		apply:   applyLeave,
	},
	KindAvatar: {
		pattern: `\[Behaviour\] Switching (?P<display_name>.+) to avatar (?P<avatar_name>.+?)\s*$`,
		style:   ColorCyan,
		apply:   applyAvatar,
	},
	KindNetworkID: {
		pattern: `\[Behaviour\] Initialized PlayerAPI "(?P<display_name>.+)" is (?:remote|local) \(id (?P<network_id>[^)]*)\)`,
		style:   ColorGray,
		apply:   applyNetworkID,
	},
	KindOwnership: {
		pattern: `\[Network\] Ownership of (?P<object_id>\S+) transferred from (?P<from>\S+) to (?P<to>\S+)`,
		style:   ColorGray,
		apply:   applyOwnership,
	},
	KindPrint: {
		pattern: `\[API\] Print (?P<drop_id>prnt_[0-9a-fA-F-]+) spawned by (?P<owner>usr_[0-9a-fA-F-]+)`,
		style:   ColorMagenta,
		apply:   applyDrop(model.DropPrint),
	},
	KindSticker: {
		pattern: `\[StickersManager\] User (?P<owner>usr_[0-9a-fA-F-]+) (?:\(.*\) )?spawned sticker (?P<drop_id>\S+)`,
		style:   ColorMagenta,
		apply:   applyDrop(model.DropSticker),
	},
	KindInventory: {
		pattern: `\[InventoryManager\] (?P<owner>usr_[0-9a-fA-F-]+) spawned item (?P<item_id>inv_[0-9a-fA-F-]+)`,
		style:   ColorMagenta,
		apply:   applyInventory,
	},
	KindModeration: {
		pattern: `\[ModerationManager\] (?P<target>.+?) has been (?P<action>warned|kicked|vote-kicked|muted)(?: by (?P<actor>.+?))?\s*$`,
		style:   ColorRed,
		apply:   applyModeration,
	},
	KindWorldChange: {
		pattern: `\[Behaviour\] Joining (?P<world_id>wrld_[0-9a-fA-F-]+):(?P<instance_id>\S+)`,
		style:   ColorBlue,
		apply:   applyWorldChange,
	},
	KindAppQuit: {
		pattern: `OnApplicationQuit`,
		style:   ColorBlue,
		apply:   applyAppQuit,
	},
	KindCatchAll: {
		pattern: `(?P<message>\S.*)`,
		style:   ColorNone,
		apply:   applyCatchAll,
	},
}

func KnownKind(k Kind) bool {
	_, ok := kinds[k]
	return ok
}

func DefaultPattern(k Kind) string {
	return kinds[k].pattern
}

func required(f Fields, names ...string) ([]string, error) {
	out := make([]string, len(names))
	for i, name := range names {
		v, ok := f.Get(name)
		v = strings.TrimSpace(v)
		if !ok || v == "" {
			return nil, fmt.Errorf("%w: missing %s", ErrMalformedLine, name)
		}
		out[i] = v
	}
	return out, nil
}

func requiredInts(f Fields, names ...string) ([]int, error) {
	raw, err := required(f, names...)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(raw))
	for i, v := range raw {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: %s %q is not a non-negative integer", ErrMalformedLine, names[i], v)
		}
		out[i] = n
	}
	return out, nil
}

func noop(summary string, applied bool) string {
	if applied {
		return summary
	}
	return summary + " (unknown player)"
}

func applyJoin(d *Deps, f Fields) (string, error) {
	v, err := required(f, "display_name", "user_id")
	if err != nil {
		return "", err
	}
	_, ok := d.Registry.Join(v[1], v[0])
	return noop(fmt.Sprintf("%s joined (%s)", v[0], v[1]), ok), nil
}

func applyLeave(d *Deps, f Fields) (string, error) {
	v, err := required(f, "display_name")
	if err != nil {
		return "", err
	}
	return noop(fmt.Sprintf("%s left", v[0]), d.Registry.Leave(v[0])), nil
}

func applyAvatar(d *Deps, f Fields) (string, error) {
	v, err := required(f, "display_name", "avatar_name")
	if err != nil {
		return "", err
	}
	return noop(fmt.Sprintf("%s switched to %s", v[0], v[1]), d.Registry.SetAvatar(v[0], v[1])), nil
}

func applyNetworkID(d *Deps, f Fields) (string, error) {
	v, err := required(f, "display_name")
	if err != nil {
		return "", err
	}
	ids, err := requiredInts(f, "network_id")
	if err != nil {
		return "", err
	}
	return noop(fmt.Sprintf("%s has network id %d", v[0], ids[0]), d.Registry.AssignNetworkID(v[0], ids[0])), nil
}

func applyOwnership(d *Deps, f Fields) (string, error) {
	ids, err := requiredInts(f, "object_id", "from", "to")
	if err != nil {
		return "", err
	}
	summary := fmt.Sprintf("object %d transferred from %d to %d", ids[0], ids[1], ids[2])
	return noop(summary, d.Registry.TransferOwnership(ids[0], ids[1], ids[2])), nil
}

func applyDrop(kind model.DropKind) func(*Deps, Fields) (string, error) {
	return func(d *Deps, f Fields) (string, error) {
		v, err := required(f, "owner", "drop_id")
		if err != nil {
			return "", err
		}
		return noop(fmt.Sprintf("%s spawned %s %s", v[0], kind, v[1]), d.Registry.AddDrop(v[0], kind, v[1])), nil
	}
}

func applyInventory(d *Deps, f Fields) (string, error) {
	v, err := required(f, "owner", "item_id")
	if err != nil {
		return "", err
	}
	ok := d.Registry.AddInventorySpawn(v[0], v[1])
	if ok && d.Assets != nil {
		if p, found := d.Registry.Lookup(v[0]); found {
			d.Assets.RequestAsset(p.UserID, v[1])
		}
	}
	return noop(fmt.Sprintf("%s spawned item %s", v[0], v[1]), ok), nil
}

func applyModeration(d *Deps, f Fields) (string, error) {
	v, err := required(f, "target", "action")
	if err != nil {
		return "", err
	}
	text := fmt.Sprintf("%s %s", v[0], v[1])
	if actor, ok := f.Get("actor"); ok && strings.TrimSpace(actor) != "" {
		text += " by " + strings.TrimSpace(actor)
	}
	return noop(text, d.Registry.AddEvent(v[0], model.CategoryModeration, text)), nil
}

func applyWorldChange(d *Deps, f Fields) (string, error) {
	v, err := required(f, "world_id", "instance_id")
	if err != nil {
		return "", err
	}
	n := d.Registry.ChangeWorld(v[0], v[1])
	return fmt.Sprintf("joined %s:%s, cleared %d players", v[0], v[1], n), nil
}

func applyAppQuit(d *Deps, _ Fields) (string, error) {
	n := d.Registry.ClearAll()
	return fmt.Sprintf("application quit, cleared %d players", n), nil
}

func applyCatchAll(_ *Deps, f Fields) (string, error) {
	msg, _ := f.Get("message")
	return msg, nil
}
