package registry

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/g960059/lobbywatch/internal/metrics"
	"github.com/g960059/lobbywatch/internal/model"
	"github.com/g960059/lobbywatch/internal/security"
)

type ChangeKind string

const (
	ChangeAdded     ChangeKind = "added"
	ChangeUpdated   ChangeKind = "updated"
	ChangePersisted ChangeKind = "persisted"
	ChangeRemoved   ChangeKind = "removed"
	ChangeCleared   ChangeKind = "cleared"
)

// Change is one notification on the registry's change stream. Player is a
// snapshot; it is zero for ChangeCleared.
type Change struct {
	Kind   ChangeKind
	Player model.Player
	At     time.Time
}

type WatchChecker interface {
	IsWatched(name string) bool
}

type DurationSink interface {
	RecordPlaytime(ctx context.Context, userID, displayName string, minutes float64) error
}

type AvatarWarmer interface {
	WarmAvatars(ctx context.Context, names []string, seenAt time.Time) error
}

// ProfileRequester receives one request per newly created session.
type ProfileRequester interface {
	RequestProfile(userID string)
}

const (
	defaultAvatarIndexSize  = 4096
	defaultSubscriberBuffer = 256
	defaultSinkTimeout      = 5 * time.Second
	maxEventsPerPlayer      = 500
)

type Options struct {
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
	Watch            WatchChecker
	Durations        DurationSink
	Warmer           AvatarWarmer
	AvatarIndexSize  int
	SubscriberBuffer int
	SinkTimeout      time.Duration
	Now              func() time.Time
}

// Registry is the authoritative table of players in the current world.
// Every mutation runs under one write lock; sink and queue calls happen
// after the lock is released, on snapshots.
type Registry struct {
	mu sync.RWMutex

	byUser map[string]*model.Player
	byName map[string]*model.Player
	byNet  map[int]*model.Player
	// objectID -> owning network id
	objects map[int]int

	avatars     *lru.Cache[string, string]
	seenAvatars map[string]struct{}
	world       model.World

	subs    map[int]chan Change
	nextSub int

	evaluator ProfileRequester
	watch     WatchChecker
	durations DurationSink
	warmer    AvatarWarmer

	logger      *slog.Logger
	metrics     *metrics.Metrics
	subBuffer   int
	sinkTimeout time.Duration
	now         func() time.Time
}

func New(opts Options) *Registry {
	size := opts.AvatarIndexSize
	if size <= 0 {
		size = defaultAvatarIndexSize
	}
	avatars, err := lru.New[string, string](size)
	if err != nil {
		// lru.New only fails on a non-positive size.
		panic(err)
	}
	r := &Registry{
		byUser:      map[string]*model.Player{},
		byName:      map[string]*model.Player{},
		byNet:       map[int]*model.Player{},
		objects:     map[int]int{},
		avatars:     avatars,
		seenAvatars: map[string]struct{}{},
		subs:        map[int]chan Change{},
		watch:       opts.Watch,
		durations:   opts.Durations,
		warmer:      opts.Warmer,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		subBuffer:   opts.SubscriberBuffer,
		sinkTimeout: opts.SinkTimeout,
		now:         opts.Now,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.subBuffer <= 0 {
		r.subBuffer = defaultSubscriberBuffer
	}
	if r.sinkTimeout <= 0 {
		r.sinkTimeout = defaultSinkTimeout
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	return r
}

// SetEvaluator wires the evaluation queue. It must be called before lines
// are dispatched.
func (r *Registry) SetEvaluator(e ProfileRequester) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evaluator = e
}

// Subscribe returns a buffered change stream. Notifications are dropped for
// a subscriber whose buffer is full. The returned func unsubscribes.
func (r *Registry) Subscribe() (<-chan Change, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSub
	r.nextSub++
	ch := make(chan Change, r.subBuffer)
	r.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.subs, id)
			close(ch)
		})
	}
}

// notifyLocked must be called with r.mu held for writing so the stream order
// matches the mutation order.
func (r *Registry) notifyLocked(kind ChangeKind, p *model.Player) {
	c := Change{Kind: kind, At: r.now()}
	if p != nil {
		c.Player = p.Clone()
	}
	for id, ch := range r.subs {
		select {
		case ch <- c:
		default:
			r.metrics.ChangeDropped()
			r.logger.Warn("change subscriber full, dropping notification", "subscriber", id, "kind", string(kind))
		}
	}
	r.metrics.RegistryChange(string(kind), len(r.byUser))
}

func (r *Registry) appendEventLocked(p *model.Player, category model.EventCategory, text string) {
	p.Events = append(p.Events, model.PlayerEvent{
		ID:       uuid.NewString(),
		At:       r.now(),
		Category: category,
		Text:     security.SanitizeEventText(text),
	})
	if over := len(p.Events) - maxEventsPerPlayer; over > 0 {
		p.Events = append([]model.PlayerEvent(nil), p.Events[over:]...)
	}
}

// lookupLocked resolves ref as a user id, then a display name, then a
// network id.
func (r *Registry) lookupLocked(ref string) *model.Player {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil
	}
	if p, ok := r.byUser[ref]; ok {
		return p
	}
	if p, ok := r.byName[ref]; ok {
		return p
	}
	if id, err := strconv.Atoi(ref); err == nil && id > 0 {
		if p, ok := r.byNet[id]; ok {
			return p
		}
	}
	return nil
}

func (r *Registry) isWatched(name string) bool {
	if r.watch == nil || name == "" {
		return false
	}
	return r.watch.IsWatched(name)
}

func (r *Registry) sinkContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.sinkTimeout)
}

func (r *Registry) ByUserID(userID string) (model.Player, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byUser[userID]
	if !ok {
		return model.Player{}, false
	}
	return p.Clone(), true
}

func (r *Registry) ByDisplayName(name string) (model.Player, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	if !ok {
		return model.Player{}, false
	}
	return p.Clone(), true
}

func (r *Registry) ByNetworkID(id int) (model.Player, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byNet[id]
	if !ok {
		return model.Player{}, false
	}
	return p.Clone(), true
}

// Lookup resolves a user id, display name or numeric network id.
func (r *Registry) Lookup(ref string) (model.Player, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p := r.lookupLocked(ref)
	if p == nil {
		return model.Player{}, false
	}
	return p.Clone(), true
}

// All returns snapshots of every active player ordered by join time.
func (r *Registry) All() []model.Player {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Player, 0, len(r.byUser))
	for _, p := range r.byUser {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

func (r *Registry) World() model.World {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.world
}

func (r *Registry) LastKnownAvatar(displayName string) (string, bool) {
	return r.avatars.Peek(displayName)
}

// SeenAvatars lists the avatar names observed in the current world.
func (r *Registry) SeenAvatars() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.seenAvatarsLocked()
}

func (r *Registry) seenAvatarsLocked() []string {
	out := make([]string, 0, len(r.seenAvatars))
	for name := range r.seenAvatars {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
