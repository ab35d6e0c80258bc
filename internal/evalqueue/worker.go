package evalqueue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/g960059/lobbywatch/internal/metrics"
	"github.com/g960059/lobbywatch/internal/registry"
)

type ProfileSource interface {
	FetchBio(ctx context.Context, userID string) (string, error)
	FetchAssetText(ctx context.Context, assetID string) (string, error)
}

// GroupSource is optionally implemented by a ProfileSource.
type GroupSource interface {
	FetchGroups(ctx context.Context, userID string) ([]string, error)
}

type Classifier interface {
	Classify(ctx context.Context, prompt, payload string) (string, error)
}

type Entry struct {
	Fingerprint string
	Kind        Kind
	Result      string
	Flagged     bool
}

type ResultCache interface {
	Get(ctx context.Context, fingerprint string) (string, bool, error)
	Put(ctx context.Context, e Entry) error
}

type GroupWatcher interface {
	WatchedGroups(groups []string) []string
}

// Target receives results. *registry.Registry implements it.
type Target interface {
	ApplyEvaluation(userID string, ev registry.Evaluation) bool
	SetGroupWatch(userID string, watched bool, groups []string) bool
}

const (
	defaultIdleInterval = 5 * time.Second
	defaultCallTimeout  = 30 * time.Second
)

type Options struct {
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	Groups         GroupWatcher
	IdleInterval   time.Duration
	CallTimeout    time.Duration
	RatePerSecond  float64
	Burst          int
	ProfilePrompt  string
	AssetPrompt    string
	JoinPriority   int
	AssetPriority  int
	EvaluateAssets bool
}

// Worker drains the queue on one goroutine: fetch text, fingerprint, cache
// lookup, rate-limited classification on a miss, write-back. A failed item
// is dropped.
type Worker struct {
	queue    *Queue
	target   Target
	source   ProfileSource
	classify Classifier
	cache    ResultCache
	limiter  *rate.Limiter
	opts     Options
	logger   *slog.Logger
}

func NewWorker(target Target, source ProfileSource, classifier Classifier, cache ResultCache, opts Options) *Worker {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = defaultIdleInterval
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Worker{
		queue:    NewQueue(),
		target:   target,
		source:   source,
		classify: classifier,
		cache:    cache,
		limiter:  rate.NewLimiter(limit, opts.Burst),
		opts:     opts,
		logger:   opts.Logger.With("component", "evalqueue"),
	}
}

func (w *Worker) Queue() *Queue {
	return w.queue
}

// RequestProfile enqueues a profile evaluation for a player that just joined.
func (w *Worker) RequestProfile(userID string) {
	w.Enqueue(Item{Kind: KindProfile, SubjectID: userID, OwnerID: userID, Priority: w.opts.JoinPriority})
}

// RequestAsset enqueues an evaluation of an item ownerID spawned.
func (w *Worker) RequestAsset(ownerID, assetID string) {
	if !w.opts.EvaluateAssets {
		return
	}
	w.Enqueue(Item{Kind: KindAsset, SubjectID: assetID, OwnerID: ownerID, Priority: w.opts.AssetPriority})
}

func (w *Worker) Enqueue(it Item) {
	if strings.TrimSpace(it.SubjectID) == "" {
		return
	}
	w.queue.Push(it)
	w.opts.Metrics.SetQueueDepth(w.queue.Len())
}

// Run processes items until ctx is done. It waits on the queue's wake signal
// or the idle interval between drains.
func (w *Worker) Run(ctx context.Context) error {
	for {
		w.Drain(ctx)
		if ctx.Err() != nil {
			return nil
		}
		idle := time.NewTimer(w.opts.IdleInterval)
		select {
		case <-ctx.Done():
			idle.Stop()
			return nil
		case <-w.queue.Wake():
		case <-idle.C:
		}
		idle.Stop()
	}
}

// Drain processes queued items in priority order until the queue is empty.
func (w *Worker) Drain(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil {
		it, ok := w.queue.Pop()
		if !ok {
			break
		}
		w.opts.Metrics.SetQueueDepth(w.queue.Len())
		outcome := w.processSafe(ctx, it)
		w.opts.Metrics.Evaluated(string(it.Kind), outcome)
		n++
	}
	return n
}

func (w *Worker) processSafe(ctx context.Context, it Item) (outcome string) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("evaluation panicked", "kind", string(it.Kind), "subject", it.SubjectID, "panic", fmt.Sprint(r))
			outcome = "panic"
		}
	}()
	outcome, err := w.process(ctx, it)
	if err != nil {
		w.logger.Warn("evaluation dropped", "kind", string(it.Kind), "subject", it.SubjectID, "error", err)
	}
	return outcome
}

func (w *Worker) process(ctx context.Context, it Item) (string, error) {
	text, err := w.fetch(ctx, it)
	if err != nil {
		return "fetch_failed", err
	}
	if strings.TrimSpace(text) == "" {
		if it.Kind == KindProfile {
			w.target.ApplyEvaluation(it.OwnerID, registry.Evaluation{Kind: registry.EvaluationProfile, SubjectID: it.SubjectID})
			w.checkGroups(ctx, it.OwnerID)
		}
		return "empty", nil
	}

	it.Fingerprint = Fingerprint(it.Kind, text)
	result, hit := w.lookup(ctx, it.Fingerprint)
	outcome := "cached"
	if !hit {
		result, err = w.classifyText(ctx, it, text)
		if err != nil {
			return "classify_failed", err
		}
		outcome = "classified"
		w.store(ctx, Entry{Fingerprint: it.Fingerprint, Kind: it.Kind, Result: result, Flagged: IsFlagged(result)})
	}

	ev := registry.Evaluation{
		Kind:      registry.EvaluationProfile,
		SubjectID: it.SubjectID,
		Result:    result,
		Flagged:   IsFlagged(result),
	}
	if it.Kind == KindAsset {
		ev.Kind = registry.EvaluationAsset
	} else {
		ev.Bio = text
	}
	if !w.target.ApplyEvaluation(it.OwnerID, ev) {
		w.logger.Debug("player left before evaluation finished", "user_id", it.OwnerID)
		return outcome, nil
	}
	if it.Kind == KindProfile {
		w.checkGroups(ctx, it.OwnerID)
	}
	if ev.Flagged {
		return "flagged", nil
	}
	return outcome, nil
}

func (w *Worker) fetch(ctx context.Context, it Item) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, w.opts.CallTimeout)
	defer cancel()
	if it.Kind == KindAsset {
		return w.source.FetchAssetText(callCtx, it.SubjectID)
	}
	return w.source.FetchBio(callCtx, it.SubjectID)
}

func (w *Worker) lookup(ctx context.Context, fingerprint string) (string, bool) {
	if w.cache == nil {
		return "", false
	}
	result, ok, err := w.cache.Get(ctx, fingerprint)
	if err != nil {
		w.logger.Warn("result cache get failed", "fingerprint", fingerprint, "error", err)
		return "", false
	}
	return result, ok
}

func (w *Worker) store(ctx context.Context, e Entry) {
	if w.cache == nil {
		return
	}
	if err := w.cache.Put(ctx, e); err != nil {
		w.logger.Warn("result cache put failed", "fingerprint", e.Fingerprint, "error", err)
	}
}

func (w *Worker) classifyText(ctx context.Context, it Item, text string) (string, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}
	prompt := w.opts.ProfilePrompt
	if it.Kind == KindAsset {
		prompt = w.opts.AssetPrompt
	}
	callCtx, cancel := context.WithTimeout(ctx, w.opts.CallTimeout)
	defer cancel()
	start := time.Now()
	result, err := w.classify.Classify(callCtx, prompt, text)
	w.opts.Metrics.ObserveClassify(time.Since(start).Seconds())
	if err != nil {
		return "", fmt.Errorf("classify: %w", err)
	}
	return strings.TrimSpace(result), nil
}

func (w *Worker) checkGroups(ctx context.Context, userID string) {
	gs, ok := w.source.(GroupSource)
	if !ok || w.opts.Groups == nil {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, w.opts.CallTimeout)
	defer cancel()
	groups, err := gs.FetchGroups(callCtx, userID)
	if err != nil {
		w.logger.Warn("fetch groups failed", "user_id", userID, "error", err)
		return
	}
	watched := w.opts.Groups.WatchedGroups(groups)
	w.target.SetGroupWatch(userID, len(watched) > 0, watched)
}

// IsFlagged reports whether a classification result marks the subject.
func IsFlagged(result string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(result)), "FLAG")
}
