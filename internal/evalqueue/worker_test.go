package evalqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/lobbywatch/internal/registry"
	"github.com/g960059/lobbywatch/internal/testutil"
)

type fakeSource struct {
	bios   map[string]string
	assets map[string]string
	groups map[string][]string
	fail   map[string]error
	panics map[string]bool
}

func (f *fakeSource) FetchBio(_ context.Context, userID string) (string, error) {
	if f.panics[userID] {
		panic("source exploded")
	}
	if err := f.fail[userID]; err != nil {
		return "", err
	}
	return f.bios[userID], nil
}

func (f *fakeSource) FetchAssetText(_ context.Context, assetID string) (string, error) {
	return f.assets[assetID], nil
}

type groupSource struct {
	*fakeSource
}

func (g groupSource) FetchGroups(_ context.Context, userID string) ([]string, error) {
	return g.groups[userID], nil
}

type fakeClassifier struct {
	mu      sync.Mutex
	calls   []string
	reply   func(payload string) (string, error)
	prompts []string
}

func (f *fakeClassifier) Classify(_ context.Context, prompt, payload string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, payload)
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	if f.reply != nil {
		return f.reply(payload)
	}
	return "SAFE", nil
}

func (f *fakeClassifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type memCache struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func newMemCache() *memCache { return &memCache{entries: map[string]Entry{}} }

func (m *memCache) Get(_ context.Context, fp string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[fp]
	return e.Result, ok, nil
}

func (m *memCache) Put(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.Fingerprint] = e
	return nil
}

type groupList map[string]bool

func (g groupList) WatchedGroups(groups []string) []string {
	var out []string
	for _, gr := range groups {
		if g[gr] {
			out = append(out, gr)
		}
	}
	return out
}

func newTestWorker(reg *registry.Registry, src ProfileSource, cls Classifier, cache ResultCache, opts Options) *Worker {
	opts.IdleInterval = 10 * time.Millisecond
	opts.ProfilePrompt = "profile-prompt"
	opts.AssetPrompt = "asset-prompt"
	return NewWorker(reg, src, cls, cache, opts)
}

func TestQueueOrdersByPriorityThenFIFO(t *testing.T) {
	q := NewQueue()
	q.Push(Item{SubjectID: "low-1", Priority: 1})
	q.Push(Item{SubjectID: "high-1", Priority: 10})
	q.Push(Item{SubjectID: "low-2", Priority: 1})
	q.Push(Item{SubjectID: "high-2", Priority: 10})

	var got []string
	for {
		it, ok := q.Pop()
		if !ok {
			break
		}
		got = append(got, it.SubjectID)
	}
	assert.Equal(t, []string{"high-1", "high-2", "low-1", "low-2"}, got)

	select {
	case <-q.Wake():
	default:
		t.Fatal("expected wake signal after push")
	}
}

func TestFingerprintNormalizesWhitespace(t *testing.T) {
	a := Fingerprint(KindProfile, "hello   world\n")
	b := Fingerprint(KindProfile, "  hello world")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, Fingerprint(KindProfile, "hello world!"))
	assert.NotEqual(t, a, Fingerprint(KindAsset, "hello world"))
}

func TestProfileAndAssetWithSameTextAreClassifiedSeparately(t *testing.T) {
	reg := registry.New(registry.Options{})
	reg.Join("usr_1", "Alice")
	src := &fakeSource{
		bios:   map[string]string{"usr_1": "free robux here"},
		assets: map[string]string{"asset_1": "free  robux here"},
	}
	cls := &fakeClassifier{}
	w := newTestWorker(reg, src, cls, newMemCache(), Options{EvaluateAssets: true})

	w.RequestProfile("usr_1")
	w.RequestAsset("usr_1", "asset_1")
	assert.Equal(t, 2, w.Drain(context.Background()))

	assert.Equal(t, 2, cls.count())
	assert.ElementsMatch(t, []string{"profile-prompt", "asset-prompt"}, cls.prompts)
}

func TestEqualFingerprintsClassifyOnce(t *testing.T) {
	reg := registry.New(registry.Options{})
	reg.Join("usr_1", "Alice")
	reg.Join("usr_2", "Bob")
	src := &fakeSource{bios: map[string]string{"usr_1": "I like  cats", "usr_2": "I like cats\n"}}
	cls := &fakeClassifier{reply: func(string) (string, error) { return "FLAGGED: test", nil }}
	w := newTestWorker(reg, src, cls, newMemCache(), Options{})

	w.RequestProfile("usr_1")
	w.RequestProfile("usr_2")
	assert.Equal(t, 2, w.Drain(context.Background()))

	assert.Equal(t, 1, cls.count())
	for _, id := range []string{"usr_1", "usr_2"} {
		p, _ := reg.ByUserID(id)
		assert.Equal(t, "FLAGGED: test", p.Evaluation, id)
		assert.True(t, p.ProfileWatch, id)
	}
	assert.Equal(t, []string{"profile-prompt"}, cls.prompts)
}

func TestStoreCacheDeduplicatesAcrossWorkers(t *testing.T) {
	store, _ := testutil.NewStore(t)
	reg := registry.New(registry.Options{})
	reg.Join("usr_1", "Alice")
	src := &fakeSource{bios: map[string]string{"usr_1": "hello"}}
	cls := &fakeClassifier{}

	for i := 0; i < 2; i++ {
		w := newTestWorker(reg, src, cls, NewStoreCache(store), Options{})
		w.RequestProfile("usr_1")
		w.Drain(context.Background())
	}
	assert.Equal(t, 1, cls.count())
	p, _ := reg.ByUserID("usr_1")
	assert.Equal(t, "SAFE", p.Evaluation)
	assert.False(t, p.ProfileWatch)
}

func TestFailedItemsAreDroppedAndQueueContinues(t *testing.T) {
	reg := registry.New(registry.Options{})
	for _, id := range []string{"usr_fetch", "usr_cls", "usr_panic", "usr_ok"} {
		reg.Join(id, id)
	}
	src := &fakeSource{
		bios:   map[string]string{"usr_cls": "boom", "usr_ok": "fine"},
		fail:   map[string]error{"usr_fetch": errors.New("http 500")},
		panics: map[string]bool{"usr_panic": true},
	}
	cls := &fakeClassifier{reply: func(payload string) (string, error) {
		if payload == "boom" {
			return "", errors.New("upstream timeout")
		}
		return "SAFE", nil
	}}
	cache := newMemCache()
	w := newTestWorker(reg, src, cls, cache, Options{})
	for _, id := range []string{"usr_fetch", "usr_cls", "usr_panic", "usr_ok"} {
		w.RequestProfile(id)
	}

	assert.Equal(t, 4, w.Drain(context.Background()))
	ok, _ := reg.ByUserID("usr_ok")
	assert.Equal(t, "SAFE", ok.Evaluation)
	failed, _ := reg.ByUserID("usr_cls")
	assert.Empty(t, failed.Evaluation)
	assert.Len(t, cache.entries, 1)
	assert.Zero(t, w.Queue().Len())
}

func TestResultForDepartedPlayerIsDiscarded(t *testing.T) {
	reg := registry.New(registry.Options{})
	reg.Join("usr_1", "Alice")
	src := &fakeSource{bios: map[string]string{"usr_1": "bio"}}
	w := newTestWorker(reg, src, &fakeClassifier{}, newMemCache(), Options{})
	w.RequestProfile("usr_1")
	reg.Leave("Alice")

	assert.Equal(t, 1, w.Drain(context.Background()))
	assert.Zero(t, reg.Count())
}

func TestGroupWatchIsApplied(t *testing.T) {
	reg := registry.New(registry.Options{})
	reg.Join("usr_1", "Alice")
	src := groupSource{&fakeSource{
		bios:   map[string]string{"usr_1": "bio"},
		groups: map[string][]string{"usr_1": {"grp_ok", "grp_bad"}},
	}}
	w := newTestWorker(reg, src, &fakeClassifier{}, newMemCache(), Options{Groups: groupList{"grp_bad": true}})
	w.RequestProfile("usr_1")
	w.Drain(context.Background())

	p, _ := reg.ByUserID("usr_1")
	assert.True(t, p.GroupWatch)
	assert.Equal(t, "G", p.WatchCode())
}

func TestAssetEvaluation(t *testing.T) {
	reg := registry.New(registry.Options{})
	reg.Join("usr_1", "Alice")
	src := &fakeSource{assets: map[string]string{"inv_1": "a very bad item"}}
	cls := &fakeClassifier{reply: func(string) (string, error) { return "flagged: gore", nil }}

	disabled := newTestWorker(reg, src, cls, newMemCache(), Options{})
	disabled.RequestAsset("usr_1", "inv_1")
	assert.Zero(t, disabled.Queue().Len())

	w := newTestWorker(reg, src, cls, newMemCache(), Options{EvaluateAssets: true})
	w.RequestAsset("usr_1", "inv_1")
	w.Drain(context.Background())

	p, _ := reg.ByUserID("usr_1")
	last := p.Events[len(p.Events)-1]
	assert.Contains(t, last.Text, "inv_1")
	assert.Equal(t, []string{"asset-prompt"}, cls.prompts)
	assert.False(t, p.ProfileWatch)
}

func TestRunWakesOnEnqueueAndStopsOnCancel(t *testing.T) {
	reg := registry.New(registry.Options{})
	reg.Join("usr_1", "Alice")
	src := &fakeSource{bios: map[string]string{"usr_1": "bio"}}
	cls := &fakeClassifier{}
	w := NewWorker(reg, src, cls, newMemCache(), Options{IdleInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	w.RequestProfile("usr_1")
	require.Eventually(t, func() bool { return cls.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestIsFlagged(t *testing.T) {
	assert.True(t, IsFlagged("FLAGGED: spam"))
	assert.True(t, IsFlagged("  flag"))
	assert.False(t, IsFlagged("SAFE"))
	assert.False(t, IsFlagged(""))
}
