package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pagebridge/pagebridge/internal/facebook"
	"github.com/pagebridge/pagebridge/internal/store"
)

type fakeStorage struct {
	mu         sync.Mutex
	groups     map[string][]store.AuthorizedPage
	delivered  map[string]string
	groupsErr  error
	checkErr   error
	recordErr  error
	recordSkip map[string]bool
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		groups:     map[string][]store.AuthorizedPage{},
		delivered:  map[string]string{},
		recordSkip: map[string]bool{},
	}
}

func deliveryKey(channelID, postID string) string {
	return channelID + "|" + postID
}

func (f *fakeStorage) ListChannelPageGroups(ctx context.Context) (map[string][]store.AuthorizedPage, error) {
	if f.groupsErr != nil {
		return nil, f.groupsErr
	}
	return f.groups, nil
}

func (f *fakeStorage) IsDelivered(ctx context.Context, channelID, postID string) (bool, error) {
	if f.checkErr != nil {
		return false, f.checkErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.delivered[deliveryKey(channelID, postID)]
	return ok, nil
}

func (f *fakeStorage) RecordDelivery(ctx context.Context, channelID, messageID, postID string) error {
	if f.recordErr != nil {
		return f.recordErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordSkip[deliveryKey(channelID, postID)] {
		// Simulated crash: the publish happened but the ledger write did not.
		return nil
	}
	f.delivered[deliveryKey(channelID, postID)] = messageID
	return nil
}

type fakeSource struct {
	mu        sync.Mutex
	posts     map[string][]facebook.Post
	events    map[string]facebook.Event
	pageErr   map[string]error
	eventErr  map[string]error
	fetchSeen []string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		posts:    map[string][]facebook.Post{},
		events:   map[string]facebook.Event{},
		pageErr:  map[string]error{},
		eventErr: map[string]error{},
	}
}

func (f *fakeSource) FetchRecentPosts(ctx context.Context, pageID, accessToken string) ([]facebook.Post, error) {
	f.mu.Lock()
	f.fetchSeen = append(f.fetchSeen, pageID)
	err := f.pageErr[pageID]
	posts := f.posts[pageID]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return posts, nil
}

func (f *fakeSource) FetchEventDetail(ctx context.Context, eventID, accessToken string) (facebook.Event, error) {
	if err := f.eventErr[eventID]; err != nil {
		return facebook.Event{}, err
	}
	event, ok := f.events[eventID]
	if !ok {
		return facebook.Event{}, fmt.Errorf("unknown event %s", eventID)
	}
	return event, nil
}

type publishedCall struct {
	channelID string
	postID    string
	eventID   string
}

type fakePublisher struct {
	mu       sync.Mutex
	calls    []publishedCall
	failFor  map[string]error
	nextID   int
	channels map[string]string
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{failFor: map[string]error{}, channels: map[string]string{}}
}

func (f *fakePublisher) PublishPost(ctx context.Context, channelID string, post facebook.Post, event *facebook.Event) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[post.ID]; err != nil {
		return "", err
	}
	call := publishedCall{channelID: channelID, postID: post.ID}
	if event != nil {
		call.eventID = event.ID
	}
	f.calls = append(f.calls, call)
	f.nextID++
	return fmt.Sprintf("m%d", f.nextID), nil
}

func (f *fakePublisher) ChannelName(ctx context.Context, channelID string) (string, error) {
	return f.channels[channelID], nil
}

func (f *fakePublisher) published() []publishedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]publishedCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func at(minute int) time.Time {
	return time.Date(2024, 9, 1, 12, minute, 0, 0, time.UTC)
}

func post(id string, publishedAt time.Time) facebook.Post {
	return facebook.Post{ID: id, PublishedAt: publishedAt, Description: "post " + id}
}

func newTestSyncer(storage *fakeStorage, source ContentSource, publisher *fakePublisher, opts Options) *Syncer {
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	return NewSyncer(storage, source, publisher, opts)
}

func TestRunCycleIsNoOpWithoutAssignments(t *testing.T) {
	storage := newFakeStorage()
	source := newFakeSource()
	publisher := newFakePublisher()
	syncer := newTestSyncer(storage, source, publisher, Options{})

	if err := syncer.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(source.fetchSeen) != 0 {
		t.Fatalf("no fetches expected, got %v", source.fetchSeen)
	}
}

func TestRunCycleIsIdempotentAcrossCycles(t *testing.T) {
	storage := newFakeStorage()
	storage.groups["c1"] = []store.AuthorizedPage{{ID: "p1", AccessToken: "t"}}
	source := newFakeSource()
	source.posts["p1"] = []facebook.Post{post("a", at(1)), post("b", at(2))}
	publisher := newFakePublisher()
	syncer := newTestSyncer(storage, source, publisher, Options{})

	for i := 0; i < 2; i++ {
		if err := syncer.RunCycle(context.Background()); err != nil {
			t.Fatalf("cycle %d: %v", i+1, err)
		}
	}

	calls := publisher.published()
	if len(calls) != 2 {
		t.Fatalf("expected exactly one publish per post, got %d calls", len(calls))
	}
	if len(storage.delivered) != 2 {
		t.Fatalf("expected 2 delivery records, got %d", len(storage.delivered))
	}
}

func TestRunCyclePublishesInTimestampOrderAcrossPages(t *testing.T) {
	storage := newFakeStorage()
	storage.groups["c1"] = []store.AuthorizedPage{
		{ID: "p1", AccessToken: "t"},
		{ID: "p2", AccessToken: "t"},
	}
	source := newFakeSource()
	source.posts["p1"] = []facebook.Post{post("late", at(3)), post("early", at(1))}
	source.posts["p2"] = []facebook.Post{post("middle", at(2))}
	publisher := newFakePublisher()
	syncer := newTestSyncer(storage, source, publisher, Options{FetchConcurrency: 2})

	if err := syncer.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	calls := publisher.published()
	want := []string{"early", "middle", "late"}
	if len(calls) != len(want) {
		t.Fatalf("expected %d publishes, got %d", len(want), len(calls))
	}
	for i, id := range want {
		if calls[i].postID != id {
			t.Fatalf("publish order = %v, want %v", calls, want)
		}
	}
}

func TestRunCycleKeepsFetchOrderForEqualTimestamps(t *testing.T) {
	storage := newFakeStorage()
	storage.groups["c1"] = []store.AuthorizedPage{{ID: "p1", AccessToken: "t"}}
	source := newFakeSource()
	same := at(5)
	source.posts["p1"] = []facebook.Post{post("first", same), post("second", same)}
	publisher := newFakePublisher()
	syncer := newTestSyncer(storage, source, publisher, Options{})

	if err := syncer.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	calls := publisher.published()
	if len(calls) != 2 || calls[0].postID != "first" || calls[1].postID != "second" {
		t.Fatalf("tie-break must keep fetch order, got %v", calls)
	}
}

func TestRunCycleIsolatesFailedPages(t *testing.T) {
	storage := newFakeStorage()
	storage.groups["c1"] = []store.AuthorizedPage{
		{ID: "broken", AccessToken: "t"},
		{ID: "healthy", AccessToken: "t"},
	}
	source := newFakeSource()
	source.pageErr["broken"] = errors.New("upstream down")
	source.posts["healthy"] = []facebook.Post{post("ok", at(1))}
	publisher := newFakePublisher()
	syncer := newTestSyncer(storage, source, publisher, Options{})

	if err := syncer.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle must survive a page failure: %v", err)
	}
	calls := publisher.published()
	if len(calls) != 1 || calls[0].postID != "ok" {
		t.Fatalf("healthy page should still publish, got %v", calls)
	}
}

func TestRunCycleDropsOnlyThePostWhoseEventFetchFails(t *testing.T) {
	storage := newFakeStorage()
	storage.groups["c1"] = []store.AuthorizedPage{{ID: "p1", AccessToken: "t"}}
	source := newFakeSource()
	withEvent := post("has-event", at(1))
	withEvent.EventID = "ev-broken"
	source.posts["p1"] = []facebook.Post{withEvent, post("plain", at(2))}
	source.eventErr["ev-broken"] = errors.New("event gone")
	publisher := newFakePublisher()
	syncer := newTestSyncer(storage, source, publisher, Options{})

	if err := syncer.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	calls := publisher.published()
	if len(calls) != 1 || calls[0].postID != "plain" {
		t.Fatalf("only the post with the broken event should drop, got %v", calls)
	}
}

func TestRunCycleAppliesPublishabilityGate(t *testing.T) {
	storage := newFakeStorage()
	storage.groups["c1"] = []store.AuthorizedPage{{ID: "p1", AccessToken: "t"}}
	source := newFakeSource()

	empty := facebook.Post{ID: "empty", PublishedAt: at(1)}
	emptyWithEvent := facebook.Post{ID: "empty-with-event", PublishedAt: at(2), EventID: "ev-good"}
	goodWithBadEvent := post("good-with-bad-event", at(3))
	goodWithBadEvent.EventID = "ev-untitled"
	good := post("good", at(4))

	source.posts["p1"] = []facebook.Post{empty, emptyWithEvent, goodWithBadEvent, good}
	source.events["ev-good"] = facebook.Event{ID: "ev-good", Title: "Show", StartsAt: at(10)}
	source.events["ev-untitled"] = facebook.Event{ID: "ev-untitled"}
	publisher := newFakePublisher()
	syncer := newTestSyncer(storage, source, publisher, Options{})

	if err := syncer.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	calls := publisher.published()
	if len(calls) != 1 || calls[0].postID != "good" {
		t.Fatalf("publishability gate leaked, got %v", calls)
	}
}

func TestRunCycleFiltersByOldestBound(t *testing.T) {
	storage := newFakeStorage()
	storage.groups["c1"] = []store.AuthorizedPage{{ID: "p1", AccessToken: "t"}}
	source := newFakeSource()
	source.posts["p1"] = []facebook.Post{post("old", at(1)), post("boundary", at(5)), post("new", at(6))}
	publisher := newFakePublisher()
	syncer := newTestSyncer(storage, source, publisher, Options{OldestPost: at(5)})

	if err := syncer.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	calls := publisher.published()
	if len(calls) != 1 || calls[0].postID != "new" {
		t.Fatalf("bound is exclusive, got %v", calls)
	}
}

func TestRunCycleContinuesAfterPublishFailure(t *testing.T) {
	storage := newFakeStorage()
	storage.groups["c1"] = []store.AuthorizedPage{{ID: "p1", AccessToken: "t"}}
	source := newFakeSource()
	source.posts["p1"] = []facebook.Post{post("fails", at(1)), post("works", at(2))}
	publisher := newFakePublisher()
	publisher.failFor["fails"] = errors.New("discord rejected")
	syncer := newTestSyncer(storage, source, publisher, Options{})

	if err := syncer.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	calls := publisher.published()
	if len(calls) != 1 || calls[0].postID != "works" {
		t.Fatalf("publish failure should skip only that post, got %v", calls)
	}
	if _, ok := storage.delivered[deliveryKey("c1", "fails")]; ok {
		t.Fatal("failed publish must not be recorded as delivered")
	}

	// Next cycle retries the failed post.
	delete(publisher.failFor, "fails")
	if err := syncer.RunCycle(context.Background()); err != nil {
		t.Fatalf("retry cycle: %v", err)
	}
	calls = publisher.published()
	if len(calls) != 2 || calls[1].postID != "fails" {
		t.Fatalf("expected natural retry of the failed post, got %v", calls)
	}
}

func TestRunCycleRecoversFromCrashBetweenPublishAndRecord(t *testing.T) {
	storage := newFakeStorage()
	storage.groups["c1"] = []store.AuthorizedPage{{ID: "p1", AccessToken: "t"}}
	source := newFakeSource()
	source.posts["p1"] = []facebook.Post{post("x", at(1))}
	publisher := newFakePublisher()
	syncer := newTestSyncer(storage, source, publisher, Options{})

	// Cycle 1: publish succeeds but the ledger write is lost.
	storage.recordSkip[deliveryKey("c1", "x")] = true
	if err := syncer.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle 1: %v", err)
	}
	if len(publisher.published()) != 1 {
		t.Fatalf("expected 1 publish in cycle 1")
	}

	// Cycle 2: the item is re-attempted and this time recorded.
	storage.recordSkip = map[string]bool{}
	if err := syncer.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle 2: %v", err)
	}
	if got := len(publisher.published()); got != 2 {
		t.Fatalf("expected re-publish in cycle 2, got %d calls", got)
	}

	// Cycle 3: no further attempts.
	if err := syncer.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle 3: %v", err)
	}
	if got := len(publisher.published()); got != 2 {
		t.Fatalf("expected no publish in cycle 3, got %d calls", got)
	}
}

func TestRunCyclePropagatesStorageErrors(t *testing.T) {
	storage := newFakeStorage()
	storage.groupsErr = errors.New("disk gone")
	syncer := newTestSyncer(storage, newFakeSource(), newFakePublisher(), Options{})
	if err := syncer.RunCycle(context.Background()); err == nil {
		t.Fatal("expected assignment load failure to propagate")
	}

	storage = newFakeStorage()
	storage.groups["c1"] = []store.AuthorizedPage{{ID: "p1", AccessToken: "t"}}
	storage.checkErr = errors.New("ledger unreadable")
	source := newFakeSource()
	source.posts["p1"] = []facebook.Post{post("a", at(1))}
	publisher := newFakePublisher()
	syncer = newTestSyncer(storage, source, publisher, Options{})
	if err := syncer.RunCycle(context.Background()); err == nil {
		t.Fatal("expected dedup check failure to propagate")
	}
	if len(publisher.published()) != 0 {
		t.Fatal("nothing may publish when the ledger cannot be read")
	}

	storage.checkErr = nil
	storage.recordErr = errors.New("ledger unwritable")
	if err := syncer.RunCycle(context.Background()); err == nil {
		t.Fatal("expected record failure to propagate")
	}
}

func TestRunCycleRejectsOverlap(t *testing.T) {
	storage := newFakeStorage()
	storage.groups["c1"] = []store.AuthorizedPage{{ID: "p1", AccessToken: "t"}}
	blocker := make(chan struct{})
	source := &blockingSource{started: make(chan struct{}), release: blocker}
	publisher := newFakePublisher()
	syncer := newTestSyncer(storage, source, publisher, Options{})

	done := make(chan error, 1)
	go func() { done <- syncer.RunCycle(context.Background()) }()

	// Wait for the first cycle to be inside the fetch stage.
	<-source.started
	if err := syncer.RunCycle(context.Background()); !errors.Is(err, ErrCycleInProgress) {
		t.Fatalf("expected ErrCycleInProgress, got %v", err)
	}
	close(blocker)
	if err := <-done; err != nil {
		t.Fatalf("first cycle: %v", err)
	}
}

type blockingSource struct {
	startOnce sync.Once
	started   chan struct{}
	release   chan struct{}
}

func (b *blockingSource) FetchRecentPosts(ctx context.Context, pageID, accessToken string) ([]facebook.Post, error) {
	b.startOnce.Do(func() { close(b.started) })
	<-b.release
	return nil, nil
}

func (b *blockingSource) FetchEventDetail(ctx context.Context, eventID, accessToken string) (facebook.Event, error) {
	return facebook.Event{}, errors.New("not used")
}
