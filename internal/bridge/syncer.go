// Package bridge runs the fetch, filter, order, publish cycle that moves
// page posts into their assigned channels.
package bridge

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pagebridge/pagebridge/internal/facebook"
	"github.com/pagebridge/pagebridge/internal/store"
)

// ErrCycleInProgress is returned when a cycle is requested while another
// one is still running.
var ErrCycleInProgress = errors.New("sync cycle already in progress")

// ContentSource yields a page's recent posts and event details.
type ContentSource interface {
	FetchRecentPosts(ctx context.Context, pageID, accessToken string) ([]facebook.Post, error)
	FetchEventDetail(ctx context.Context, eventID, accessToken string) (facebook.Event, error)
}

// Publisher delivers one post to a channel and resolves channel names.
type Publisher interface {
	PublishPost(ctx context.Context, channelID string, post facebook.Post, event *facebook.Event) (string, error)
	ChannelName(ctx context.Context, channelID string) (string, error)
}

// Storage is the slice of the persistence store the pipeline needs.
type Storage interface {
	ListChannelPageGroups(ctx context.Context) (map[string][]store.AuthorizedPage, error)
	IsDelivered(ctx context.Context, channelID, postID string) (bool, error)
	RecordDelivery(ctx context.Context, channelID, messageID, postID string) error
}

// FetchOutcome is the per-page result of the fetch stage. A page that
// failed contributes zero posts and never aborts its siblings.
type FetchOutcome struct {
	Page  store.AuthorizedPage
	Posts []facebook.Post
	Err   error
}

// PublishOutcome is the per-post result of the publish stage.
type PublishOutcome struct {
	Post      facebook.Post
	MessageID string
	Err       error
}

type Options struct {
	// OldestPost is the exclusive lower bound on PublishedAt. The zero
	// value means no bound; dedup then rests entirely on the delivery
	// ledger.
	OldestPost time.Time
	// FetchConcurrency caps parallel page fetches. Defaults to 1 to stay
	// inside upstream rate limits.
	FetchConcurrency int
	Logger           *logrus.Logger
}

type Syncer struct {
	storage     Storage
	source      ContentSource
	publisher   Publisher
	oldest      time.Time
	concurrency int
	logger      *logrus.Logger
	running     atomic.Bool
}

func NewSyncer(storage Storage, source ContentSource, publisher Publisher, opts Options) *Syncer {
	concurrency := opts.FetchConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return &Syncer{
		storage:     storage,
		source:      source,
		publisher:   publisher,
		oldest:      opts.OldestPost,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Running reports whether a cycle is currently in flight.
func (s *Syncer) Running() bool {
	return s.running.Load()
}

// RunCycle executes one full cycle. Upstream fetch and publish failures
// are isolated and logged; storage failures abort the cycle and propagate,
// since dedup correctness depends on the ledger.
func (s *Syncer) RunCycle(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrCycleInProgress
	}
	defer s.running.Store(false)
	cyclesTotal.Inc()

	groups, err := s.storage.ListChannelPageGroups(ctx)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		s.logger.Debug("no channel assignments, cycle is a no-op")
		return nil
	}

	channels := make([]string, 0, len(groups))
	for channelID := range groups {
		channels = append(channels, channelID)
	}
	sort.Strings(channels)

	for _, channelID := range channels {
		if err := s.syncChannel(ctx, channelID, groups[channelID]); err != nil {
			return err
		}
	}
	return nil
}

type candidate struct {
	post  facebook.Post
	event *facebook.Event
}

func (s *Syncer) syncChannel(ctx context.Context, channelID string, pages []store.AuthorizedPage) error {
	outcomes := s.fetchPages(ctx, pages)

	var candidates []candidate
	for _, outcome := range outcomes {
		if outcome.Err != nil {
			fetchFailures.Inc()
			s.logger.WithError(outcome.Err).WithFields(logrus.Fields{
				"channel": channelID,
				"page":    outcome.Page.ID,
			}).Warn("page fetch failed, skipping page for this cycle")
			continue
		}
		for _, post := range outcome.Posts {
			if !s.oldest.IsZero() && !post.PublishedAt.After(s.oldest) {
				continue
			}
			var event *facebook.Event
			if post.EventID != "" {
				detail, err := s.source.FetchEventDetail(ctx, post.EventID, outcome.Page.AccessToken)
				if err != nil {
					fetchFailures.Inc()
					s.logger.WithError(err).WithFields(logrus.Fields{
						"channel": channelID,
						"post":    post.ID,
						"event":   post.EventID,
					}).Warn("event fetch failed, dropping post for this cycle")
					continue
				}
				event = &detail
			}
			if !post.Publishable() {
				continue
			}
			if event != nil && !event.Publishable() {
				continue
			}
			delivered, err := s.storage.IsDelivered(ctx, channelID, post.ID)
			if err != nil {
				return err
			}
			if delivered {
				continue
			}
			candidates = append(candidates, candidate{post: post, event: event})
		}
	}

	// The fetch stage preserves page order; this is the single explicit
	// ordering point, stable so equal timestamps keep fetch order.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].post.PublishedAt.Before(candidates[j].post.PublishedAt)
	})

	for _, c := range candidates {
		outcome := PublishOutcome{Post: c.post}
		outcome.MessageID, outcome.Err = s.publisher.PublishPost(ctx, channelID, c.post, c.event)
		if outcome.Err != nil {
			publishFailures.Inc()
			s.logger.WithError(outcome.Err).WithFields(logrus.Fields{
				"channel": channelID,
				"post":    c.post.ID,
			}).Warn("publish failed, post will be retried next cycle")
			continue
		}
		// Record before moving on so a crash mid-cycle leaves published
		// posts marked delivered.
		if err := s.storage.RecordDelivery(ctx, channelID, outcome.MessageID, c.post.ID); err != nil {
			return err
		}
		postsPublished.Inc()
		s.logger.WithFields(logrus.Fields{
			"channel": channelID,
			"post":    c.post.ID,
			"message": outcome.MessageID,
		}).Info("post published")
	}
	return nil
}

// fetchPages loads every page's feed with bounded concurrency. Results are
// kept in page order so parallelism cannot reorder downstream filtering.
func (s *Syncer) fetchPages(ctx context.Context, pages []store.AuthorizedPage) []FetchOutcome {
	outcomes := make([]FetchOutcome, len(pages))
	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup
	for i, page := range pages {
		wg.Add(1)
		go func(i int, page store.AuthorizedPage) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			posts, err := s.source.FetchRecentPosts(ctx, page.ID, page.AccessToken)
			outcomes[i] = FetchOutcome{Page: page, Posts: posts, Err: err}
		}(i, page)
	}
	wg.Wait()
	return outcomes
}
