package app

import (
	"context"
	"fmt"
	"time"

	"github.com/okian/proxynas/internal/domain/dataset"
	"github.com/okian/proxynas/internal/domain/leaderboard"
	"github.com/okian/proxynas/internal/domain/model"
	"github.com/okian/proxynas/internal/domain/training"
	"github.com/okian/proxynas/pkg/logger"
	"github.com/okian/proxynas/pkg/metrics"
)

// PostTrainTop fully trains every architecture in history, in order, and
// re-ranks them on a fresh leaderboard pair keyed by post-training train
// accuracy. It returns the verified board, sentinel first. The sentinel is
// the only entry skipped.
func (s *Searcher) PostTrainTop(
	ctx context.Context,
	history []leaderboard.Entry,
	ds string,
	loaderCfg dataset.LoaderConfig,
	trainerCfg training.Config,
) ([]leaderboard.Entry, error) {
	start := time.Now()
	defer func() { metrics.RecordPostRerankDuration(time.Since(start)) }()

	post := leaderboard.NewPair(boardPostBestTrains, boardPostBestTests)
	runID := s.Progress().RunID
	for _, prev := range history {
		if prev.IsSentinel() {
			continue
		}
		id := prev.ArchID
		pctx, done := s.logger.Scope(ctx, fmt.Sprintf("post_training_%d", id))
		res, err := s.fit(pctx, id, ds, loaderCfg, training.NewTrainer(trainerCfg, s.trainerOpts()...))
		done()
		if err != nil {
			return nil, fmt.Errorf("post training arch %d: %w", id, err)
		}

		score := res.BestTrainTop1()
		promoted, err := post.Promote(ctx, id, score, s.lookup(ds))
		if err != nil {
			return nil, fmt.Errorf("post promote arch %d: %w", id, err)
		}
		ev := model.NewEvent(runID, model.EventPostRanked, id)
		if promoted {
			ev = ev.WithTestAccuracy(post.Tests.Best().Score)
		}
		ev.Score, ev.Duration = score, res.TotalTrainingTime()
		s.publish(ctx, ev)
		s.logger.Debug(ctx, "post trained",
			logger.Int("arch_id", int(id)),
			logger.Float64("train_top1", score),
			logger.Float64("previous_score", prev.Score),
		)
	}
	return post.Tests.All(), nil
}
