package repository_test

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/okian/proxynas/internal/adapters/repository"
	"github.com/okian/proxynas/internal/domain/arch"
	. "github.com/smartystreets/goconvey/convey"
)

func acc(v float64) *float64 { return &v }

func TestMemoryStore(t *testing.T) {
	Convey("Given an empty memory store", t, func() {
		ctx := context.Background()
		store := repository.NewMemoryStore()

		Convey("Then it tracks nothing", func() {
			n, err := store.Count(ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 0)
			_, err = store.Rank(ctx, 3)
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
		})

		Convey("When recording results for several architectures", func() {
			for _, r := range []repository.Result{
				{ArchID: 4, Score: 0.70},
				{ArchID: 9, Score: 0.65},
				{ArchID: 2, Score: 0.80},
				{ArchID: 1, Score: 0.70},
			} {
				ok, err := store.Record(ctx, r)
				So(err, ShouldBeNil)
				So(ok, ShouldBeTrue)
			}

			Convey("Then TopN orders by score desc and id asc", func() {
				top, err := store.TopN(ctx, 10)
				So(err, ShouldBeNil)
				So(len(top), ShouldEqual, 4)
				ids := []arch.ID{top[0].ArchID, top[1].ArchID, top[2].ArchID, top[3].ArchID}
				So(ids, ShouldResemble, []arch.ID{2, 1, 4, 9})
				So(top[0].Rank, ShouldEqual, 1)
				So(top[3].Rank, ShouldEqual, 4)
			})

			Convey("Then Rank agrees with TopN", func() {
				e, err := store.Rank(ctx, 4)
				So(err, ShouldBeNil)
				So(e.Rank, ShouldEqual, 3)
				So(e.Score, ShouldEqual, 0.70)
			})

			Convey("Then TopN truncates to the limit", func() {
				top, err := store.TopN(ctx, 2)
				So(err, ShouldBeNil)
				So(len(top), ShouldEqual, 2)
			})

			Convey("When a lower score arrives for a known architecture", func() {
				ok, err := store.Record(ctx, repository.Result{ArchID: 2, Score: 0.10})

				Convey("Then the best score is kept", func() {
					So(err, ShouldBeNil)
					So(ok, ShouldBeFalse)
					e, _ := store.Rank(ctx, 2)
					So(e.Score, ShouldEqual, 0.80)
				})
			})

			Convey("When a higher score arrives for a known architecture", func() {
				ok, err := store.Record(ctx, repository.Result{ArchID: 9, Score: 0.95})

				Convey("Then the architecture moves to the top", func() {
					So(err, ShouldBeNil)
					So(ok, ShouldBeTrue)
					e, _ := store.Rank(ctx, 9)
					So(e.Rank, ShouldEqual, 1)
					n, _ := store.Count(ctx)
					So(n, ShouldEqual, 4)
				})
			})

			Convey("When the oracle accuracy arrives with the same score", func() {
				ok, err := store.Record(ctx, repository.Result{ArchID: 1, Score: 0.70, TestAccuracy: acc(93.1)})

				Convey("Then it is attached without counting as an improvement", func() {
					So(err, ShouldBeNil)
					So(ok, ShouldBeFalse)
					e, _ := store.Rank(ctx, 1)
					So(e.TestAccuracy, ShouldNotBeNil)
					So(*e.TestAccuracy, ShouldEqual, 93.1)
				})

				Convey("Then a later improvement without accuracy keeps it", func() {
					_, _ = store.Record(ctx, repository.Result{ArchID: 1, Score: 0.9})
					e, _ := store.Rank(ctx, 1)
					So(e.TestAccuracy, ShouldNotBeNil)
					So(*e.TestAccuracy, ShouldEqual, 93.1)
				})
			})
		})

		Convey("When the limit is invalid", func() {
			_, err := store.TopN(ctx, 0)
			So(errors.Is(err, repository.ErrInvalidLimit), ShouldBeTrue)
		})

		Convey("When the score is NaN", func() {
			_, err := store.Record(ctx, repository.Result{ArchID: 1, Score: math.NaN()})
			So(errors.Is(err, repository.ErrInvalidScore), ShouldBeTrue)
		})
	})

	Convey("Given many random updates", t, func() {
		ctx := context.Background()
		store := repository.NewMemoryStore()
		rng := rand.New(rand.NewSource(11)) //nolint:gosec // deterministic test seed
		best := map[arch.ID]float64{}
		for i := 0; i < 2000; i++ {
			id := arch.ID(rng.Intn(300))
			score := math.Round(rng.Float64()*1000) / 1000
			_, err := store.Record(ctx, repository.Result{ArchID: id, Score: score})
			So(err, ShouldBeNil)
			if old, ok := best[id]; !ok || score > old {
				best[id] = score
			}
		}

		Convey("Then the ranking matches a sorted reference", func() {
			type pair struct {
				id    arch.ID
				score float64
			}
			ref := make([]pair, 0, len(best))
			for id, s := range best {
				ref = append(ref, pair{id, s})
			}
			sort.Slice(ref, func(i, j int) bool {
				if ref[i].score != ref[j].score {
					return ref[i].score > ref[j].score
				}
				return ref[i].id < ref[j].id
			})

			top, err := store.TopN(ctx, len(ref))
			So(err, ShouldBeNil)
			So(len(top), ShouldEqual, len(ref))
			for i, p := range ref {
				So(top[i].ArchID, ShouldEqual, p.id)
				e, _ := store.Rank(ctx, p.id)
				So(e.Rank, ShouldEqual, i+1)
			}
		})
	})

	Convey("Given concurrent writers", t, func() {
		ctx := context.Background()
		store := repository.NewMemoryStore()
		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 100; i++ {
					_, _ = store.Record(ctx, repository.Result{ArchID: arch.ID(i), Score: float64(w)})
				}
			}(w)
		}
		wg.Wait()

		Convey("Then each architecture holds the highest score written", func() {
			n, _ := store.Count(ctx)
			So(n, ShouldEqual, 100)
			e, _ := store.Rank(ctx, 42)
			So(e.Score, ShouldEqual, 7.0)
		})
	})
}
