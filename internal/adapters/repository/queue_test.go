package repository_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	. "github.com/smartystreets/goconvey/convey"
	"gorm.io/gorm"

	repository "github.com/okian/posepulse/internal/adapters/repository"
	"github.com/okian/posepulse/internal/domain/model"
	"github.com/okian/posepulse/internal/timeutil"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func memoryDB(t *testing.T) *gorm.DB {
	t.Helper()
	// A unique in-memory database per Convey pass keeps leaves isolated.
	db, err := repository.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return db
}

func newStore(t *testing.T, clock timeutil.Clock, opts ...repository.Option) *repository.Store {
	t.Helper()
	opts = append([]repository.Option{repository.WithClock(clock)}, opts...)
	s, err := repository.New(context.Background(), memoryDB(t), opts...)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func payload(user string, score float64) model.SubmissionPayload {
	return model.SubmissionPayload{
		AnalysisData: model.MetricsResult{
			OverallScore:    score,
			FormConsistency: score,
			TotalFrames:     90,
			ComputedAt:      epoch,
			Mode:            model.ModeBatch,
		},
		UserID:          user,
		SubmissionType:  "analysis",
		ClientTimestamp: epoch,
	}
}

func TestStore_Enqueue(t *testing.T) {
	Convey("Given an empty submission store", t, func() {
		ctx := context.Background()
		clock := timeutil.NewMockClock(epoch)
		store := newStore(t, clock)
		Reset(func() { _ = store.Close() })

		Convey("When a payload is enqueued", func() {
			rec, err := store.Enqueue(ctx, payload("user-1", 71))

			Convey("Then it should be stored as pending with a content hash", func() {
				So(err, ShouldBeNil)
				So(rec.ID, ShouldBeGreaterThan, 0)
				So(rec.Status, ShouldEqual, model.StatusPending)
				So(rec.ContentHash, ShouldHaveLength, 64)
				So(rec.RetryCount, ShouldEqual, 0)

				got, err := store.Get(ctx, rec.ID)
				So(err, ShouldBeNil)
				So(got.CreatedAt.Equal(epoch), ShouldBeTrue)
				p, err := got.DecodePayload()
				So(err, ShouldBeNil)
				So(p.AnalysisData.OverallScore, ShouldEqual, 71)
				So(p.SubmissionType, ShouldEqual, "analysis")
			})

			Convey("And the same payload is enqueued again", func() {
				again, err := store.Enqueue(ctx, payload("user-1", 71))

				Convey("Then a duplicate error should point at the existing record", func() {
					So(errors.Is(err, repository.ErrDuplicate), ShouldBeTrue)
					So(again, ShouldNotBeNil)
					So(again.ID, ShouldEqual, rec.ID)

					n, err := store.PendingCount(ctx)
					So(err, ShouldBeNil)
					So(n, ShouldEqual, 1)
				})
			})
		})

		Convey("When the same payload is enqueued concurrently", func() {
			var (
				wg         sync.WaitGroup
				mu         sync.Mutex
				accepted   int
				duplicates int
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := store.Enqueue(ctx, payload("user-1", 55))
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						accepted++
					case errors.Is(err, repository.ErrDuplicate):
						duplicates++
					}
				}()
			}
			wg.Wait()

			Convey("Then exactly one record should exist", func() {
				So(accepted, ShouldEqual, 1)
				So(duplicates, ShouldEqual, 7)
				counts, err := store.Counts(ctx)
				So(err, ShouldBeNil)
				So(counts[model.StatusPending], ShouldEqual, 1)
			})
		})

		Convey("When the payload has no user", func() {
			_, err := store.Enqueue(ctx, payload("", 10))

			Convey("Then it should be refused", func() {
				So(err, ShouldNotBeNil)
				So(errors.Is(err, repository.ErrDuplicate), ShouldBeFalse)
			})
		})
	})
}

func TestStore_SelectEligible(t *testing.T) {
	Convey("Given a store with several records", t, func() {
		ctx := context.Background()
		clock := timeutil.NewMockClock(epoch)
		store := newStore(t, clock)
		Reset(func() { _ = store.Close() })

		var ids []uint64
		for i := 0; i < 4; i++ {
			rec, err := store.Enqueue(ctx, payload("user-1", float64(10+i)))
			So(err, ShouldBeNil)
			ids = append(ids, rec.ID)
			clock.Advance(time.Second)
		}

		Convey("When selecting with a limit", func() {
			got, err := store.SelectEligible(ctx, 3)

			Convey("Then the oldest records come first", func() {
				So(err, ShouldBeNil)
				So(got, ShouldHaveLength, 3)
				So(got[0].ID, ShouldEqual, ids[0])
				So(got[1].ID, ShouldEqual, ids[1])
				So(got[2].ID, ShouldEqual, ids[2])
			})
		})

		Convey("When some records are in flight, completed or failed", func() {
			So(store.MarkInFlight(ctx, ids[0]), ShouldBeNil)
			So(store.MarkInFlight(ctx, ids[1]), ShouldBeNil)
			So(store.MarkCompleted(ctx, ids[1]), ShouldBeNil)
			So(store.MarkInFlight(ctx, ids[2]), ShouldBeNil)
			So(store.MarkFailed(ctx, ids[2], model.ErrorKindRejected, "422"), ShouldBeNil)

			Convey("Then only pending and retryable records are eligible", func() {
				got, err := store.SelectEligible(ctx, 10)
				So(err, ShouldBeNil)
				So(got, ShouldHaveLength, 1)
				So(got[0].ID, ShouldEqual, ids[3])

				n, err := store.PendingCount(ctx)
				So(err, ShouldBeNil)
				So(n, ShouldEqual, 2)
			})
		})

		Convey("When the oldest record is deferred into the future", func() {
			So(store.MarkInFlight(ctx, ids[0]), ShouldBeNil)
			_, err := store.MarkRetryable(ctx, ids[0], "429",
				repository.WithoutBudget(), repository.WithKind(model.ErrorKindThrottled),
				repository.WithNotBefore(clock.Now().Add(time.Minute)))
			So(err, ShouldBeNil)

			Convey("Then it should not take a slot from a record that is due", func() {
				got, err := store.SelectEligible(ctx, 1)
				So(err, ShouldBeNil)
				So(got, ShouldHaveLength, 1)
				So(got[0].ID, ShouldEqual, ids[1])
			})

			Convey("Then it should be eligible again once the time passes", func() {
				clock.Advance(time.Minute)
				got, err := store.SelectEligible(ctx, 1)
				So(err, ShouldBeNil)
				So(got, ShouldHaveLength, 1)
				So(got[0].ID, ShouldEqual, ids[0])
			})
		})

		Convey("When the limit is not positive", func() {
			_, err := store.SelectEligible(ctx, 0)

			Convey("Then it should be rejected", func() {
				So(errors.Is(err, repository.ErrInvalidLimit), ShouldBeTrue)
			})
		})
	})
}

func TestStore_Transitions(t *testing.T) {
	Convey("Given a pending record", t, func() {
		ctx := context.Background()
		clock := timeutil.NewMockClock(epoch)
		store := newStore(t, clock)
		Reset(func() { _ = store.Close() })

		rec, err := store.Enqueue(ctx, payload("user-1", 40))
		So(err, ShouldBeNil)
		id := rec.ID

		Convey("When it is marked completed without being in flight", func() {
			err := store.MarkCompleted(ctx, id)

			Convey("Then the transition should be refused", func() {
				So(errors.Is(err, repository.ErrInvalidTransition), ShouldBeTrue)
				got, _ := store.Get(ctx, id)
				So(got.Status, ShouldEqual, model.StatusPending)
			})
		})

		Convey("When it completes", func() {
			So(store.MarkInFlight(ctx, id), ShouldBeNil)
			clock.Advance(time.Second)
			So(store.MarkCompleted(ctx, id), ShouldBeNil)

			Convey("Then later transitions should be no-ops", func() {
				st, err := store.MarkRetryable(ctx, id, "late timeout")
				So(err, ShouldBeNil)
				So(st, ShouldEqual, model.StatusCompleted)
				So(store.MarkFailed(ctx, id, model.ErrorKindRejected, "late"), ShouldBeNil)
				So(store.MarkInFlight(ctx, id), ShouldBeNil)
				So(store.MarkCompleted(ctx, id), ShouldBeNil)

				got, err := store.Get(ctx, id)
				So(err, ShouldBeNil)
				So(got.Status, ShouldEqual, model.StatusCompleted)
				So(got.CompletedAt, ShouldNotBeNil)
				So(got.CompletedAt.Equal(epoch.Add(time.Second)), ShouldBeTrue)
				So(got.RetryCount, ShouldEqual, 0)
			})
		})

		Convey("When an attempt fails transiently", func() {
			So(store.MarkInFlight(ctx, id), ShouldBeNil)
			clock.Advance(2 * time.Second)
			st, err := store.MarkRetryable(ctx, id, "503 service unavailable")

			Convey("Then the retry count and error should be recorded", func() {
				So(err, ShouldBeNil)
				So(st, ShouldEqual, model.StatusRetryable)
				got, _ := store.Get(ctx, id)
				So(got.RetryCount, ShouldEqual, 1)
				So(got.ErrorKind, ShouldEqual, model.ErrorKindTransient)
				So(*got.ErrorMessage, ShouldEqual, "503 service unavailable")
				So(got.LastAttemptAt.Equal(epoch.Add(2*time.Second)), ShouldBeTrue)
			})

			Convey("And a repeated retryable mark is a no-op", func() {
				st, err := store.MarkRetryable(ctx, id, "again")
				So(err, ShouldBeNil)
				So(st, ShouldEqual, model.StatusRetryable)
				got, _ := store.Get(ctx, id)
				So(got.RetryCount, ShouldEqual, 1)
			})

			Convey("And it cannot fail without another attempt", func() {
				err := store.MarkFailed(ctx, id, model.ErrorKindRejected, "400")
				So(errors.Is(err, repository.ErrInvalidTransition), ShouldBeTrue)
			})
		})

		Convey("When an attempt fails on authentication", func() {
			So(store.MarkInFlight(ctx, id), ShouldBeNil)
			until := epoch.Add(time.Minute)
			_, err := store.MarkRetryable(ctx, id, "401", repository.WithoutBudget(),
				repository.WithKind(model.ErrorKindAuth), repository.WithNotBefore(until))

			Convey("Then the retry budget should be untouched", func() {
				So(err, ShouldBeNil)
				got, _ := store.Get(ctx, id)
				So(got.Status, ShouldEqual, model.StatusRetryable)
				So(got.RetryCount, ShouldEqual, 0)
				So(got.AuthFailures, ShouldEqual, 1)
				So(got.ErrorKind, ShouldEqual, model.ErrorKindAuth)
				So(got.NotBefore.Equal(until), ShouldBeTrue)
			})
		})

		Convey("When the record is rejected and later requeued", func() {
			So(store.MarkInFlight(ctx, id), ShouldBeNil)
			So(store.MarkFailed(ctx, id, model.ErrorKindRejected, "422 unprocessable"), ShouldBeNil)

			failed, _ := store.Get(ctx, id)
			So(failed.Status, ShouldEqual, model.StatusFailed)
			So(failed.ErrorKind, ShouldEqual, model.ErrorKindRejected)

			So(store.Requeue(ctx, id), ShouldBeNil)

			Convey("Then it should be eligible again with a fresh budget", func() {
				got, _ := store.Get(ctx, id)
				So(got.Status, ShouldEqual, model.StatusRetryable)
				So(got.RetryCount, ShouldEqual, 0)
				eligible, err := store.SelectEligible(ctx, 10)
				So(err, ShouldBeNil)
				So(eligible, ShouldHaveLength, 1)
			})

			Convey("And requeueing a non-failed record is refused", func() {
				So(errors.Is(store.Requeue(ctx, id), repository.ErrInvalidTransition), ShouldBeTrue)
			})
		})

		Convey("When an unknown record is addressed", func() {
			Convey("Then not found should be reported", func() {
				So(errors.Is(store.MarkInFlight(ctx, 999), repository.ErrNotFound), ShouldBeTrue)
				So(errors.Is(store.Requeue(ctx, 999), repository.ErrNotFound), ShouldBeTrue)
				_, err := store.Get(ctx, 999)
				So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
			})
		})
	})
}

func TestStore_RetryBudget(t *testing.T) {
	Convey("Given a record that keeps failing transiently", t, func() {
		ctx := context.Background()
		clock := timeutil.NewMockClock(epoch)
		store := newStore(t, clock, repository.WithMaxRetries(5))
		Reset(func() { _ = store.Close() })

		rec, err := store.Enqueue(ctx, payload("user-1", 33))
		So(err, ShouldBeNil)

		var last model.SubmissionStatus
		for i := 0; i < 5; i++ {
			So(store.MarkInFlight(ctx, rec.ID), ShouldBeNil)
			last, err = store.MarkRetryable(ctx, rec.ID, "500")
			So(err, ShouldBeNil)
		}

		Convey("Then the fifth failure should fail the record", func() {
			So(last, ShouldEqual, model.StatusFailed)
			got, _ := store.Get(ctx, rec.ID)
			So(got.Status, ShouldEqual, model.StatusFailed)
			So(got.RetryCount, ShouldEqual, 5)
			So(got.ErrorKind, ShouldEqual, model.ErrorKindExhausted)
		})

		Convey("Then it should never be selected again", func() {
			eligible, err := store.SelectEligible(ctx, 10)
			So(err, ShouldBeNil)
			So(eligible, ShouldBeEmpty)
		})
	})

	Convey("Given records waiting when the retry cap is lowered", t, func() {
		ctx := context.Background()
		clock := timeutil.NewMockClock(epoch)
		db := memoryDB(t)
		store, err := repository.New(ctx, db, repository.WithClock(clock))
		So(err, ShouldBeNil)
		Reset(func() { _ = store.Close() })

		rec, err := store.Enqueue(ctx, payload("user-1", 20))
		So(err, ShouldBeNil)
		for i := 0; i < 2; i++ {
			So(store.MarkInFlight(ctx, rec.ID), ShouldBeNil)
			_, err = store.MarkRetryable(ctx, rec.ID, "500")
			So(err, ShouldBeNil)
		}
		fresh, err := store.Enqueue(ctx, payload("user-1", 21))
		So(err, ShouldBeNil)

		lowered, err := repository.New(ctx, db, repository.WithClock(clock), repository.WithMaxRetries(2))
		So(err, ShouldBeNil)
		n, err := lowered.FailExhausted(ctx)

		Convey("Then only the exhausted record should fail", func() {
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 1)
			got, _ := lowered.Get(ctx, rec.ID)
			So(got.Status, ShouldEqual, model.StatusFailed)
			other, _ := lowered.Get(ctx, fresh.ID)
			So(other.Status, ShouldEqual, model.StatusPending)
		})
	})
}

func TestStore_RecoverInFlight(t *testing.T) {
	Convey("Given a database file with a record left in flight", t, func() {
		ctx := context.Background()
		clock := timeutil.NewMockClock(epoch)
		path := filepath.Join(t.TempDir(), "queue.db")

		first, err := repository.Open(ctx, path, repository.WithClock(clock))
		So(err, ShouldBeNil)
		rec, err := first.Enqueue(ctx, payload("user-1", 64))
		So(err, ShouldBeNil)
		So(first.MarkInFlight(ctx, rec.ID), ShouldBeNil)
		_, err = first.MarkRetryable(ctx, rec.ID, "timeout")
		So(err, ShouldBeNil)
		So(first.MarkInFlight(ctx, rec.ID), ShouldBeNil)
		So(first.Close(), ShouldBeNil)

		Convey("When the store is reopened", func() {
			second, err := repository.Open(ctx, path, repository.WithClock(clock))
			So(err, ShouldBeNil)
			Reset(func() { _ = second.Close() })

			Convey("Then the record should be retryable with its budget unchanged", func() {
				got, err := second.Get(ctx, rec.ID)
				So(err, ShouldBeNil)
				So(got.Status, ShouldEqual, model.StatusRetryable)
				So(got.ErrorKind, ShouldEqual, model.ErrorKindInterrupted)
				So(got.RetryCount, ShouldEqual, 1)

				eligible, err := second.SelectEligible(ctx, 5)
				So(err, ShouldBeNil)
				So(eligible, ShouldHaveLength, 1)
			})

			Convey("Then the duplicate guard should survive the restart", func() {
				_, err := second.Enqueue(ctx, payload("user-1", 64))
				So(errors.Is(err, repository.ErrDuplicate), ShouldBeTrue)
			})
		})
	})
}

func TestStore_Sweep(t *testing.T) {
	Convey("Given completed and failed records", t, func() {
		ctx := context.Background()
		clock := timeutil.NewMockClock(epoch)
		store := newStore(t, clock, repository.WithRetention(7*24*time.Hour))
		Reset(func() { _ = store.Close() })

		done, _ := store.Enqueue(ctx, payload("user-1", 1))
		failed, _ := store.Enqueue(ctx, payload("user-1", 2))
		So(store.MarkInFlight(ctx, done.ID), ShouldBeNil)
		So(store.MarkCompleted(ctx, done.ID), ShouldBeNil)
		So(store.MarkInFlight(ctx, failed.ID), ShouldBeNil)
		So(store.MarkFailed(ctx, failed.ID, model.ErrorKindRejected, "400"), ShouldBeNil)

		Convey("When the retention window has not passed", func() {
			clock.Advance(6 * 24 * time.Hour)
			n, err := store.Sweep(ctx)

			Convey("Then nothing should be deleted", func() {
				So(err, ShouldBeNil)
				So(n, ShouldEqual, 0)
			})
		})

		Convey("When the retention window has passed", func() {
			clock.Advance(8 * 24 * time.Hour)
			n, err := store.Sweep(ctx)

			Convey("Then only the completed record should be deleted", func() {
				So(err, ShouldBeNil)
				So(n, ShouldEqual, 1)
				_, err = store.Get(ctx, done.ID)
				So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
				got, err := store.Get(ctx, failed.ID)
				So(err, ShouldBeNil)
				So(got.Status, ShouldEqual, model.StatusFailed)
			})
		})
	})
}

func TestStore_ListAndCounts(t *testing.T) {
	Convey("Given records in several states", t, func() {
		ctx := context.Background()
		clock := timeutil.NewMockClock(epoch)
		store := newStore(t, clock)
		Reset(func() { _ = store.Close() })

		a, _ := store.Enqueue(ctx, payload("user-1", 1))
		clock.Advance(time.Second)
		b, _ := store.Enqueue(ctx, payload("user-1", 2))
		clock.Advance(time.Second)
		c, _ := store.Enqueue(ctx, payload("user-2", 3))
		So(store.MarkInFlight(ctx, b.ID), ShouldBeNil)
		So(store.MarkCompleted(ctx, b.ID), ShouldBeNil)

		Convey("Then listing should be newest first and filterable", func() {
			all, err := store.List(ctx, "", 10)
			So(err, ShouldBeNil)
			So(all, ShouldHaveLength, 3)
			So(all[0].ID, ShouldEqual, c.ID)
			So(all[2].ID, ShouldEqual, a.ID)

			pending, err := store.List(ctx, model.StatusPending, 10)
			So(err, ShouldBeNil)
			So(pending, ShouldHaveLength, 2)

			_, err = store.List(ctx, "", -1)
			So(errors.Is(err, repository.ErrInvalidLimit), ShouldBeTrue)
		})

		Convey("Then counts should cover every status", func() {
			counts, err := store.Counts(ctx)
			So(err, ShouldBeNil)
			So(counts, ShouldHaveLength, len(model.AllStatuses()))
			So(counts[model.StatusPending], ShouldEqual, 2)
			So(counts[model.StatusCompleted], ShouldEqual, 1)
			So(counts[model.StatusFailed], ShouldEqual, 0)

			byHash, err := store.GetByHash(ctx, c.ContentHash)
			So(err, ShouldBeNil)
			So(byHash.ID, ShouldEqual, c.ID)
		})
	})
}

func TestOpenSQLite(t *testing.T) {
	Convey("Given a path whose directory does not exist", t, func() {
		_, err := repository.OpenSQLite(filepath.Join(t.TempDir(), "missing", "queue.db"))

		Convey("Then opening should fail", func() {
			So(err, ShouldNotBeNil)
		})
	})

	Convey("Given a fresh database file", t, func() {
		db, err := repository.OpenSQLite(filepath.Join(t.TempDir(), "queue.db"))
		So(err, ShouldBeNil)
		sqlDB, _ := db.DB()
		Reset(func() { _ = sqlDB.Close() })

		Convey("Then it should run in WAL mode", func() {
			var mode string
			So(db.Raw("PRAGMA journal_mode;").Row().Scan(&mode), ShouldBeNil)
			So(mode, ShouldEqual, "wal")
		})
	})
}
