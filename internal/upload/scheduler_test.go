package upload_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/posepulse/internal/adapters/http/submitter"
	"github.com/okian/posepulse/internal/adapters/repository"
	"github.com/okian/posepulse/internal/domain/model"
	"github.com/okian/posepulse/internal/timeutil"
	"github.com/okian/posepulse/internal/upload"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	ctx   context.Context
	clock *timeutil.MockClock
	store *repository.Store
	http  *submitter.MockHTTPClient
	sub   *submitter.Submitter
}

func newHarness(t *testing.T, storeOpts []repository.Option, subOpts ...submitter.Option) *harness {
	t.Helper()
	ctx := context.Background()
	clock := timeutil.NewMockClock(epoch)
	db, err := repository.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	store, err := repository.New(ctx, db, append([]repository.Option{repository.WithClock(clock)}, storeOpts...)...)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	mock := submitter.NewMockHTTPClient()
	sub, err := submitter.New("http://api.test", append([]submitter.Option{
		submitter.WithHTTPClient(mock),
		submitter.WithRatePerMinute(0),
		submitter.WithClock(clock),
		submitter.WithTokenProvider(submitter.StaticToken("token-1")),
	}, subOpts...)...)
	if err != nil {
		t.Fatalf("new submitter: %v", err)
	}
	return &harness{ctx: ctx, clock: clock, store: store, http: mock, sub: sub}
}

func (h *harness) scheduler(opts ...upload.Option) *upload.Scheduler {
	return upload.NewScheduler(h.store, h.sub, append([]upload.Option{
		upload.WithClock(h.clock),
		upload.WithBackoff(time.Second, time.Hour),
	}, opts...)...)
}

func (h *harness) enqueue(score float64) *model.SubmissionRecord {
	rec, err := h.store.Enqueue(h.ctx, model.SubmissionPayload{
		AnalysisData:    model.MetricsResult{OverallScore: score, TotalFrames: 30, ComputedAt: epoch, Mode: model.ModeBatch},
		UserID:          "user-1",
		SubmissionType:  "analysis",
		ClientTimestamp: epoch,
	})
	So(err, ShouldBeNil)
	return rec
}

func (h *harness) get(id uint64) *model.SubmissionRecord {
	rec, err := h.store.Get(h.ctx, id)
	So(err, ShouldBeNil)
	return rec
}

// forceSync runs ForceSync while moving the mock clock forward in poll-sized
// steps, since grace and polling follow the scheduler clock.
func (h *harness) forceSync(sched *upload.Scheduler) (bool, error) {
	type result struct {
		drained bool
		err     error
	}
	done := make(chan result, 1)
	go func() {
		drained, err := sched.ForceSync(h.ctx)
		done <- result{drained, err}
	}()
	for {
		select {
		case r := <-done:
			return r.drained, r.err
		case <-time.After(2 * time.Millisecond):
			h.clock.Advance(100 * time.Millisecond)
		}
	}
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestBackoffDelay(t *testing.T) {
	Convey("Given a one second base and a one hour cap", t, func() {
		cases := map[int]time.Duration{
			-1: 0,
			0:  0,
			1:  time.Second,
			2:  2 * time.Second,
			3:  4 * time.Second,
			5:  16 * time.Second,
			13: time.Hour,
			40: time.Hour,
		}
		for n, want := range cases {
			So(upload.BackoffDelay(n, time.Second, time.Hour), ShouldEqual, want)
		}
		So(upload.BackoffDelay(4, time.Second, 0), ShouldEqual, 8*time.Second)
	})
}

func TestDue(t *testing.T) {
	Convey("Given records with attempt history", t, func() {
		now := epoch
		before := func(d time.Duration) *time.Time { ts := now.Add(-d); return &ts }
		after := func(d time.Duration) *time.Time { ts := now.Add(d); return &ts }

		So(upload.Due(&model.SubmissionRecord{}, now, time.Second, time.Hour), ShouldBeTrue)
		So(upload.Due(&model.SubmissionRecord{RetryCount: 2, LastAttemptAt: before(time.Second)}, now, time.Second, time.Hour), ShouldBeFalse)
		So(upload.Due(&model.SubmissionRecord{RetryCount: 2, LastAttemptAt: before(2 * time.Second)}, now, time.Second, time.Hour), ShouldBeTrue)
		So(upload.Due(&model.SubmissionRecord{NotBefore: after(time.Second)}, now, time.Second, time.Hour), ShouldBeFalse)
		So(upload.Due(&model.SubmissionRecord{NotBefore: before(time.Second)}, now, time.Second, time.Hour), ShouldBeTrue)
	})
}

func TestScheduler_RetriesUntilDelivered(t *testing.T) {
	Convey("Given a remote API that fails three times then accepts", t, func() {
		h := newHarness(t, nil)
		Reset(func() { _ = h.store.Close() })
		h.http.AddResponse(500, "boom").AddResponse(500, "boom").AddResponse(500, "boom").AddResponse(201, "")
		sched := h.scheduler()
		rec := h.enqueue(70)

		Convey("When runs follow the backoff schedule", func() {
			for i, wait := range []time.Duration{0, time.Second, 2 * time.Second, 4 * time.Second} {
				h.clock.Advance(wait)
				rs, err := sched.RunOnce(h.ctx)
				So(err, ShouldBeNil)
				So(rs.Attempted, ShouldEqual, 1)
				So(h.http.RequestCount(), ShouldEqual, i+1)
			}

			Convey("Then the record should be completed with three retries", func() {
				got := h.get(rec.ID)
				So(got.Status, ShouldEqual, model.StatusCompleted)
				So(got.RetryCount, ShouldEqual, 3)

				for i := 0; i < 4; i++ {
					req, ok := h.http.GetRequest(i)
					So(ok, ShouldBeTrue)
					var body map[string]any
					So(json.Unmarshal(req.Body, &body), ShouldBeNil)
					So(body["retry_count"], ShouldEqual, float64(i))
					So(req.Header.Get("Idempotency-Key"), ShouldEqual, rec.ContentHash)
				}
			})
		})
	})
}

func TestScheduler_Backoff(t *testing.T) {
	Convey("Given a record that failed transiently", t, func() {
		h := newHarness(t, nil)
		Reset(func() { _ = h.store.Close() })
		h.http.AddResponse(503, "").AddResponse(503, "")
		sched := h.scheduler()
		rec := h.enqueue(10)

		_, err := sched.RunOnce(h.ctx)
		So(err, ShouldBeNil)
		So(h.http.RequestCount(), ShouldEqual, 1)

		Convey("When a run happens before the first backoff elapsed", func() {
			h.clock.Advance(999 * time.Millisecond)
			rs, err := sched.RunOnce(h.ctx)

			Convey("Then the record should be deferred", func() {
				So(err, ShouldBeNil)
				So(rs.Deferred, ShouldEqual, 1)
				So(rs.Attempted, ShouldEqual, 0)
				So(h.http.RequestCount(), ShouldEqual, 1)
			})
		})

		Convey("When the backoff elapsed and the retry fails again", func() {
			h.clock.Advance(time.Second)
			_, err := sched.RunOnce(h.ctx)
			So(err, ShouldBeNil)
			So(h.http.RequestCount(), ShouldEqual, 2)
			So(h.get(rec.ID).RetryCount, ShouldEqual, 2)

			Convey("Then the next attempt should wait twice as long", func() {
				h.clock.Advance(1999 * time.Millisecond)
				rs, _ := sched.RunOnce(h.ctx)
				So(rs.Deferred, ShouldEqual, 1)

				h.clock.Advance(time.Millisecond)
				rs, _ = sched.RunOnce(h.ctx)
				So(rs.Attempted, ShouldEqual, 1)
				So(h.http.RequestCount(), ShouldEqual, 3)
			})
		})
	})
}

func TestScheduler_Classification(t *testing.T) {
	Convey("Given a scheduler", t, func() {
		h := newHarness(t, nil)
		Reset(func() { _ = h.store.Close() })

		Convey("When the API rejects the submission", func() {
			h.http.AddResponse(http.StatusUnprocessableEntity, `{"detail":"bad score"}`)
			sched := h.scheduler()
			rec := h.enqueue(20)
			rs, err := sched.RunOnce(h.ctx)

			Convey("Then it should fail immediately and not be retried", func() {
				So(err, ShouldBeNil)
				So(rs.Failed, ShouldEqual, 1)
				got := h.get(rec.ID)
				So(got.Status, ShouldEqual, model.StatusFailed)
				So(got.ErrorKind, ShouldEqual, model.ErrorKindRejected)
				So(*got.ErrorMessage, ShouldContainSubstring, "bad score")

				h.clock.Advance(time.Hour)
				rs, _ = sched.RunOnce(h.ctx)
				So(rs.Selected, ShouldEqual, 0)
				So(h.http.RequestCount(), ShouldEqual, 1)
			})
		})

		Convey("When the API keeps failing", func() {
			for i := 0; i < 10; i++ {
				h.http.AddResponse(500, "")
			}
			sched := h.scheduler()
			rec := h.enqueue(30)
			for i := 0; i < 6; i++ {
				_, err := sched.RunOnce(h.ctx)
				So(err, ShouldBeNil)
				h.clock.Advance(time.Minute)
			}

			Convey("Then the record should fail once the budget is spent", func() {
				got := h.get(rec.ID)
				So(got.Status, ShouldEqual, model.StatusFailed)
				So(got.RetryCount, ShouldEqual, 5)
				So(got.ErrorKind, ShouldEqual, model.ErrorKindExhausted)
				So(h.http.RequestCount(), ShouldEqual, 5)
			})
		})

		Convey("When the API throttles with Retry-After", func() {
			h.http.AddResponseWithHeaders(http.StatusTooManyRequests, "", http.Header{"Retry-After": []string{"10"}})
			sched := h.scheduler()
			rec := h.enqueue(40)
			_, err := sched.RunOnce(h.ctx)
			So(err, ShouldBeNil)

			Convey("Then the record waits for the requested delay without spending budget", func() {
				got := h.get(rec.ID)
				So(got.Status, ShouldEqual, model.StatusRetryable)
				So(got.RetryCount, ShouldEqual, 0)
				So(got.ErrorKind, ShouldEqual, model.ErrorKindThrottled)

				h.clock.Advance(5 * time.Second)
				rs, _ := sched.RunOnce(h.ctx)
				So(rs.Selected, ShouldEqual, 0)
				So(h.http.RequestCount(), ShouldEqual, 1)

				h.clock.Advance(5 * time.Second)
				rs, _ = sched.RunOnce(h.ctx)
				So(rs.Delivered, ShouldEqual, 1)
				So(h.get(rec.ID).Status, ShouldEqual, model.StatusCompleted)
			})
		})
	})
}

func TestScheduler_AuthPause(t *testing.T) {
	Convey("Given a token that the API refuses", t, func() {
		var token atomic.Value
		token.Store("stale")
		h := newHarness(t, nil, submitter.WithTokenProvider(submitter.TokenFunc(func(context.Context) (string, error) {
			return token.Load().(string), nil
		})))
		Reset(func() { _ = h.store.Close() })
		h.http.AddResponse(http.StatusUnauthorized, "")

		var hooks atomic.Int32
		sched := h.scheduler(upload.WithAuthRequiredHook(func() { hooks.Add(1) }))
		first := h.enqueue(50)
		h.clock.Advance(time.Second)
		second := h.enqueue(51)

		_, err := sched.RunOnce(h.ctx)

		Convey("Then the batch should stop and uploads pause", func() {
			So(errors.Is(err, upload.ErrAuthRequired), ShouldBeTrue)
			So(sched.AuthPaused(), ShouldBeTrue)
			So(sched.Stats().AuthPaused, ShouldBeTrue)
			So(hooks.Load(), ShouldEqual, 1)
			So(h.http.RequestCount(), ShouldEqual, 1)

			got := h.get(first.ID)
			So(got.Status, ShouldEqual, model.StatusRetryable)
			So(got.RetryCount, ShouldEqual, 0)
			So(got.AuthFailures, ShouldEqual, 1)
			So(h.get(second.ID).Status, ShouldEqual, model.StatusPending)
		})

		Convey("When a run happens with the same token", func() {
			_, err := sched.RunOnce(h.ctx)

			Convey("Then nothing should be sent", func() {
				So(errors.Is(err, upload.ErrAuthRequired), ShouldBeTrue)
				So(h.http.RequestCount(), ShouldEqual, 1)
				So(hooks.Load(), ShouldEqual, 1)
			})
		})

		Convey("When the token provider yields a new token", func() {
			token.Store("fresh")
			rs, err := sched.RunOnce(h.ctx)

			Convey("Then uploads should resume", func() {
				So(err, ShouldBeNil)
				So(sched.AuthPaused(), ShouldBeFalse)
				So(rs.Delivered, ShouldEqual, 2)
				req, _ := h.http.GetRequest(1)
				So(req.Header.Get("Authorization"), ShouldEqual, "Bearer fresh")
			})
		})

		Convey("When re-authentication is signalled explicitly", func() {
			sched.Reauthenticated()
			rs, err := sched.RunOnce(h.ctx)

			Convey("Then uploads should resume", func() {
				So(err, ShouldBeNil)
				So(rs.Delivered, ShouldEqual, 2)
			})
		})
	})
}

type blockingTransport struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingTransport) Submit(context.Context, model.SubmissionRecord) submitter.Result {
	b.entered <- struct{}{}
	<-b.release
	return submitter.Result{Outcome: submitter.Delivered}
}

func (b *blockingTransport) Token(context.Context) (string, error) { return "t", nil }

func TestScheduler_SingleFlight(t *testing.T) {
	Convey("Given a run stuck on a slow upload", t, func() {
		h := newHarness(t, nil)
		Reset(func() { _ = h.store.Close() })
		h.enqueue(60)
		bt := &blockingTransport{entered: make(chan struct{}, 1), release: make(chan struct{})}
		sched := upload.NewScheduler(h.store, bt, upload.WithClock(h.clock))

		done := make(chan error, 1)
		go func() {
			_, err := sched.RunOnce(h.ctx)
			done <- err
		}()
		<-bt.entered

		Convey("When another run is requested", func() {
			_, err := sched.RunOnce(h.ctx)

			Convey("Then it should be skipped, not stacked", func() {
				So(errors.Is(err, upload.ErrBusy), ShouldBeTrue)
				So(sched.Stats().Skipped, ShouldEqual, 1)

				close(bt.release)
				So(<-done, ShouldBeNil)
				n, _ := h.store.PendingCount(h.ctx)
				So(n, ShouldEqual, 0)
			})
		})
	})
}

// hangingTransport blocks every upload until its context ends.
type hangingTransport struct {
	entered chan struct{}
}

func (h *hangingTransport) Submit(ctx context.Context, _ model.SubmissionRecord) submitter.Result {
	h.entered <- struct{}{}
	<-ctx.Done()
	return submitter.Result{Outcome: submitter.Transient, Message: ctx.Err().Error()}
}

func (h *hangingTransport) Token(context.Context) (string, error) { return "t", nil }

func TestScheduler_StopCancelsRun(t *testing.T) {
	Convey("Given a started scheduler whose upload never answers", t, func() {
		h := newHarness(t, nil)
		Reset(func() { _ = h.store.Close() })
		ht := &hangingTransport{entered: make(chan struct{}, 1)}
		sched := upload.NewScheduler(h.store, ht, upload.WithClock(h.clock), upload.WithInterval(time.Hour))
		So(sched.Start(h.ctx), ShouldBeNil)

		rec := h.enqueue(40)
		sched.Trigger()
		<-ht.entered

		Convey("When the scheduler is stopped", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			began := time.Now()
			err := sched.Stop(ctx)

			Convey("Then the upload should be cancelled instead of waited out", func() {
				So(err, ShouldBeNil)
				So(time.Since(began), ShouldBeLessThan, time.Second)
			})

			Convey("And the record should be retryable without spending its budget", func() {
				got := h.get(rec.ID)
				So(got.Status, ShouldEqual, model.StatusRetryable)
				So(got.RetryCount, ShouldEqual, 0)
				So(got.ErrorKind, ShouldEqual, model.ErrorKindInterrupted)
			})
		})
	})

	Convey("Given a forced run whose upload never answers", t, func() {
		h := newHarness(t, nil)
		Reset(func() { _ = h.store.Close() })
		ht := &hangingTransport{entered: make(chan struct{}, 1)}
		sched := upload.NewScheduler(h.store, ht, upload.WithClock(h.clock))
		rec := h.enqueue(41)

		done := make(chan error, 1)
		go func() {
			_, err := sched.RunOnce(h.ctx)
			done <- err
		}()
		<-ht.entered

		Convey("When the scheduler is stopped", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			So(sched.Stop(ctx), ShouldBeNil)

			Convey("Then the run should end with a cancellation", func() {
				So(errors.Is(<-done, context.Canceled), ShouldBeTrue)
				So(h.get(rec.ID).ErrorKind, ShouldEqual, model.ErrorKindInterrupted)
			})
		})
	})
}

func TestScheduler_TriggerWhileBusy(t *testing.T) {
	Convey("Given a started scheduler stuck on a slow upload", t, func() {
		h := newHarness(t, nil)
		bt := &blockingTransport{entered: make(chan struct{}, 1), release: make(chan struct{})}
		sched := upload.NewScheduler(h.store, bt, upload.WithClock(h.clock), upload.WithInterval(time.Hour))
		So(sched.Start(h.ctx), ShouldBeNil)
		Reset(func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = sched.Stop(ctx)
			_ = h.store.Close()
		})

		first := h.enqueue(50)
		sched.Trigger()
		<-bt.entered

		Convey("When a record is enqueued and triggered during the run", func() {
			second := h.enqueue(51)
			sched.Trigger()
			So(eventually(func() bool { return sched.Stats().Skipped >= 1 }), ShouldBeTrue)
			close(bt.release)

			Convey("Then a follow-up run should deliver it without waiting for the interval", func() {
				So(eventually(func() bool {
					a, errA := h.store.Get(h.ctx, first.ID)
					b, errB := h.store.Get(h.ctx, second.ID)
					return errA == nil && errB == nil &&
						a.Status == model.StatusCompleted && b.Status == model.StatusCompleted
				}), ShouldBeTrue)
			})
		})
	})
}

func TestScheduler_Loop(t *testing.T) {
	Convey("Given a started scheduler", t, func() {
		h := newHarness(t, nil)
		sched := h.scheduler(upload.WithInterval(30 * time.Second))
		So(sched.Start(h.ctx), ShouldBeNil)
		Reset(func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = sched.Stop(ctx)
			_ = h.store.Close()
		})

		Convey("Then starting again should fail", func() {
			So(errors.Is(sched.Start(h.ctx), upload.ErrAlreadyStarted), ShouldBeTrue)
		})

		Convey("When a record is enqueued and a run is triggered", func() {
			rec := h.enqueue(80)
			sched.Trigger()

			Convey("Then it should be delivered", func() {
				So(eventually(func() bool {
					got, err := h.store.Get(h.ctx, rec.ID)
					return err == nil && got.Status == model.StatusCompleted
				}), ShouldBeTrue)
			})
		})

		Convey("When the interval elapses", func() {
			rec := h.enqueue(81)
			h.clock.Advance(30 * time.Second)

			Convey("Then a run should deliver the record", func() {
				So(eventually(func() bool {
					got, err := h.store.Get(h.ctx, rec.ID)
					return err == nil && got.Status == model.StatusCompleted
				}), ShouldBeTrue)
			})
		})
	})
}

func TestScheduler_ForceSync(t *testing.T) {
	Convey("Given queued records", t, func() {
		h := newHarness(t, nil)
		Reset(func() { _ = h.store.Close() })
		h.enqueue(90)
		h.enqueue(91)

		Convey("When the API accepts everything", func() {
			sched := h.scheduler()
			drained, err := h.forceSync(sched)

			Convey("Then the queue should be drained", func() {
				So(err, ShouldBeNil)
				So(drained, ShouldBeTrue)
			})
		})

		Convey("When the backlog is larger than one batch", func() {
			for i := 0; i < 5; i++ {
				h.enqueue(float64(70 + i))
			}
			sched := h.scheduler(upload.WithBatchSize(2))
			drained, err := h.forceSync(sched)

			Convey("Then it should keep running batches until the queue is empty", func() {
				So(err, ShouldBeNil)
				So(drained, ShouldBeTrue)
				counts, cerr := h.store.Counts(h.ctx)
				So(cerr, ShouldBeNil)
				So(counts[model.StatusCompleted], ShouldEqual, 7)
				So(sched.Stats().Runs, ShouldBeGreaterThanOrEqualTo, 4)
			})
		})

		Convey("When the API is down and the clock stands still", func() {
			h.http.AddResponse(503, "").AddResponse(503, "")
			sched := h.scheduler(upload.WithForceSyncGrace(500 * time.Millisecond))
			done := make(chan bool, 1)
			go func() {
				drained, _ := sched.ForceSync(h.ctx)
				done <- drained
			}()

			Convey("Then it should wait until the grace period passes on the scheduler clock", func() {
				select {
				case <-done:
					So("returned before the grace period", ShouldBeEmpty)
				case <-time.After(150 * time.Millisecond):
				}
				So(eventually(func() bool {
					h.clock.Advance(500 * time.Millisecond)
					select {
					case drained := <-done:
						So(drained, ShouldBeFalse)
						return true
					default:
						return false
					}
				}), ShouldBeTrue)
			})
		})

		Convey("When the API is down", func() {
			h.http.AddResponse(503, "").AddResponse(503, "")
			sched := h.scheduler(upload.WithForceSyncGrace(30 * time.Millisecond))
			drained, err := h.forceSync(sched)

			Convey("Then it should report records still pending", func() {
				So(err, ShouldBeNil)
				So(drained, ShouldBeFalse)
			})
		})
	})
}

func TestScheduler_Sweep(t *testing.T) {
	Convey("Given a delivered record past retention", t, func() {
		h := newHarness(t, []repository.Option{repository.WithRetention(time.Hour)})
		Reset(func() { _ = h.store.Close() })
		sched := h.scheduler()
		rec := h.enqueue(99)
		_, err := sched.RunOnce(h.ctx)
		So(err, ShouldBeNil)
		So(h.get(rec.ID).Status, ShouldEqual, model.StatusCompleted)

		Convey("When a run happens after the sweep interval", func() {
			h.clock.Advance(2 * time.Hour)
			_, err := sched.RunOnce(h.ctx)

			Convey("Then the record should be swept", func() {
				So(err, ShouldBeNil)
				_, err := h.store.Get(h.ctx, rec.ID)
				So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
			})
		})
	})
}
