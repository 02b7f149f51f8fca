package submitter_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/posepulse/internal/adapters/http/submitter"
	"github.com/okian/posepulse/internal/domain/model"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func record(t *testing.T) model.SubmissionRecord {
	t.Helper()
	body, err := json.Marshal(model.SubmissionPayload{
		AnalysisData:    model.MetricsResult{OverallScore: 77, TotalFrames: 120, ComputedAt: epoch, Mode: model.ModeBatch},
		UserID:          "user-9",
		SubmissionType:  "analysis",
		ClientTimestamp: epoch,
	})
	if err != nil {
		t.Fatal(err)
	}
	return model.SubmissionRecord{ID: 4, ContentHash: "abc123", Payload: string(body), RetryCount: 2}
}

func TestSubmitter_AgainstServer(t *testing.T) {
	Convey("Given a remote API", t, func() {
		type captured struct {
			method, path, auth, key string
			body                    map[string]any
		}
		seen := make(chan captured, 1)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c := captured{
				method: r.Method,
				path:   r.URL.Path,
				auth:   r.Header.Get("Authorization"),
				key:    r.Header.Get("Idempotency-Key"),
			}
			b, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(b, &c.body)
			seen <- c
			w.WriteHeader(http.StatusCreated)
		}))
		Reset(srv.Close)

		sub, err := submitter.New(srv.URL+"/api/v1/",
			submitter.WithTokenProvider(submitter.StaticToken("secret")),
			submitter.WithRatePerMinute(0),
		)
		So(err, ShouldBeNil)

		Convey("When a record is submitted", func() {
			res := sub.Submit(context.Background(), record(t))

			Convey("Then it should be posted with auth, idempotency key and retry count", func() {
				So(res.Outcome, ShouldEqual, submitter.Delivered)
				So(res.StatusCode, ShouldEqual, http.StatusCreated)
				So(res.Token, ShouldEqual, "secret")
				got := <-seen
				So(got.method, ShouldEqual, http.MethodPost)
				So(got.path, ShouldEqual, "/api/v1/submissions")
				So(got.auth, ShouldEqual, "Bearer secret")
				So(got.key, ShouldEqual, "abc123")
				So(got.body["user_id"], ShouldEqual, "user-9")
				So(got.body["submission_type"], ShouldEqual, "analysis")
				So(got.body["retry_count"], ShouldEqual, 2)
				data, ok := got.body["analysis_data"].(map[string]any)
				So(ok, ShouldBeTrue)
				So(data["overallScore"], ShouldEqual, 77)
				So(got.body, ShouldContainKey, "client_timestamp")
			})
		})
	})
}

func TestSubmitter_Outcomes(t *testing.T) {
	Convey("Given a submitter on a scripted client", t, func() {
		mock := submitter.NewMockHTTPClient()
		sub, err := submitter.New("http://api.test",
			submitter.WithHTTPClient(mock),
			submitter.WithRatePerMinute(0),
		)
		So(err, ShouldBeNil)
		ctx := context.Background()

		cases := []struct {
			status int
			want   submitter.Outcome
		}{
			{http.StatusOK, submitter.Delivered},
			{http.StatusUnauthorized, submitter.Auth},
			{http.StatusForbidden, submitter.Auth},
			{http.StatusBadRequest, submitter.Rejected},
			{http.StatusUnprocessableEntity, submitter.Rejected},
			{http.StatusTooManyRequests, submitter.Throttled},
			{http.StatusInternalServerError, submitter.Transient},
			{http.StatusBadGateway, submitter.Transient},
			{http.StatusNotFound, submitter.Transient},
		}

		Convey("Then each status should map to its outcome", func() {
			for _, c := range cases {
				mock.AddResponse(c.status, `{"detail":"x"}`)
				res := sub.Submit(ctx, record(t))
				So(res.Outcome, ShouldEqual, c.want)
				So(res.StatusCode, ShouldEqual, c.status)
				if c.want != submitter.Delivered {
					So(res.Message, ShouldContainSubstring, `{"detail":"x"}`)
				}
			}
			So(mock.RequestCount(), ShouldEqual, len(cases))
			req, ok := mock.GetRequest(0)
			So(ok, ShouldBeTrue)
			So(req.Header.Get("Authorization"), ShouldBeEmpty)
		})

		Convey("When the network fails", func() {
			mock.AddErrorResponse(errors.New("connection refused"))
			res := sub.Submit(ctx, record(t))

			Convey("Then the attempt should be transient", func() {
				So(res.Outcome, ShouldEqual, submitter.Transient)
				So(res.StatusCode, ShouldEqual, 0)
				So(res.Message, ShouldContainSubstring, "connection refused")
			})
		})

		Convey("When the server throttles with Retry-After", func() {
			mock.AddResponseWithHeaders(http.StatusTooManyRequests, "", http.Header{"Retry-After": []string{"12"}})
			res := sub.Submit(ctx, record(t))

			Convey("Then the requested delay should be reported", func() {
				So(res.Outcome, ShouldEqual, submitter.Throttled)
				So(res.RetryAfter, ShouldEqual, 12*time.Second)
			})
		})

		Convey("When the stored payload is corrupt", func() {
			rec := record(t)
			rec.Payload = "{"
			res := sub.Submit(ctx, rec)

			Convey("Then it should be rejected without a request", func() {
				So(res.Outcome, ShouldEqual, submitter.Rejected)
				So(mock.RequestCount(), ShouldEqual, 0)
			})
		})
	})

	Convey("Given a token provider that fails", t, func() {
		mock := submitter.NewMockHTTPClient()
		sub, err := submitter.New("http://api.test",
			submitter.WithHTTPClient(mock),
			submitter.WithTokenProvider(submitter.TokenFunc(func(context.Context) (string, error) {
				return "", errors.New("signed out")
			})),
		)
		So(err, ShouldBeNil)

		Convey("Then the attempt should be classified as auth without a request", func() {
			res := sub.Submit(context.Background(), record(t))
			So(res.Outcome, ShouldEqual, submitter.Auth)
			So(mock.RequestCount(), ShouldEqual, 0)
			_, err := sub.Token(context.Background())
			So(errors.Is(err, submitter.ErrToken), ShouldBeTrue)
		})
	})

	Convey("Given no base URL", t, func() {
		_, err := submitter.New("  ")

		Convey("Then construction should fail", func() {
			So(errors.Is(err, submitter.ErrNoBaseURL), ShouldBeTrue)
		})
	})
}

func TestRetryAfter(t *testing.T) {
	Convey("Given Retry-After values", t, func() {
		now := epoch
		So(submitter.RetryAfter("", now), ShouldEqual, 0)
		So(submitter.RetryAfter("30", now), ShouldEqual, 30*time.Second)
		So(submitter.RetryAfter("-4", now), ShouldEqual, 0)
		So(submitter.RetryAfter("soon", now), ShouldEqual, 0)
		So(submitter.RetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now), ShouldEqual, 90*time.Second)
		So(submitter.RetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now), ShouldEqual, 0)
	})
}

func TestOutcome(t *testing.T) {
	Convey("Given outcomes", t, func() {
		So(submitter.Delivered.String(), ShouldEqual, "delivered")
		So(submitter.Throttled.String(), ShouldEqual, "throttled")
		So(submitter.Auth.Kind(), ShouldEqual, model.ErrorKindAuth)
		So(submitter.Rejected.Kind(), ShouldEqual, model.ErrorKindRejected)
		So(submitter.Delivered.Kind(), ShouldEqual, model.ErrorKindNone)
	})
}
