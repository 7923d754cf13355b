package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mike2153/NestWatcher-sub000/internal/config"
	"github.com/mike2153/NestWatcher-sub000/internal/models"
	"github.com/mike2153/NestWatcher-sub000/internal/ratelimit"
	"github.com/mike2153/NestWatcher-sub000/internal/store"
)

type fakeAPIStore struct {
	jobs       map[string]models.Job
	events     []models.JobEvent
	lastTarget string
	lastOpts   store.LifecycleOptions
	lifecycle  models.LifecycleResult
	restage    models.RestageResult
}

func (f *fakeAPIStore) GetJob(_ context.Context, key string) (models.Job, bool, error) {
	j, ok := f.jobs[key]
	return j, ok, nil
}

func (f *fakeAPIStore) ListEvents(_ context.Context, _ string, _ int) ([]models.JobEvent, error) {
	return f.events, nil
}

func (f *fakeAPIStore) UpdateLifecycle(_ context.Context, _, target string, opts store.LifecycleOptions) (models.LifecycleResult, error) {
	f.lastTarget = target
	f.lastOpts = opts
	return f.lifecycle, nil
}

func (f *fakeAPIStore) ResetForRestage(_ context.Context, _ string) (models.RestageResult, error) {
	return f.restage, nil
}

type fakeReserver struct {
	reserveOK bool
	lockRes   models.LockBatchResult
	unlockRes models.UnlockResult
	lastKeys  []string
	lastActor string
}

func (f *fakeReserver) Reserve(_ context.Context, key, actor string) (bool, error) {
	f.lastKeys = []string{key}
	f.lastActor = actor
	return f.reserveOK, nil
}

func (f *fakeReserver) Unreserve(_ context.Context, key, actor string) (bool, error) {
	return f.reserveOK, nil
}

func (f *fakeReserver) Lock(_ context.Context, key, actor string) (models.LockBatchResult, error) {
	f.lastKeys = []string{key}
	return f.lockRes, nil
}

func (f *fakeReserver) LockBatch(_ context.Context, keys []string, actor string) (models.LockBatchResult, error) {
	f.lastKeys = keys
	f.lastActor = actor
	return f.lockRes, nil
}

func (f *fakeReserver) Unlock(_ context.Context, keys []string, actor string) (models.UnlockResult, error) {
	f.lastKeys = keys
	return f.unlockRes, nil
}

func testServer(st *fakeAPIStore, rs *fakeReserver) *httptest.Server {
	srv := New(config.Config{}, st, rs, nil, nil)
	return httptest.NewServer(srv.Router())
}

func TestGetJob(t *testing.T) {
	st := &fakeAPIStore{jobs: map[string]models.Job{"J1": {Key: "J1", Status: models.StatusPending}}}
	ts := testServer(st, &fakeReserver{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/jobs/J1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var job models.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.Key != "J1" {
		t.Fatalf("job = %+v", job)
	}

	resp, err = http.Get(ts.URL + "/jobs/GHOST")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing job status = %d", resp.StatusCode)
	}
}

func TestGetJobWithSlashKey(t *testing.T) {
	st := &fakeAPIStore{jobs: map[string]models.Job{
		"batchA/job1.nc": {Key: "batchA/job1.nc", Status: models.StatusPending},
	}}
	rs := &fakeReserver{reserveOK: true}
	ts := testServer(st, rs)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/jobs/batchA%2Fjob1.nc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("encoded slash key status = %d", resp.StatusCode)
	}
	var job models.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.Key != "batchA/job1.nc" {
		t.Fatalf("job = %+v", job)
	}

	resp, err = http.Post(ts.URL+"/jobs/batchA%2Fjob1.nc/reserve", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reserve status = %d", resp.StatusCode)
	}
	if len(rs.lastKeys) != 1 || rs.lastKeys[0] != "batchA/job1.nc" {
		t.Fatalf("keys = %v", rs.lastKeys)
	}
}

func TestReserveOutcomes(t *testing.T) {
	st := &fakeAPIStore{}
	rs := &fakeReserver{reserveOK: true}
	ts := testServer(st, rs)
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/jobs/J1/reserve", nil)
	req.Header.Set("X-Actor", "operator7")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if rs.lastActor != "operator7" {
		t.Fatalf("actor = %q", rs.lastActor)
	}

	rs.reserveOK = false
	resp, err = http.Post(ts.URL+"/jobs/J1/reserve", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("lost CAS must 409, got %d", resp.StatusCode)
	}
}

func TestLockBatchSerializesShortfalls(t *testing.T) {
	st := &fakeAPIStore{}
	rs := &fakeReserver{lockRes: models.LockBatchResult{
		Reason:     models.ReasonInsufficientStock,
		Shortfalls: []models.Shortfall{{Material: "10", Required: 2, Available: 1}},
	}}
	ts := testServer(st, rs)
	defer ts.Close()

	body := strings.NewReader(`{"keys":["J1","J2"]}`)
	resp, err := http.Post(ts.URL+"/locks/batch", "application/json", body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var res models.LockBatchResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Reason != models.ReasonInsufficientStock || len(res.Shortfalls) != 1 {
		t.Fatalf("result = %+v", res)
	}
	if len(rs.lastKeys) != 2 {
		t.Fatalf("keys = %v", rs.lastKeys)
	}
}

func TestLifecycleEndpoint(t *testing.T) {
	st := &fakeAPIStore{lifecycle: models.LifecycleResult{OK: true, Status: models.StatusStaged}}
	ts := testServer(st, &fakeReserver{})
	defer ts.Close()

	body := strings.NewReader(`{"status":"STAGED","machine_id":3}`)
	resp, err := http.Post(ts.URL+"/jobs/J1/lifecycle", "application/json", body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if st.lastTarget != models.StatusStaged {
		t.Fatalf("target = %q", st.lastTarget)
	}
	if st.lastOpts.MachineID == nil || *st.lastOpts.MachineID != 3 {
		t.Fatalf("opts = %+v", st.lastOpts)
	}

	st.lifecycle = models.LifecycleResult{Reason: models.ReasonInvalidTransition, PrevStatus: models.StatusCNCFinish}
	resp, err = http.Post(ts.URL+"/jobs/J1/lifecycle", "application/json", strings.NewReader(`{"status":"STAGED"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("backward transition must 409, got %d", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/jobs/J1/lifecycle", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing status must 400, got %d", resp.StatusCode)
	}
}

func TestRestageEndpoint(t *testing.T) {
	st := &fakeAPIStore{restage: models.RestageResult{Reset: true, Iteration: 2}}
	ts := testServer(st, &fakeReserver{})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/jobs/J1/restage", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var res models.RestageResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Reset || res.Iteration != 2 {
		t.Fatalf("result = %+v", res)
	}
}

func TestLockEndpointsAreRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := ratelimit.NewTokenBucket(client, 1, 0.001, time.Minute)

	rs := &fakeReserver{lockRes: models.LockBatchResult{OK: true, Locked: []string{"J1"}}}
	srv := New(config.Config{}, &fakeAPIStore{}, rs, limiter, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/jobs/J1/lock", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first lock status = %d", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/jobs/J1/lock", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("exhausted bucket must 429, got %d", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	ts := testServer(&fakeAPIStore{}, &fakeReserver{})
	defer ts.Close()
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
