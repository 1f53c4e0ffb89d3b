package importer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lachwilkes/raceday/internal/domain"
	"github.com/lachwilkes/raceday/internal/pfapi"
	"github.com/lachwilkes/raceday/internal/repository"
)

type fakeSource struct {
	calls     int
	responses []fetchResponse
}

type fetchResponse struct {
	result *pfapi.FetchResult
	err    error
}

func (s *fakeSource) FetchMeetings(ctx context.Context, date string) (*pfapi.FetchResult, error) {
	idx := s.calls
	s.calls++
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	resp := s.responses[idx]
	return resp.result, resp.err
}

type fakeStore struct {
	existing   map[domain.MeetingKey]domain.Meeting
	getErr     error
	applyErr   error
	applyCalls int
	gotInsert  []domain.Meeting
	gotUpdate  []domain.Meeting
}

func (s *fakeStore) GetByKeys(ctx context.Context, keys []domain.MeetingKey) (map[domain.MeetingKey]domain.Meeting, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	result := make(map[domain.MeetingKey]domain.Meeting)
	for _, key := range keys {
		if m, ok := s.existing[key]; ok {
			result[key] = m
		}
	}
	return result, nil
}

func (s *fakeStore) ApplyChanges(ctx context.Context, toInsert, toUpdate []domain.Meeting) (repository.Applied, error) {
	s.applyCalls++
	s.gotInsert = toInsert
	s.gotUpdate = toUpdate
	if s.applyErr != nil {
		return repository.Applied{}, s.applyErr
	}
	return repository.Applied{Inserted: len(toInsert), Updated: len(toUpdate)}, nil
}

type fakeLedger struct {
	beginErr error

	begun     *domain.ImportRun
	completed bool
	failed    bool

	gotCounts  domain.RunCounts
	gotMessage string
	gotKind    string
	gotDetail  string
}

func (l *fakeLedger) BeginRun(ctx context.Context, trigger domain.TriggerKind, targetDate string) (*domain.ImportRun, error) {
	if l.beginErr != nil {
		return nil, l.beginErr
	}
	l.begun = &domain.ImportRun{
		ID:         "run-1",
		Trigger:    trigger,
		TargetDate: targetDate,
		Status:     domain.RunStatusInProgress,
		StartedAt:  time.Now().UTC(),
	}
	return l.begun, nil
}

func (l *fakeLedger) CompleteRun(ctx context.Context, runID string, counts domain.RunCounts, message string) error {
	l.completed = true
	l.gotCounts = counts
	l.gotMessage = message
	return nil
}

func (l *fakeLedger) FailRun(ctx context.Context, runID string, counts domain.RunCounts, errorKind, detail string) error {
	l.failed = true
	l.gotCounts = counts
	l.gotKind = errorKind
	l.gotDetail = detail
	return nil
}

func (l *fakeLedger) Latest(ctx context.Context) (*domain.ImportRun, error) { return l.begun, nil }

func (l *fakeLedger) List(ctx context.Context, filter repository.ListFilter) ([]domain.ImportRun, error) {
	return nil, nil
}

type fakeArchive struct {
	enabled bool
	err     error
	gotKey  string
	gotBody []byte
}

func (a *fakeArchive) Enabled() bool { return a.enabled }

func (a *fakeArchive) Put(ctx context.Context, key string, body []byte) error {
	a.gotKey = key
	a.gotBody = body
	return a.err
}

func testMeeting(id, venue, hash string) domain.Meeting {
	return domain.Meeting{
		SourceMeetingID: id,
		MeetingDate:     "2026-09-01",
		Venue:           venue,
		PayloadHash:     hash,
	}
}

func newTestImporter(source MeetingSource, store MeetingStore, ledger Ledger, archive PayloadArchiver) (*Importer, *[]time.Duration) {
	imp := New(source, store, ledger, archive, nil, &Config{
		Retry: RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second},
	})
	var slept []time.Duration
	imp.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return imp, &slept
}

func TestRunInsertsUpdatesAndUnchanged(t *testing.T) {
	source := &fakeSource{responses: []fetchResponse{{
		result: &pfapi.FetchResult{
			Meetings: []domain.Meeting{
				testMeeting("100", "Randwick", "h1"),    // unchanged
				testMeeting("101", "Kensington", "h9"),  // venue changed
				testMeeting("102", "Eagle Farm", "h3"),  // new
			},
			Raw: []byte(`{"payLoad":[]}`),
		},
	}}}
	store := &fakeStore{existing: map[domain.MeetingKey]domain.Meeting{
		{SourceMeetingID: "100", MeetingDate: "2026-09-01"}: testMeeting("100", "Randwick", "h1"),
		{SourceMeetingID: "101", MeetingDate: "2026-09-01"}: testMeeting("101", "Flemington", "h2"),
	}}
	ledger := &fakeLedger{}

	imp, _ := newTestImporter(source, store, ledger, nil)
	run, err := imp.Run(context.Background(), domain.TriggerScheduled, "2026-09-01")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if run.Status != domain.RunStatusCompleted {
		t.Errorf("status = %s, want completed", run.Status)
	}
	want := domain.RunCounts{Fetched: 3, Inserted: 1, Updated: 1, Unchanged: 1}
	if run.Counts != want {
		t.Errorf("counts = %+v, want %+v", run.Counts, want)
	}
	if !ledger.completed || ledger.failed {
		t.Errorf("ledger completed=%v failed=%v, want completed only", ledger.completed, ledger.failed)
	}
	if ledger.gotMessage != "Processed 3 meetings: 1 inserted, 1 updated, 1 unchanged" {
		t.Errorf("message = %q", ledger.gotMessage)
	}
	if len(store.gotInsert) != 1 || store.gotInsert[0].SourceMeetingID != "102" {
		t.Errorf("insert batch = %+v, want meeting 102", store.gotInsert)
	}
	if len(store.gotUpdate) != 1 || store.gotUpdate[0].SourceMeetingID != "101" {
		t.Errorf("update batch = %+v, want meeting 101", store.gotUpdate)
	}
}

func TestRunIsIdempotentAcrossRepeats(t *testing.T) {
	batch := []domain.Meeting{
		testMeeting("100", "Randwick", "h1"),
		testMeeting("101", "Flemington", "h2"),
	}
	store := &fakeStore{existing: map[domain.MeetingKey]domain.Meeting{}}
	makeRun := func() (*domain.ImportRun, error) {
		source := &fakeSource{responses: []fetchResponse{{
			result: &pfapi.FetchResult{Meetings: batch, Raw: []byte("{}")},
		}}}
		imp, _ := newTestImporter(source, store, &fakeLedger{}, nil)
		return imp.Run(context.Background(), domain.TriggerManual, "2026-09-01")
	}

	first, err := makeRun()
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if first.Counts.Inserted != 2 {
		t.Fatalf("first run inserted = %d, want 2", first.Counts.Inserted)
	}

	// Mirror what the store would now contain.
	for _, m := range batch {
		store.existing[m.Key()] = m
	}

	second, err := makeRun()
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	want := domain.RunCounts{Fetched: 2, Unchanged: 2}
	if second.Counts != want {
		t.Errorf("second run counts = %+v, want %+v", second.Counts, want)
	}
}

func TestRunRetriesTransientFailures(t *testing.T) {
	unavailable := &pfapi.APIError{Kind: pfapi.ErrUnavailable, Status: 503, Detail: "down"}
	source := &fakeSource{responses: []fetchResponse{
		{err: unavailable},
		{err: unavailable},
		{result: &pfapi.FetchResult{Meetings: []domain.Meeting{testMeeting("100", "Randwick", "h1")}, Raw: []byte("{}")}},
	}}
	ledger := &fakeLedger{}

	imp, slept := newTestImporter(source, &fakeStore{}, ledger, nil)
	run, err := imp.Run(context.Background(), domain.TriggerScheduled, "2026-09-01")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if source.calls != 3 {
		t.Errorf("fetch calls = %d, want 3", source.calls)
	}
	wantDelays := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(*slept) != len(wantDelays) {
		t.Fatalf("sleeps = %v, want %v", *slept, wantDelays)
	}
	for i, d := range wantDelays {
		if (*slept)[i] != d {
			t.Errorf("sleep[%d] = %v, want %v", i, (*slept)[i], d)
		}
	}
	if run.Counts.Inserted != 1 {
		t.Errorf("inserted = %d, want 1", run.Counts.Inserted)
	}
}

func TestRunFailsAfterRetryCeiling(t *testing.T) {
	unavailable := &pfapi.APIError{Kind: pfapi.ErrUnavailable, Status: 503, Detail: "down"}
	source := &fakeSource{responses: []fetchResponse{{err: unavailable}}}
	store := &fakeStore{}
	ledger := &fakeLedger{}

	imp, _ := newTestImporter(source, store, ledger, nil)
	run, err := imp.Run(context.Background(), domain.TriggerScheduled, "2026-09-01")
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}

	if source.calls != 3 {
		t.Errorf("fetch calls = %d, want attempt ceiling of 3", source.calls)
	}
	if KindOf(err) != KindUpstreamUnavailable {
		t.Errorf("kind = %s, want upstream_unavailable", KindOf(err))
	}
	if run == nil || run.Status != domain.RunStatusFailed {
		t.Errorf("run = %+v, want failed run record", run)
	}
	if !ledger.failed || ledger.gotKind != string(KindUpstreamUnavailable) {
		t.Errorf("ledger failed=%v kind=%s", ledger.failed, ledger.gotKind)
	}
	if ledger.gotCounts != (domain.RunCounts{}) {
		t.Errorf("counts = %+v, want zero", ledger.gotCounts)
	}
	if store.applyCalls != 0 {
		t.Error("store mutated on failed fetch")
	}
}

func TestRunFatalKindsDoNotRetry(t *testing.T) {
	testCases := []struct {
		name     string
		fetchErr error
		wantKind ErrorKind
	}{
		{
			name:     "auth rejection",
			fetchErr: &pfapi.APIError{Kind: pfapi.ErrAuth, Status: 401, Detail: "key rejected"},
			wantKind: KindAuth,
		},
		{
			name:     "malformed payload",
			fetchErr: &pfapi.APIError{Kind: pfapi.ErrMalformed, Status: 200, Detail: "bad json"},
			wantKind: KindMalformedResponse,
		},
		{
			name:     "date horizon",
			fetchErr: &pfapi.APIError{Kind: pfapi.ErrDateHorizon, Detail: "too far out"},
			wantKind: KindBadRequest,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			source := &fakeSource{responses: []fetchResponse{{err: tc.fetchErr}}}
			store := &fakeStore{}
			ledger := &fakeLedger{}

			imp, slept := newTestImporter(source, store, ledger, nil)
			_, err := imp.Run(context.Background(), domain.TriggerManual, "2026-09-01")
			if err == nil {
				t.Fatal("expected error")
			}

			if source.calls != 1 {
				t.Errorf("fetch calls = %d, want 1 (no retries)", source.calls)
			}
			if len(*slept) != 0 {
				t.Errorf("slept %v, want no backoff", *slept)
			}
			if KindOf(err) != tc.wantKind {
				t.Errorf("kind = %s, want %s", KindOf(err), tc.wantKind)
			}
			if store.applyCalls != 0 {
				t.Error("store mutated on fatal fetch failure")
			}
			if !ledger.failed {
				t.Error("failure not recorded in ledger")
			}
		})
	}
}

func TestRunRejectedWhileAnotherInProgress(t *testing.T) {
	source := &fakeSource{responses: []fetchResponse{{}}}
	ledger := &fakeLedger{beginErr: repository.ErrRunInProgress}

	imp, _ := newTestImporter(source, &fakeStore{}, ledger, nil)
	run, err := imp.Run(context.Background(), domain.TriggerManual, "2026-09-01")
	if err == nil {
		t.Fatal("expected concurrent run rejection")
	}

	if KindOf(err) != KindConcurrentRun {
		t.Errorf("kind = %s, want concurrent_run", KindOf(err))
	}
	// A rejected trigger never opens a ledger entry and never fetches.
	if run != nil {
		t.Errorf("run = %+v, want nil", run)
	}
	if source.calls != 0 {
		t.Errorf("fetch calls = %d, want 0", source.calls)
	}
	if ledger.failed || ledger.completed {
		t.Error("rejected trigger must not finalize anything")
	}
}

func TestRunPersistenceFailureZeroCommitted(t *testing.T) {
	source := &fakeSource{responses: []fetchResponse{{
		result: &pfapi.FetchResult{
			Meetings: []domain.Meeting{
				testMeeting("100", "Randwick", "h1"),
				testMeeting("101", "Flemington", "h2"),
			},
			Dropped: 1,
			Raw:     []byte("{}"),
		},
	}}}
	store := &fakeStore{applyErr: errors.New("disk full")}
	ledger := &fakeLedger{}

	imp, _ := newTestImporter(source, store, ledger, nil)
	run, err := imp.Run(context.Background(), domain.TriggerScheduled, "2026-09-01")
	if err == nil {
		t.Fatal("expected persistence failure")
	}

	if KindOf(err) != KindPersistence {
		t.Errorf("kind = %s, want persistence", KindOf(err))
	}
	if run.Status != domain.RunStatusFailed {
		t.Errorf("status = %s, want failed", run.Status)
	}
	// The transaction rolled back, so nothing was committed.
	want := domain.RunCounts{Fetched: 2, Failed: 1}
	if ledger.gotCounts != want {
		t.Errorf("counts = %+v, want %+v", ledger.gotCounts, want)
	}
	if ledger.gotKind != string(KindPersistence) {
		t.Errorf("ledger kind = %s", ledger.gotKind)
	}
}

func TestRunStoreLookupFailure(t *testing.T) {
	source := &fakeSource{responses: []fetchResponse{{
		result: &pfapi.FetchResult{Meetings: []domain.Meeting{testMeeting("100", "Randwick", "h1")}, Raw: []byte("{}")},
	}}}
	store := &fakeStore{getErr: errors.New("connection lost")}
	ledger := &fakeLedger{}

	imp, _ := newTestImporter(source, store, ledger, nil)
	_, err := imp.Run(context.Background(), domain.TriggerScheduled, "2026-09-01")
	if KindOf(err) != KindPersistence {
		t.Errorf("kind = %s, want persistence", KindOf(err))
	}
}

func TestRunArchivesRawPayload(t *testing.T) {
	raw := []byte(`{"payLoad":[{"meetingId":100}]}`)
	source := &fakeSource{responses: []fetchResponse{{
		result: &pfapi.FetchResult{Meetings: []domain.Meeting{testMeeting("100", "Randwick", "h1")}, Raw: raw},
	}}}
	archive := &fakeArchive{enabled: true}
	ledger := &fakeLedger{}

	imp, _ := newTestImporter(source, &fakeStore{}, ledger, archive)
	run, err := imp.Run(context.Background(), domain.TriggerScheduled, "2026-09-01")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	wantKey := fmt.Sprintf("meetings/2026-09-01/%s.json", run.ID)
	if archive.gotKey != wantKey {
		t.Errorf("archive key = %s, want %s", archive.gotKey, wantKey)
	}
	if string(archive.gotBody) != string(raw) {
		t.Error("archived body does not match raw payload")
	}
}

func TestRunArchiveFailureIsNonFatal(t *testing.T) {
	source := &fakeSource{responses: []fetchResponse{{
		result: &pfapi.FetchResult{Meetings: []domain.Meeting{testMeeting("100", "Randwick", "h1")}, Raw: []byte("{}")},
	}}}
	archive := &fakeArchive{enabled: true, err: errors.New("bucket gone")}
	ledger := &fakeLedger{}

	imp, _ := newTestImporter(source, &fakeStore{}, ledger, archive)
	run, err := imp.Run(context.Background(), domain.TriggerScheduled, "2026-09-01")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if run.Status != domain.RunStatusCompleted {
		t.Errorf("status = %s, want completed despite archive failure", run.Status)
	}
}

func TestRunDroppedRecordsReduceFetchedSet(t *testing.T) {
	source := &fakeSource{responses: []fetchResponse{{
		result: &pfapi.FetchResult{
			Meetings: []domain.Meeting{testMeeting("100", "Randwick", "h1")},
			Dropped:  2,
			Raw:      []byte("{}"),
		},
	}}}
	ledger := &fakeLedger{}

	imp, _ := newTestImporter(source, &fakeStore{}, ledger, nil)
	run, err := imp.Run(context.Background(), domain.TriggerScheduled, "2026-09-01")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if run.Counts.Fetched != 1 || run.Counts.Failed != 2 {
		t.Errorf("counts = %+v, want fetched=1 failed=2", run.Counts)
	}
	if ledger.gotMessage != "Processed 1 meetings: 1 inserted, 0 updated, 0 unchanged, 2 dropped" {
		t.Errorf("message = %q", ledger.gotMessage)
	}
}

func TestRunDuplicateKeysCoveredByCounts(t *testing.T) {
	source := &fakeSource{responses: []fetchResponse{{
		result: &pfapi.FetchResult{
			Meetings: []domain.Meeting{
				testMeeting("100", "Randwick", "h1"),
				testMeeting("100", "Royal Randwick", "h2"), // repeated key, supersedes
				testMeeting("101", "Flemington", "h3"),
			},
			Raw: []byte("{}"),
		},
	}}}
	ledger := &fakeLedger{}

	imp, _ := newTestImporter(source, &fakeStore{}, ledger, nil)
	run, err := imp.Run(context.Background(), domain.TriggerScheduled, "2026-09-01")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Fetched covers all three observations; the superseded duplicate lands
	// in Failed so the counts stay exhaustive.
	want := domain.RunCounts{Fetched: 3, Inserted: 2, Failed: 1}
	if run.Counts != want {
		t.Errorf("counts = %+v, want %+v", run.Counts, want)
	}
	sum := run.Counts.Inserted + run.Counts.Updated + run.Counts.Unchanged + run.Counts.Failed
	if sum != run.Counts.Fetched {
		t.Errorf("partition sum = %d, want fetched = %d", sum, run.Counts.Fetched)
	}
}

func TestBackoffTable(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second}
	testCases := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 2 * time.Second},
		{attempt: 2, want: 4 * time.Second},
		{attempt: 3, want: 8 * time.Second},
		{attempt: 4, want: 10 * time.Second}, // capped
		{attempt: 5, want: 10 * time.Second},
	}
	for _, tc := range testCases {
		if got := policy.Backoff(tc.attempt); got != tc.want {
			t.Errorf("Backoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestRetryableKinds(t *testing.T) {
	policy := DefaultRetryPolicy()
	wantRetry := map[ErrorKind]bool{
		KindRateLimited:         true,
		KindUpstreamUnavailable: true,
		KindAuth:                false,
		KindMalformedResponse:   false,
		KindBadRequest:          false,
		KindPersistence:         false,
		KindConcurrentRun:       false,
	}
	for kind, want := range wantRetry {
		if got := policy.Retryable(kind); got != want {
			t.Errorf("Retryable(%s) = %v, want %v", kind, got, want)
		}
	}
}
