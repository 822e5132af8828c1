package application_test

import (
	"cmp"
	"context"
	"errors"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/ericfisherdev/workdigest/internal/domain/model"
	"github.com/ericfisherdev/workdigest/internal/domain/port/driven"
)

// --- In-memory store fakes ---

type fakeCredentialStore struct {
	mu    sync.Mutex
	creds map[int64]model.Credential
	// failReplace makes ReplaceAll fail without writing.
	failReplace bool
}

func newFakeCredentialStore() *fakeCredentialStore {
	return &fakeCredentialStore{creds: make(map[int64]model.Credential)}
}

func (f *fakeCredentialStore) Save(_ context.Context, cred model.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds[cred.SourceID] = cred
	return nil
}

func (f *fakeCredentialStore) GetBySource(_ context.Context, sourceID int64) (*model.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cred, ok := f.creds[sourceID]
	if !ok {
		return nil, nil
	}
	return &cred, nil
}

func (f *fakeCredentialStore) ListAll(_ context.Context) ([]model.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Credential, 0, len(f.creds))
	for _, c := range f.creds {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b model.Credential) int { return cmp.Compare(a.SourceID, b.SourceID) })
	return out, nil
}

func (f *fakeCredentialStore) ReplaceAll(_ context.Context, creds []model.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failReplace {
		return errors.New("disk full")
	}
	for _, c := range creds {
		f.creds[c.SourceID] = c
	}
	return nil
}

type fakeOwnerStore struct {
	mu     sync.Mutex
	owners map[string]model.Owner
}

func newFakeOwnerStore(owners ...model.Owner) *fakeOwnerStore {
	f := &fakeOwnerStore{owners: make(map[string]model.Owner)}
	for _, o := range owners {
		f.owners[o.ID] = o
	}
	return f
}

func (f *fakeOwnerStore) Upsert(_ context.Context, owner model.Owner) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.owners[owner.ID]; ok && owner.NextFireAt.IsZero() {
		owner.NextFireAt = existing.NextFireAt
	}
	f.owners[owner.ID] = owner
	return nil
}

func (f *fakeOwnerStore) Get(_ context.Context, id string) (*model.Owner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.owners[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (f *fakeOwnerStore) ListAll(_ context.Context) ([]model.Owner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Owner
	for _, o := range f.owners {
		out = append(out, o)
	}
	return out, nil
}

func (f *fakeOwnerStore) ListDue(_ context.Context, now time.Time) ([]model.Owner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Owner
	for _, o := range f.owners {
		if o.Enabled && !o.NextFireAt.IsZero() && !o.NextFireAt.After(now) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeOwnerStore) SetNextFire(_ context.Context, id string, next time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.owners[id]
	o.NextFireAt = next
	f.owners[id] = o
	return nil
}

func (f *fakeOwnerStore) nextFire(id string) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owners[id].NextFireAt
}

type fakeSourceStore struct {
	mu      sync.Mutex
	nextID  int64
	sources map[int64]model.SourceConfig
}

func newFakeSourceStore(sources ...model.SourceConfig) *fakeSourceStore {
	f := &fakeSourceStore{sources: make(map[int64]model.SourceConfig)}
	for _, s := range sources {
		f.sources[s.ID] = s
		f.nextID = max(f.nextID, s.ID)
	}
	return f
}

func (f *fakeSourceStore) Add(_ context.Context, src model.SourceConfig) (model.SourceConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	src.ID = f.nextID
	f.sources[src.ID] = src
	return src, nil
}

func (f *fakeSourceStore) Get(_ context.Context, id int64) (*model.SourceConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sources[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (f *fakeSourceStore) list(ownerID string, enabledOnly bool) []model.SourceConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.SourceConfig
	for _, s := range f.sources {
		if s.OwnerID == ownerID && (!enabledOnly || s.Enabled) {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b model.SourceConfig) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (f *fakeSourceStore) ListByOwner(_ context.Context, ownerID string) ([]model.SourceConfig, error) {
	return f.list(ownerID, false), nil
}

func (f *fakeSourceStore) ListEnabledByOwner(_ context.Context, ownerID string) ([]model.SourceConfig, error) {
	return f.list(ownerID, true), nil
}

func (f *fakeSourceStore) SetEnabled(_ context.Context, id int64, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sources[id]
	if !ok {
		return errors.New("not found")
	}
	s.Enabled = enabled
	if enabled {
		s.ConsecutiveFailures = 0
	}
	f.sources[id] = s
	return nil
}

func (f *fakeSourceStore) Update(_ context.Context, src model.SourceConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sources[src.ID]
	if !ok {
		return errors.New("not found")
	}
	s.Name = src.Name
	s.PollCadence = src.PollCadence
	s.Options = src.Options
	f.sources[src.ID] = s
	return nil
}

func (f *fakeSourceStore) RecordSuccess(_ context.Context, id int64, polledAt, watermark time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sources[id]
	s.ConsecutiveFailures = 0
	s.LastPolledAt = polledAt
	if watermark.After(s.Watermark) {
		s.Watermark = watermark
	}
	f.sources[id] = s
	return nil
}

func (f *fakeSourceStore) RecordFailure(_ context.Context, id int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sources[id]
	s.ConsecutiveFailures++
	f.sources[id] = s
	return s.ConsecutiveFailures, nil
}

func (f *fakeSourceStore) get(id int64) model.SourceConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sources[id]
}

// fakeRunStore enforces the one-active-run guard and compare-and-set
// transitions like the SQL store.
type fakeRunStore struct {
	mu     sync.Mutex
	nextID int64
	runs   map[int64]model.DigestRun
	// maxActive tracks the peak number of active runs per owner.
	maxActive map[string]int
	// activated holds reopen times, mirroring the activated_at column.
	activated map[int64]time.Time
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{
		runs:      make(map[int64]model.DigestRun),
		maxActive: make(map[string]int),
		activated: make(map[int64]time.Time),
	}
}

func (f *fakeRunStore) activeFor(ownerID string) int {
	n := 0
	for _, r := range f.runs {
		if r.OwnerID == ownerID && r.Status.IsActive() {
			n++
		}
	}
	return n
}

func (f *fakeRunStore) notePeak(ownerID string) {
	f.maxActive[ownerID] = max(f.maxActive[ownerID], f.activeFor(ownerID))
}

func (f *fakeRunStore) Create(_ context.Context, run model.DigestRun) (model.DigestRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activeFor(run.OwnerID) > 0 {
		return model.DigestRun{}, driven.ErrRunInProgress
	}
	f.nextID++
	run.ID = f.nextID
	run.Status = model.RunStatusPending
	run.CreatedAt = time.Now()
	f.runs[run.ID] = run
	f.notePeak(run.OwnerID)
	return run, nil
}

func (f *fakeRunStore) Get(_ context.Context, id int64) (*model.DigestRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (f *fakeRunStore) ListByOwner(_ context.Context, ownerID string, status model.RunStatus, _ int) ([]model.DigestRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.DigestRun
	for _, r := range f.runs {
		if r.OwnerID == ownerID && (status == "" || r.Status == status) {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b model.DigestRun) int { return cmp.Compare(b.ID, a.ID) })
	return out, nil
}

func (f *fakeRunStore) ListActive(_ context.Context) ([]model.DigestRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.DigestRun
	for _, r := range f.runs {
		if r.Status.IsActive() {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRunStore) LastDelivered(_ context.Context, ownerID string) (*model.DigestRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var last *model.DigestRun
	for _, r := range f.runs {
		if r.Status == model.RunStatusDelivered && (ownerID == "" || r.OwnerID == ownerID) {
			if last == nil || r.CompletedAt.After(last.CompletedAt) {
				last = &r
			}
		}
	}
	return last, nil
}

func (f *fakeRunStore) CountByStatus(_ context.Context, status model.RunStatus) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.runs {
		if r.Status == status {
			n++
		}
	}
	return n, nil
}

func (f *fakeRunStore) transition(id int64, from []model.RunStatus, apply func(*model.DigestRun)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok || !slices.Contains(from, r.Status) {
		return driven.ErrStaleTransition
	}
	apply(&r)
	f.runs[id] = r
	return nil
}

func (f *fakeRunStore) MarkRunning(_ context.Context, id int64, at time.Time) error {
	return f.transition(id, []model.RunStatus{model.RunStatusPending}, func(r *model.DigestRun) {
		r.Status = model.RunStatusRunning
		r.StartedAt = at
	})
}

func (f *fakeRunStore) MarkSummarized(_ context.Context, id int64, res driven.SummaryResult) error {
	return f.transition(id, []model.RunStatus{model.RunStatusRunning}, func(r *model.DigestRun) {
		r.Status = model.RunStatusSummarized
		r.DigestText = res.DigestText
		r.UsedFallback = res.UsedFallback
		r.UpdateCount = res.UpdateCount
		r.Watermark = res.Watermark
		r.IncompleteSources = res.IncompleteSources
	})
}

func (f *fakeRunStore) MarkDelivered(_ context.Context, id int64, at time.Time) error {
	return f.transition(id, []model.RunStatus{model.RunStatusSummarized}, func(r *model.DigestRun) {
		r.Status = model.RunStatusDelivered
		r.CompletedAt = at
	})
}

func (f *fakeRunStore) MarkFailed(_ context.Context, id int64, reason string, at time.Time) error {
	active := []model.RunStatus{model.RunStatusPending, model.RunStatusRunning, model.RunStatusSummarized}
	return f.transition(id, active, func(r *model.DigestRun) {
		r.Status = model.RunStatusFailed
		r.Error = reason
		r.CompletedAt = at
	})
}

func (f *fakeRunStore) Reopen(_ context.Context, id int64, at time.Time) error {
	f.mu.Lock()
	r, ok := f.runs[id]
	if ok && f.activeFor(r.OwnerID) > 0 {
		f.mu.Unlock()
		return driven.ErrRunInProgress
	}
	f.mu.Unlock()

	return f.transition(id, []model.RunStatus{model.RunStatusFailed}, func(r *model.DigestRun) {
		r.Status = model.RunStatusSummarized
		r.Error = ""
		r.CompletedAt = time.Time{}
		f.activated[id] = at
	})
}

func (f *fakeRunStore) FailStale(_ context.Context, cutoff time.Time, reason string) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for id, r := range f.runs {
		started := r.StartedAt
		if at, ok := f.activated[id]; ok {
			started = at
		} else if started.IsZero() {
			started = r.CreatedAt
		}
		if r.Status.IsActive() && started.Before(cutoff) {
			r.Status = model.RunStatusFailed
			r.Error = reason
			f.runs[id] = r
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// backdate moves a run's start time, as if it had started long ago.
func (f *fakeRunStore) backdate(id int64, startedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.runs[id]
	r.StartedAt = startedAt
	f.runs[id] = r
}

func (f *fakeRunStore) all() []model.DigestRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.DigestRun, 0, len(f.runs))
	for _, r := range f.runs {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b model.DigestRun) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (f *fakeRunStore) peakActive(ownerID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive[ownerID]
}

type fakeDeliveryStore struct {
	mu   sync.Mutex
	rows []model.DigestDelivery
}

func (f *fakeDeliveryStore) Append(_ context.Context, d model.DigestDelivery) (model.DigestDelivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d.ID = int64(len(f.rows) + 1)
	f.rows = append(f.rows, d)
	return d, nil
}

func (f *fakeDeliveryStore) ListByRun(_ context.Context, runID int64) ([]model.DigestDelivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.DigestDelivery
	for _, d := range f.rows {
		if d.RunID == runID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeDeliveryStore) CountByRun(ctx context.Context, runID int64) (int, error) {
	rows, _ := f.ListByRun(ctx, runID)
	return len(rows), nil
}

type fakeUpdateStore struct {
	mu    sync.Mutex
	byRun map[int64][]model.Update
	runs  *fakeRunStore
}

func newFakeUpdateStore(runs *fakeRunStore) *fakeUpdateStore {
	return &fakeUpdateStore{byRun: make(map[int64][]model.Update), runs: runs}
}

func (f *fakeUpdateStore) SaveForRun(_ context.Context, runID int64, updates []model.Update) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byRun[runID] = append([]model.Update(nil), updates...)
	return nil
}

func (f *fakeUpdateStore) ListByRun(_ context.Context, runID int64) ([]model.Update, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Update(nil), f.byRun[runID]...), nil
}

func (f *fakeUpdateStore) LatestDelivered(ctx context.Context, keys []model.UpdateKey) (map[model.UpdateKey]time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wanted := make(map[model.UpdateKey]bool, len(keys))
	for _, k := range keys {
		wanted[k] = true
	}
	out := make(map[model.UpdateKey]time.Time)
	for runID, updates := range f.byRun {
		run, _ := f.runs.Get(ctx, runID)
		if run == nil || run.Status != model.RunStatusDelivered {
			continue
		}
		for _, u := range updates {
			if wanted[u.Key()] && u.Timestamp.After(out[u.Key()]) {
				out[u.Key()] = u.Timestamp
			}
		}
	}
	return out, nil
}

// --- Connector, backend and channel fakes ---

type fakeConnector struct {
	sourceType model.SourceType
	mu         sync.Mutex
	// results maps a source ID to the updates it yields, followed by err.
	results map[int64][]model.Update
	errs    map[int64]error
	calls   []time.Time
	block   chan struct{}
}

func newFakeConnector(t model.SourceType) *fakeConnector {
	return &fakeConnector{sourceType: t, results: make(map[int64][]model.Update), errs: make(map[int64]error)}
}

func (c *fakeConnector) Type() model.SourceType { return c.sourceType }

func (c *fakeConnector) FetchSince(ctx context.Context, src model.SourceConfig, _ string, since time.Time) iter.Seq2[model.Update, error] {
	c.mu.Lock()
	c.calls = append(c.calls, since)
	updates := c.results[src.ID]
	err := c.errs[src.ID]
	block := c.block
	c.mu.Unlock()

	return func(yield func(model.Update, error) bool) {
		if block != nil {
			select {
			case <-block:
			case <-ctx.Done():
				yield(model.Update{}, driven.NewUnavailable(c.sourceType, ctx.Err()))
				return
			}
		}
		for _, u := range updates {
			if !yield(u, nil) {
				return
			}
		}
		if err != nil {
			yield(model.Update{}, err)
		}
	}
}

func (c *fakeConnector) sinceCalls() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Time(nil), c.calls...)
}

type fakeBackend struct {
	text    string
	err     error
	prompts []string
	mu      sync.Mutex
}

func (b *fakeBackend) Summarize(_ context.Context, prompt string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prompts = append(b.prompts, prompt)
	return b.text, b.err
}

func (b *fakeBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.prompts)
}

// fakeChannel fails the first failN sends with err, then succeeds. A non-nil
// gate holds every send until it is closed.
type fakeChannel struct {
	mu    sync.Mutex
	failN int
	err   error
	gate  chan struct{}
	sent  []sentMessage
	tries int
}

type sentMessage struct {
	Destination string
	Text        string
}

func (c *fakeChannel) Send(ctx context.Context, destination, text string) (string, error) {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.tries++
	if c.tries <= c.failN {
		return "", c.err
	}
	c.sent = append(c.sent, sentMessage{Destination: destination, Text: text})
	return "msg-" + destination, nil
}

func (c *fakeChannel) messages() []sentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentMessage(nil), c.sent...)
}

func (c *fakeChannel) attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tries
}

// fakePinger satisfies application.Pinger.
type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }
