package canon

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mindcast-backend/internal/domain"
)

type memTopics struct {
	byID   map[int64]domain.Topic
	bySlug map[string]int64
	nextID int64
}

func newMemTopics() *memTopics {
	return &memTopics{byID: map[int64]domain.Topic{}, bySlug: map[string]int64{}, nextID: 1}
}

func (m *memTopics) add(t domain.Topic) domain.Topic {
	if t.ID == 0 {
		t.ID = m.nextID
		m.nextID++
	}
	m.byID[t.ID] = t
	m.bySlug[t.Slug] = t.ID
	return t
}

func (m *memTopics) UpsertBySlug(_ context.Context, slug, title string) (domain.Topic, error) {
	if id, ok := m.bySlug[slug]; ok {
		return m.byID[id], nil
	}
	return m.add(domain.Topic{Slug: slug, Title: title, Status: domain.TopicCandidate}), nil
}

func (m *memTopics) GetBySlug(_ context.Context, slug string) (domain.Topic, error) {
	id, ok := m.bySlug[slug]
	if !ok {
		return domain.Topic{}, domain.ErrNotFound
	}
	return m.byID[id], nil
}

func (m *memTopics) GetByID(_ context.Context, id int64) (domain.Topic, error) {
	t, ok := m.byID[id]
	if !ok {
		return domain.Topic{}, domain.ErrNotFound
	}
	return t, nil
}

func (m *memTopics) MarkCanon(_ context.Context, topicID int64, episodeID *int64, promotedAt time.Time) (bool, error) {
	t, ok := m.byID[topicID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if t.Status == domain.TopicCanon {
		return false, nil
	}
	t.Status = domain.TopicCanon
	t.CanonEpisodeID = episodeID
	t.CanonPromotedAt = &promotedAt
	m.byID[topicID] = t
	return true, nil
}

func (m *memTopics) Demote(_ context.Context, topicID int64, target domain.TopicStatus) error {
	t, ok := m.byID[topicID]
	if !ok {
		return domain.ErrNotFound
	}
	t.Status = target
	t.CanonEpisodeID = nil
	t.CanonPromotedAt = nil
	m.byID[topicID] = t
	return nil
}

func (m *memTopics) SetCanonEpisode(_ context.Context, topicID, episodeID int64) error {
	t, ok := m.byID[topicID]
	if !ok {
		return domain.ErrNotFound
	}
	t.CanonEpisodeID = &episodeID
	m.byID[topicID] = t
	return nil
}

func (m *memTopics) UpdateScore(_ context.Context, topicID int64, score float64) error {
	t, ok := m.byID[topicID]
	if !ok {
		return domain.ErrNotFound
	}
	t.CanonScore = score
	m.byID[topicID] = t
	return nil
}

func (m *memTopics) List(context.Context, domain.TopicFilter) ([]domain.Topic, int, error) {
	return nil, 0, nil
}

func (m *memTopics) ListPromotable(context.Context, int, int, int) ([]domain.Topic, error) {
	return nil, nil
}

type memEpisodes struct {
	byID   map[int64]domain.Episode
	nextID int64
	// эпизоды, связанные с темой только через журнал запросов
	latestByTopic map[int64]int64
	createErr     error
}

func newMemEpisodes() *memEpisodes {
	return &memEpisodes{byID: map[int64]domain.Episode{}, latestByTopic: map[int64]int64{}, nextID: 1}
}

func (m *memEpisodes) CreateEpisode(_ context.Context, ep domain.Episode) (domain.Episode, error) {
	if m.createErr != nil {
		return domain.Episode{}, m.createErr
	}
	ep.ID = m.nextID
	m.nextID++
	ep.CreatedAt = time.Now()
	m.byID[ep.ID] = ep
	return ep, nil
}

func (m *memEpisodes) GetEpisode(_ context.Context, id int64) (domain.Episode, error) {
	ep, ok := m.byID[id]
	if !ok {
		return domain.Episode{}, domain.ErrNotFound
	}
	return ep, nil
}

func (m *memEpisodes) LatestReadyByTopic(_ context.Context, topicID int64) (domain.Episode, error) {
	var best domain.Episode
	found := false
	for _, ep := range m.byID {
		if ep.Status != domain.EpisodeReady {
			continue
		}
		linked := ep.TopicID != nil && *ep.TopicID == topicID
		if !linked {
			if id, ok := m.latestByTopic[topicID]; ok && id == ep.ID {
				linked = true
			}
		}
		if linked && (!found || ep.ID > best.ID) {
			best = ep
			found = true
		}
	}
	if !found {
		return domain.Episode{}, domain.ErrNotFound
	}
	return best, nil
}

func (m *memEpisodes) SetCanonFlag(_ context.Context, episodeID int64, isCanon bool) error {
	ep, ok := m.byID[episodeID]
	if !ok {
		return domain.ErrNotFound
	}
	ep.IsCanon = isCanon
	m.byID[episodeID] = ep
	return nil
}

func (m *memEpisodes) ListUserEpisodes(context.Context, int64, int, int) ([]domain.Episode, error) {
	return nil, nil
}

type memRequests struct {
	topics  *memTopics
	records []domain.TopicRequest
	nextID  int64
}

func newMemRequests(topics *memTopics) *memRequests {
	return &memRequests{topics: topics, nextID: 1}
}

func (m *memRequests) RecordRequest(_ context.Context, req domain.TopicRequest) (domain.Topic, error) {
	req.ID = m.nextID
	m.nextID++
	m.records = append(m.records, req)

	t := m.topics.byID[req.TopicID]
	t.RequestCount++
	seen := map[int64]struct{}{}
	for _, r := range m.records {
		if r.TopicID == req.TopicID {
			seen[r.UserID] = struct{}{}
		}
	}
	t.UniqueUsers = len(seen)
	m.topics.byID[req.TopicID] = t
	return t, nil
}

func (m *memRequests) UpdateEngagement(_ context.Context, requestID int64, completionPct *float64, saved, replayed *bool) (domain.Topic, error) {
	for i, r := range m.records {
		if r.ID != requestID {
			continue
		}
		if completionPct != nil {
			m.records[i].CompletionPct = completionPct
		}
		if saved != nil {
			m.records[i].Saved = saved
		}
		if replayed != nil {
			m.records[i].Replayed = replayed
		}
		return m.topics.byID[r.TopicID], nil
	}
	return domain.Topic{}, domain.ErrNotFound
}

func (m *memRequests) GetRequestByEpisode(_ context.Context, episodeID int64) (domain.TopicRequest, error) {
	for _, r := range m.records {
		if r.EpisodeID == episodeID {
			return r, nil
		}
	}
	return domain.TopicRequest{}, domain.ErrNotFound
}

func (m *memRequests) CountUserRequests(_ context.Context, userID int64, _ time.Time) (int, error) {
	count := 0
	for _, r := range m.records {
		if r.UserID == userID && !r.CacheHit {
			count++
		}
	}
	return count, nil
}

type memCanonJobs struct {
	byID   map[int64]domain.CanonJob
	nextID int64
}

func newMemCanonJobs() *memCanonJobs {
	return &memCanonJobs{byID: map[int64]domain.CanonJob{}, nextID: 1}
}

func (m *memCanonJobs) CreateCanonJob(_ context.Context, job domain.CanonJob) (domain.CanonJob, error) {
	job.ID = m.nextID
	m.nextID++
	job.CreatedAt = time.Now()
	m.byID[job.ID] = job
	return job, nil
}

func (m *memCanonJobs) GetCanonJob(_ context.Context, id int64) (domain.CanonJob, error) {
	job, ok := m.byID[id]
	if !ok {
		return domain.CanonJob{}, domain.ErrNotFound
	}
	return job, nil
}

func (m *memCanonJobs) MarkCanonJobRunning(_ context.Context, id int64, startedAt time.Time) error {
	job, ok := m.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	job.Status = domain.CanonJobRunning
	job.StartedAt = &startedAt
	m.byID[id] = job
	return nil
}

func (m *memCanonJobs) MarkCanonJobFinished(_ context.Context, id int64, status domain.CanonJobStatus, costCents int, jobErr *string) error {
	job, ok := m.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now()
	job.Status = status
	job.CostCents = costCents
	job.Error = jobErr
	job.CompletedAt = &now
	m.byID[id] = job
	return nil
}

func (m *memCanonJobs) CancelActiveByTopic(_ context.Context, topicID int64, reason string) (int, error) {
	cancelled := 0
	for id, job := range m.byID {
		if job.TopicID != topicID {
			continue
		}
		if job.Status != domain.CanonJobQueued && job.Status != domain.CanonJobRunning {
			continue
		}
		job.Status = domain.CanonJobFailed
		job.Error = &reason
		m.byID[id] = job
		cancelled++
	}
	return cancelled, nil
}

func (m *memCanonJobs) ListCanonJobs(context.Context, domain.JobFilter) ([]domain.CanonJob, int, error) {
	return nil, 0, nil
}

type memQueue struct {
	jobs []domain.RemasterJob
}

func (q *memQueue) Enqueue(_ context.Context, job domain.RemasterJob) error {
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *memQueue) Pop(context.Context) (domain.RemasterJob, error) {
	if len(q.jobs) == 0 {
		return domain.RemasterJob{}, errors.New("очередь пуста")
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	return job, nil
}

type fakePipeline struct {
	result domain.GenerationResult
	err    error
	calls  int
}

func (p *fakePipeline) Generate(context.Context, domain.GenerationRequest) (domain.GenerationResult, error) {
	p.calls++
	if p.err != nil {
		return domain.GenerationResult{}, p.err
	}
	return p.result, nil
}

type fixture struct {
	topics   *memTopics
	episodes *memEpisodes
	requests *memRequests
	jobs     *memCanonJobs
	queue    *memQueue
	svc      *Service
}

func newFixture() *fixture {
	topics := newMemTopics()
	episodes := newMemEpisodes()
	requests := newMemRequests(topics)
	jobs := newMemCanonJobs()
	queue := &memQueue{}
	svc := NewService(topics, episodes, requests, jobs, queue, nil, 999, zerolog.Nop())
	return &fixture{topics: topics, episodes: episodes, requests: requests, jobs: jobs, queue: queue, svc: svc}
}

func TestLookupMissForUnknownTopic(t *testing.T) {
	f := newFixture()
	hit, err := f.svc.Lookup(context.Background(), "The History of Rome")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if hit != nil {
		t.Fatalf("ожидали промах для неизвестной темы")
	}
}

func TestLookupMissForCandidate(t *testing.T) {
	f := newFixture()
	f.topics.add(domain.Topic{Slug: "history-rome", Title: "The History of Rome", Status: domain.TopicCandidate})
	hit, err := f.svc.Lookup(context.Background(), "The History of Rome")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if hit != nil {
		t.Fatalf("кандидат не должен давать попадание")
	}
}

func TestLookupMissWhenEpisodeNotReady(t *testing.T) {
	f := newFixture()
	ep, _ := f.episodes.CreateEpisode(context.Background(), domain.Episode{Status: domain.EpisodeProcessing, IsCanon: true})
	f.topics.add(domain.Topic{Slug: "history-rome", Title: "The History of Rome", Status: domain.TopicCanon, CanonEpisodeID: &ep.ID})
	hit, err := f.svc.Lookup(context.Background(), "The History of Rome")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if hit != nil {
		t.Fatalf("неготовый эпизод не должен давать попадание")
	}
}

func TestLookupHit(t *testing.T) {
	f := newFixture()
	ep, _ := f.episodes.CreateEpisode(context.Background(), domain.Episode{Status: domain.EpisodeReady, IsCanon: true, Transcript: "текст"})
	topic := f.topics.add(domain.Topic{Slug: "history-rome", Title: "The History of Rome", Status: domain.TopicCanon, CanonEpisodeID: &ep.ID})

	hit, err := f.svc.Lookup(context.Background(), "  the HISTORY of Rome!! ")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if hit == nil {
		t.Fatalf("ожидали попадание")
	}
	if hit.Topic.ID != topic.ID || hit.Episode.ID != ep.ID {
		t.Fatalf("попадание вернуло не ту пару: topic %d, episode %d", hit.Topic.ID, hit.Episode.ID)
	}
}

func TestCloneProducesIndependentCopy(t *testing.T) {
	f := newFixture()
	original, _ := f.episodes.CreateEpisode(context.Background(), domain.Episode{
		UserID:     999,
		Topic:      "The History of Rome",
		Transcript: "текст",
		AudioRef:   "s3://audio/rome.mp3",
		Length:     domain.LengthMedium,
		Status:     domain.EpisodeReady,
		IsCanon:    true,
		CostCents:  85,
	})

	clone, err := f.svc.Clone(context.Background(), original, 42)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if clone.ID == original.ID {
		t.Fatalf("клон должен быть отдельной записью")
	}
	if clone.UserID != 42 {
		t.Fatalf("клон должен принадлежать пользователю 42, получили %d", clone.UserID)
	}
	if clone.IsCanon {
		t.Fatalf("клон не должен быть каноном")
	}
	if clone.CostCents != 0 {
		t.Fatalf("клон должен быть бесплатным, получили %d", clone.CostCents)
	}
	if clone.Transcript != original.Transcript || clone.AudioRef != original.AudioRef {
		t.Fatalf("клон должен копировать контент оригинала")
	}
}

func TestPromoteEndToEnd(t *testing.T) {
	f := newFixture()
	topic := f.topics.add(domain.Topic{Slug: "history-rome", Title: "The History of Rome", Status: domain.TopicCandidate})
	ep, _ := f.episodes.CreateEpisode(context.Background(), domain.Episode{Status: domain.EpisodeReady, Topic: topic.Title})
	f.episodes.latestByTopic[topic.ID] = ep.ID

	result, err := f.svc.Promote(context.Background(), topic.ID, false)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if result.Topic.Status != domain.TopicCanon {
		t.Fatalf("ожидали статус CANON, получили %s", result.Topic.Status)
	}
	if result.Topic.CanonEpisodeID == nil || *result.Topic.CanonEpisodeID != ep.ID {
		t.Fatalf("ожидали временный канонический эпизод %d", ep.ID)
	}
	if !f.episodes.byID[ep.ID].IsCanon {
		t.Fatalf("эпизод должен получить флаг канона")
	}
	if result.JobID == nil {
		t.Fatalf("ожидали созданную ремастер-задачу")
	}
	if job := f.jobs.byID[*result.JobID]; job.Status != domain.CanonJobQueued {
		t.Fatalf("ожидали QUEUED задачу, получили %s", job.Status)
	}
	if len(f.queue.jobs) != 1 {
		t.Fatalf("ожидали 1 сообщение в очереди, получили %d", len(f.queue.jobs))
	}
}

func TestPromoteWithoutEpisode(t *testing.T) {
	f := newFixture()
	topic := f.topics.add(domain.Topic{Slug: "history-rome", Title: "The History of Rome", Status: domain.TopicCandidate})

	result, err := f.svc.Promote(context.Background(), topic.ID, false)
	if err != nil {
		t.Fatalf("продвижение без эпизода допустимо: %v", err)
	}
	if result.Topic.Status != domain.TopicCanon {
		t.Fatalf("ожидали статус CANON")
	}
	if result.Topic.CanonEpisodeID != nil {
		t.Fatalf("канонического эпизода быть не должно")
	}
	if result.JobID == nil {
		t.Fatalf("ремастер обязателен: мгновенные ответы начнутся после него")
	}
}

func TestPromoteAlreadyCanonConflict(t *testing.T) {
	f := newFixture()
	topic := f.topics.add(domain.Topic{Slug: "history-rome", Title: "The History of Rome", Status: domain.TopicCanon})

	_, err := f.svc.Promote(context.Background(), topic.ID, false)
	if !errors.Is(err, ErrAlreadyCanon) {
		t.Fatalf("ожидали ErrAlreadyCanon, получили %v", err)
	}
	if len(f.queue.jobs) != 0 {
		t.Fatalf("конфликт не должен ставить задачи в очередь")
	}
}

func TestPromoteSkipRemaster(t *testing.T) {
	f := newFixture()
	topic := f.topics.add(domain.Topic{Slug: "history-rome", Title: "The History of Rome", Status: domain.TopicCandidate})

	result, err := f.svc.Promote(context.Background(), topic.ID, true)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if result.JobID != nil {
		t.Fatalf("skip_remaster не должен создавать задачу")
	}
	if len(f.queue.jobs) != 0 {
		t.Fatalf("очередь должна остаться пустой")
	}
}

func TestDemoteEndToEnd(t *testing.T) {
	f := newFixture()
	ep, _ := f.episodes.CreateEpisode(context.Background(), domain.Episode{Status: domain.EpisodeReady, IsCanon: true})
	topic := f.topics.add(domain.Topic{Slug: "history-rome", Title: "The History of Rome", Status: domain.TopicCanon, CanonEpisodeID: &ep.ID})
	f.jobs.byID[1] = domain.CanonJob{ID: 1, TopicID: topic.ID, Status: domain.CanonJobQueued}

	demoted, err := f.svc.Demote(context.Background(), topic.ID, domain.TopicCold)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if demoted.Status != domain.TopicCold {
		t.Fatalf("ожидали статус COLD, получили %s", demoted.Status)
	}
	if demoted.CanonEpisodeID != nil {
		t.Fatalf("канонический эпизод должен быть снят")
	}
	if f.episodes.byID[ep.ID].IsCanon {
		t.Fatalf("флаг канона должен быть снят с эпизода")
	}
	if f.jobs.byID[1].Status != domain.CanonJobFailed {
		t.Fatalf("незавершённая ремастер-задача должна быть отменена")
	}
}

func TestDemoteValidation(t *testing.T) {
	f := newFixture()
	candidate := f.topics.add(domain.Topic{Slug: "history-rome", Title: "The History of Rome", Status: domain.TopicCandidate})

	if _, err := f.svc.Demote(context.Background(), candidate.ID, domain.TopicCold); !errors.Is(err, ErrNotCanon) {
		t.Fatalf("ожидали ErrNotCanon, получили %v", err)
	}
	if _, err := f.svc.Demote(context.Background(), candidate.ID, domain.TopicCanon); !errors.Is(err, ErrBadDemoteTarget) {
		t.Fatalf("ожидали ErrBadDemoteTarget, получили %v", err)
	}
}

func TestRecordUpdatesScore(t *testing.T) {
	f := newFixture()
	topic := f.topics.add(domain.Topic{Slug: "history-rome", Title: "The History of Rome", Status: domain.TopicCandidate})

	if err := f.svc.Record(context.Background(), domain.TopicRequest{TopicID: topic.ID, UserID: 7, EpisodeID: 1}); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	refreshed := f.topics.byID[topic.ID]
	if refreshed.RequestCount != 1 || refreshed.UniqueUsers != 1 {
		t.Fatalf("агрегаты не обновились: %+v", refreshed)
	}
	if refreshed.CanonScore <= 0 {
		t.Fatalf("скор должен пересчитываться после записи")
	}
}

func TestUpdateEngagementClampsCompletion(t *testing.T) {
	f := newFixture()
	topic := f.topics.add(domain.Topic{Slug: "history-rome", Title: "The History of Rome", Status: domain.TopicCandidate})
	if err := f.svc.Record(context.Background(), domain.TopicRequest{TopicID: topic.ID, UserID: 7, EpisodeID: 1}); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	over := 5.0
	if err := f.svc.UpdateEngagement(context.Background(), 1, &over, nil, nil); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if got := f.requests.records[0].CompletionPct; got == nil || *got != 1.0 {
		t.Fatalf("доля выше 1 должна зажиматься до 1, получили %v", got)
	}

	under := -0.3
	if err := f.svc.UpdateEngagement(context.Background(), 1, &under, nil, nil); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if got := f.requests.records[0].CompletionPct; got == nil || *got != 0.0 {
		t.Fatalf("доля ниже 0 должна зажиматься до 0, получили %v", got)
	}
}

func TestProcessRemasterSwapsCanonEpisode(t *testing.T) {
	f := newFixture()
	old, _ := f.episodes.CreateEpisode(context.Background(), domain.Episode{Status: domain.EpisodeReady, IsCanon: true})
	topic := f.topics.add(domain.Topic{Slug: "history-rome", Title: "The History of Rome", Status: domain.TopicCanon, CanonEpisodeID: &old.ID})
	job, _ := f.jobs.CreateCanonJob(context.Background(), domain.CanonJob{TopicID: topic.ID, Status: domain.CanonJobQueued})

	pipe := &fakePipeline{result: domain.GenerationResult{Transcript: "ремастер", AudioRef: "s3://audio/remaster.mp3", CostCents: 120}}
	err := f.svc.ProcessRemaster(context.Background(), domain.RemasterJob{CanonJobID: job.ID, TopicID: topic.ID, TopicText: topic.Title}, pipe)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	refreshed := f.topics.byID[topic.ID]
	if refreshed.CanonEpisodeID == nil || *refreshed.CanonEpisodeID == old.ID {
		t.Fatalf("канонический эпизод должен быть заменён")
	}
	remaster := f.episodes.byID[*refreshed.CanonEpisodeID]
	if !remaster.IsCanon || remaster.UserID != 999 {
		t.Fatalf("ремастер должен быть каноном системного пользователя: %+v", remaster)
	}
	if f.episodes.byID[old.ID].IsCanon {
		t.Fatalf("старый канон должен потерять флаг")
	}
	done := f.jobs.byID[job.ID]
	if done.Status != domain.CanonJobSucceeded || done.CostCents != 120 {
		t.Fatalf("задача должна завершиться успехом со стоимостью: %+v", done)
	}
}

func TestProcessRemasterFailureKeepsCurrentCanon(t *testing.T) {
	f := newFixture()
	old, _ := f.episodes.CreateEpisode(context.Background(), domain.Episode{Status: domain.EpisodeReady, IsCanon: true})
	topic := f.topics.add(domain.Topic{Slug: "history-rome", Title: "The History of Rome", Status: domain.TopicCanon, CanonEpisodeID: &old.ID})
	job, _ := f.jobs.CreateCanonJob(context.Background(), domain.CanonJob{TopicID: topic.ID, Status: domain.CanonJobQueued})

	pipe := &fakePipeline{err: errors.New("генерация упала")}
	err := f.svc.ProcessRemaster(context.Background(), domain.RemasterJob{CanonJobID: job.ID, TopicID: topic.ID, TopicText: topic.Title}, pipe)
	if err == nil {
		t.Fatalf("ожидали ошибку генерации")
	}

	refreshed := f.topics.byID[topic.ID]
	if refreshed.CanonEpisodeID == nil || *refreshed.CanonEpisodeID != old.ID {
		t.Fatalf("текущий канон не должен меняться при сбое")
	}
	failed := f.jobs.byID[job.ID]
	if failed.Status != domain.CanonJobFailed || failed.Error == nil {
		t.Fatalf("задача должна зафиксировать сбой: %+v", failed)
	}
}

func TestPromoteAfterDemoteReusesRemasterEpisode(t *testing.T) {
	f := newFixture()
	topic := f.topics.add(domain.Topic{Slug: "history-rome", Title: "The History of Rome", Status: domain.TopicCanon})
	job, _ := f.jobs.CreateCanonJob(context.Background(), domain.CanonJob{TopicID: topic.ID, Status: domain.CanonJobQueued})

	pipe := &fakePipeline{result: domain.GenerationResult{Transcript: "ремастер", AudioRef: "s3://audio/remaster.mp3", CostCents: 120}}
	if err := f.svc.ProcessRemaster(context.Background(), domain.RemasterJob{CanonJobID: job.ID, TopicID: topic.ID, TopicText: topic.Title}, pipe); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	remasterID := *f.topics.byID[topic.ID].CanonEpisodeID

	if _, err := f.svc.Demote(context.Background(), topic.ID, domain.TopicCandidate); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	// ремастер не порождает записей журнала, но должен находиться
	// при повторном продвижении по прямой ссылке на тему
	result, err := f.svc.Promote(context.Background(), topic.ID, true)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if result.Topic.CanonEpisodeID == nil || *result.Topic.CanonEpisodeID != remasterID {
		t.Fatalf("повторное продвижение должно переиспользовать ремастер-эпизод %d: %+v", remasterID, result.Topic.CanonEpisodeID)
	}
	if pipe.calls != 1 {
		t.Fatalf("повторная генерация не нужна, вызовов пайплайна: %d", pipe.calls)
	}
}

func TestProcessRemasterSkipsDemotedTopic(t *testing.T) {
	f := newFixture()
	topic := f.topics.add(domain.Topic{Slug: "history-rome", Title: "The History of Rome", Status: domain.TopicCandidate})
	job, _ := f.jobs.CreateCanonJob(context.Background(), domain.CanonJob{TopicID: topic.ID, Status: domain.CanonJobQueued})

	pipe := &fakePipeline{result: domain.GenerationResult{Transcript: "ремастер"}}
	if err := f.svc.ProcessRemaster(context.Background(), domain.RemasterJob{CanonJobID: job.ID, TopicID: topic.ID}, pipe); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if pipe.calls != 0 {
		t.Fatalf("пайплайн не должен вызываться для неканоничной темы")
	}
	if f.jobs.byID[job.ID].Status != domain.CanonJobFailed {
		t.Fatalf("задача должна быть помечена FAILED")
	}
}

func TestProcessRemasterSkipsCancelledJob(t *testing.T) {
	f := newFixture()
	topic := f.topics.add(domain.Topic{Slug: "history-rome", Title: "The History of Rome", Status: domain.TopicCanon})
	job, _ := f.jobs.CreateCanonJob(context.Background(), domain.CanonJob{TopicID: topic.ID, Status: domain.CanonJobFailed})

	pipe := &fakePipeline{result: domain.GenerationResult{Transcript: "ремастер"}}
	if err := f.svc.ProcessRemaster(context.Background(), domain.RemasterJob{CanonJobID: job.ID, TopicID: topic.ID}, pipe); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if pipe.calls != 0 {
		t.Fatalf("отменённая задача не должна выполняться")
	}
}
