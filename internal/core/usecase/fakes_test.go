package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/ragdesk/internal/core/domain"
)

type ledgerFake struct {
	mu        sync.Mutex
	tasks     map[string]*domain.Task
	history   map[string][]domain.TaskState
	createErr error
	deleteErr error
	getErr    error
}

func newLedgerFake() *ledgerFake {
	return &ledgerFake{
		tasks:   make(map[string]*domain.Task),
		history: make(map[string][]domain.TaskState),
	}
}

func (f *ledgerFake) Create(_ context.Context, task *domain.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if _, ok := f.tasks[task.ID]; ok {
		return domain.ErrStateConflict
	}
	copyTask := *task
	f.tasks[task.ID] = &copyTask
	f.history[task.ID] = append(f.history[task.ID], task.State)
	return nil
}

func (f *ledgerFake) Get(_ context.Context, id string) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	task, ok := f.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	copyTask := *task
	return &copyTask, nil
}

func (f *ledgerFake) mutate(id string, apply func(*domain.Task) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	next := *task
	if err := apply(&next); err != nil {
		return err
	}
	*task = next
	f.history[id] = append(f.history[id], next.State)
	return nil
}

func (f *ledgerFake) MarkRunning(_ context.Context, id string) error {
	return f.mutate(id, func(t *domain.Task) error { return t.MarkRunning(time.Now()) })
}

func (f *ledgerFake) Complete(_ context.Context, id string, result domain.TaskResult) error {
	return f.mutate(id, func(t *domain.Task) error { return t.Complete(result, time.Now()) })
}

func (f *ledgerFake) Fail(_ context.Context, id string, taskErr domain.TaskError) error {
	return f.mutate(id, func(t *domain.Task) error { return t.Fail(taskErr, time.Now()) })
}

func (f *ledgerFake) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.tasks, id)
	return nil
}

func (f *ledgerFake) ListStale(_ context.Context, before time.Time, limit int) ([]domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Task
	for _, task := range f.tasks {
		if !task.State.IsTerminal() && task.UpdatedAt.Before(before) {
			out = append(out, *task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *ledgerFake) PurgeCompany(_ context.Context, companyID, keepTaskID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	purged := 0
	for id, task := range f.tasks {
		if task.CompanyID == companyID && id != keepTaskID {
			delete(f.tasks, id)
			purged++
		}
	}
	return purged, nil
}

func (f *ledgerFake) put(task *domain.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copyTask := *task
	f.tasks[task.ID] = &copyTask
}

func (f *ledgerFake) states(id string) []domain.TaskState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.TaskState(nil), f.history[id]...)
}

type queueFake struct {
	mu   sync.Mutex
	msgs []domain.JobMessage
	err  error
}

func (f *queueFake) Enqueue(_ context.Context, msg domain.JobMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *queueFake) drain() []domain.JobMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.msgs
	f.msgs = nil
	return out
}

type companyRepoFake struct {
	mu        sync.Mutex
	byID      map[string]*domain.Company
	deleteErr error
	deleted   []string
}

func newCompanyRepoFake(companies ...*domain.Company) *companyRepoFake {
	f := &companyRepoFake{byID: make(map[string]*domain.Company)}
	for _, c := range companies {
		f.byID[c.ID] = c
	}
	return f
}

func (f *companyRepoFake) Create(_ context.Context, company *domain.Company) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.byID {
		if c.APIKeyHash == company.APIKeyHash {
			return domain.ErrStateConflict
		}
	}
	copyCompany := *company
	f.byID[company.ID] = &copyCompany
	return nil
}

func (f *companyRepoFake) GetByID(_ context.Context, id string) (*domain.Company, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copyCompany := *c
	return &copyCompany, nil
}

func (f *companyRepoFake) GetByAPIKeyHash(_ context.Context, hash string) (*domain.Company, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.byID {
		if c.APIKeyHash == hash {
			copyCompany := *c
			return &copyCompany, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *companyRepoFake) UpdatePrompt(_ context.Context, id string, prompt *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	c.CustomPrompt = prompt
	return nil
}

func (f *companyRepoFake) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.byID[id]; !ok {
		return domain.ErrNotFound
	}
	delete(f.byID, id)
	f.deleted = append(f.deleted, id)
	return nil
}

type documentRepoFake struct {
	mu          sync.Mutex
	docs        map[string]domain.Document
	saveErr     error
	deleteFails int
	deleteErr   error
	deleteCalls int
}

func newDocumentRepoFake() *documentRepoFake {
	return &documentRepoFake{docs: make(map[string]domain.Document)}
}

func docKey(companyID, documentID string) string { return companyID + "/" + documentID }

func (f *documentRepoFake) Save(_ context.Context, doc *domain.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.docs[docKey(doc.CompanyID, doc.ID)] = *doc
	return nil
}

func (f *documentRepoFake) Get(_ context.Context, companyID, documentID string) (*domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[docKey(companyID, documentID)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &doc, nil
}

func (f *documentRepoFake) ListByCompany(_ context.Context, companyID string) ([]domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Document
	for _, doc := range f.docs {
		if doc.CompanyID == companyID {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *documentRepoFake) Delete(_ context.Context, companyID, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if f.deleteFails > 0 {
		f.deleteFails--
		return errors.New("metadata store hiccup")
	}
	delete(f.docs, docKey(companyID, documentID))
	return nil
}

type storageFake struct {
	mu      sync.Mutex
	files   map[string][]byte
	removed []string
}

func newStorageFake(files map[string]string) *storageFake {
	f := &storageFake{files: make(map[string][]byte)}
	for k, v := range files {
		f.files[k] = []byte(v)
	}
	return f
}

func (f *storageFake) Save(_ context.Context, key string, data io.Reader) error {
	body, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[key] = body
	return nil
}

func (f *storageFake) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.files[key]
	if !ok {
		return nil, domain.WrapError(domain.ErrNotFound, "open file", fmt.Errorf("missing %s", key))
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func (f *storageFake) RemoveAll(_ context.Context, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key := range f.files {
		if strings.HasPrefix(key, prefix+"/") {
			delete(f.files, key)
		}
	}
	f.removed = append(f.removed, prefix)
	return nil
}

type extractorFake struct {
	failPath string
}

func (f *extractorFake) Extract(_ context.Context, sourcePath string, body io.Reader) (string, error) {
	if sourcePath == f.failPath {
		return "", domain.WrapError(domain.ErrDocumentRead, "extract text", errors.New("corrupt file"))
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// paragraphChunker splits on blank lines.
type paragraphChunker struct{}

func (paragraphChunker) Split(text string) []string {
	var out []string
	for _, part := range strings.Split(text, "\n\n") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// keywordEmbedder maps text onto a fixed keyword vocabulary so that
// similarity follows shared keywords.
type keywordEmbedder struct {
	mu    sync.Mutex
	err   error
	calls int
}

var embedVocabulary = []string{"alpha", "beta", "gamma", "delta", "refund", "shipping", "warranty", "invoice"}

func (e *keywordEmbedder) vector(text string) []float32 {
	lower := strings.ToLower(text)
	vec := make([]float32, len(embedVocabulary)+1)
	for i, word := range embedVocabulary {
		vec[i] = float32(strings.Count(lower, word))
	}
	vec[len(embedVocabulary)] = 0.01
	return vec
}

func (e *keywordEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	err := e.err
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = e.vector(text)
	}
	return out, nil
}

func (e *keywordEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

type indexFake struct {
	mu        sync.Mutex
	chunks    map[string]domain.Chunk
	upsertErr error
	deleteErr error
	results   []domain.RetrievedChunk
	lastK     int
}

func newIndexFake() *indexFake {
	return &indexFake{chunks: make(map[string]domain.Chunk)}
}

func (f *indexFake) Upsert(_ context.Context, chunks []domain.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	for _, c := range chunks {
		f.chunks[c.ID] = c
	}
	return nil
}

func (f *indexFake) DeleteDocument(_ context.Context, companyID, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	for id, c := range f.chunks {
		if c.CompanyID == companyID && c.DocumentID == documentID {
			delete(f.chunks, id)
		}
	}
	return nil
}

func (f *indexFake) DeleteCompany(_ context.Context, companyID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	for id, c := range f.chunks {
		if c.CompanyID == companyID {
			delete(f.chunks, id)
		}
	}
	return nil
}

func (f *indexFake) Search(_ context.Context, _ string, _ []float32, k int) ([]domain.RetrievedChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastK = k
	return append([]domain.RetrievedChunk(nil), f.results...), nil
}

func (f *indexFake) count(companyID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.chunks {
		if c.CompanyID == companyID {
			n++
		}
	}
	return n
}

type sessionFake struct {
	mu        sync.Mutex
	turns     map[string][]domain.ChatTurn
	appends   int
	appendErr error
	purgeErr  error
	// afterPurge runs once, outside the lock, after the first successful purge.
	afterPurge func()
}

func newSessionFake() *sessionFake {
	return &sessionFake{turns: make(map[string][]domain.ChatTurn)}
}

func (f *sessionFake) Get(_ context.Context, companyID, sessionID string) ([]domain.ChatTurn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ChatTurn(nil), f.turns[companyID+"/"+sessionID]...), nil
}

func (f *sessionFake) Append(_ context.Context, companyID, sessionID string, turns []domain.ChatTurn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	key := companyID + "/" + sessionID
	f.turns[key] = append(f.turns[key], turns...)
	f.appends++
	return nil
}

func (f *sessionFake) PurgeCompany(_ context.Context, companyID string) (int, error) {
	f.mu.Lock()
	if f.purgeErr != nil {
		f.mu.Unlock()
		return 0, f.purgeErr
	}
	n := 0
	for key := range f.turns {
		if strings.HasPrefix(key, companyID+"/") {
			delete(f.turns, key)
			n++
		}
	}
	hook := f.afterPurge
	f.afterPurge = nil
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return n, nil
}

type providerFake struct {
	name   string
	answer func(domain.Prompt) string
	err    error
	delay  time.Duration

	mu      sync.Mutex
	calls   int
	prompts []domain.Prompt
}

func (p *providerFake) Name() string { return p.name }

func (p *providerFake) Generate(ctx context.Context, prompt domain.Prompt) (string, error) {
	p.mu.Lock()
	p.calls++
	p.prompts = append(p.prompts, prompt)
	p.mu.Unlock()

	if p.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(p.delay):
		}
	}
	if p.err != nil {
		return "", p.err
	}
	if p.answer != nil {
		return p.answer(prompt), nil
	}
	return p.name + " answer", nil
}

func (p *providerFake) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// lockerFake grants every lock immediately and records keys.
type lockerFake struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (l *lockerFake) Lock(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.keys = append(l.keys, key)
	return func() {}, nil
}
