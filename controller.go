package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Errors and states
// ============================================================================

var (
	ErrClosed         = errors.New("chatsync: engine closed")
	ErrNoConversation = errors.New("chatsync: no open conversation")
	ErrEmptyDraft     = errors.New("chatsync: draft has no content")
	ErrUnauthorized   = errors.New("chatsync: message belongs to another user")
	ErrUnknownMessage = errors.New("chatsync: no such message")
)

// State is the engine lifecycle for the open conversation.
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateReady   State = "ready"
)

// ============================================================================
// Events
// ============================================================================

// Every mutation funnels through one event loop, so each event is fully
// applied, cache included, before the next one starts.
type eventKind int

const (
	evOpen eventKind = iota
	evClose
	evSend
	evEdit
	evDelete
	evClear
	evPush
	evTyping
	evFetchDone
	evDirectory
)

type event struct {
	kind eventKind

	partial   PartialIdentity
	draft     Draft
	messageID string
	body      string
	push      PushMessage
	typing    TypingEvent

	// fetch results, tagged with the conversation they were requested for
	key      ConversationKey
	history  []Message
	fetchErr error

	directory []DirectoryEntry

	reply chan error
}

// ============================================================================
// Emitter
// ============================================================================

type engineEmitter struct {
	mu       sync.RWMutex
	timeline []func(ConversationKey, []Message)
	inbox    []func([]ConversationSummary)
	typing   []func(TypingEvent)
}

func (em *engineEmitter) emitTimeline(key ConversationKey, msgs []Message) {
	em.mu.RLock()
	handlers := append([]func(ConversationKey, []Message){}, em.timeline...)
	em.mu.RUnlock()
	for _, h := range handlers {
		safeCall(func() { h(key, msgs) })
	}
}

func (em *engineEmitter) emitInbox(rows []ConversationSummary) {
	em.mu.RLock()
	handlers := append([]func([]ConversationSummary){}, em.inbox...)
	em.mu.RUnlock()
	for _, h := range handlers {
		safeCall(func() { h(rows) })
	}
}

func (em *engineEmitter) emitTyping(ev TypingEvent) {
	em.mu.RLock()
	handlers := append([]func(TypingEvent){}, em.typing...)
	em.mu.RUnlock()
	for _, h := range handlers {
		safeCall(func() { h(ev) })
	}
}

// safeCall shields the event loop from panicking subscribers.
func safeCall(f func()) {
	defer func() { _ = recover() }()
	f()
}

// ============================================================================
// Engine
// ============================================================================

// Engine is the sync controller: it owns the open-conversation store, the
// conversation list, and all cache writes, and serializes every mutation
// through a single event loop.
type Engine struct {
	selfID    string
	cache     Cache
	client    *Client
	push      PushChannel
	resolver  *Resolver
	projector *Projector
	log       *zap.Logger
	now       func() time.Time

	events chan event
	done   chan struct{}
	closed sync.Once

	// Loop-confined state. Nothing outside run() touches these.
	state     State
	openKey   ConversationKey
	openOther string
	store     *Store
	summaries map[ConversationKey]ConversationSummary
	directory map[string]DirectoryEntry
	seen      map[string]struct{}

	// Read snapshots for callers on other goroutines.
	snapMu       sync.RWMutex
	snapState    State
	snapTimeline []Message
	snapInbox    []ConversationSummary

	emitter engineEmitter
}

type EngineOption func(*Engine)

// WithRESTClient wires the REST API used for history fetches, the user
// directory, and degraded-mode edits and deletes. Without it the engine
// runs cache-only.
func WithRESTClient(c *Client) EngineOption {
	return func(e *Engine) { e.client = c }
}

// WithPushChannel wires the live transport. Without it every send takes
// the degraded path.
func WithPushChannel(p PushChannel) EngineOption {
	return func(e *Engine) { e.push = p }
}

func WithLogger(log *zap.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

// WithClock overrides the time source. Tests use it to pin timestamps.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine for the authenticated user. Call Start to
// run it and Close to stop it; the caller keeps ownership of the cache.
func NewEngine(selfID string, cache Cache, opts ...EngineOption) *Engine {
	e := &Engine{
		selfID:    selfID,
		cache:     cache,
		log:       zap.NewNop(),
		now:       time.Now,
		events:    make(chan event, 64),
		done:      make(chan struct{}),
		state:     StateIdle,
		snapState: StateIdle,
		summaries: make(map[ConversationKey]ConversationSummary),
		directory: make(map[string]DirectoryEntry),
		seen:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.resolver = NewResolver()
	e.projector = NewProjector(selfID, e.resolver, e.log)
	return e
}

// Start runs the event loop: it migrates legacy cache keys, rebuilds the
// conversation list from the cache, and begins consuming events. If a
// PushClient was wired, register e.HandlePush and e.HandleTyping on it.
func (e *Engine) Start() {
	go e.run()
}

// Close stops the event loop. In-flight fetches are discarded.
func (e *Engine) Close() error {
	e.closed.Do(func() { close(e.done) })
	return nil
}

// ============================================================================
// Public API (posts into the loop)
// ============================================================================

// OpenConversation makes the identified conversation current, seeds its
// timeline from the cache and refreshes it from the server when a REST
// client is wired. Any identity subset works; stronger subsets produce
// stabler keys.
func (e *Engine) OpenConversation(p PartialIdentity) error {
	return e.do(event{kind: evOpen, partial: p})
}

// CloseConversation returns the engine to Idle.
func (e *Engine) CloseConversation() error {
	return e.do(event{kind: evClose})
}

// SendMessage sends a draft in the open conversation: optimistically over
// the push channel when it is up, directly into the cache when it is not.
func (e *Engine) SendMessage(d Draft) error {
	return e.do(event{kind: evSend, draft: d})
}

// EditMessage rewrites one of the caller's own messages.
func (e *Engine) EditMessage(messageID, body string) error {
	return e.do(event{kind: evEdit, messageID: messageID, body: body})
}

// DeleteMessage removes one of the caller's own messages.
func (e *Engine) DeleteMessage(messageID string) error {
	return e.do(event{kind: evDelete, messageID: messageID})
}

// ClearHistory hides the open conversation's timeline behind a tombstone.
// Messages at or before the tombstone never reappear, not even when the
// server re-delivers them.
func (e *Engine) ClearHistory() error {
	return e.do(event{kind: evClear})
}

// HandlePush feeds an inbound push frame into the loop. Register it as the
// push client's OnMessage handler.
func (e *Engine) HandlePush(p PushMessage) {
	e.post(event{kind: evPush, push: p})
}

// HandleTyping feeds a typing indicator into the loop.
func (e *Engine) HandleTyping(ev TypingEvent) {
	e.post(event{kind: evTyping, typing: ev})
}

// State returns the engine lifecycle state.
func (e *Engine) State() State {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	return e.snapState
}

// Timeline returns the open conversation's messages, oldest first.
func (e *Engine) Timeline() []Message {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	return append([]Message(nil), e.snapTimeline...)
}

// Inbox returns the deduplicated conversation list, newest first.
func (e *Engine) Inbox() []ConversationSummary {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	return append([]ConversationSummary(nil), e.snapInbox...)
}

// OnTimeline subscribes to timeline changes for the open conversation.
func (e *Engine) OnTimeline(h func(ConversationKey, []Message)) {
	e.emitter.mu.Lock()
	e.emitter.timeline = append(e.emitter.timeline, h)
	e.emitter.mu.Unlock()
}

// OnInbox subscribes to conversation list changes.
func (e *Engine) OnInbox(h func([]ConversationSummary)) {
	e.emitter.mu.Lock()
	e.emitter.inbox = append(e.emitter.inbox, h)
	e.emitter.mu.Unlock()
}

// OnTyping subscribes to typing indicators.
func (e *Engine) OnTyping(h func(TypingEvent)) {
	e.emitter.mu.Lock()
	e.emitter.typing = append(e.emitter.typing, h)
	e.emitter.mu.Unlock()
}

// do posts an event and waits for the loop to finish applying it.
func (e *Engine) do(ev event) error {
	ev.reply = make(chan error, 1)
	select {
	case e.events <- ev:
	case <-e.done:
		return ErrClosed
	}
	select {
	case err := <-ev.reply:
		return err
	case <-e.done:
		return ErrClosed
	}
}

// post fires an event without waiting. Dropped once the engine closes.
func (e *Engine) post(ev event) {
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

// ============================================================================
// Event loop
// ============================================================================

func (e *Engine) run() {
	e.bootstrap()
	for {
		select {
		case <-e.done:
			return
		case ev := <-e.events:
			e.handle(ev)
		}
	}
}

func (e *Engine) handle(ev event) {
	var err error
	switch ev.kind {
	case evOpen:
		err = e.handleOpen(ev.partial)
	case evClose:
		e.handleClose()
	case evSend:
		err = e.handleSend(ev.draft)
	case evEdit:
		err = e.handleEdit(ev.messageID, ev.body)
	case evDelete:
		err = e.handleDelete(ev.messageID)
	case evClear:
		err = e.handleClear()
	case evPush:
		e.handlePush(ev.push)
	case evTyping:
		e.emitter.emitTyping(ev.typing)
	case evFetchDone:
		e.handleFetchDone(ev)
	case evDirectory:
		e.handleDirectory(ev.directory)
	}
	if ev.reply != nil {
		ev.reply <- err
	}
}

// bootstrap migrates legacy cache keys and rebuilds the conversation list
// from whatever the cache holds.
func (e *Engine) bootstrap() {
	if err := MigrateLegacyKeys(e.cache, e.resolver, e.log); err != nil {
		e.log.Warn("legacy key migration failed", zap.Error(err))
	}

	for _, key := range e.cache.Keys() {
		msgs := e.cache.Load(key)
		sum := ConversationSummary{Key: key}
		cleared := parseTime(e.cache.ClearedAt(key))
		for i := len(msgs) - 1; i >= 0; i-- {
			m := msgs[i]
			if !cleared.IsZero() && !messageTime(m).After(cleared) {
				continue
			}
			sum.LastMessage = displayBody(m)
			sum.LastMessageAt = stampOf(m)
			sum.OtherPartyID = e.otherParty(m)
			if m.SenderID != e.selfID {
				sum.OtherPartyName = m.SenderName
				sum.OtherPartyEmail = m.SenderEmail
			}
			break
		}
		e.summaries[key] = sum
	}
	e.publishInbox()

	if e.client != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
			defer cancel()
			entries, err := e.client.Directory(ctx)
			if err != nil {
				e.log.Warn("directory fetch failed", zap.Error(err))
			}
			// Posted even when empty so subscribers see the fetch settle.
			e.post(event{kind: evDirectory, directory: entries})
		}()
	}
}

// ============================================================================
// Handlers
// ============================================================================

func (e *Engine) handleOpen(p PartialIdentity) error {
	if p.SelfID == "" {
		p.SelfID = e.selfID
	}
	key, merges, err := e.resolver.Resolve(p)
	if err != nil {
		return err
	}
	e.applyMerges(merges)

	e.openKey = key
	e.openOther = p.OtherID
	if e.openOther == "" {
		e.openOther = e.summaries[key].OtherPartyID
	}
	e.store = newStore(key, e.cache.ClearedAt(key))
	e.store.Seed(e.cache.Load(key))

	// Opening marks the conversation read.
	sum := e.summaries[key]
	sum.Key = key
	sum.UnreadCount = 0
	e.fillIdentity(&sum, p.OtherID, p.DisplayName, p.Email)
	e.summaries[key] = sum

	if e.client == nil {
		e.state = StateReady
	} else {
		e.state = StateLoading
		go e.fetchHistory(key)
	}

	e.publishTimeline()
	e.publishInbox()
	return nil
}

func (e *Engine) fetchHistory(key ConversationKey) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	history, err := e.client.History(ctx, string(key))
	e.post(event{kind: evFetchDone, key: key, history: history, fetchErr: err})
}

func (e *Engine) handleFetchDone(ev event) {
	if ev.key != e.openKey || e.state != StateLoading {
		e.log.Debug("discarding stale history fetch", zap.String("key", string(ev.key)))
		return
	}
	e.state = StateReady

	if ev.fetchErr != nil {
		// The cache seed from handleOpen stays on screen.
		e.log.Warn("history fetch failed, serving cached timeline",
			zap.String("key", string(ev.key)), zap.Error(ev.fetchErr))
		e.publishTimeline()
		return
	}

	// Sends accepted while the fetch was in flight must survive the
	// reseed. A pending copy whose echo already appears in the history is
	// confirmed by it; the rest re-enter the timeline.
	var locals []Message
	for _, m := range e.store.Messages() {
		if m.IsLocal() {
			locals = append(locals, m)
		}
	}

	// Seed applies the tombstone, so re-delivered cleared messages are
	// filtered before they are persisted or shown.
	e.store.Seed(ev.history)
	for _, local := range locals {
		if local.Pending && e.historyConfirms(local) {
			continue
		}
		e.store.Append(local)
	}
	if err := e.cache.ReplaceAll(ev.key, e.store.Messages()); err != nil {
		e.log.Warn("cache write failed", zap.Error(err))
	}
	e.refreshSummaryFromStore()
	e.publishTimeline()
	e.publishInbox()
}

// historyConfirms reports whether the freshly seeded timeline already holds
// the server copy of a pending local send.
func (e *Engine) historyConfirms(local Message) bool {
	for _, m := range e.store.Messages() {
		if !m.IsLocal() && echoMatches(local, m) {
			return true
		}
	}
	return false
}

func (e *Engine) handleClose() {
	e.openKey = ""
	e.openOther = ""
	e.store = nil
	e.state = StateIdle
	e.publishTimeline()
}

func (e *Engine) handleSend(d Draft) error {
	if e.openKey == "" || e.store == nil {
		return ErrNoConversation
	}
	if d.empty() {
		return ErrEmptyDraft
	}

	kind, body := classifyDraft(d)
	msg := Message{
		SenderID:      e.selfID,
		ReceiverID:    e.openOther,
		Body:          body,
		Kind:          kind,
		Attachments:   d.Attachments,
		VoicePayload:  d.VoicePayload,
		VoiceDuration: d.VoiceDuration,
		Timestamp:     e.now().UTC().Format(time.RFC3339Nano),
	}

	if e.push != nil && e.push.Connected() {
		localID := e.store.AppendOptimistic(msg)
		e.persistOpenTimeline()
		ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		err := e.push.Send(ctx, outboundFrame(msg, string(e.openKey)))
		cancel()
		if err != nil {
			// Channel flaked under us: keep the message as locally
			// authored so a later echo cannot double it up.
			e.log.Warn("push send failed, keeping local copy", zap.Error(err))
			e.store.MarkDelivered(localID)
			e.persistOpenTimeline()
		}
	} else {
		msg.ID = newLocalID()
		e.store.Append(msg)
		e.persistOpenTimeline()
	}

	sum := e.summaries[e.openKey]
	sum.Key = e.openKey
	sum.LastMessage = body
	sum.LastMessageAt = msg.Timestamp
	e.fillIdentity(&sum, e.openOther, "", "")
	e.summaries[e.openKey] = sum

	e.publishTimeline()
	e.publishInbox()
	return nil
}

func (e *Engine) handleEdit(messageID, body string) error {
	if e.openKey == "" || e.store == nil {
		return ErrNoConversation
	}
	m, ok := e.store.Find(messageID)
	if !ok {
		return ErrUnknownMessage
	}
	if m.SenderID != e.selfID {
		return ErrUnauthorized
	}

	editedAt := e.now().UTC().Format(time.RFC3339Nano)
	e.store.ApplyEdit(messageID, body, editedAt)
	e.persistOpenTimeline()
	e.refreshSummaryFromStore()
	e.publishTimeline()
	e.publishInbox()

	frame := PushMessage{
		Action:     ActionEdit,
		MessageID:  messageID,
		SenderID:   rawString(e.selfID),
		ReceiverID: rawString(e.openOther),
		Body:       body,
		EditedAt:   editedAt,
	}
	e.deliver(frame, func(ctx context.Context) error {
		return e.client.EditMessage(ctx, messageID, body)
	})
	return nil
}

func (e *Engine) handleDelete(messageID string) error {
	if e.openKey == "" || e.store == nil {
		return ErrNoConversation
	}
	m, ok := e.store.Find(messageID)
	if !ok {
		return ErrUnknownMessage
	}
	if m.SenderID != e.selfID {
		return ErrUnauthorized
	}

	e.store.ApplyDelete(messageID)
	e.persistOpenTimeline()
	e.refreshSummaryFromStore()
	e.publishTimeline()
	e.publishInbox()

	frame := PushMessage{
		Action:     ActionDelete,
		MessageID:  messageID,
		SenderID:   rawString(e.selfID),
		ReceiverID: rawString(e.openOther),
	}
	e.deliver(frame, func(ctx context.Context) error {
		return e.client.DeleteMessage(ctx, messageID)
	})
	return nil
}

// deliver sends a frame over the push channel, or through the REST
// fallback when the channel is down. Local state is already applied, so
// transport failures are logged rather than unwound.
func (e *Engine) deliver(frame PushMessage, rest func(context.Context) error) {
	if e.push != nil && e.push.Connected() {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		defer cancel()
		if err := e.push.Send(ctx, frame); err != nil {
			e.log.Warn("push delivery failed", zap.String("action", frame.Action), zap.Error(err))
		}
		return
	}
	if e.client == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		defer cancel()
		if err := rest(ctx); err != nil {
			e.log.Warn("rest fallback failed", zap.String("action", frame.Action), zap.Error(err))
		}
	}()
}

func (e *Engine) handleClear() error {
	if e.openKey == "" || e.store == nil {
		return ErrNoConversation
	}
	ts := e.now().UTC().Format(time.RFC3339Nano)
	if err := e.cache.SetClearedAt(e.openKey, ts); err != nil {
		return err
	}
	e.store.Clear(ts)

	sum := e.summaries[e.openKey]
	sum.Key = e.openKey
	sum.LastMessage = ""
	sum.LastMessageAt = ts
	e.summaries[e.openKey] = sum

	e.publishTimeline()
	e.publishInbox()
	return nil
}

func (e *Engine) handlePush(p PushMessage) {
	switch p.Action {
	case ActionEdit:
		e.handlePushEdit(p)
	case ActionDelete:
		e.handlePushDelete(p)
	default:
		e.handlePushMessage(p)
	}
}

func (e *Engine) handlePushMessage(p PushMessage) {
	m := p.toMessage()
	if m.SenderID != "" && m.SenderID == m.ReceiverID {
		e.log.Debug("dropping self-conversation push", zap.String("sender", m.SenderID))
		return
	}

	// The gateway re-delivers frames after reconnects; process each once.
	guard := m.ID
	if guard == "" {
		guard = m.Body + "|" + m.SenderID + "|" + m.ReceiverID + "|" + stampOf(m)
	}
	if _, dup := e.seen[guard]; dup {
		return
	}
	e.seen[guard] = struct{}{}

	key, ok := e.keyForMessage(m)
	if !ok {
		return
	}

	if cleared := parseTime(e.cache.ClearedAt(key)); !cleared.IsZero() && !messageTime(m).After(cleared) {
		e.log.Debug("dropping tombstoned push", zap.String("key", string(key)))
		return
	}

	if key == e.openKey && e.store != nil {
		changed := false
		if m.SenderID == e.selfID {
			_, changed = e.store.Reconcile(m)
		} else {
			changed = e.store.Append(m)
		}
		if changed {
			e.persistOpenTimeline()
			e.publishTimeline()
		}
	} else {
		if m.SenderID == e.selfID {
			e.reconcileCached(key, m)
		} else if err := e.cache.Append(key, m); err != nil {
			e.log.Warn("cache append failed", zap.Error(err))
		}
	}

	sum := e.summaries[key]
	sum.Key = key
	sum.LastMessage = displayBody(m)
	sum.LastMessageAt = stampOf(m)
	if m.SenderID != e.selfID {
		e.fillIdentity(&sum, m.SenderID, m.SenderName, m.SenderEmail)
		if key != e.openKey {
			sum.UnreadCount++
		}
	} else {
		e.fillIdentity(&sum, m.ReceiverID, "", "")
	}
	e.summaries[key] = sum
	e.publishInbox()
}

func (e *Engine) handlePushEdit(p PushMessage) {
	m := p.toMessage()
	id := p.MessageID
	if id == "" {
		id = p.ID
	}
	key, ok := e.keyForMessage(m)
	if !ok {
		return
	}

	if key == e.openKey && e.store != nil {
		if e.store.ApplyEdit(id, p.Body, p.EditedAt) {
			e.persistOpenTimeline()
			e.publishTimeline()
		}
	} else {
		if err := e.cache.ApplyEdit(key, id, p.Body, p.EditedAt); err != nil {
			e.log.Warn("cache edit failed", zap.Error(err))
		}
	}
	e.refreshSummaryFromCache(key, id, p.Body)
}

func (e *Engine) handlePushDelete(p PushMessage) {
	m := p.toMessage()
	id := p.MessageID
	if id == "" {
		id = p.ID
	}
	key, ok := e.keyForMessage(m)
	if !ok {
		return
	}

	if key == e.openKey && e.store != nil {
		if e.store.ApplyDelete(id) {
			e.persistOpenTimeline()
			e.publishTimeline()
		}
	} else {
		if err := e.cache.ApplyDelete(key, id); err != nil {
			e.log.Warn("cache delete failed", zap.Error(err))
		}
	}
}

func (e *Engine) handleDirectory(entries []DirectoryEntry) {
	for _, d := range entries {
		e.directory[d.ID] = d
	}
	for key, sum := range e.summaries {
		if sum.OtherPartyID == "" {
			continue
		}
		if d, ok := e.directory[sum.OtherPartyID]; ok {
			if sum.OtherPartyName == "" {
				sum.OtherPartyName = d.DisplayName()
			}
			if sum.OtherPartyEmail == "" && d.Email != "" {
				sum.OtherPartyEmail = d.Email
			}
			e.summaries[key] = sum
		}
	}
	e.publishInbox()
}

// ============================================================================
// Loop helpers
// ============================================================================

// keyForMessage resolves the canonical key for an inbound message and
// applies any merge the resolver reports.
func (e *Engine) keyForMessage(m Message) (ConversationKey, bool) {
	other := m.SenderID
	name, email := m.SenderName, m.SenderEmail
	if m.SenderID == e.selfID {
		other = m.ReceiverID
		name, email = "", ""
	}
	key, merges, err := e.resolver.Resolve(PartialIdentity{
		SelfID:      e.selfID,
		OtherID:     other,
		DisplayName: name,
		Email:       email,
	})
	if err != nil {
		e.log.Debug("dropping unkeyable message", zap.Error(err))
		return "", false
	}
	e.applyMerges(merges)
	return key, true
}

// applyMerges folds each superseded cache entry into its canonical key and
// moves the summary rows with them.
func (e *Engine) applyMerges(merges []Merge) {
	for _, m := range merges {
		e.applyMerge(m)
	}
}

func (e *Engine) applyMerge(merge Merge) {
	if err := mergeCacheEntries(e.cache, merge.From, merge.Into); err != nil {
		e.log.Warn("cache merge failed",
			zap.String("from", string(merge.From)), zap.String("to", string(merge.Into)), zap.Error(err))
		return
	}
	if old, ok := e.summaries[merge.From]; ok {
		delete(e.summaries, merge.From)
		merged := mergeSummaries(e.summaries[merge.Into], old)
		merged.Key = merge.Into
		e.summaries[merge.Into] = merged
	}
	e.log.Info("merged conversation keys",
		zap.String("from", string(merge.From)), zap.String("to", string(merge.Into)))
}

// reconcileCached replaces a pending optimistic copy in a closed
// conversation's cached timeline with its server echo. The echo's
// createdAt never equals the local timestamp, so the dedupe tuple alone
// would let both records through.
func (e *Engine) reconcileCached(key ConversationKey, server Message) {
	msgs := e.cache.Load(key)
	for i := range msgs {
		if !msgs[i].Pending || !msgs[i].IsLocal() {
			continue
		}
		if echoMatches(msgs[i], server) {
			msgs[i] = server
			if err := e.cache.ReplaceAll(key, msgs); err != nil {
				e.log.Warn("cache write failed", zap.String("key", string(key)), zap.Error(err))
			}
			return
		}
	}
	if err := e.cache.Append(key, server); err != nil {
		e.log.Warn("cache append failed", zap.Error(err))
	}
}

// persistOpenTimeline mirrors the store into the cache as one full-array
// rewrite.
func (e *Engine) persistOpenTimeline() {
	if err := e.cache.ReplaceAll(e.openKey, e.store.Messages()); err != nil {
		e.log.Warn("cache write failed", zap.String("key", string(e.openKey)), zap.Error(err))
	}
}

// fillIdentity adds whatever identity fields the summary is still missing,
// consulting the directory for a display name.
func (e *Engine) fillIdentity(sum *ConversationSummary, otherID, name, email string) {
	if sum.OtherPartyID == "" {
		sum.OtherPartyID = otherID
	}
	if sum.OtherPartyName == "" {
		sum.OtherPartyName = name
	}
	if sum.OtherPartyEmail == "" {
		sum.OtherPartyEmail = email
	}
	if d, ok := e.directory[sum.OtherPartyID]; ok {
		if sum.OtherPartyName == "" {
			sum.OtherPartyName = d.DisplayName()
		}
		if sum.OtherPartyEmail == "" {
			sum.OtherPartyEmail = d.Email
		}
	}
}

// refreshSummaryFromStore re-derives the open conversation's list row from
// its newest message.
func (e *Engine) refreshSummaryFromStore() {
	sum := e.summaries[e.openKey]
	sum.Key = e.openKey
	if last, ok := e.store.Last(); ok {
		sum.LastMessage = displayBody(last)
		sum.LastMessageAt = stampOf(last)
		e.fillIdentity(&sum, e.otherParty(last), "", "")
	} else {
		sum.LastMessage = ""
	}
	e.summaries[e.openKey] = sum
}

// refreshSummaryFromCache updates a closed conversation's row when an edit
// rewrote its newest message.
func (e *Engine) refreshSummaryFromCache(key ConversationKey, messageID, body string) {
	msgs := e.cache.Load(key)
	if len(msgs) == 0 {
		return
	}
	if msgs[len(msgs)-1].ID != messageID {
		return
	}
	sum := e.summaries[key]
	sum.Key = key
	sum.LastMessage = body
	e.summaries[key] = sum
	e.publishInbox()
}

func (e *Engine) otherParty(m Message) string {
	if m.SenderID == e.selfID {
		return m.ReceiverID
	}
	return m.SenderID
}

func (e *Engine) publishTimeline() {
	var msgs []Message
	if e.store != nil {
		msgs = e.store.Messages()
	}
	e.snapMu.Lock()
	e.snapState = e.state
	e.snapTimeline = msgs
	e.snapMu.Unlock()
	e.emitter.emitTimeline(e.openKey, msgs)
}

func (e *Engine) publishInbox() {
	rows := make([]ConversationSummary, 0, len(e.summaries))
	for _, sum := range e.summaries {
		rows = append(rows, sum)
	}
	projected := e.projector.Project(rows)
	e.snapMu.Lock()
	e.snapState = e.state
	e.snapInbox = projected
	e.snapMu.Unlock()
	e.emitter.emitInbox(projected)
}

// displayBody renders a message for the conversation list, substituting a
// placeholder when the message has no text.
func displayBody(m Message) string {
	if m.Body != "" {
		return m.Body
	}
	if m.HasVoice() {
		return voicePlaceholder
	}
	if len(m.Attachments) > 0 || m.Kind == KindFiles {
		return filePlaceholder
	}
	return m.Body
}

// stampOf returns the message's wire timestamp, whichever field carries it.
func stampOf(m Message) string {
	if m.CreatedAt != "" {
		return m.CreatedAt
	}
	return m.Timestamp
}

// outboundFrame builds the push payload for an optimistic send.
func outboundFrame(m Message, conversationID string) PushMessage {
	return PushMessage{
		ConversationID: conversationID,
		SenderID:       rawString(m.SenderID),
		ReceiverID:     rawString(m.ReceiverID),
		Body:           m.Body,
		Kind:           m.Kind,
		Attachments:    m.Attachments,
		VoicePayload:   m.VoicePayload,
		VoiceDuration:  m.VoiceDuration,
	}
}

func rawString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
