// Package conversation implements the append-only Conversation Store of
// spec §3 and §4.8: Message Records and Sessions, keyed by user and
// session, with duplicate suppression and bounded history retrieval.
// It is grounded on the teacher's conversation/repository and
// conversation/service packages (conversation/repository/message_repository.go,
// conversation/service/message_service.go) but replaces their GORM row
// store with the ordered internal/store.Store, since the spec calls for
// lexicographic range scans rather than relational queries.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/miladsoft/zapai-dvm/internal/events"
	"github.com/miladsoft/zapai-dvm/internal/store"
	"github.com/miladsoft/zapai-dvm/pkg/apperrors"
	"github.com/miladsoft/zapai-dvm/pkg/logger"
)

// Direction is which side of the conversation produced a message.
type Direction string

const (
	DirectionUser Direction = "user"
	DirectionBot  Direction = "bot"
)

// MessageType is the tagged-variant discriminant for MessageRecord
// (spec §9 redesign note: duck-typed records become a tagged variant
// with required fields per variant).
type MessageType string

const (
	MessageTypeQuestion MessageType = "question"
	MessageTypeResponse MessageType = "response"
	MessageTypeSystem   MessageType = "system"
)

// Origin classifies where a Session's messages arrive from.
type Origin string

const (
	OriginDM     Origin = "dm"
	OriginPublic Origin = "public"
	OriginOther  Origin = "other"
)

// MessageRecord is the persisted conversational atom (spec §3).
type MessageRecord struct {
	UserKey         string            `json:"user_key"`
	SessionID       string            `json:"session_id"`
	Direction       Direction         `json:"direction"`
	Text            string            `json:"text"`
	TimestampMS     int64             `json:"timestamp_ms"`
	MessageID       string            `json:"message_id"`
	MessageType     MessageType       `json:"message_type"`
	ReplyTo         string            `json:"reply_to,omitempty"`
	SourceEventID   string            `json:"source_event_id,omitempty"`
	SourceEventKind events.Kind       `json:"source_event_kind,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Session is a logical conversation thread scoped to a user (spec §3).
type Session struct {
	UserKey        string `json:"user_key"`
	SessionID      string `json:"session_id"`
	CreatedAt      int64  `json:"created_at"`
	LastMessageAt  int64  `json:"last_message_at"`
	MessageCount   int64  `json:"message_count"`
	Origin         Origin `json:"origin"`
	LastPreview    string `json:"last_preview"`
	LastDirection  Direction `json:"last_direction"`
	LastEventID    string `json:"last_event_id"`
}

// SaveResult is what SaveMessage reports back to the Processor.
type SaveResult struct {
	MessageID   string
	SessionID   string
	Duplicate   bool
	TimestampMS int64
}

// SaveOptions carries the optional, variant-specific fields SaveMessage
// needs beyond (user, text, fromBot).
type SaveOptions struct {
	SessionID       string
	RequestedKind   MessageType
	ReplyTo         string
	SourceEventID   string
	SourceEventKind events.Kind
	Origin          Origin
	TimestampMS     int64 // 0 means "assign now"
	Metadata        map[string]string
}

const tsWidth = 20

var nonPrintable = regexp.MustCompile(`[\x00-\x1F\x7F]`)
var whitespaceRun = regexp.MustCompile(`\s+`)

// Store is the Conversation Store: Message Records and Sessions built on
// the ordered internal/store.Store (spec §4.8).
type Store struct {
	kv  store.Store
	log *logger.Logger
}

// New creates a Conversation Store over kv.
func New(kv store.Store, log *logger.Logger) *Store {
	return &Store{kv: kv, log: log.WithComponent("conversation")}
}

func padTS(ts int64) string { return fmt.Sprintf("%0*d", tsWidth, ts) }

func messageKey(user, session string, ts int64, dir Direction) string {
	return fmt.Sprintf("message:%s:%s:%s:%s", user, session, padTS(ts), dir)
}

// userTimeKey indexes a message by (user, timestamp) alone, independent
// of session id, so HistoryByUser can range-scan in true chronological
// order across all of a user's sessions. messageKey's layout sorts by
// session id before timestamp, which is exactly right for
// HistoryBySession but cannot answer "the last N messages regardless of
// session" (spec §4.8, §4.7 step 7 fallback).
func userTimeKey(user string, ts int64, dir Direction, session string) string {
	return fmt.Sprintf("msgbyuser:%s:%s:%s:%s", user, padTS(ts), dir, session)
}

func sessionKey(user, session string) string {
	return fmt.Sprintf("session:%s:%s", user, session)
}

func hashEventKey(eventID string) string {
	return "hash:event:" + eventID
}

func hashCompositeKey(user, session string, ts int64, dir Direction) string {
	return fmt.Sprintf("hash:%s:%s:%s:%s", user, session, padTS(ts), dir)
}

// sanitizeSessionID trims, collapses whitespace, strips non-printable
// characters and caps length at 120 (spec §4.8 ensure_session).
func sanitizeSessionID(raw string) string {
	s := nonPrintable.ReplaceAllString(raw, "")
	s = whitespaceRun.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}

// randomSuffix returns a short uuid-derived token, grounded on the
// teacher's use of github.com/google/uuid for every synthetic
// identifier it mints (character/session/message ids across
// conversation/service and character/service).
func randomSuffix() string {
	id := uuid.New()
	return id.String()[:8]
}

func synthesizeSessionID(now time.Time) string {
	return fmt.Sprintf("session-%d-%s", now.UnixMilli(), randomSuffix())
}

// EnsureSession resolves requestedID to a usable session id, creating a
// Session record on first reference (spec §4.8 ensure_session).
func (s *Store) EnsureSession(ctx context.Context, userKey, requestedID string, origin Origin) (sessionID string, isNew bool, err error) {
	sessionID = sanitizeSessionID(requestedID)
	if sessionID == "" {
		sessionID = synthesizeSessionID(time.Now())
	}

	key := sessionKey(userKey, sessionID)
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return "", false, apperrors.Wrap(apperrors.StorageError, "get session", err)
	}
	if ok {
		var sess Session
		if err := json.Unmarshal(raw, &sess); err == nil && sess.Origin == "" && origin != "" {
			sess.Origin = origin
			if b, merr := json.Marshal(sess); merr == nil {
				_ = s.kv.Put(ctx, key, b)
			}
		}
		return sessionID, false, nil
	}

	now := time.Now()
	sess := Session{
		UserKey:   userKey,
		SessionID: sessionID,
		CreatedAt: now.UnixMilli(),
		Origin:    origin,
	}
	b, _ := json.Marshal(sess)
	if err := s.kv.Put(ctx, key, b); err != nil {
		return "", false, apperrors.Wrap(apperrors.StorageError, "create session", err)
	}
	s.log.Debug("session created", "user_key", userKey, "session_id", sessionID)
	return sessionID, true, nil
}

// SaveMessage persists a Message Record, resolving/creating its session
// and suppressing duplicates by event id or by the deterministic
// composite key (spec §4.8, §8 invariant 1).
func (s *Store) SaveMessage(ctx context.Context, userKey, text string, fromBot bool, opts SaveOptions) (SaveResult, error) {
	origin := opts.Origin
	if origin == "" {
		origin = OriginOther
	}
	sessionID, _, err := s.EnsureSession(ctx, userKey, opts.SessionID, origin)
	if err != nil {
		return SaveResult{}, err
	}

	ts := opts.TimestampMS
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	dir := DirectionUser
	if fromBot {
		dir = DirectionBot
	}

	if opts.SourceEventID != "" {
		exists, err := s.kv.Exists(ctx, hashEventKey(opts.SourceEventID))
		if err != nil {
			return SaveResult{}, apperrors.Wrap(apperrors.StorageError, "check event hash", err)
		}
		if exists {
			return SaveResult{Duplicate: true, SessionID: sessionID}, nil
		}
	}

	compositeKey := hashCompositeKey(userKey, sessionID, ts, dir)
	exists, err := s.kv.Exists(ctx, compositeKey)
	if err != nil {
		return SaveResult{}, apperrors.Wrap(apperrors.StorageError, "check composite hash", err)
	}
	if exists {
		return SaveResult{Duplicate: true, SessionID: sessionID}, nil
	}

	msgID := opts.SourceEventID
	if msgID == "" {
		msgID = "synthetic-" + uuid.New().String()
	}

	msgType := opts.RequestedKind
	if msgType == "" {
		if fromBot {
			msgType = MessageTypeResponse
		} else {
			msgType = MessageTypeQuestion
		}
	}

	rec := MessageRecord{
		UserKey:         userKey,
		SessionID:       sessionID,
		Direction:       dir,
		Text:            text,
		TimestampMS:     ts,
		MessageID:       msgID,
		MessageType:     msgType,
		ReplyTo:         opts.ReplyTo,
		SourceEventID:   opts.SourceEventID,
		SourceEventKind: opts.SourceEventKind,
		Metadata:        opts.Metadata,
	}
	recBytes, err := json.Marshal(rec)
	if err != nil {
		return SaveResult{}, apperrors.Wrap(apperrors.StorageError, "marshal message", err)
	}

	if err := s.kv.Put(ctx, messageKey(userKey, sessionID, ts, dir), recBytes); err != nil {
		return SaveResult{}, apperrors.Wrap(apperrors.StorageError, "write message", err)
	}
	if err := s.kv.Put(ctx, userTimeKey(userKey, ts, dir, sessionID), recBytes); err != nil {
		return SaveResult{}, apperrors.Wrap(apperrors.StorageError, "write user time index", err)
	}
	ptr := []byte(msgID)
	if opts.SourceEventID != "" {
		if err := s.kv.Put(ctx, hashEventKey(opts.SourceEventID), ptr); err != nil {
			return SaveResult{}, apperrors.Wrap(apperrors.StorageError, "write event hash", err)
		}
	}
	if err := s.kv.Put(ctx, compositeKey, ptr); err != nil {
		return SaveResult{}, apperrors.Wrap(apperrors.StorageError, "write composite hash", err)
	}

	if err := s.touchSession(ctx, userKey, sessionID, ts, text, dir, opts.SourceEventID, origin); err != nil {
		s.log.LogError(err, "session counter update failed", "user_key", userKey, "session_id", sessionID)
	}

	return SaveResult{MessageID: msgID, SessionID: sessionID, TimestampMS: ts}, nil
}

func preview(text string) string {
	const max = 140
	if len(text) <= max {
		return text
	}
	return text[:max]
}

// touchSession advances Session counters monotonically (spec §3 Session
// invariants: message_count and last_message_at never decrease).
func (s *Store) touchSession(ctx context.Context, userKey, sessionID string, ts int64, text string, dir Direction, eventID string, origin Origin) error {
	key := sessionKey(userKey, sessionID)
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return err
	}
	var sess Session
	if ok {
		if err := json.Unmarshal(raw, &sess); err != nil {
			sess = Session{UserKey: userKey, SessionID: sessionID, CreatedAt: ts}
		}
	} else {
		sess = Session{UserKey: userKey, SessionID: sessionID, CreatedAt: ts}
	}

	sess.MessageCount++
	if ts > sess.LastMessageAt {
		sess.LastMessageAt = ts
	}
	sess.LastPreview = preview(text)
	sess.LastDirection = dir
	if eventID != "" {
		sess.LastEventID = eventID
	}
	if sess.Origin == "" {
		sess.Origin = origin
	}

	b, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.kv.Put(ctx, key, b)
}

func wellFormed(rec MessageRecord) bool {
	return rec.UserKey != "" && rec.SessionID != "" && rec.Direction != "" && rec.MessageID != ""
}

// HistoryBySession returns up to limit messages for (user, session) in
// chronological order (spec §4.8, §8 invariant 11).
func (s *Store) HistoryBySession(ctx context.Context, userKey, sessionID string, limit int) ([]MessageRecord, error) {
	prefix := fmt.Sprintf("message:%s:%s:", userKey, sessionID)
	return s.scanHistory(ctx, prefix, limit)
}

// HistoryByUser returns up to limit messages across all of a user's
// sessions in chronological order (spec §4.8, §4.7 step 7 fallback).
// It scans the userTimeKey index rather than the messageKey prefix:
// messageKey sorts by session id before timestamp, which cannot answer
// "most recent N regardless of session" once a user has more than one
// session.
func (s *Store) HistoryByUser(ctx context.Context, userKey string, limit int) ([]MessageRecord, error) {
	prefix := fmt.Sprintf("msgbyuser:%s:", userKey)
	return s.scanHistory(ctx, prefix, limit)
}

func (s *Store) scanHistory(ctx context.Context, prefix string, limit int) ([]MessageRecord, error) {
	kvs, err := s.kv.ScanPrefix(ctx, prefix, true, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.StorageError, "scan history", err)
	}
	out := make([]MessageRecord, 0, len(kvs))
	for _, kv := range kvs {
		var rec MessageRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil || !wellFormed(rec) {
			continue
		}
		out = append(out, rec)
	}
	// kvs came back newest-first (reverse scan); flip to chronological.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// RecentAll returns up to limit of the most recently touched sessions
// across all users, for the read-only dashboard surface.
func (s *Store) RecentAll(ctx context.Context, limit int) ([]Session, error) {
	kvs, err := s.kv.ScanPrefix(ctx, "session:", false, 0)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.StorageError, "scan sessions", err)
	}
	sessions := make([]Session, 0, len(kvs))
	for _, kv := range kvs {
		var sess Session
		if err := json.Unmarshal(kv.Value, &sess); err != nil {
			continue
		}
		sessions = append(sessions, sess)
	}
	sortSessionsByLastMessageDesc(sessions)
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

func sortSessionsByLastMessageDesc(sessions []Session) {
	for i := 1; i < len(sessions); i++ {
		j := i
		for j > 0 && sessions[j-1].LastMessageAt < sessions[j].LastMessageAt {
			sessions[j-1], sessions[j] = sessions[j], sessions[j-1]
			j--
		}
	}
}

// UserSummary aggregates one user's sessions for the dashboard.
type UserSummary struct {
	UserKey       string
	SessionCount  int
	MessageCount  int64
	LastMessageAt int64
}

// SummaryAll aggregates per-user Session totals (spec §4.8 dashboard
// read). Skips hash: entries by construction — it only ever scans the
// session: prefix.
func (s *Store) SummaryAll(ctx context.Context) ([]UserSummary, error) {
	kvs, err := s.kv.ScanPrefix(ctx, "session:", false, 0)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.StorageError, "scan sessions", err)
	}
	byUser := make(map[string]*UserSummary)
	for _, kv := range kvs {
		var sess Session
		if err := json.Unmarshal(kv.Value, &sess); err != nil {
			continue
		}
		u, ok := byUser[sess.UserKey]
		if !ok {
			u = &UserSummary{UserKey: sess.UserKey}
			byUser[sess.UserKey] = u
		}
		u.SessionCount++
		u.MessageCount += sess.MessageCount
		if sess.LastMessageAt > u.LastMessageAt {
			u.LastMessageAt = sess.LastMessageAt
		}
	}
	out := make([]UserSummary, 0, len(byUser))
	for _, u := range byUser {
		out = append(out, *u)
	}
	return out, nil
}
