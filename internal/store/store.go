package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/memora-ai/memora/internal/memory"
	"github.com/memora-ai/memora/internal/runtime"
)

// Store wraps the primary Postgres database.
type Store struct {
	DB *sql.DB
}

// Extraction statuses persisted per (user, source, source id).
const (
	ExtractionStatusPending   = "pending"
	ExtractionStatusCompleted = "completed"
	ExtractionStatusFailed    = "failed"
)

// DefaultEmbeddingDimensions indicates the expected length of vectors stored
// in pgvector columns.
const DefaultEmbeddingDimensions = 1536

// New wraps an existing database handle.
func New(db *sql.DB) *Store {
	return &Store{DB: db}
}

// NewWithDSN opens a connection pool against the given DSN and verifies it.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

// Topic is a chat topic owned by a user.
type Topic struct {
	ID        string
	UserID    string
	Title     string
	CreatedAt time.Time
}

// Message is one conversational turn inside a topic.
type Message struct {
	ID        string
	TopicID   string
	Role      string
	Content   string
	CreatedAt time.Time
}

// User is a pipeline user eligible for fan-out.
type User struct {
	ID        string
	CreatedAt time.Time
}

// Cursor is a strict-successor pagination key over (created_at, id), chosen
// so concurrent inserts neither skip nor duplicate rows across pages.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Zero reports whether the cursor is unset (first page).
func (c Cursor) Zero() bool {
	return c.CreatedAt.IsZero() && c.ID == ""
}

// GetTopic fetches a topic by id and owner. Absence is not an error.
func (s *Store) GetTopic(ctx context.Context, id, userID string) (Topic, bool, error) {
	var t Topic
	err := s.DB.QueryRowContext(ctx, `
SELECT id, user_id, title, created_at FROM topics WHERE id=$1 AND user_id=$2
`, id, userID).Scan(&t.ID, &t.UserID, &t.Title, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return Topic{}, false, nil
	}
	if err != nil {
		return Topic{}, false, err
	}
	return t, true, nil
}

// ListTopicMessages returns every message of a topic in chronological order.
func (s *Store) ListTopicMessages(ctx context.Context, topicID string) ([]Message, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, topic_id, role, content, created_at FROM messages
WHERE topic_id=$1
ORDER BY created_at ASC, id ASC
`, topicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.TopicID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListTopicsForUser returns the next page of topics for a user after the
// cursor. When includeExtracted is false, topics whose extraction status is
// already completed are filtered out.
func (s *Store) ListTopicsForUser(ctx context.Context, userID string, cur Cursor, limit int, includeExtracted bool) ([]Topic, Cursor, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
SELECT t.id, t.user_id, t.title, t.created_at
FROM topics t
LEFT JOIN source_extractions se
  ON se.user_id = t.user_id AND se.source = $1 AND se.source_id = t.id
WHERE t.user_id = $2
  AND (t.created_at, t.id) > ($3, $4)
  AND ($5 OR se.status IS DISTINCT FROM $6)
ORDER BY t.created_at ASC, t.id ASC
LIMIT $7
`
	rows, err := s.DB.QueryContext(ctx, query,
		string(memory.SourceChatTopic), userID, cur.CreatedAt, cur.ID,
		includeExtracted, ExtractionStatusCompleted, limit)
	if err != nil {
		return nil, Cursor{}, err
	}
	defer rows.Close()
	var out []Topic
	for rows.Next() {
		var t Topic
		if err := rows.Scan(&t.ID, &t.UserID, &t.Title, &t.CreatedAt); err != nil {
			return nil, Cursor{}, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, Cursor{}, err
	}
	next := Cursor{}
	if len(out) > 0 {
		last := out[len(out)-1]
		next = Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return out, next, nil
}

// ListUsers returns the next page of users after the cursor. A non-empty
// whitelist restricts results to the listed ids.
func (s *Store) ListUsers(ctx context.Context, cur Cursor, limit int, whitelist []string) ([]User, Cursor, error) {
	if limit <= 0 {
		limit = 100
	}
	// A nil whitelist arrives as SQL NULL; COALESCE keeps the no-filter
	// branch true instead of letting NULL exclude every row.
	query := `
SELECT id, created_at FROM users
WHERE (created_at, id) > ($1, $2)
  AND (COALESCE(cardinality($3::text[]), 0) = 0 OR id = ANY($3::text[]))
ORDER BY created_at ASC, id ASC
LIMIT $4
`
	rows, err := s.DB.QueryContext(ctx, query, cur.CreatedAt, cur.ID, pq.Array(whitelist), limit)
	if err != nil {
		return nil, Cursor{}, err
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.CreatedAt); err != nil {
			return nil, Cursor{}, err
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, Cursor{}, err
	}
	next := Cursor{}
	if len(out) > 0 {
		last := out[len(out)-1]
		next = Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return out, next, nil
}

// GetUserRuntimeState loads the user's provider inventory and key vault.
func (s *Store) GetUserRuntimeState(ctx context.Context, userID string) (runtime.Inventory, runtime.Vault, bool, error) {
	var invBytes, vaultBytes []byte
	err := s.DB.QueryRowContext(ctx, `
SELECT provider_inventory, key_vault FROM user_settings WHERE user_id=$1
`, userID).Scan(&invBytes, &vaultBytes)
	if err == sql.ErrNoRows {
		return runtime.Inventory{}, runtime.Vault{}, false, nil
	}
	if err != nil {
		return runtime.Inventory{}, nil, false, err
	}
	var inv runtime.Inventory
	if len(invBytes) > 0 {
		if err := json.Unmarshal(invBytes, &inv); err != nil {
			return runtime.Inventory{}, nil, false, fmt.Errorf("decode provider inventory: %w", err)
		}
	}
	vault := runtime.Vault{}
	if len(vaultBytes) > 0 {
		if err := json.Unmarshal(vaultBytes, &vault); err != nil {
			return runtime.Inventory{}, nil, false, fmt.Errorf("decode key vault: %w", err)
		}
	}
	return inv, vault, true, nil
}

// SourceExtraction is the persisted extraction-status metadata of one source.
type SourceExtraction struct {
	UserID    string
	Source    memory.Source
	SourceID  string
	Status    string
	Detail    json.RawMessage
	UpdatedAt time.Time
}

// GetSourceExtraction returns the extraction-status metadata for a source.
func (s *Store) GetSourceExtraction(ctx context.Context, userID string, source memory.Source, sourceID string) (SourceExtraction, bool, error) {
	var rec SourceExtraction
	var detail []byte
	err := s.DB.QueryRowContext(ctx, `
SELECT user_id, source, source_id, status, detail, updated_at
FROM source_extractions
WHERE user_id=$1 AND source=$2 AND source_id=$3
`, userID, string(source), sourceID).Scan(&rec.UserID, &rec.Source, &rec.SourceID, &rec.Status, &detail, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return SourceExtraction{}, false, nil
	}
	if err != nil {
		return SourceExtraction{}, false, err
	}
	rec.Detail = append(json.RawMessage{}, detail...)
	return rec, true, nil
}

// SetSourceExtraction upserts the extraction-status metadata for a source.
func (s *Store) SetSourceExtraction(ctx context.Context, userID string, source memory.Source, sourceID, status string, detail json.RawMessage) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user_id required")
	}
	if strings.TrimSpace(sourceID) == "" {
		return fmt.Errorf("source_id required")
	}
	if len(detail) == 0 {
		detail = json.RawMessage("{}")
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO source_extractions (user_id, source, source_id, status, detail, updated_at)
VALUES ($1,$2,$3,$4,$5,NOW())
ON CONFLICT (user_id, source, source_id) DO UPDATE SET
  status = EXCLUDED.status,
  detail = EXCLUDED.detail,
  updated_at = NOW();
`, userID, string(source), sourceID, status, []byte(detail))
	return err
}

// MemoryRow is one persisted memory record for an append-only layer.
type MemoryRow struct {
	ID             string
	UserID         string
	Layer          memory.Layer
	Title          string
	Summary        string
	Details        string
	MemoryCategory string
	MemoryType     string
	Detail         map[string]interface{}
	Metadata       memory.Metadata
	SummaryVector  []float32
	DetailsVector  []float32
	CreatedAt      time.Time
}

// InsertMemory writes one memory row and returns its id. Vector columns are
// left NULL when the corresponding vector is absent.
func (s *Store) InsertMemory(ctx context.Context, rec MemoryRow) (string, error) {
	if rec.UserID == "" {
		return "", fmt.Errorf("user_id required")
	}
	if rec.Layer == "" {
		return "", fmt.Errorf("layer required")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	detail := rec.Detail
	if detail == nil {
		detail = map[string]interface{}{}
	}
	detailBytes, err := json.Marshal(detail)
	if err != nil {
		return "", fmt.Errorf("marshal detail: %w", err)
	}
	metaBytes, err := json.Marshal(rec.Metadata)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	summaryVec, err := nullableVectorLiteral(rec.SummaryVector)
	if err != nil {
		return "", err
	}
	detailsVec, err := nullableVectorLiteral(rec.DetailsVector)
	if err != nil {
		return "", err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO memories (id, user_id, layer, title, summary, details, memory_category, memory_type, detail, metadata, summary_embedding, details_embedding, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11::vector,$12::vector,NOW())
`, rec.ID, rec.UserID, string(rec.Layer), rec.Title, rec.Summary, rec.Details,
		rec.MemoryCategory, rec.MemoryType, detailBytes, metaBytes, summaryVec, detailsVec)
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// MemorySearchResult is a nearest-neighbor hit over stored memories.
type MemorySearchResult struct {
	ID        string
	Layer     memory.Layer
	Title     string
	Summary   string
	Details   string
	Distance  float64
	CreatedAt time.Time
}

// SearchMemories returns the closest stored memories for the supplied vector.
func (s *Store) SearchMemories(ctx context.Context, userID string, vector []float32, topK int, threshold float64) ([]MemorySearchResult, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("vector must not be empty")
	}
	if topK <= 0 {
		topK = 5
	}
	vecLiteral, err := encodeVectorLiteral(vector)
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, layer, title, summary, details, created_at, summary_embedding <=> $1::vector AS distance
FROM memories
WHERE user_id = $2 AND summary_embedding IS NOT NULL
ORDER BY summary_embedding <=> $1::vector
LIMIT $3
`, vecLiteral, userID, topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MemorySearchResult
	for rows.Next() {
		var r MemorySearchResult
		var layer string
		if err := rows.Scan(&r.ID, &layer, &r.Title, &r.Summary, &r.Details, &r.CreatedAt, &r.Distance); err != nil {
			return nil, err
		}
		r.Layer = memory.Layer(layer)
		if threshold > 0 && 1-r.Distance < threshold {
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListIdentityEntities pages through the user's identity entities ordered by
// creation. The cursor is a plain offset because identity sets are small and
// mutated in place.
func (s *Store) ListIdentityEntities(ctx context.Context, userID string, offset, limit int) ([]memory.IdentityEntity, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, name, kind, summary, details, labels, updated_at
FROM identity_entities
WHERE user_id=$1
ORDER BY created_at ASC, id ASC
OFFSET $2 LIMIT $3
`, userID, offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []memory.IdentityEntity
	for rows.Next() {
		var e memory.IdentityEntity
		var labels []byte
		if err := rows.Scan(&e.ID, &e.Name, &e.Kind, &e.Summary, &e.Details, &labels, &e.UpdatedAt); err != nil {
			return nil, err
		}
		if len(labels) > 0 {
			if err := json.Unmarshal(labels, &e.Labels); err != nil {
				return nil, fmt.Errorf("decode labels for entity %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetIdentityEntity fetches one identity entity by id and owner.
func (s *Store) GetIdentityEntity(ctx context.Context, userID, id string) (memory.IdentityEntity, bool, error) {
	var e memory.IdentityEntity
	var labels []byte
	err := s.DB.QueryRowContext(ctx, `
SELECT id, name, kind, summary, details, labels, updated_at
FROM identity_entities
WHERE user_id=$1 AND id=$2
`, userID, id).Scan(&e.ID, &e.Name, &e.Kind, &e.Summary, &e.Details, &labels, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return memory.IdentityEntity{}, false, nil
	}
	if err != nil {
		return memory.IdentityEntity{}, false, err
	}
	if len(labels) > 0 {
		if err := json.Unmarshal(labels, &e.Labels); err != nil {
			return memory.IdentityEntity{}, false, fmt.Errorf("decode labels: %w", err)
		}
	}
	return e, true, nil
}

// CreateIdentityEntity inserts a new identity entity and returns its id.
func (s *Store) CreateIdentityEntity(ctx context.Context, userID string, e memory.IdentityEntity) (string, error) {
	if strings.TrimSpace(e.Name) == "" {
		return "", fmt.Errorf("entity name required")
	}
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	labels, err := json.Marshal(e.Labels)
	if err != nil {
		return "", fmt.Errorf("marshal labels: %w", err)
	}
	vec, err := nullableVectorLiteral(e.SummaryVector)
	if err != nil {
		return "", err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO identity_entities (id, user_id, name, kind, summary, details, labels, summary_embedding, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8::vector,NOW(),NOW())
`, id, userID, e.Name, e.Kind, e.Summary, e.Details, labels, vec)
	if err != nil {
		return "", err
	}
	return id, nil
}

// UpdateIdentityEntity overwrites an existing identity entity.
func (s *Store) UpdateIdentityEntity(ctx context.Context, userID string, e memory.IdentityEntity) error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("entity id required")
	}
	labels, err := json.Marshal(e.Labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}
	vec, err := nullableVectorLiteral(e.SummaryVector)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE identity_entities
SET name=$3, kind=$4, summary=$5, details=$6, labels=$7, summary_embedding=$8::vector, updated_at=NOW()
WHERE user_id=$1 AND id=$2
`, userID, e.ID, e.Name, e.Kind, e.Summary, e.Details, labels, vec)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("identity entity %s not found", e.ID)
	}
	return nil
}

// DeleteIdentityEntity removes an identity entity by id and owner.
func (s *Store) DeleteIdentityEntity(ctx context.Context, userID, id string) error {
	_, err := s.DB.ExecContext(ctx, `
DELETE FROM identity_entities WHERE user_id=$1 AND id=$2
`, userID, id)
	return err
}

// BenchmarkPart is one utterance of a benchmark corpus source.
type BenchmarkPart struct {
	ID        string
	SourceID  string
	Speaker   string
	Content   string
	SessionAt time.Time
}

// ListBenchmarkParts returns the parts of a benchmark source ordered by
// session time.
func (s *Store) ListBenchmarkParts(ctx context.Context, sourceID string) ([]BenchmarkPart, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, source_id, speaker, content, session_at
FROM benchmark_parts
WHERE source_id=$1
ORDER BY session_at ASC, id ASC
`, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BenchmarkPart
	for rows.Next() {
		var p BenchmarkPart
		if err := rows.Scan(&p.ID, &p.SourceID, &p.Speaker, &p.Content, &p.SessionAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func nullableVectorLiteral(vec []float32) (interface{}, error) {
	if len(vec) == 0 {
		return nil, nil
	}
	lit, err := encodeVectorLiteral(vec)
	if err != nil {
		return nil, err
	}
	return lit, nil
}

// encodeVectorLiteral renders a vector in pgvector's text input format.
func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("empty vector")
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String(), nil
}
