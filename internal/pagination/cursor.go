package pagination

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Cursor marks the last-seen row of a keyset page over a descending
// (timestamp, id) total order.
type Cursor struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"ts"`
}

// cursorPayload is the wire form. Timestamps travel as unix nanoseconds so
// the token is stable across timezone and monotonic-clock differences and
// keeps the full precision rows are stored with; anything coarser would make
// Apply skip rows that share the tail's truncated timestamp.
type cursorPayload struct {
	ID string `json:"id"`
	TS int64  `json:"ts"`
}

// Encode serializes a cursor into an opaque token. Clients must treat the
// token as a blob and only round-trip it.
func Encode(c Cursor) string {
	raw, _ := json.Marshal(cursorPayload{ID: c.ID, TS: c.Timestamp.UnixNano()})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// Decode parses a token back into a cursor. Malformed tokens decode to nil
// rather than erroring.
//
// A bare entity id is accepted as a degraded cursor for older clients; the
// caller detects the zero Timestamp and re-resolves it from the entity.
func Decode(token string) *Cursor {
	if token == "" {
		return nil
	}

	if raw, err := base64.RawURLEncoding.DecodeString(token); err == nil {
		var p cursorPayload
		if err := json.Unmarshal(raw, &p); err == nil && p.ID != "" {
			return &Cursor{ID: p.ID, Timestamp: time.Unix(0, p.TS).UTC()}
		}
	}

	if _, err := uuid.Parse(token); err == nil {
		return &Cursor{ID: token}
	}

	return nil
}

// NeedsResolve reports whether the cursor came from the bare-id fallback and
// still lacks its timestamp.
func (c *Cursor) NeedsResolve() bool {
	return c != nil && c.Timestamp.IsZero()
}

// Apply narrows a query to rows strictly older than the cursor under the
// descending (timestamp, id) order. Equal timestamps fall back to the id
// comparison, so pages never duplicate or skip rows.
func Apply(db *gorm.DB, c *Cursor, tsColumn, idColumn string) *gorm.DB {
	if c == nil {
		return db
	}
	return db.Where(
		tsColumn+" < ? OR ("+tsColumn+" = ? AND "+idColumn+" < ?)",
		c.Timestamp, c.Timestamp, c.ID,
	)
}
