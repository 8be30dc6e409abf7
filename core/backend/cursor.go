package backend

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PaginationCursor points behind the last record of a page. Lists sorted by timestamp continue
// with the records after (or before) Timestamp and ID, which stays stable while records are added.
type PaginationCursor struct {
	Timestamp time.Time
	ID        uuid.UUID
}

// cursorSeparator cannot appear in a decimal number or a uuid
const cursorSeparator = "~"

// Encode returns the cursor as opaque URL-safe string. Postgres keeps microseconds, so does the cursor
func (c PaginationCursor) Encode() string {
	plain := strconv.FormatInt(c.Timestamp.UnixMicro(), 36) + cursorSeparator + c.ID.String()
	return base64.RawURLEncoding.EncodeToString([]byte(plain))
}

// DecodePaginationCursor is the inverse of PaginationCursor.Encode
func DecodePaginationCursor(encoded string) (PaginationCursor, error) {
	plain, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return PaginationCursor{}, fmt.Errorf("malformed cursor: %w", err)
	}
	micros, id, found := strings.Cut(string(plain), cursorSeparator)
	if !found {
		return PaginationCursor{}, fmt.Errorf("malformed cursor '%s'", encoded)
	}
	ts, err := strconv.ParseInt(micros, 36, 64)
	if err != nil {
		return PaginationCursor{}, fmt.Errorf("cursor timestamp: %w", err)
	}
	c := PaginationCursor{Timestamp: time.UnixMicro(ts).UTC()}
	if c.ID, err = uuid.Parse(id); err != nil {
		return PaginationCursor{}, fmt.Errorf("cursor id: %w", err)
	}
	return c, nil
}
