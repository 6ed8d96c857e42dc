package domain

import (
	"encoding/json"
	"time"
)

// Entry is one row of the session audit trail. UserID is empty for failed logins against
// unknown accounts.
type Entry struct {
	ID        string
	UserID    string
	Action    string
	IP        string
	Metadata  string // JSON object of string fields
	CreatedAt time.Time
}

// Fields decodes Metadata. Malformed or empty metadata yields an empty map.
func (e *Entry) Fields() map[string]string {
	out := map[string]string{}
	if e.Metadata == "" {
		return out
	}
	if err := json.Unmarshal([]byte(e.Metadata), &out); err != nil {
		return map[string]string{}
	}
	return out
}
