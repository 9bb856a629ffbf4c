package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/joescharf/rota/internal/models"
)

// legacyUser is the profile the browser client kept under "user".
type legacyUser struct {
	UserID   int64         `json:"userId"`
	ID       int64         `json:"id"`
	FullName string        `json:"fullName"`
	Email    string        `json:"email"`
	Roles    []models.Role `json:"roles"`
}

// ImportLegacy reads a JSON export of the browser client's storage:
//
//	{"jwt_token": "...", "user": "{\"userId\":7,...}", "lastLogin": "..."}
//
// The user entry may be an embedded JSON string, as local storage holds it,
// or a plain object.
func ImportLegacy(r io.Reader) (*models.Session, error) {
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode export: %w", err)
	}

	var token, lastLogin string
	if v, ok := raw[LegacyKeyToken]; ok {
		if err := json.Unmarshal(v, &token); err != nil {
			return nil, fmt.Errorf("%s: %w", LegacyKeyToken, err)
		}
	}
	if v, ok := raw[LegacyKeyLastLogin]; ok {
		lastLogin = stringOrNumber(v)
	}

	user := string(raw[LegacyKeyUser])
	var embedded string
	if err := json.Unmarshal(raw[LegacyKeyUser], &embedded); err == nil {
		user = embedded
	}

	return legacySession(token, user, lastLogin)
}

// legacySession builds a session from the three v1 entries.
func legacySession(token, user, lastLogin string) (*models.Session, error) {
	if token == "" {
		return nil, errors.New("no jwt_token in legacy data")
	}
	sess := &models.Session{Token: token, LastLogin: parseLastLogin(lastLogin)}

	if user != "" && user != "null" {
		var u legacyUser
		if err := json.Unmarshal([]byte(user), &u); err != nil {
			return nil, fmt.Errorf("%s: %w", LegacyKeyUser, err)
		}
		sess.User = models.User{
			ID:       u.UserID,
			FullName: u.FullName,
			Email:    u.Email,
			Roles:    u.Roles,
		}
		if sess.User.ID == 0 {
			sess.User.ID = u.ID
		}
	}
	return sess, nil
}

func stringOrNumber(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return n.String()
	}
	return ""
}
