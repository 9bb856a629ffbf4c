package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/rota/internal/models"
)

func TestImportLegacy(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		wantUser models.User
		wantErr  string
	}{
		{
			name:     "user as embedded string",
			in:       `{"jwt_token":"t1","user":"{\"userId\":3,\"fullName\":\"Ana\",\"email\":\"a@h.org\",\"roles\":[\"NURSE\"]}","lastLogin":"2025-03-01T08:00:00Z"}`,
			wantUser: models.User{ID: 3, FullName: "Ana", Email: "a@h.org", Roles: []models.Role{models.RoleNurse}},
		},
		{
			name:     "user as object with id",
			in:       `{"jwt_token":"t1","user":{"id":4,"fullName":"Bo"},"lastLogin":1700000000000}`,
			wantUser: models.User{ID: 4, FullName: "Bo"},
		},
		{
			name: "token only",
			in:   `{"jwt_token":"t1"}`,
		},
		{
			name:    "missing token",
			in:      `{"user":"{}"}`,
			wantErr: "no jwt_token",
		},
		{
			name:    "not json",
			in:      `jwt_token=t1`,
			wantErr: "decode export",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, err := ImportLegacy(strings.NewReader(tt.in))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "t1", sess.Token)
			assert.Equal(t, tt.wantUser, sess.User)
		})
	}
}

func TestImportLegacy_LastLogin(t *testing.T) {
	sess, err := ImportLegacy(strings.NewReader(`{"jwt_token":"t","lastLogin":1700000000000}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000), sess.LastLogin.UnixMilli())
}
