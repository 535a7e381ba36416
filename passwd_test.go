package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"prismachat/internal/auth"
	"prismachat/internal/store"
)

func TestSetPassword(t *testing.T) {
	ctx := context.Background()
	st, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "chat.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	_, err = st.CreateUser(ctx, "legacy", "")
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, setPassword(ctx, st, "legacy", strings.NewReader("abc\nhunter22\n"), &out))
	assert.Contains(t, out.String(), "at least 4 characters")
	assert.Contains(t, out.String(), "Password updated for legacy")

	u, err := st.GetUser(ctx, "legacy")
	require.NoError(t, err)
	assert.True(t, auth.CheckPassword(u.PasswordHash, "hunter22"))

	out.Reset()
	require.NoError(t, setPassword(ctx, st, "newbie", strings.NewReader("letmein\n"), &out))
	assert.Contains(t, out.String(), "Created user newbie")
	u, err = st.GetUser(ctx, "newbie")
	require.NoError(t, err)
	assert.True(t, u.HasPassword())

	err = setPassword(ctx, st, "legacy", strings.NewReader("no\n"), &out)
	assert.ErrorContains(t, err, "no password entered")

	err = setPassword(ctx, st, "ab", strings.NewReader("whatever\n"), &out)
	assert.Error(t, err)
}
