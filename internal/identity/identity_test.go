package identity

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic_SignInSignOutNotifies(t *testing.T) {
	p := NewStatic(nil)
	assert.Nil(t, p.Current())

	var mu sync.Mutex
	var seen []*Identity
	unsubscribe := p.OnChange(func(ident *Identity) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ident)
	})

	p.SignIn(Identity{ID: "u1", DisplayName: "Ada"})
	require.NotNil(t, p.Current())
	assert.Equal(t, "u1", p.Current().ID)

	p.SignOut()
	assert.Nil(t, p.Current())

	unsubscribe()
	unsubscribe()
	p.SignIn(Identity{ID: "u2"})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, "u1", seen[0].ID)
	assert.Nil(t, seen[1])
}

func TestStatic_CurrentIsACopy(t *testing.T) {
	p := NewStatic(&Identity{ID: "u1"})
	got := p.Current()
	got.ID = "mutated"
	assert.Equal(t, "u1", p.Current().ID)
}

func TestFile_LoadsAndReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identity.toml")
	require.NoError(t, os.WriteFile(path, []byte("id = \"u1\"\ndisplay_name = \"Ada\"\n"), 0600))

	p, err := NewFile(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer p.Close()

	require.NotNil(t, p.Current())
	assert.Equal(t, "Ada", p.Current().DisplayName)

	changes := make(chan *Identity, 10)
	p.OnChange(func(ident *Identity) { changes <- ident })

	require.NoError(t, os.WriteFile(path, []byte("id = \"u2\"\n"), 0600))
	// a rewrite can surface as truncate + write, so wait for the final state
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case ident := <-changes:
			done = ident != nil && ident.ID == "u2"
		case <-timeout:
			t.Fatal("no change notification after rewrite")
		}
	}

	require.NoError(t, os.Remove(path))
	assert.Eventually(t, func() bool { return p.Current() == nil }, 5*time.Second, 20*time.Millisecond)
}

func TestFile_MissingFileIsSignedOut(t *testing.T) {
	p, err := NewFile(filepath.Join(t.TempDir(), "none.toml"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer p.Close()
	assert.Nil(t, p.Current())
}
