package artifacts

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorageSaveAndRemove(t *testing.T) {
	ctx := context.Background()
	s := LocalStorage{Root: t.TempDir()}

	ref, err := s.Save(ctx, "client 42", 1, "../../Signed Agreement.pdf", strings.NewReader("signed"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "client_42/step-1/"), ref)
	assert.True(t, strings.HasSuffix(ref, "-Signed_Agreement.pdf"), ref)

	full, err := s.Resolve(ref)
	require.NoError(t, err)
	data, err := os.ReadFile(full)
	require.NoError(t, err)
	assert.Equal(t, "signed", string(data))

	other, err := s.Save(ctx, "client 42", 1, "../../Signed Agreement.pdf", strings.NewReader("again"))
	require.NoError(t, err)
	assert.NotEqual(t, ref, other, "same name never overwrites")

	require.NoError(t, s.Remove(ctx, []string{ref, other, "client_42/step-1/missing.pdf"}))
	_, err = os.Stat(full)
	assert.True(t, os.IsNotExist(err))
}

func TestLocalStorageRejectsEscapes(t *testing.T) {
	s := LocalStorage{Root: t.TempDir()}
	for _, ref := range []string{"../outside.pdf", "/etc/passwd", ".."} {
		_, err := s.Resolve(ref)
		assert.Error(t, err, ref)
	}
	assert.Error(t, s.Remove(context.Background(), []string{"../outside.pdf"}))
}

func TestLocalStorageRequiresOwner(t *testing.T) {
	s := LocalStorage{Root: t.TempDir()}
	_, err := s.Save(context.Background(), "  ", 1, "a.pdf", strings.NewReader("x"))
	assert.Error(t, err)
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "passport_scan.pdf", sanitize(" passport scan.pdf "))
	assert.Equal(t, "", sanitize(".."))
	assert.Equal(t, "a_b", sanitize("a/b"))
}
