package llm

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanternlabs/docmind/internal/config"
)

func TestNewFingerprint(t *testing.T) {
	a := NewFingerprint("deepseek", "https://api.deepseek.com/v1", config.Secret("sk-secret"))
	same := NewFingerprint("deepseek", "https://api.deepseek.com/v1", config.Secret("sk-secret"))
	otherKey := NewFingerprint("deepseek", "https://api.deepseek.com/v1", config.Secret("sk-other"))
	otherURL := NewFingerprint("deepseek", "https://alt.example/v1", config.Secret("sk-secret"))

	assert.Equal(t, a, same)
	assert.NotEqual(t, a, otherKey)
	assert.NotEqual(t, a, otherURL)

	// The raw credential never leaks into the key.
	assert.NotContains(t, string(a), "sk-secret")
	assert.True(t, strings.HasPrefix(string(a), "deepseek|https://api.deepseek.com/v1|"))
}

func TestClientCacheReuse(t *testing.T) {
	cache := NewClientCache()
	fp := NewFingerprint("openai", "https://api.openai.com/v1", config.Secret("k"))

	built := 0
	construct := func() (*Handle, error) {
		built++
		return newHandle("https://api.openai.com/v1", "k"), nil
	}

	h1, err := cache.GetOrCreate(fp, construct)
	require.NoError(t, err)
	h2, err := cache.GetOrCreate(fp, construct)
	require.NoError(t, err)

	assert.Same(t, h1, h2)
	assert.Equal(t, 1, built)
	assert.Equal(t, 1, cache.Len())
}

func TestClientCacheExpiry(t *testing.T) {
	now := time.Now()
	cache := NewClientCache()
	cache.now = func() time.Time { return now }

	fp := NewFingerprint("openai", "https://api.openai.com/v1", config.Secret("k"))
	construct := func() (*Handle, error) {
		return newHandle("https://api.openai.com/v1", "k"), nil
	}

	h1, err := cache.GetOrCreate(fp, construct)
	require.NoError(t, err)

	// Just under the TTL the handle is still served.
	now = now.Add(handleTTL - time.Second)
	h2, err := cache.GetOrCreate(fp, construct)
	require.NoError(t, err)
	assert.Same(t, h1, h2)

	// Past the TTL a replacement is constructed and swapped in.
	now = now.Add(2 * time.Second)
	h3, err := cache.GetOrCreate(fp, construct)
	require.NoError(t, err)
	assert.NotSame(t, h1, h3)
	assert.Equal(t, 1, cache.Len())
}

func TestClientCacheConstructError(t *testing.T) {
	cache := NewClientCache()
	fp := NewFingerprint("openai", "https://api.openai.com/v1", config.Secret("k"))

	_, err := cache.GetOrCreate(fp, func() (*Handle, error) {
		return nil, errors.New("boom")
	})
	assert.Error(t, err)
	assert.Equal(t, 0, cache.Len(), "failures are not cached")
}

func TestClientCacheConcurrentAccess(t *testing.T) {
	cache := NewClientCache()
	fp := NewFingerprint("openai", "https://api.openai.com/v1", config.Secret("k"))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := cache.GetOrCreate(fp, func() (*Handle, error) {
				return newHandle("https://api.openai.com/v1", "k"), nil
			})
			assert.NoError(t, err)
			assert.NotNil(t, h)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, cache.Len())
}
