package health

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStartsNotReady(t *testing.T) {
	a, release := New()
	assert.False(t, a.Ready())

	release()
	assert.True(t, a.Ready())
}

func TestAddBlocksUntilReleased(t *testing.T) {
	a, releaseInitial := New()

	release := a.Add(true)
	releaseInitial()
	assert.False(t, a.Ready())

	release()
	assert.True(t, a.Ready())
}

func TestReleaseIsIdempotent(t *testing.T) {
	a, releaseInitial := New()
	releaseInitial()

	release := a.Add(true)
	release()
	release()
	assert.True(t, a.Ready())
}

func TestMultipleBlockersRequireAllReleases(t *testing.T) {
	a, releaseInitial := New()

	r1 := a.Add(true)
	r2 := a.Add(true)
	releaseInitial()
	assert.False(t, a.Ready())

	r1()
	assert.False(t, a.Ready())
	r2()
	assert.True(t, a.Ready())
}

func TestAddFalseDoesNotBlock(t *testing.T) {
	a, releaseInitial := New()
	releaseInitial()

	release := a.Add(false)
	assert.True(t, a.Ready())
	release()
	assert.True(t, a.Ready())
}

// TestReadyLatchesAndNeverReverts covers spec section 8's invariant that
// the readiness boolean transitions false->true at most once: a blocker
// registered after readiness has already latched must not flip it back.
func TestReadyLatchesAndNeverReverts(t *testing.T) {
	a, releaseInitial := New()
	releaseInitial()
	assert.True(t, a.Ready())

	release := a.Add(true)
	assert.True(t, a.Ready(), "readiness must not revert once latched")

	release()
	assert.True(t, a.Ready())
}

func TestEndpointReflectsReadiness(t *testing.T) {
	a, releaseInitial := New()
	srv := httptest.NewServer(a.Endpoint())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()

	releaseInitial()
	resp2, err := http.Get(srv.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	resp2.Body.Close()
}
