package command

import (
	"net/http"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	oldID = plumbing.NewHash("1111111111111111111111111111111111111111")
	newID = plumbing.NewHash("2222222222222222222222222222222222222222")
)

func TestNewDerivesKind(t *testing.T) {
	assert.Equal(t, KindCreate, New("refs/heads/main", plumbing.ZeroHash, newID, true).Kind)
	assert.Equal(t, KindDelete, New("refs/heads/main", oldID, plumbing.ZeroHash, true).Kind)
	assert.Equal(t, KindUpdate, New("refs/heads/main", oldID, newID, true).Kind)
	assert.Equal(t, KindNonFastForward, New("refs/heads/main", oldID, newID, false).Kind)
}

func TestTrackedForwardsToOriginal(t *testing.T) {
	orig := New("refs/heads/main", oldID, newID, true)
	var progress Counter
	tracked := Track(orig, &progress)

	require.True(t, tracked.Reject(Reason(BucketInvalidRef, "not valid ref")))
	assert.Equal(t, Rejected, orig.Result)
	assert.Equal(t, "not valid ref", orig.Message)
	assert.Equal(t, 1, progress.Count())

	require.NotNil(t, tracked.Reason())
	assert.Equal(t, BucketInvalidRef, tracked.Reason().Bucket)
	assert.Equal(t, http.StatusBadRequest, tracked.Reason().Status)
}

func TestTrackedTerminalStateIsSticky(t *testing.T) {
	orig := New("refs/for/main", plumbing.ZeroHash, newID, true)
	var progress Counter
	tracked := Track(orig, &progress)

	require.True(t, tracked.Reject(Internal()))
	assert.False(t, tracked.Accept())
	assert.False(t, tracked.Reject(Reason(BucketConflict, "conflict")))
	assert.Equal(t, InternalServerError, orig.Message)
	assert.Equal(t, 1, progress.Count())
}

func TestTrackedSubmitMayRejectAfterOK(t *testing.T) {
	orig := New("refs/for/main", plumbing.ZeroHash, newID, true)
	var progress Counter
	tracked := Track(orig, &progress)

	require.True(t, tracked.Accept())
	require.True(t, tracked.Reject(Reason(BucketSubmitError, "error during submit")))
	assert.Equal(t, Rejected, orig.Result)
	assert.Equal(t, 1, progress.Count())

	out := tracked.Outcome()
	assert.Equal(t, "REJECTED_OTHER_REASON", out.Status)
	assert.Equal(t, BucketSubmitError, out.Reason.Bucket)
}

func TestProhibitedCarriesForbidden(t *testing.T) {
	r := Prohibited("not permitted: create on refs/heads/x")
	assert.Equal(t, http.StatusForbidden, r.Status)
	assert.Equal(t, "prohibited: not permitted: create on refs/heads/x", r.Why)
}
