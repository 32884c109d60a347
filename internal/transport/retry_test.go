package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestReconnectFailoverAdvancesPastBothAddresses exercises spec.md §8
// scenario 5: two addresses A and B, max_retries:1 (so two total attempts),
// retry_time_secs:0. Both attempts fail; the final address-iterator
// position must be B's successor (i.e. back at A, since the list wraps).
func TestReconnectFailoverAdvancesPastBothAddresses(t *testing.T) {
	it := NewAddressIterator([]Address{{URL: "ws://a"}, {URL: "ws://b"}})
	retry := RetryConfig{MaxRetries: 1, RetryTimeSecs: 0}

	var attempted []string
	opener := func(ctx context.Context, addr Address) error {
		attempted = append(attempted, addr.URL)
		return errors.New("dial refused")
	}

	err := retryOpen(context.Background(), it, retry, func() bool { return false }, opener)

	require.Error(t, err)
	assert.Equal(t, []string{"ws://a", "ws://b"}, attempted)
	assert.Equal(t, "ws://a", it.Current().URL, "iterator must rest at B's successor after both attempts fail")
}

func TestRetryOpenSucceedsOnSecondAddress(t *testing.T) {
	it := NewAddressIterator([]Address{{URL: "ws://a"}, {URL: "ws://b"}})
	retry := RetryConfig{MaxRetries: 3, RetryTimeSecs: 0}

	var calls int32
	opener := func(ctx context.Context, addr Address) error {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return errors.New("first address down")
		}
		return nil
	}

	err := retryOpen(context.Background(), it, retry, func() bool { return false }, opener)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls)
	assert.Equal(t, "ws://b", it.Current().URL)
}

func TestRetryOpenAbortsWhenClosedMidLoop(t *testing.T) {
	it := NewAddressIterator([]Address{{URL: "ws://a"}, {URL: "ws://b"}})
	retry := RetryConfig{MaxRetries: 5, RetryTimeSecs: 0}

	var attempts int32
	closed := int32(0)
	opener := func(ctx context.Context, addr Address) error {
		if atomic.AddInt32(&attempts, 1) == 1 {
			atomic.StoreInt32(&closed, 1)
		}
		return errors.New("down")
	}

	err := retryOpen(context.Background(), it, retry, func() bool { return atomic.LoadInt32(&closed) == 1 }, opener)
	require.Error(t, err)
	assert.LessOrEqual(t, attempts, int32(2), "closing mid-loop must abort further attempts promptly")
}

func TestRetryOpenRespectsContextCancellation(t *testing.T) {
	it := NewAddressIterator([]Address{{URL: "ws://a"}})
	retry := RetryConfig{MaxRetries: 5, RetryTimeSecs: 10}

	ctx, cancel := context.WithCancel(context.Background())
	opener := func(ctx context.Context, addr Address) error {
		cancel()
		return errors.New("down")
	}

	err := retryOpen(ctx, it, retry, func() bool { return false }, opener)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
