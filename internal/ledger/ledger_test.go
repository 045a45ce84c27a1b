package ledger

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nathanyu/securities-exchange/internal/domain"
)

func TestDepositWithdraw(t *testing.T) {
	l := New()

	require.NoError(t, l.Deposit("alice", "USD", 100))
	avail, reserved := l.Balance("alice", "USD")
	assert.Equal(t, int64(100), avail)
	assert.Equal(t, int64(0), reserved)

	require.NoError(t, l.Withdraw("alice", "USD", 40))
	avail, _ = l.Balance("alice", "USD")
	assert.Equal(t, int64(60), avail)

	err := l.Withdraw("alice", "USD", 100)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
}

func TestDeposit_RejectsNonPositive(t *testing.T) {
	l := New()
	assert.ErrorIs(t, l.Deposit("alice", "USD", 0), domain.ErrInvalidOrder)
	assert.ErrorIs(t, l.Deposit("alice", "USD", -5), domain.ErrInvalidOrder)
}

func TestReserveRelease(t *testing.T) {
	l := New()
	require.NoError(t, l.Deposit("alice", "USD", 100))

	require.NoError(t, l.Reserve("alice", "USD", 70))
	avail, reserved := l.Balance("alice", "USD")
	assert.Equal(t, int64(30), avail)
	assert.Equal(t, int64(70), reserved)

	// Reserving more than available fails and changes nothing.
	err := l.Reserve("alice", "USD", 31)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	avail, reserved = l.Balance("alice", "USD")
	assert.Equal(t, int64(30), avail)
	assert.Equal(t, int64(70), reserved)

	require.NoError(t, l.Release("alice", "USD", 70))
	avail, reserved = l.Balance("alice", "USD")
	assert.Equal(t, int64(100), avail)
	assert.Equal(t, int64(0), reserved)
}

func TestRelease_ExceedingReservationIsInvariantViolation(t *testing.T) {
	l := New()
	require.NoError(t, l.Deposit("alice", "USD", 100))
	require.NoError(t, l.Reserve("alice", "USD", 50))

	err := l.Release("alice", "USD", 51)
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)

	// Nothing moved.
	avail, reserved := l.Balance("alice", "USD")
	assert.Equal(t, int64(50), avail)
	assert.Equal(t, int64(50), reserved)
}

func TestSettle(t *testing.T) {
	l := New()
	// Buyer holds reserved cash, seller holds reserved shares.
	require.NoError(t, l.Deposit("buyer", "USD", 100))
	require.NoError(t, l.Reserve("buyer", "USD", 100))
	require.NoError(t, l.Deposit("seller", "XYZ", 10))
	require.NoError(t, l.Reserve("seller", "XYZ", 10))

	require.NoError(t, l.Settle(Settlement{
		Buyer:    "buyer",
		Seller:   "seller",
		Asset:    "XYZ",
		Quote:    "USD",
		Quantity: 10,
		Cost:     100,
	}))

	avail, reserved := l.Balance("buyer", "XYZ")
	assert.Equal(t, int64(10), avail)
	assert.Equal(t, int64(0), reserved)

	avail, reserved = l.Balance("buyer", "USD")
	assert.Equal(t, int64(0), avail)
	assert.Equal(t, int64(0), reserved)

	avail, _ = l.Balance("seller", "USD")
	assert.Equal(t, int64(100), avail)
	avail, reserved = l.Balance("seller", "XYZ")
	assert.Equal(t, int64(0), avail)
	assert.Equal(t, int64(0), reserved)
}

func TestSettle_AllOrNothing(t *testing.T) {
	l := New()
	require.NoError(t, l.Deposit("buyer", "USD", 100))
	require.NoError(t, l.Reserve("buyer", "USD", 100))
	// Seller has no reserved shares: the asset leg must fail and the
	// cash leg must not apply.
	err := l.Settle(Settlement{
		Buyer:    "buyer",
		Seller:   "seller",
		Asset:    "XYZ",
		Quote:    "USD",
		Quantity: 10,
		Cost:     100,
	})
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)

	_, reserved := l.Balance("buyer", "USD")
	assert.Equal(t, int64(100), reserved)
	avail, _ := l.Balance("seller", "USD")
	assert.Equal(t, int64(0), avail)
}

func TestSettle_SelfTrade(t *testing.T) {
	l := New()
	require.NoError(t, l.Deposit("alice", "USD", 100))
	require.NoError(t, l.Reserve("alice", "USD", 100))
	require.NoError(t, l.Deposit("alice", "XYZ", 10))
	require.NoError(t, l.Reserve("alice", "XYZ", 10))

	require.NoError(t, l.Settle(Settlement{
		Buyer:    "alice",
		Seller:   "alice",
		Asset:    "XYZ",
		Quote:    "USD",
		Quantity: 10,
		Cost:     100,
	}))

	avail, reserved := l.Balance("alice", "USD")
	assert.Equal(t, int64(100), avail)
	assert.Equal(t, int64(0), reserved)
	avail, reserved = l.Balance("alice", "XYZ")
	assert.Equal(t, int64(10), avail)
	assert.Equal(t, int64(0), reserved)
}

// Concurrent settlements that share users must not deadlock and must
// conserve available + reserved per (user, asset).
func TestSettle_ConcurrentSharedUsers(t *testing.T) {
	l := New()
	const rounds = 200

	require.NoError(t, l.Deposit("alice", "USD", rounds))
	require.NoError(t, l.Reserve("alice", "USD", rounds))
	require.NoError(t, l.Deposit("bob", "XYZ", rounds))
	require.NoError(t, l.Reserve("bob", "XYZ", rounds))
	require.NoError(t, l.Deposit("bob", "USD", rounds))
	require.NoError(t, l.Reserve("bob", "USD", rounds))
	require.NoError(t, l.Deposit("alice", "XYZ", rounds))
	require.NoError(t, l.Reserve("alice", "XYZ", rounds))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			require.NoError(t, l.Settle(Settlement{
				Buyer: "alice", Seller: "bob",
				Asset: "XYZ", Quote: "USD",
				Quantity: 1, Cost: 1,
			}))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			require.NoError(t, l.Settle(Settlement{
				Buyer: "bob", Seller: "alice",
				Asset: "XYZ", Quote: "USD",
				Quantity: 1, Cost: 1,
			}))
		}
	}()
	wg.Wait()

	for _, user := range []string{"alice", "bob"} {
		for _, asset := range []string{"USD", "XYZ"} {
			avail, reserved := l.Balance(user, asset)
			assert.Equal(t, int64(rounds), avail+reserved, "%s/%s", user, asset)
		}
	}
}

func TestBalances(t *testing.T) {
	l := New()
	require.NoError(t, l.Deposit("alice", "USD", 100))
	require.NoError(t, l.Deposit("alice", "XYZ", 5))
	require.NoError(t, l.Deposit("bob", "USD", 7))

	balances := l.Balances("alice")
	assert.Equal(t, map[string]int64{"USD": 100, "XYZ": 5}, balances)
}
