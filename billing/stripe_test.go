package billing

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap"
)

func stripeErr(status int) error {
	return &stripe.Error{
		HTTPStatusCode: status,
		Msg:            fmt.Sprintf("provider returned %d", status),
	}
}

func TestTransient(t *testing.T) {
	// connection-level failures never reach the Stripe error type
	assert.True(t, transient(errors.New("connection reset by peer")))
	assert.True(t, transient(stripeErr(http.StatusInternalServerError)))
	assert.True(t, transient(stripeErr(http.StatusServiceUnavailable)))

	// application errors are terminal, a retry cannot change the answer
	assert.False(t, transient(stripeErr(http.StatusBadRequest)))
	assert.False(t, transient(stripeErr(http.StatusNotFound)))
	assert.False(t, transient(stripeErr(http.StatusConflict)))
}

func TestMapStripeError(t *testing.T) {
	cases := []struct {
		status int
		kind   Kind
	}{
		{http.StatusNotFound, KindNotFound},
		{http.StatusUnauthorized, KindUnauthorized},
		{http.StatusForbidden, KindUnauthorized},
		{http.StatusConflict, KindConflict},
		{http.StatusInternalServerError, KindGateway},
		{http.StatusBadGateway, KindGateway},
		{http.StatusBadRequest, KindValidation},
		{http.StatusPaymentRequired, KindValidation},
	}
	for _, c := range cases {
		assert.Equal(t, c.kind, KindOf(mapStripeError("TestOp", stripeErr(c.status))), "status %d", c.status)
	}

	// anything that is not a provider response is a gateway failure
	assert.Equal(t, KindGateway, KindOf(mapStripeError("TestOp", errors.New("dial tcp: i/o timeout"))))
}

func TestWithRetrySingleBoundedRetry(t *testing.T) {
	g := &StripeGateway{StripeOptions: StripeOptions{Logger: zap.NewNop()}}

	// transient failure then success: exactly one retry
	attempts := 0
	err := g.withRetry("TestOp", func() error {
		attempts++
		if attempts == 1 {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	// transient failure twice: no third attempt, mapped to a gateway error
	attempts = 0
	err = g.withRetry("TestOp", func() error {
		attempts++
		return stripeErr(http.StatusInternalServerError)
	})
	assert.Equal(t, 2, attempts)
	assert.Equal(t, KindGateway, KindOf(err))
	assert.True(t, IsRetryable(err))

	// application errors are never retried
	attempts = 0
	err = g.withRetry("TestOp", func() error {
		attempts++
		return stripeErr(http.StatusNotFound)
	})
	assert.Equal(t, 1, attempts)
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.False(t, IsRetryable(err))
}

func TestErrorChain(t *testing.T) {
	inner := errors.New("root cause")
	err := WrapError(KindConflict, inner, "cannot apply")

	assert.Equal(t, KindConflict, KindOf(err))
	assert.True(t, errors.Is(err, inner))
	assert.Contains(t, err.Error(), "Conflict")
	assert.Contains(t, err.Error(), "cannot apply")

	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.False(t, IsRetryable(NewError(KindValidation, "bad input")))
}
