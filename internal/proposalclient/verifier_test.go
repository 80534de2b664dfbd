package proposalclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/lfrezen/insurance/internal/domain"
	insurancesdk "github.com/lfrezen/insurance/sdk/go"
)

const proposalID = "0d7a4f0e-1c55-4c8e-9f7e-2f3c3b1b2a10"

type peer struct {
	srv    *httptest.Server
	hits   atomic.Int32
	status func(hit int32) int
}

func newPeer(t *testing.T, status func(hit int32) int) *peer {
	t.Helper()
	p := &peer{status: status}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := p.hits.Add(1)
		code := p.status(n)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if code == http.StatusOK {
			_, _ = w.Write([]byte(`{"id":"` + proposalID + `","status":"Approved","insured_amount":"100000"}`))
			return
		}
		_, _ = w.Write([]byte(`{"error":{"code":"x","message":"x"}}`))
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.BaseDelay = time.Millisecond
	return cfg
}

func newTestVerifier(p *peer, cfg Config) *Verifier {
	return NewVerifier(insurancesdk.New(p.srv.URL), cfg)
}

func TestDefaultBackOffSchedule(t *testing.T) {
	b := NewBackOff(DefaultConfig())
	require.Equal(t, 2*time.Second, b.NextBackOff())
	require.Equal(t, 4*time.Second, b.NextBackOff())
	require.Equal(t, 8*time.Second, b.NextBackOff())
	require.Equal(t, backoff.Stop, b.NextBackOff())

	b.Reset()
	require.Equal(t, 2*time.Second, b.NextBackOff())
}

func TestGetProposalSucceeds(t *testing.T) {
	p := newPeer(t, func(int32) int { return http.StatusOK })
	snap, err := newTestVerifier(p, fastConfig()).GetProposal(context.Background(), proposalID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusApproved, snap.Status)
	require.EqualValues(t, 1, p.hits.Load())
}

func TestGetProposalRetriesTransientThenSucceeds(t *testing.T) {
	p := newPeer(t, func(hit int32) int {
		if hit < 3 {
			return http.StatusServiceUnavailable
		}
		return http.StatusOK
	})
	snap, err := newTestVerifier(p, fastConfig()).GetProposal(context.Background(), proposalID)
	require.NoError(t, err)
	require.Equal(t, proposalID, snap.ID)
	require.EqualValues(t, 3, p.hits.Load())
}

func TestGetProposalExhaustsRetriesOnServerErrors(t *testing.T) {
	p := newPeer(t, func(int32) int { return http.StatusInternalServerError })
	_, err := newTestVerifier(p, fastConfig()).GetProposal(context.Background(), proposalID)
	require.ErrorIs(t, err, domain.ErrTransient)
	require.EqualValues(t, 4, p.hits.Load(), "first attempt plus three retries")
}

func TestGetProposalRetriesNotFound(t *testing.T) {
	p := newPeer(t, func(int32) int { return http.StatusNotFound })
	_, err := newTestVerifier(p, fastConfig()).GetProposal(context.Background(), proposalID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.EqualValues(t, 4, p.hits.Load())

	cfg := fastConfig()
	cfg.RetryNotFound = false
	p2 := newPeer(t, func(int32) int { return http.StatusNotFound })
	_, err = newTestVerifier(p2, cfg).GetProposal(context.Background(), proposalID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.EqualValues(t, 1, p2.hits.Load())
}

func TestNotFoundLateCommitIsRecovered(t *testing.T) {
	p := newPeer(t, func(hit int32) int {
		if hit == 1 {
			return http.StatusNotFound
		}
		return http.StatusOK
	})
	_, err := newTestVerifier(p, fastConfig()).GetProposal(context.Background(), proposalID)
	require.NoError(t, err)
	require.EqualValues(t, 2, p.hits.Load())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	p := newPeer(t, func(int32) int { return http.StatusUnauthorized })
	_, err := newTestVerifier(p, fastConfig()).GetProposal(context.Background(), proposalID)
	require.ErrorIs(t, err, domain.ErrUnexpected)
	require.EqualValues(t, 1, p.hits.Load())
}

func TestGetProposalRejectsAnswerForAnotherProposal(t *testing.T) {
	p := newPeer(t, func(int32) int { return http.StatusOK })
	other := "5f0c2d1e-8a7b-4c3d-9e2f-1a0b9c8d7e6f"
	_, err := newTestVerifier(p, fastConfig()).GetProposal(context.Background(), other)
	require.ErrorIs(t, err, domain.ErrUnexpected)
	require.Contains(t, err.Error(), other)
	require.EqualValues(t, 1, p.hits.Load())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	p := newPeer(t, func(int32) int { return http.StatusInternalServerError })
	cfg := fastConfig()
	cfg.MaxRetries = 0
	v := newTestVerifier(p, cfg)

	for i := 0; i < 5; i++ {
		_, err := v.GetProposal(context.Background(), proposalID)
		require.ErrorIs(t, err, domain.ErrTransient, "call %d", i+1)
	}
	require.EqualValues(t, 5, p.hits.Load())
	require.Equal(t, "open", v.State())

	_, err := v.GetProposal(context.Background(), proposalID)
	require.ErrorIs(t, err, domain.ErrCircuitOpen)
	require.EqualValues(t, 5, p.hits.Load(), "open circuit must not reach the network")
}

func TestCircuitOpenStopsRetries(t *testing.T) {
	p := newPeer(t, func(int32) int { return http.StatusBadGateway })
	v := newTestVerifier(p, fastConfig())

	_, err := v.GetProposal(context.Background(), proposalID)
	require.ErrorIs(t, err, domain.ErrTransient)
	require.EqualValues(t, 4, p.hits.Load())

	_, err = v.GetProposal(context.Background(), proposalID)
	require.ErrorIs(t, err, domain.ErrCircuitOpen)
	require.EqualValues(t, 5, p.hits.Load())
}

func TestBreakerHalfOpenRecovers(t *testing.T) {
	var healthy atomic.Bool
	p := newPeer(t, func(int32) int {
		if healthy.Load() {
			return http.StatusOK
		}
		return http.StatusInternalServerError
	})
	cfg := fastConfig()
	cfg.MaxRetries = 0
	cfg.BreakerOpen = 50 * time.Millisecond
	v := newTestVerifier(p, cfg)
	for i := 0; i < 5; i++ {
		_, _ = v.GetProposal(context.Background(), proposalID)
	}
	require.Equal(t, "open", v.State())

	healthy.Store(true)
	time.Sleep(80 * time.Millisecond)
	_, err := v.GetProposal(context.Background(), proposalID)
	require.NoError(t, err)
	require.Equal(t, "closed", v.State())
}

func TestNotFoundDoesNotTripBreaker(t *testing.T) {
	p := newPeer(t, func(int32) int { return http.StatusNotFound })
	cfg := fastConfig()
	cfg.MaxRetries = 0
	v := newTestVerifier(p, cfg)
	for i := 0; i < 10; i++ {
		_, err := v.GetProposal(context.Background(), proposalID)
		require.ErrorIs(t, err, domain.ErrNotFound)
	}
	require.Equal(t, "closed", v.State())
}

type blockingGetter struct{}

func (blockingGetter) GetProposal(ctx context.Context, _ string) (insurancesdk.Proposal, error) {
	<-ctx.Done()
	return insurancesdk.Proposal{}, ctx.Err()
}

func TestCancelledLookupIsTransientAndNotRetried(t *testing.T) {
	v := NewVerifier(blockingGetter{}, fastConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := v.GetProposal(ctx, proposalID)
	require.ErrorIs(t, err, domain.ErrTransient)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestTokenSourceMintsServiceToken(t *testing.T) {
	fixed := time.Now()
	src := TokenSource("s3cret", "insurance", time.Minute, func() time.Time { return fixed })
	raw, err := src(context.Background())
	require.NoError(t, err)

	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) { return []byte("s3cret"), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	require.NoError(t, err)
	require.Equal(t, ServiceSubject, claims.Subject)
	require.Equal(t, "insurance", claims.Issuer)

	empty, err := TokenSource("", "", 0, nil)(context.Background())
	require.NoError(t, err)
	require.Empty(t, empty)
}
