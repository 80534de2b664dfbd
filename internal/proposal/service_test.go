package proposal_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/lfrezen/insurance/internal/db"
	"github.com/lfrezen/insurance/internal/domain"
	"github.com/lfrezen/insurance/internal/migrate"
	"github.com/lfrezen/insurance/internal/proposal"
	"github.com/lfrezen/insurance/internal/repo"
)

type fakeDeliverer struct {
	mu   sync.Mutex
	msgs []domain.OutboxMessage
	err  error
}

func (f *fakeDeliverer) Deliver(_ context.Context, msg domain.OutboxMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return f.err
}

type testEnv struct {
	Svc    *proposal.Service
	Repo   repo.Repo
	Outbox *fakeDeliverer
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{DSN: filepath.Join(t.TempDir(), "proposals.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Run(conn, dialect, migrate.Proposals)
	require.NoError(t, err)
	r := repo.Repo{DB: conn, Dialect: dialect}
	out := &fakeDeliverer{}
	svc := proposal.NewService(r, out)
	svc.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Svc: svc, Repo: r, Outbox: out, Ctx: context.Background()}
}

func validInput() proposal.CreateInput {
	return proposal.CreateInput{
		FullName:      "John Doe",
		NationalID:    "529.982.247-25",
		Email:         "john@example.com",
		CoverageType:  "vida",
		InsuredAmount: decimal.NewFromInt(100000),
	}
}

func TestCreateProposal(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Svc.Create(env.Ctx, validInput())
	require.NoError(t, err)
	require.Equal(t, domain.StatusUnderReview, p.Status)
	require.Equal(t, "Vida", p.CoverageType)

	got, err := env.Svc.Get(env.Ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, p.ID, got.ID)
}

func TestCreateProposalValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := map[string]func(*proposal.CreateInput){
		"short name":       func(in *proposal.CreateInput) { in.FullName = "Jo" },
		"long name":        func(in *proposal.CreateInput) { in.FullName = strings.Repeat("a", 201) },
		"bad cpf":          func(in *proposal.CreateInput) { in.NationalID = "12345678900" },
		"repeated cpf":     func(in *proposal.CreateInput) { in.NationalID = "11111111111" },
		"bad email":        func(in *proposal.CreateInput) { in.Email = "not-an-email" },
		"long email":       func(in *proposal.CreateInput) { in.Email = strings.Repeat("a", 95) + "@x.com" },
		"unknown coverage": func(in *proposal.CreateInput) { in.CoverageType = "Pet" },
		"zero amount":      func(in *proposal.CreateInput) { in.InsuredAmount = decimal.Zero },
		"amount too large": func(in *proposal.CreateInput) { in.InsuredAmount = decimal.NewFromInt(10_000_001) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := validInput()
			mutate(&in)
			_, err := env.Svc.Create(env.Ctx, in)
			require.ErrorIs(t, err, domain.ErrValidation)
		})
	}

	in := validInput()
	in.InsuredAmount = decimal.NewFromInt(10_000_000)
	_, err := env.Svc.Create(env.Ctx, in)
	require.NoError(t, err, "upper bound is inclusive")
}

func TestValidCPF(t *testing.T) {
	require.True(t, proposal.ValidCPF("52998224725"))
	require.True(t, proposal.ValidCPF("529.982.247-25"))
	require.False(t, proposal.ValidCPF("52998224726"))
	require.False(t, proposal.ValidCPF("5299822472"))
	require.False(t, proposal.ValidCPF("00000000000"))
	require.False(t, proposal.ValidCPF("5299822472a"))
}

func TestApproveWritesOutboxAndDelivers(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Svc.Create(env.Ctx, validInput())
	require.NoError(t, err)

	approved, err := env.Svc.ChangeStatus(env.Ctx, p.ID, "Approved")
	require.NoError(t, err)
	require.Equal(t, domain.StatusApproved, approved.Status)
	require.NotNil(t, approved.UpdatedAt)

	require.Len(t, env.Outbox.msgs, 1)
	msg := env.Outbox.msgs[0]
	require.Equal(t, domain.RoutingKeyProposalApproved, msg.RoutingKey)
	require.Equal(t, p.ID, msg.AggregateID)

	var ev map[string]any
	require.NoError(t, json.Unmarshal(msg.Payload, &ev))
	require.Equal(t, p.ID, ev["proposal_id"])
	require.Equal(t, "100000", ev["insured_amount"])
	require.Equal(t, "John Doe", ev["full_name"])
	require.Contains(t, ev, "approved_at")

	stored, err := env.Repo.GetOutbox(env.Ctx, msg.ID)
	require.NoError(t, err)
	require.Equal(t, msg.Payload, stored.Payload)
}

func TestApproveSucceedsWhenPublishFails(t *testing.T) {
	env := newTestEnv(t)
	env.Outbox.err = errors.New("broker down")
	p, err := env.Svc.Create(env.Ctx, validInput())
	require.NoError(t, err)

	_, err = env.Svc.Approve(env.Ctx, p.ID)
	require.NoError(t, err)

	pending, err := env.Repo.PendingOutbox(env.Ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1, "unpublished event stays for the relay")
}

func TestRejectWritesNoEvent(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Svc.Create(env.Ctx, validInput())
	require.NoError(t, err)
	rejected, err := env.Svc.Reject(env.Ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusRejected, rejected.Status)
	require.Empty(t, env.Outbox.msgs)
}

func TestIllegalTransitions(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Svc.Create(env.Ctx, validInput())
	require.NoError(t, err)
	_, err = env.Svc.Approve(env.Ctx, p.ID)
	require.NoError(t, err)

	_, err = env.Svc.Reject(env.Ctx, p.ID)
	require.ErrorIs(t, err, domain.ErrIllegalTransition)
	require.Contains(t, err.Error(), "Approved")

	_, err = env.Svc.Approve(env.Ctx, p.ID)
	require.ErrorIs(t, err, domain.ErrIllegalTransition)
	require.Len(t, env.Outbox.msgs, 1, "no second event for a repeated approval")

	_, err = env.Svc.ChangeStatus(env.Ctx, p.ID, "pending")
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestConcurrentTransitionsOneWins(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Svc.Create(env.Ctx, validInput())
	require.NoError(t, err)

	const n = 6
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make(chan error, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(approve bool) {
			defer wg.Done()
			<-start
			if approve {
				_, err := env.Svc.Approve(env.Ctx, p.ID)
				errs <- err
				return
			}
			_, err := env.Svc.Reject(env.Ctx, p.ID)
			errs <- err
		}(i%2 == 0)
	}
	close(start)
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
			continue
		}
		require.ErrorIs(t, err, domain.ErrIllegalTransition)
	}
	require.Equal(t, 1, wins)

	got, err := env.Svc.Get(env.Ctx, p.ID)
	require.NoError(t, err)
	pending, err := env.Repo.PendingOutbox(env.Ctx, 10)
	require.NoError(t, err)
	if got.Status == domain.StatusApproved {
		require.Len(t, pending, 1)
	} else {
		require.Empty(t, pending)
	}
}

func TestChangeStatusUnknownProposal(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Svc.Approve(env.Ctx, uuid.NewString())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListNewestFirst(t *testing.T) {
	env := newTestEnv(t)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	env.Svc.Now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	first, err := env.Svc.Create(env.Ctx, validInput())
	require.NoError(t, err)
	second, err := env.Svc.Create(env.Ctx, validInput())
	require.NoError(t, err)

	list, err := env.Svc.List(env.Ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, second.ID, list[0].ID)
	require.Equal(t, first.ID, list[1].ID)
}
