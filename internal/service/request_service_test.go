package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/robcowart/ibekd/internal/auth"
	"github.com/robcowart/ibekd/internal/database/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestService_Submit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.user(t, "alice")
	bob := env.user(t, "bob")

	t.Run("New request is stored NotVerified", func(t *testing.T) {
		r := env.submit(t, alice, "alice@example.com", "s3cret")
		assert.Positive(t, r.ID)
		assert.Equal(t, models.StatusNotVerified, r.Status)
		assert.Equal(t, auth.HashIdentityPassword("s3cret"), r.PasswordHash)
		assert.Equal(t, int64(env.cfg.Crypto.DefaultIdentityValidity/time.Second), r.ValiditySeconds)

		// The key generation copy of the password opens with the System server key
		serverKey, err := env.systems.ServerPrivateKey(ctx, env.systemID)
		require.NoError(t, err)
		pw, err := env.engine.Decrypt(serverKey, r.PasswordKeygen)
		require.NoError(t, err)
		assert.Equal(t, []byte("s3cret"), pw)
	})

	t.Run("Second unresolved request for the identity is rejected", func(t *testing.T) {
		_, err := env.requests.Submit(ctx, bob, SubmitRequest{IdentityString: "alice@example.com", Password: "x", SystemID: env.systemID})
		assert.ErrorIs(t, err, ErrConflict)
		_, err = env.requests.Submit(ctx, alice, SubmitRequest{IdentityString: "alice@example.com", Password: "x", SystemID: env.systemID})
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("Verified identity stays with its applicant", func(t *testing.T) {
		_, err := env.requests.RequestHandled(ctx, map[string]models.RequestStatus{"alice@example.com": models.StatusVerified})
		require.NoError(t, err)

		_, err = env.requests.Submit(ctx, bob, SubmitRequest{IdentityString: "alice@example.com", Password: "x", SystemID: env.systemID})
		assert.ErrorIs(t, err, ErrConflict)

		// The original applicant may renew
		renewal := env.submit(t, alice, "alice@example.com", "n3w")
		assert.Equal(t, models.StatusNotVerified, renewal.Status)
	})

	t.Run("Rejected identity can be requested again", func(t *testing.T) {
		env.submit(t, bob, "shared@example.com", "pw")
		_, err := env.requests.RequestHandled(ctx, map[string]models.RequestStatus{"shared@example.com": models.StatusRejected})
		require.NoError(t, err)

		r := env.submit(t, alice, "shared@example.com", "pw")
		assert.Equal(t, models.StatusNotVerified, r.Status)
	})

	t.Run("Invalid input", func(t *testing.T) {
		cases := []SubmitRequest{
			{IdentityString: "  ", Password: "pw", SystemID: env.systemID},
			{IdentityString: "x@example.com", Password: "", SystemID: env.systemID},
			{IdentityString: "x@example.com", Password: "pw", SystemID: 0},
			{IdentityString: "x@example.com", Password: "pw", SystemID: env.systemID, Validity: -time.Second},
		}
		for i, c := range cases {
			_, err := env.requests.Submit(ctx, alice, c)
			assert.ErrorIs(t, err, ErrInvalidInput, "case %d", i)
		}
		_, err := env.requests.Submit(ctx, nil, SubmitRequest{IdentityString: "x", Password: "pw", SystemID: env.systemID})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("Unknown system", func(t *testing.T) {
		_, err := env.requests.Submit(ctx, alice, SubmitRequest{IdentityString: "y@example.com", Password: "pw", SystemID: 4242})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestRequestService_ConcurrentSubmit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const callers = 8
	applicants := make([]*models.User, callers)
	for i := range applicants {
		applicants[i] = env.user(t, fmt.Sprintf("applicant-%d", i))
	}

	var wg sync.WaitGroup
	errs := make([]error, callers)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = env.requests.Submit(ctx, applicants[i], SubmitRequest{
				IdentityString: "contested@example.com",
				Password:       "pw",
				SystemID:       env.systemID,
			})
		}(i)
	}
	close(start)
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrConflict)
	}
	assert.Equal(t, 1, succeeded)

	rows, err := env.db.ListRequestsByIdentity(ctx, "contested@example.com")
	require.NoError(t, err)
	active := 0
	for _, r := range rows {
		if !r.Status.Resolved() {
			active++
		}
	}
	assert.Equal(t, 1, active)
}

func TestRequestService_RequestHandled(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.user(t, "alice")

	var reqs []*models.IDRequest
	for i := 0; i < 5; i++ {
		reqs = append(reqs, env.submit(t, alice, fmt.Sprintf("id-%d", i), "pw"))
	}

	t.Run("Batch larger than the chunk size", func(t *testing.T) {
		updates := map[string]models.RequestStatus{}
		for _, r := range reqs {
			updates[r.IdentityString] = models.StatusStarted
		}
		n, err := env.requests.RequestHandled(ctx, updates)
		require.NoError(t, err)
		assert.EqualValues(t, 5, n)
		for _, r := range reqs {
			assert.Equal(t, models.StatusStarted, env.status(t, r.ID))
		}
	})

	t.Run("Mixed outcomes", func(t *testing.T) {
		n, err := env.requests.RequestHandled(ctx, map[string]models.RequestStatus{
			"id-0": models.StatusVerified,
			"id-1": models.StatusRejected,
		})
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)
		assert.Equal(t, models.StatusVerified, env.status(t, reqs[0].ID))
		assert.Equal(t, models.StatusRejected, env.status(t, reqs[1].ID))
	})

	t.Run("Repeating a call changes nothing", func(t *testing.T) {
		n, err := env.requests.RequestHandled(ctx, map[string]models.RequestStatus{
			"id-0": models.StatusVerified,
			"id-1": models.StatusRejected,
		})
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("Statuses never go backwards", func(t *testing.T) {
		n, err := env.requests.RequestHandled(ctx, map[string]models.RequestStatus{
			"id-0": models.StatusNotVerified,
			"id-1": models.StatusStarted,
			"id-2": models.StatusNotVerified,
		})
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Equal(t, models.StatusVerified, env.status(t, reqs[0].ID))
		assert.Equal(t, models.StatusRejected, env.status(t, reqs[1].ID))
		assert.Equal(t, models.StatusStarted, env.status(t, reqs[2].ID))
	})

	t.Run("Resolved requests cannot move between terminal states", func(t *testing.T) {
		n, err := env.requests.RequestHandled(ctx, map[string]models.RequestStatus{"id-0": models.StatusRejected})
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Equal(t, models.StatusVerified, env.status(t, reqs[0].ID))
	})

	t.Run("Unknown identities are ignored", func(t *testing.T) {
		n, err := env.requests.RequestHandled(ctx, map[string]models.RequestStatus{"nobody": models.StatusVerified})
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("Invalid status", func(t *testing.T) {
		_, err := env.requests.RequestHandled(ctx, map[string]models.RequestStatus{"id-3": models.StatusAll})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestRequestService_Queries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.user(t, "alice")
	bob := env.user(t, "bob")

	first := env.submit(t, alice, "a1", "pw-a1")
	second := env.submit(t, alice, "a2", "pw-a2")
	env.submit(t, bob, "b1", "pw-b1")

	t.Run("New and unhandled queues", func(t *testing.T) {
		fresh, err := env.requests.ListNewRequests(ctx, 2)
		require.NoError(t, err)
		require.Len(t, fresh, 2)
		assert.Equal(t, first.ID, fresh[0].ID, "oldest first")

		_, err = env.requests.RequestHandled(ctx, map[string]models.RequestStatus{"a1": models.StatusStarted})
		require.NoError(t, err)

		started, err := env.requests.ListUnhandledRequests(ctx, 0)
		require.NoError(t, err)
		require.Len(t, started, 1)
		assert.Equal(t, first.ID, started[0].ID)

		fresh, err = env.requests.ListNewRequests(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, fresh, 2)
	})

	t.Run("Ownership", func(t *testing.T) {
		res, err := env.requests.DoesIDBelongToUser(ctx, "a1", alice, "pw-a1")
		require.NoError(t, err)
		assert.Equal(t, OwnershipOK, res)

		res, err = env.requests.DoesIDBelongToUser(ctx, "a1", alice, "wrong")
		require.NoError(t, err)
		assert.Equal(t, OwnershipWrongPassword, res)

		res, err = env.requests.DoesIDBelongToUser(ctx, "a1", bob, "pw-a1")
		require.NoError(t, err)
		assert.Equal(t, OwnershipWrongOwner, res)
	})

	t.Run("Ownership ignores digest case", func(t *testing.T) {
		_, err := env.db.DB().ExecContext(ctx,
			`UPDATE ibe_id_requests SET password_hash = ? WHERE request_id = ?`,
			strings.ToUpper(auth.HashIdentityPassword("pw-a2")), second.ID)
		require.NoError(t, err)

		res, err := env.requests.DoesIDBelongToUser(ctx, "a2", alice, "pw-a2")
		require.NoError(t, err)
		assert.Equal(t, OwnershipOK, res)
	})

	t.Run("Existence", func(t *testing.T) {
		code, err := env.requests.DoesIDRequestExist(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, int(models.StatusStarted)+1, code)

		code, err = env.requests.DoesIDRequestExist(ctx, "a2")
		require.NoError(t, err)
		assert.Equal(t, int(models.StatusNotVerified)+1, code)

		code, err = env.requests.DoesIDRequestExist(ctx, "none")
		require.NoError(t, err)
		assert.Zero(t, code)
	})

	t.Run("Lookups", func(t *testing.T) {
		r, err := env.requests.GetByOwner(ctx, alice, "a2")
		require.NoError(t, err)
		assert.Equal(t, second.ID, r.ID)

		_, err = env.requests.GetByOwner(ctx, bob, "a2")
		assert.ErrorIs(t, err, ErrNotFound)

		r, err = env.requests.GetByIDString(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, bob.ID, r.ApplicantID)

		_, err = env.requests.GetByIDString(ctx, "none")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Listing and counting", func(t *testing.T) {
		all, err := env.requests.List(ctx, alice, 0, 10, models.StatusAll)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		started, err := env.requests.List(ctx, alice, 0, 10, models.StatusStarted)
		require.NoError(t, err)
		require.Len(t, started, 1)
		assert.Equal(t, "a1", started[0].IdentityString)

		page1, err := env.requests.List(ctx, alice, 1, 1, models.StatusAll)
		require.NoError(t, err)
		require.Len(t, page1, 1)
		assert.Equal(t, first.ID, page1[0].ID, "newest first")

		_, err = env.requests.List(ctx, alice, 0, 10, models.RequestStatus(9))
		assert.ErrorIs(t, err, ErrInvalidInput)

		count, err := env.requests.Count(ctx, alice)
		require.NoError(t, err)
		assert.EqualValues(t, 2, count)
	})
}
