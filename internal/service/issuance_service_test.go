package service

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/robcowart/ibekd/internal/crypto"
	"github.com/robcowart/ibekd/internal/database/models"
	"github.com/robcowart/ibekd/internal/ibe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCSR(t *testing.T, env *testEnv, identity string, sessionKey []byte) *ibe.CSR {
	t.Helper()
	public, owner, err := env.systems.PublicParameter(context.Background(), env.systemID)
	require.NoError(t, err)
	encrypted, err := env.engine.Encrypt(public, sessionKey, owner)
	require.NoError(t, err)
	return &ibe.CSR{
		IdentityString:  identity,
		SystemID:        env.systemID,
		ApplicationDate: time.Now().UTC(),
		ValidityPeriod:  (24 * time.Hour).Milliseconds(),
		Password:        encrypted,
	}
}

func TestIssuanceService_IssueForCSR(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("Capsule opens with the session key", func(t *testing.T) {
		sessionKey, err := crypto.GenerateSessionKey(crypto.SessionKeySize)
		require.NoError(t, err)
		csr := newCSR(t, env, "node-1", sessionKey)

		capsule, err := env.issuance.IssueForCSR(ctx, csr)
		require.NoError(t, err)

		desc, err := crypto.OpenIdentity(sessionKey, capsule)
		require.NoError(t, err)
		assert.Equal(t, "node-1", desc.Identity())

		public, _, err := env.systems.PublicParameter(ctx, env.systemID)
		require.NoError(t, err)
		require.NoError(t, desc.Certificate.Verify(public))
		assert.Equal(t, csr.ApplicationDate.Truncate(time.Millisecond), desc.Certificate.NotBefore)
		assert.Equal(t, 24*time.Hour, desc.Certificate.NotAfter.Sub(desc.Certificate.NotBefore))

		rec, err := env.db.GetLatestIdentityDescription(ctx, env.systemID, "node-1")
		require.NoError(t, err)
		assert.Equal(t, capsule, rec.Capsule)
		assert.False(t, rec.RequestID.Valid)
	})

	t.Run("Capsule does not open with another key", func(t *testing.T) {
		sessionKey, err := crypto.GenerateSessionKey(crypto.SessionKeySize)
		require.NoError(t, err)
		capsule, err := env.issuance.IssueForCSR(ctx, newCSR(t, env, "node-2", sessionKey))
		require.NoError(t, err)

		other, err := crypto.GenerateSessionKey(crypto.SessionKeySize)
		require.NoError(t, err)
		_, err = crypto.OpenIdentity(other, capsule)
		assert.ErrorIs(t, err, crypto.ErrDecode)
	})

	t.Run("Session key encrypted to another identity is refused", func(t *testing.T) {
		sessionKey, err := crypto.GenerateSessionKey(crypto.SessionKeySize)
		require.NoError(t, err)
		public, _, err := env.systems.PublicParameter(ctx, env.systemID)
		require.NoError(t, err)
		csr := newCSR(t, env, "node-3", sessionKey)
		csr.Password, err = env.engine.Encrypt(public, sessionKey, "not-the-owner")
		require.NoError(t, err)

		_, err = env.issuance.IssueForCSR(ctx, csr)
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("Short session key is refused", func(t *testing.T) {
		_, err := env.issuance.IssueForCSR(ctx, newCSR(t, env, "node-4", make([]byte, 16)))
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("Malformed CSRs", func(t *testing.T) {
		sessionKey, err := crypto.GenerateSessionKey(crypto.SessionKeySize)
		require.NoError(t, err)

		noIdentity := newCSR(t, env, "", sessionKey)
		noValidity := newCSR(t, env, "node-5", sessionKey)
		noValidity.ValidityPeriod = 0
		noPassword := newCSR(t, env, "node-5", sessionKey)
		noPassword.Password = nil
		overflow := newCSR(t, env, "node-5", sessionKey)
		overflow.ValidityPeriod = math.MaxInt64

		for _, csr := range []*ibe.CSR{nil, noIdentity, noValidity, noPassword, overflow} {
			_, err := env.issuance.IssueForCSR(ctx, csr)
			assert.ErrorIs(t, err, ErrInvalidInput)
		}
	})

	t.Run("Unknown system", func(t *testing.T) {
		sessionKey, err := crypto.GenerateSessionKey(crypto.SessionKeySize)
		require.NoError(t, err)
		csr := newCSR(t, env, "node-6", sessionKey)
		csr.SystemID = 777

		_, err = env.issuance.IssueForCSR(ctx, csr)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("System owner is never issued", func(t *testing.T) {
		sessionKey, err := crypto.GenerateSessionKey(crypto.SessionKeySize)
		require.NoError(t, err)

		_, err = env.issuance.IssueForCSR(ctx, newCSR(t, env, env.systemName, sessionKey))
		assert.ErrorIs(t, err, ErrForbidden)

		_, err = env.db.GetLatestIdentityDescription(ctx, env.systemID, env.systemName)
		assert.Error(t, err, "nothing stored for the owner")
	})

	t.Run("End-user identity is not issued to a node", func(t *testing.T) {
		alice := env.user(t, "alice")
		r := env.submit(t, alice, "alice@example.com", "s3cret")
		sessionKey, err := crypto.GenerateSessionKey(crypto.SessionKeySize)
		require.NoError(t, err)

		_, err = env.issuance.IssueForCSR(ctx, newCSR(t, env, "alice@example.com", sessionKey))
		assert.ErrorIs(t, err, ErrForbidden)

		// Still refused once the request is resolved
		_, err = env.requests.RequestHandled(ctx, map[string]models.RequestStatus{r.IdentityString: models.StatusRejected})
		require.NoError(t, err)
		_, err = env.issuance.IssueForCSR(ctx, newCSR(t, env, "alice@example.com", sessionKey))
		assert.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("Server identity cannot be requested by an end user", func(t *testing.T) {
		bob := env.user(t, "bob")
		for _, identity := range []string{"node-1", env.systemName} {
			_, err := env.requests.Submit(ctx, bob, SubmitRequest{IdentityString: identity, Password: "pw", SystemID: env.systemID})
			assert.ErrorIs(t, err, ErrForbidden, identity)
		}
	})
}

func TestRequestProcessor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.user(t, "alice")

	good := env.submit(t, alice, "alice@example.com", "s3cret")
	tampered := env.submit(t, alice, "mallory@example.com", "pw")
	_, err := env.db.DB().ExecContext(ctx,
		`UPDATE ibe_id_requests SET password_hash = ? WHERE request_id = ?`, "00", tampered.ID)
	require.NoError(t, err)

	t.Run("One round resolves every request", func(t *testing.T) {
		n, err := env.processor.ProcessOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, models.StatusVerified, env.status(t, good.ID))
		assert.Equal(t, models.StatusRejected, env.status(t, tampered.ID))
	})

	t.Run("Nothing left to do", func(t *testing.T) {
		n, err := env.processor.ProcessOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("Applicant retrieves the description with the identity password", func(t *testing.T) {
		rec, err := env.issuance.LatestDescription(ctx, alice, "alice@example.com", "s3cret")
		require.NoError(t, err)
		require.True(t, rec.RequestID.Valid)
		assert.Equal(t, good.ID, rec.RequestID.Int64)

		desc, err := crypto.OpenIdentity(crypto.DeriveIdentityKey([]byte("s3cret"), "alice@example.com"), rec.Capsule)
		require.NoError(t, err)
		assert.Equal(t, "alice@example.com", desc.Identity())
		assert.Equal(t, good.Validity(), desc.Certificate.NotAfter.Sub(desc.Certificate.NotBefore))
	})

	t.Run("Retrieval checks ownership", func(t *testing.T) {
		_, err := env.issuance.LatestDescription(ctx, alice, "alice@example.com", "wrong")
		assert.ErrorIs(t, err, ErrInvalidCredentials)

		bob := env.user(t, "bob")
		_, err = env.issuance.LatestDescription(ctx, bob, "alice@example.com", "s3cret")
		assert.ErrorIs(t, err, ErrNotFound)

		env.submit(t, alice, "pending@example.com", "pw")
		_, err = env.issuance.LatestDescription(ctx, alice, "pending@example.com", "pw")
		assert.ErrorIs(t, err, ErrNotFound, "not issued yet")
	})

	t.Run("Run stops when the context ends", func(t *testing.T) {
		env.submit(t, alice, "late@example.com", "pw")
		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			env.processor.Run(runCtx)
			close(done)
		}()

		require.Eventually(t, func() bool {
			r, err := env.requests.GetByIDString(ctx, "late@example.com")
			return err == nil && r.Status == models.StatusVerified
		}, 10*time.Second, 20*time.Millisecond)

		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("processor did not stop")
		}
	})
}
