package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/patric-chuzhbe/danki/internal/auth"
	"github.com/patric-chuzhbe/danki/internal/db/memorystorage"
	"github.com/patric-chuzhbe/danki/internal/ipchecker"
	"github.com/patric-chuzhbe/danki/internal/models"
	"github.com/patric-chuzhbe/danki/internal/router"
	"github.com/patric-chuzhbe/danki/internal/service"
)

type recordingRemover struct {
	jobs []*models.CollectionsDeleteJob
}

func (r *recordingRemover) EnqueueJob(job *models.CollectionsDeleteJob) {
	r.jobs = append(r.jobs, job)
}

func startServer(t *testing.T) (*httptest.Server, *recordingRemover) {
	t.Helper()

	db, err := memorystorage.New()
	require.NoError(t, err)

	theAuth := auth.New([]byte("client-test-signing-key"), "danki", "danki-users", time.Hour)
	checker, err := ipchecker.New("")
	require.NoError(t, err)

	remover := &recordingRemover{}
	svc := service.New(db, remover, theAuth, service.WithBcryptCost(bcrypt.MinCost))

	server := httptest.NewServer(router.New(svc, theAuth, checker))
	t.Cleanup(server.Close)

	return server, remover
}

func TestClientFlow(t *testing.T) {
	server, remover := startServer(t)
	ctx := context.Background()

	anonymous := New(server.URL)
	require.NoError(t, anonymous.Register(ctx, "alice@example.com", "secret-password"))
	assert.ErrorIs(t, anonymous.Register(ctx, "alice@example.com", "secret-password"), ErrUnexpectedStatus)

	_, err := anonymous.Login(ctx, "alice@example.com", "wrong-password")
	assert.ErrorIs(t, err, ErrUnexpectedStatus)

	token, err := anonymous.Login(ctx, "alice@example.com", "secret-password")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	_, err = anonymous.EchoEmail(ctx)
	assert.ErrorIs(t, err, ErrUnexpectedStatus)

	alice := New(server.URL, WithToken(token), WithTimeout(5*time.Second))

	email, err := alice.EchoEmail(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", email)

	verbs, err := alice.CreateCollection(ctx, "verbs")
	require.NoError(t, err)
	_, err = alice.CreateCollection(ctx, "adjectives")
	require.NoError(t, err)

	renamed, err := alice.RenameCollection(ctx, verbs, "irregular verbs")
	require.NoError(t, err)
	assert.Equal(t, "irregular verbs", renamed.Name)

	collections, err := alice.ListCollections(ctx, models.CollectionsQuery{
		Limit:     10,
		Sort:      models.ByName,
		Ascending: true,
	})
	require.NoError(t, err)
	require.Len(t, collections, 2)
	assert.Equal(t, "adjectives", collections[0].Name)
	assert.Equal(t, "irregular verbs", collections[1].Name)

	_, err = alice.ListCollections(ctx, models.CollectionsQuery{Limit: 1000})
	assert.ErrorContains(t, err, "400")

	require.NoError(t, alice.DeleteCollections(ctx, []string{verbs}))
	require.Len(t, remover.jobs, 1)
	assert.Equal(t, []string{verbs}, []string(remover.jobs[0].CollectionsToDelete))
}

func TestStatusErrorCarriesServerMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"access denied"}`))
	}))
	defer server.Close()

	_, err := New(server.URL, WithToken("token")).ListCollections(context.Background(), models.CollectionsQuery{Limit: 10})
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
	assert.EqualError(t, err, "unexpected response status: 403 access denied")
}
