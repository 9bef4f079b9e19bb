package postgresdb

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patric-chuzhbe/danki/internal/models"
	"github.com/patric-chuzhbe/danki/internal/user"
)

// Set DANKI_TEST_DATABASE_DSN, e.g.
// "host=localhost user=danki password=danki dbname=danki_test sslmode=disable",
// to run the database tests. The database is wiped.
const testDSNEnv = "DANKI_TEST_DATABASE_DSN"

func TestOrderClause(t *testing.T) {
	tests := []struct {
		sort      models.CollectionSortParam
		ascending bool
		expected  string
	}{
		{models.ByName, true, "lower(name) ASC, id ASC"},
		{models.ByName, false, "lower(name) DESC, id DESC"},
		{models.ByDate, true, "last_modified ASC, id ASC"},
		{models.ByDate, false, "last_modified DESC, id DESC"},
		{models.CollectionSortParam("; DROP TABLE users"), true, "lower(name) ASC, id ASC"},
	}

	for _, tt := range tests {
		t.Run(string(tt.sort), func(t *testing.T) {
			assert.Equal(t, tt.expected, orderClause(tt.sort, tt.ascending))
		})
	}
}

func setupTestDB(t *testing.T) *PostgresDB {
	t.Helper()
	dsn := os.Getenv(testDSNEnv)
	if dsn == "" {
		t.Skipf("%s is not set", testDSNEnv)
	}

	db, err := New(context.Background(), dsn, 5*time.Second, WithDBPreReset(true))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	return db
}

func TestPostgresDB(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	owner := &user.User{ID: uuid.NewString(), Email: "owner@b.c", PasswordHash: "hash"}
	ownerID, err := db.CreateUser(ctx, owner, nil)
	require.NoError(t, err)
	assert.Equal(t, owner.ID, ownerID)

	_, err = db.CreateUser(ctx, &user.User{ID: uuid.NewString(), Email: "owner@b.c", PasswordHash: "x"}, nil)
	assert.ErrorIs(t, err, models.ErrUserAlreadyExists)

	other := &user.User{ID: uuid.NewString(), Email: "other@b.c", PasswordHash: "hash"}
	_, err = db.CreateUser(ctx, other, nil)
	require.NoError(t, err)

	fetched, err := db.GetUserByEmail(ctx, "owner@b.c", nil)
	require.NoError(t, err)
	assert.Equal(t, *owner, *fetched)

	_, err = db.GetUserByID(ctx, uuid.NewString(), nil)
	assert.ErrorIs(t, err, models.ErrNotFound)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ids := map[string]string{}
	for i, name := range []string{"banana", "Apple", "cherry"} {
		id, err := db.CreateCollection(ctx, &models.CardCollection{
			ID:           uuid.NewString(),
			Name:         name,
			OwnerID:      owner.ID,
			LastModified: base.Add(time.Duration(i) * time.Hour),
		}, nil)
		require.NoError(t, err)
		ids[name] = id
	}
	foreignID, err := db.CreateCollection(ctx, &models.CardCollection{
		ID:           uuid.NewString(),
		Name:         "foreign",
		OwnerID:      other.ID,
		LastModified: base,
	}, nil)
	require.NoError(t, err)

	page, err := db.GetUserCollections(ctx, owner.ID, models.CollectionsPage{
		Limit: 10, Sort: models.ByName, Ascending: true,
	})
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "Apple", page[0].Name)
	assert.Equal(t, "cherry", page[2].Name)

	page, err = db.GetUserCollections(ctx, owner.ID, models.CollectionsPage{
		Offset: 1, Limit: 1, Sort: models.ByDate, Ascending: false,
	})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "Apple", page[0].Name)

	tx, err := db.BeginTransaction(ctx)
	require.NoError(t, err)
	collection, err := db.GetCollectionByID(ctx, ids["banana"], tx)
	require.NoError(t, err)
	collection.Name = "plantain"
	collection.LastModified = base.Add(48 * time.Hour)
	require.NoError(t, db.UpdateCollection(ctx, collection, tx))
	require.NoError(t, db.CommitTransaction(tx))
	require.NoError(t, db.RollbackTransaction(tx))

	collection, err = db.GetCollectionByID(ctx, ids["banana"], nil)
	require.NoError(t, err)
	assert.Equal(t, "plantain", collection.Name)
	assert.True(t, base.Add(48*time.Hour).Equal(collection.LastModified))

	err = db.RemoveUsersCollections(ctx, map[string][]string{
		owner.ID: {ids["banana"], ids["banana"], foreignID},
	})
	require.NoError(t, err)

	_, err = db.GetCollectionByID(ctx, ids["banana"], nil)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = db.GetCollectionByID(ctx, foreignID, nil)
	assert.NoError(t, err)

	users, err := db.GetNumberOfUsers(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, users)

	collections, err := db.GetNumberOfCollections(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, collections)

	require.NoError(t, db.Ping(ctx))
}
