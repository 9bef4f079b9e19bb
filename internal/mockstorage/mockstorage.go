// Package mockstorage provides a testify-based mock implementation
// of the storage interfaces used by the service package.
// It is used for unit testing handlers by simulating storage behavior.
package mockstorage

import (
	"context"
	"database/sql"

	"github.com/stretchr/testify/mock"

	"github.com/patric-chuzhbe/danki/internal/models"
	"github.com/patric-chuzhbe/danki/internal/user"
)

// StorageMock is a testify mock that implements all interfaces
// used by the service for storage operations.
type StorageMock struct {
	mock.Mock

	// OnGetNumberOfUsers, if set, is called by GetNumberOfUsers instead of
	// returning zero.
	OnGetNumberOfUsers func(ctx context.Context) (int64, error)

	// OnGetNumberOfCollections, if set, is called by GetNumberOfCollections
	// instead of returning zero.
	OnGetNumberOfCollections func(ctx context.Context) (int64, error)
}

// Ping mocks the pinger interface to simulate a health check.
func (m *StorageMock) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// BeginTransaction mocks the beginning of a transaction.
func (m *StorageMock) BeginTransaction(ctx context.Context) (*sql.Tx, error) {
	args := m.Called(ctx)
	tx, _ := args.Get(0).(*sql.Tx)
	return tx, args.Error(1)
}

// CommitTransaction mocks committing a transaction.
func (m *StorageMock) CommitTransaction(tx *sql.Tx) error {
	args := m.Called(tx)
	return args.Error(0)
}

// RollbackTransaction mocks rolling back a transaction.
func (m *StorageMock) RollbackTransaction(tx *sql.Tx) error {
	args := m.Called(tx)
	return args.Error(0)
}

// CreateUser mocks user creation and returns the stored ID.
func (m *StorageMock) CreateUser(ctx context.Context, usr *user.User, tx *sql.Tx) (string, error) {
	args := m.Called(ctx, usr, tx)
	return args.String(0), args.Error(1)
}

// GetUserByID mocks fetching a user by their ID.
func (m *StorageMock) GetUserByID(ctx context.Context, userID string, tx *sql.Tx) (*user.User, error) {
	args := m.Called(ctx, userID, tx)
	usr, _ := args.Get(0).(*user.User)
	return usr, args.Error(1)
}

// GetUserByEmail mocks fetching a user by their email.
func (m *StorageMock) GetUserByEmail(ctx context.Context, email string, tx *sql.Tx) (*user.User, error) {
	args := m.Called(ctx, email, tx)
	usr, _ := args.Get(0).(*user.User)
	return usr, args.Error(1)
}

// CreateCollection mocks storing a new collection.
func (m *StorageMock) CreateCollection(
	ctx context.Context,
	collection *models.CardCollection,
	tx *sql.Tx,
) (string, error) {
	args := m.Called(ctx, collection, tx)
	return args.String(0), args.Error(1)
}

// GetCollectionByID mocks fetching a collection by its ID.
func (m *StorageMock) GetCollectionByID(
	ctx context.Context,
	collectionID string,
	tx *sql.Tx,
) (*models.CardCollection, error) {
	args := m.Called(ctx, collectionID, tx)
	collection, _ := args.Get(0).(*models.CardCollection)
	return collection, args.Error(1)
}

// UpdateCollection mocks saving a modified collection.
func (m *StorageMock) UpdateCollection(
	ctx context.Context,
	collection *models.CardCollection,
	tx *sql.Tx,
) error {
	args := m.Called(ctx, collection, tx)
	return args.Error(0)
}

// GetUserCollections mocks listing a page of the user's collections.
func (m *StorageMock) GetUserCollections(
	ctx context.Context,
	userID string,
	page models.CollectionsPage,
) ([]models.CardCollection, error) {
	args := m.Called(ctx, userID, page)
	collections, _ := args.Get(0).([]models.CardCollection)
	return collections, args.Error(1)
}

// RemoveUsersCollections mocks batch removal of collections.
func (m *StorageMock) RemoveUsersCollections(ctx context.Context, usersCollections map[string][]string) error {
	args := m.Called(ctx, usersCollections)
	return args.Error(0)
}

// Close mocks closing the storage and releasing resources.
func (m *StorageMock) Close() error {
	args := m.Called()
	return args.Error(0)
}

// GetNumberOfUsers returns the number of users as defined by the mock.
func (m *StorageMock) GetNumberOfUsers(ctx context.Context) (int64, error) {
	if m.OnGetNumberOfUsers != nil {
		return m.OnGetNumberOfUsers(ctx)
	}
	return 0, nil
}

// GetNumberOfCollections returns the number of collections as defined by the mock.
func (m *StorageMock) GetNumberOfCollections(ctx context.Context) (int64, error) {
	if m.OnGetNumberOfCollections != nil {
		return m.OnGetNumberOfCollections(ctx)
	}
	return 0, nil
}
