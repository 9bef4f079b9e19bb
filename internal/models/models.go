// Package models holds the request/response payloads exchanged over HTTP and gRPC,
// the card collection record shared by the storages, and the sentinel errors
// the storage layer reports.
package models

import (
	"errors"
	"time"
)

// UserAuthRequest is the login payload.
type UserAuthRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// UserAuthResponse carries the signed token issued on successful login.
type UserAuthResponse struct {
	JWT string `json:"jwt"`
}

// UserRegisterRequest is the registration payload.
type UserRegisterRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

// UserRegisterResponse reports whether the registration succeeded.
type UserRegisterResponse struct {
	Success bool `json:"success"`
}

// ErrorMsg is the body of every JSON error response.
type ErrorMsg struct {
	Message string `json:"message"`
}

// CardCollection is a named set of cards owned by exactly one user.
type CardCollection struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	OwnerID      string    `json:"owner_id"`
	LastModified time.Time `json:"last_modified"`
}

// CardCollectionDTO is the public projection of CardCollection.
type CardCollectionDTO struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	LastModified time.Time `json:"last_modified"`
}

// ToDTO drops the owner reference.
func (c CardCollection) ToDTO() CardCollectionDTO {
	return CardCollectionDTO{
		ID:           c.ID,
		Name:         c.Name,
		LastModified: c.LastModified,
	}
}

type ListOfCollectionsResponse struct {
	Collections []CardCollectionDTO `json:"collections"`
}

type CreateCardCollectionRequest struct {
	Name string `json:"name" validate:"required,max=255"`
}

type CreateCardCollectionResponse struct {
	UUID string `json:"uuid"`
}

type RenameCardCollectionRequest struct {
	Name string `json:"name" validate:"required,max=255"`
}

// DeleteCollectionsRequest is the list of collection ids to delete.
type DeleteCollectionsRequest []string

// CollectionsDeleteJob is a deletion request queued for the background remover.
type CollectionsDeleteJob struct {
	UserID              string
	CollectionsToDelete DeleteCollectionsRequest
}

// CollectionSortParam selects the listing order.
type CollectionSortParam string

const (
	ByName CollectionSortParam = "ByName"
	ByDate CollectionSortParam = "ByDate"
)

// Listing defaults and bounds.
const (
	DefaultCollectionsLimit = 10
	MaxCollectionsLimit     = 100
)

// ParseCollectionSortParam maps an arbitrary query value onto a sort order.
// Empty selects ByDate, anything other than ByDate selects ByName.
func ParseCollectionSortParam(value string) CollectionSortParam {
	switch CollectionSortParam(value) {
	case "", ByDate:
		return ByDate
	default:
		return ByName
	}
}

// CollectionsQuery is the listing request after query string parsing.
// Empty UserID means the caller's own collections.
type CollectionsQuery struct {
	UserID    string
	Offset    int
	Limit     int
	Sort      CollectionSortParam
	Ascending bool
}

// CollectionsPage is the storage-level page selector.
type CollectionsPage struct {
	Offset    int
	Limit     int
	Sort      CollectionSortParam
	Ascending bool
}

type InternalStatsResponse struct {
	Users       int64 `json:"users"`
	Collections int64 `json:"collections"`
}

const (
	StorageTypeUnknown = iota
	StorageTypePostgresql
	StorageTypeFile
	StorageTypeMemory
)

var (
	ErrNotFound          = errors.New("not found")
	ErrUserAlreadyExists = errors.New("user with this email already exists")
)
