package grpcserver

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/patric-chuzhbe/danki/internal/grpcserver/interceptor"
	"github.com/patric-chuzhbe/danki/internal/models"
)

// Client calls danki.v1.Danki over an established connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// WithToken attaches a bearer token to the outgoing call metadata.
func WithToken(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, interceptor.AuthorizationKey, "Bearer "+token)
}

func credentialsStruct(email, password string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"email":    structpb.NewStringValue(email),
		"password": structpb.NewStringValue(password),
	}}
}

func (c *Client) Register(ctx context.Context, email, password string, opts ...grpc.CallOption) error {
	out := new(wrapperspb.BoolValue)
	return c.cc.Invoke(ctx, RegisterMethod, credentialsStruct(email, password), out, opts...)
}

// Login returns a signed token for the credentials.
func (c *Client) Login(ctx context.Context, email, password string, opts ...grpc.CallOption) (string, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, LoginMethod, credentialsStruct(email, password), out, opts...); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}

func (c *Client) EchoEmail(ctx context.Context, opts ...grpc.CallOption) (string, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, EchoEmailMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}

func collectionFromStruct(in *structpb.Struct) (models.CardCollectionDTO, error) {
	fields := make(map[string]string, 3)
	for _, key := range []string{"id", "name", "last_modified"} {
		value, err := stringField(in, key)
		if err != nil {
			return models.CardCollectionDTO{}, fmt.Errorf("in internal/grpcserver/client.go/collectionFromStruct(): error while `stringField()` calling: %w", err)
		}
		fields[key] = value
	}

	lastModified, err := time.Parse(time.RFC3339Nano, fields["last_modified"])
	if err != nil {
		return models.CardCollectionDTO{}, fmt.Errorf("in internal/grpcserver/client.go/collectionFromStruct(): error while `time.Parse()` calling: %w", err)
	}

	return models.CardCollectionDTO{
		ID:           fields["id"],
		Name:         fields["name"],
		LastModified: lastModified,
	}, nil
}

// ListCollections fetches one page of collections. An empty query.UserID
// lists the caller's own collections.
func (c *Client) ListCollections(
	ctx context.Context,
	query models.CollectionsQuery,
	opts ...grpc.CallOption,
) ([]models.CardCollectionDTO, error) {
	in := &structpb.Struct{Fields: map[string]*structpb.Value{
		"offset":    structpb.NewNumberValue(float64(query.Offset)),
		"limit":     structpb.NewNumberValue(float64(query.Limit)),
		"sort":      structpb.NewStringValue(string(query.Sort)),
		"ascending": structpb.NewBoolValue(query.Ascending),
	}}
	if query.UserID != "" {
		in.Fields["userId"] = structpb.NewStringValue(query.UserID)
	}

	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, ListCollectionsMethod, in, out, opts...); err != nil {
		return nil, err
	}

	result := make([]models.CardCollectionDTO, 0, len(out.GetValues()))
	for _, value := range out.GetValues() {
		collection, err := collectionFromStruct(value.GetStructValue())
		if err != nil {
			return nil, err
		}
		result = append(result, collection)
	}

	return result, nil
}

// CreateCollection returns the id of the new collection.
func (c *Client) CreateCollection(ctx context.Context, name string, opts ...grpc.CallOption) (string, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, CreateCollectionMethod, wrapperspb.String(name), out, opts...); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}

func (c *Client) RenameCollection(
	ctx context.Context,
	id, name string,
	opts ...grpc.CallOption,
) (models.CardCollectionDTO, error) {
	in := &structpb.Struct{Fields: map[string]*structpb.Value{
		"id":   structpb.NewStringValue(id),
		"name": structpb.NewStringValue(name),
	}}

	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, RenameCollectionMethod, in, out, opts...); err != nil {
		return models.CardCollectionDTO{}, err
	}

	return collectionFromStruct(out)
}

// DeleteCollections schedules removal of the listed collections.
func (c *Client) DeleteCollections(ctx context.Context, ids []string, opts ...grpc.CallOption) error {
	in := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(ids))}
	for _, id := range ids {
		in.Values = append(in.Values, structpb.NewStringValue(id))
	}

	return c.cc.Invoke(ctx, DeleteCollectionsMethod, in, new(emptypb.Empty), opts...)
}

func (c *Client) Ping(ctx context.Context, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, PingMethod, &emptypb.Empty{}, new(emptypb.Empty), opts...)
}
