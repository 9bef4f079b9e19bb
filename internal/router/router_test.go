package router

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"regexp"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/patric-chuzhbe/danki/internal/auth"
	"github.com/patric-chuzhbe/danki/internal/config"
	"github.com/patric-chuzhbe/danki/internal/db/memorystorage"
	"github.com/patric-chuzhbe/danki/internal/db/postgresdb"
	"github.com/patric-chuzhbe/danki/internal/ipchecker"
	"github.com/patric-chuzhbe/danki/internal/logger"
	"github.com/patric-chuzhbe/danki/internal/mockstorage"
	"github.com/patric-chuzhbe/danki/internal/models"
	"github.com/patric-chuzhbe/danki/internal/service"
	"github.com/patric-chuzhbe/danki/internal/user"
)

// Set DANKI_TEST_DATABASE_DSN to run the router tests against PostgreSQL.
const testDSNEnv = "DANKI_TEST_DATABASE_DSN"

const testPassword = "secret-password"

var uuidPattern = regexp.MustCompile(`^\w{8}-\w{4}-\w{4}-\w{4}-\w{12}$`)

type testStorage interface {
	BeginTransaction(ctx context.Context) (*sql.Tx, error)
	RollbackTransaction(transaction *sql.Tx) error
	CommitTransaction(transaction *sql.Tx) error
	CreateUser(ctx context.Context, usr *user.User, transaction *sql.Tx) (string, error)
	GetUserByID(ctx context.Context, userID string, transaction *sql.Tx) (*user.User, error)
	GetUserByEmail(ctx context.Context, email string, transaction *sql.Tx) (*user.User, error)
	CreateCollection(ctx context.Context, collection *models.CardCollection, transaction *sql.Tx) (string, error)
	GetCollectionByID(ctx context.Context, collectionID string, transaction *sql.Tx) (*models.CardCollection, error)
	UpdateCollection(ctx context.Context, collection *models.CardCollection, transaction *sql.Tx) error
	GetUserCollections(ctx context.Context, ownerID string, page models.CollectionsPage) ([]models.CardCollection, error)
	GetNumberOfUsers(ctx context.Context) (int64, error)
	GetNumberOfCollections(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

type mockCollectionsRemover struct {
	jobs []*models.CollectionsDeleteJob
}

func (m *mockCollectionsRemover) EnqueueJob(job *models.CollectionsDeleteJob) {
	m.jobs = append(m.jobs, job)
}

type testRouterOption func(*testRouterOptions)

type testRouterOptions struct {
	mockStorage   testStorage
	trustedSubnet string
	proxyHeaders  bool
}

func withMockStorage(db testStorage) testRouterOption {
	return func(options *testRouterOptions) {
		options.mockStorage = db
	}
}

func withTrustedSubnet(subnet string) testRouterOption {
	return func(options *testRouterOptions) {
		options.trustedSubnet = subnet
	}
}

func withProxyHeaders(enabled bool) testRouterOption {
	return func(options *testRouterOptions) {
		options.proxyHeaders = enabled
	}
}

func setupTestRouter(t *testing.T, optionsProto ...testRouterOption) (*httptest.Server, testStorage, *chi.Mux, *mockCollectionsRemover) {
	options := &testRouterOptions{trustedSubnet: "127.0.0.0/8", proxyHeaders: true}
	for _, protoOption := range optionsProto {
		protoOption(options)
	}

	cfg, err := config.New(config.WithDisableFlagsParsing(true))
	if t != nil {
		require.NoError(t, err)
	}

	var db testStorage
	if options.mockStorage != nil {
		db = options.mockStorage
	} else if dsn := os.Getenv(testDSNEnv); dsn != "" {
		db, err = postgresdb.New(
			context.Background(),
			dsn,
			cfg.DBConnectionTimeout,
			postgresdb.WithDBPreReset(true),
		)
	} else {
		db, err = memorystorage.New()
	}
	if t != nil {
		require.NoError(t, err)
	}

	signingKey, err := base64.URLEncoding.DecodeString(cfg.JWTSigningSecretKey)
	if t != nil {
		require.NoError(t, err)
	}
	theAuth := auth.New(signingKey, cfg.JWTIssuer, cfg.JWTAudience, cfg.TokenTTL)

	checker, err := ipchecker.New(options.trustedSubnet, ipchecker.WithProxyHeaders(options.proxyHeaders))
	if t != nil {
		require.NoError(t, err)
	}

	remover := &mockCollectionsRemover{}
	svc := service.New(db, remover, theAuth, service.WithBcryptCost(bcrypt.MinCost))

	theRouter := New(svc, theAuth, checker)

	err = logger.Init("debug")
	if t != nil {
		require.NoError(t, err)
	}

	return httptest.NewServer(theRouter), db, theRouter, remover
}

func registerAndLogin(t *testing.T, serverURL, email string) string {
	t.Helper()

	resp, err := resty.New().R().
		SetBody(models.UserRegisterRequest{Email: email, Password: testPassword}).
		Post(serverURL + "/register")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode(), resp.String())

	var result models.UserAuthResponse
	resp, err = resty.New().R().
		SetBody(models.UserAuthRequest{Email: email, Password: testPassword}).
		SetResult(&result).
		Post(serverURL + "/login")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode(), resp.String())

	return result.JWT
}

func createCollection(t *testing.T, serverURL, token, name string) string {
	t.Helper()

	var result models.CreateCardCollectionResponse
	resp, err := resty.New().R().
		SetAuthToken(token).
		SetBody(models.CreateCardCollectionRequest{Name: name}).
		SetResult(&result).
		Post(serverURL + "/collections/")
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode(), resp.String())

	return result.UUID
}

func gzipString(input string) ([]byte, error) {
	var buf bytes.Buffer
	gzipWriter := gzip.NewWriter(&buf)

	_, err := gzipWriter.Write([]byte(input))
	if err != nil {
		return nil, err
	}

	if err := gzipWriter.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func TestPostRegister(t *testing.T) {
	server, _, _, _ := setupTestRouter(t)
	defer server.Close()

	tests := []struct {
		name         string
		body         string
		expectedCode int
		expectedBody string
	}{
		{
			name:         "new user",
			body:         `{"email":"alice@example.com","password":"secret-password"}`,
			expectedCode: http.StatusOK,
			expectedBody: `{"success":true}`,
		},
		{
			name:         "duplicate email",
			body:         `{"email":"alice@example.com","password":"secret-password"}`,
			expectedCode: http.StatusBadRequest,
			expectedBody: `{"success":false}`,
		},
		{
			name:         "malformed email",
			body:         `{"email":"alice","password":"secret-password"}`,
			expectedCode: http.StatusBadRequest,
			expectedBody: `{"success":false}`,
		},
		{
			name:         "malformed body",
			body:         `{"email":`,
			expectedCode: http.StatusBadRequest,
			expectedBody: `{"success":false}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := resty.New().R().
				SetHeader("Content-Type", "application/json").
				SetBody(tt.body).
				Post(server.URL + "/register")
			require.NoError(t, err)

			assert.Equal(t, tt.expectedCode, resp.StatusCode())
			assert.JSONEq(t, tt.expectedBody, resp.String())
		})
	}
}

func TestPostLogin(t *testing.T) {
	server, _, _, _ := setupTestRouter(t)
	defer server.Close()

	registerAndLogin(t, server.URL, "alice@example.com")

	tests := []struct {
		name         string
		body         string
		expectedCode int
	}{
		{"valid credentials", `{"email":"alice@example.com","password":"secret-password"}`, http.StatusOK},
		{"wrong password", `{"email":"alice@example.com","password":"wrong-password"}`, http.StatusBadRequest},
		{"unknown email", `{"email":"bob@example.com","password":"secret-password"}`, http.StatusBadRequest},
		{"malformed body", `not json`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := resty.New().R().
				SetHeader("Content-Type", "application/json").
				SetBody(tt.body).
				Post(server.URL + "/login")
			require.NoError(t, err)
			assert.Equal(t, tt.expectedCode, resp.StatusCode())

			if tt.expectedCode == http.StatusOK {
				var result models.UserAuthResponse
				require.NoError(t, json.Unmarshal(resp.Body(), &result))
				assert.NotEmpty(t, result.JWT)
				return
			}

			var message models.ErrorMsg
			require.NoError(t, json.Unmarshal(resp.Body(), &message))
			assert.NotEmpty(t, message.Message)
		})
	}
}

func TestGetEchoemail(t *testing.T) {
	server, _, _, _ := setupTestRouter(t)
	defer server.Close()

	token := registerAndLogin(t, server.URL, "alice@example.com")

	tests := []struct {
		name         string
		header       string
		expectedCode int
		expectedBody string
	}{
		{"valid token", "Bearer " + token, http.StatusOK, "alice@example.com"},
		{"missing header", "", http.StatusUnauthorized, ""},
		{"garbage token", "Bearer garbage", http.StatusUnauthorized, ""},
		{"wrong scheme", "Basic " + token, http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := resty.New().R()
			if tt.header != "" {
				req.SetHeader("Authorization", tt.header)
			}
			resp, err := req.Get(server.URL + "/echo-email")
			require.NoError(t, err)

			assert.Equal(t, tt.expectedCode, resp.StatusCode())
			if tt.expectedBody != "" {
				assert.Equal(t, tt.expectedBody, resp.String())
			}
		})
	}
}

func TestGetCollections(t *testing.T) {
	server, db, _, _ := setupTestRouter(t)
	defer server.Close()

	aliceToken := registerAndLogin(t, server.URL, "alice@example.com")
	bobToken := registerAndLogin(t, server.URL, "bob@example.com")

	for _, name := range []string{"verbs", "Adjectives", "nouns"} {
		createCollection(t, server.URL, aliceToken, name)
	}
	createCollection(t, server.URL, bobToken, "bob's")

	alice, err := db.GetUserByEmail(context.Background(), "alice@example.com", nil)
	require.NoError(t, err)
	bob, err := db.GetUserByEmail(context.Background(), "bob@example.com", nil)
	require.NoError(t, err)

	tests := []struct {
		name          string
		path          string
		query         map[string]string
		expectedCode  int
		expectedNames []string
	}{
		{
			name:          "defaults",
			path:          "/collections",
			expectedCode:  http.StatusOK,
			expectedNames: []string{"verbs", "Adjectives", "nouns"},
		},
		{
			name:          "by name with trailing slash",
			path:          "/collections/",
			query:         map[string]string{"sort": "ByName"},
			expectedCode:  http.StatusOK,
			expectedNames: []string{"Adjectives", "nouns", "verbs"},
		},
		{
			name:          "unknown sort falls back to name",
			path:          "/collections",
			query:         map[string]string{"sort": "ByPopularity", "ascending": "false"},
			expectedCode:  http.StatusOK,
			expectedNames: []string{"verbs", "nouns", "Adjectives"},
		},
		{
			name:          "paging with own user id",
			path:          "/collections",
			query:         map[string]string{"userId": alice.ID, "sort": "ByName", "offset": "1", "limit": "1"},
			expectedCode:  http.StatusOK,
			expectedNames: []string{"nouns"},
		},
		{
			name:          "offset past the end",
			path:          "/collections",
			query:         map[string]string{"offset": "100"},
			expectedCode:  http.StatusOK,
			expectedNames: []string{},
		},
		{
			name:         "someone else's collections",
			path:         "/collections",
			query:        map[string]string{"userId": bob.ID},
			expectedCode: http.StatusForbidden,
		},
		{
			name:         "unknown user",
			path:         "/collections",
			query:        map[string]string{"userId": uuid.NewString()},
			expectedCode: http.StatusNotFound,
		},
		{
			name:         "malformed user id",
			path:         "/collections",
			query:        map[string]string{"userId": "42"},
			expectedCode: http.StatusBadRequest,
		},
		{
			name:         "malformed limit",
			path:         "/collections",
			query:        map[string]string{"limit": "ten"},
			expectedCode: http.StatusBadRequest,
		},
		{
			name:         "limit too large",
			path:         "/collections",
			query:        map[string]string{"limit": "101"},
			expectedCode: http.StatusBadRequest,
		},
		{
			name:         "negative offset",
			path:         "/collections",
			query:        map[string]string{"offset": "-1"},
			expectedCode: http.StatusBadRequest,
		},
		{
			name:         "malformed ascending",
			path:         "/collections",
			query:        map[string]string{"ascending": "maybe"},
			expectedCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var result models.ListOfCollectionsResponse
			resp, err := resty.New().R().
				SetAuthToken(aliceToken).
				SetQueryParams(tt.query).
				Get(server.URL + tt.path)
			require.NoError(t, err)
			require.Equal(t, tt.expectedCode, resp.StatusCode(), resp.String())

			if tt.expectedCode != http.StatusOK {
				var message models.ErrorMsg
				require.NoError(t, json.Unmarshal(resp.Body(), &message))
				assert.NotEmpty(t, message.Message)
				return
			}

			assert.Regexp(t, `"collections":\[`, resp.String())
			require.NoError(t, json.Unmarshal(resp.Body(), &result))
			names := make([]string, 0, len(result.Collections))
			for _, collection := range result.Collections {
				names = append(names, collection.Name)
			}
			assert.Equal(t, tt.expectedNames, names)
		})
	}

	t.Run("without token", func(t *testing.T) {
		resp, err := resty.New().R().Get(server.URL + "/collections")
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode())
	})
}

func TestPostCollections(t *testing.T) {
	server, db, _, _ := setupTestRouter(t)
	defer server.Close()

	token := registerAndLogin(t, server.URL, "alice@example.com")

	t.Run("plain", func(t *testing.T) {
		id := createCollection(t, server.URL, token, "verbs")
		assert.Regexp(t, uuidPattern, id)

		stored, err := db.GetCollectionByID(context.Background(), id, nil)
		require.NoError(t, err)
		assert.Equal(t, "verbs", stored.Name)
	})

	t.Run("gzip", func(t *testing.T) {
		body, err := gzipString(`{"name":"nouns"}`)
		require.NoError(t, err)

		resp, err := resty.New().R().
			SetAuthToken(token).
			SetHeader("Content-Type", "application/json").
			SetHeader("Content-Encoding", "gzip").
			SetBody(body).
			Post(server.URL + "/collections")
		require.NoError(t, err)
		assert.Equal(t, http.StatusCreated, resp.StatusCode())
		assert.Regexp(t, `\{\s*"uuid"\s*:\s*"\w+-\w+-\w+-\w+-\w+"\s*\}`, resp.String())
	})

	t.Run("empty name", func(t *testing.T) {
		resp, err := resty.New().R().
			SetAuthToken(token).
			SetBody(models.CreateCardCollectionRequest{}).
			Post(server.URL + "/collections/")
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode())
	})
}

func TestPutCollectionsid(t *testing.T) {
	server, _, _, _ := setupTestRouter(t)
	defer server.Close()

	aliceToken := registerAndLogin(t, server.URL, "alice@example.com")
	bobToken := registerAndLogin(t, server.URL, "bob@example.com")
	id := createCollection(t, server.URL, aliceToken, "verbs")

	tests := []struct {
		name         string
		token        string
		id           string
		body         string
		expectedCode int
	}{
		{"owner renames", aliceToken, id, `{"name":"irregular verbs"}`, http.StatusOK},
		{"stranger renames", bobToken, id, `{"name":"mine now"}`, http.StatusForbidden},
		{"unknown collection", aliceToken, uuid.NewString(), `{"name":"x"}`, http.StatusNotFound},
		{"malformed id", aliceToken, "42", `{"name":"x"}`, http.StatusBadRequest},
		{"empty name", aliceToken, id, `{"name":""}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := resty.New().R().
				SetAuthToken(tt.token).
				SetHeader("Content-Type", "application/json").
				SetBody(tt.body).
				Put(server.URL + "/collections/" + tt.id)
			require.NoError(t, err)
			assert.Equal(t, tt.expectedCode, resp.StatusCode(), resp.String())
		})
	}

	var result models.ListOfCollectionsResponse
	_, err := resty.New().R().SetAuthToken(aliceToken).SetResult(&result).Get(server.URL + "/collections")
	require.NoError(t, err)
	require.Len(t, result.Collections, 1)
	assert.Equal(t, "irregular verbs", result.Collections[0].Name)
}

func TestDeleteCollections(t *testing.T) {
	server, db, _, remover := setupTestRouter(t)
	defer server.Close()

	token := registerAndLogin(t, server.URL, "alice@example.com")
	first := createCollection(t, server.URL, token, "verbs")
	second := createCollection(t, server.URL, token, "nouns")

	tests := []struct {
		name         string
		body         string
		expectedCode int
	}{
		{"two ids", fmt.Sprintf(`["%s","%s"]`, first, second), http.StatusAccepted},
		{"empty list", `[]`, http.StatusBadRequest},
		{"not a list", `{"ids":[]}`, http.StatusBadRequest},
		{"malformed id", `["42"]`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := resty.New().R().
				SetAuthToken(token).
				SetHeader("Content-Type", "application/json").
				SetBody(tt.body).
				Delete(server.URL + "/collections")
			require.NoError(t, err)
			assert.Equal(t, tt.expectedCode, resp.StatusCode(), resp.String())
		})
	}

	alice, err := db.GetUserByEmail(context.Background(), "alice@example.com", nil)
	require.NoError(t, err)

	require.Len(t, remover.jobs, 1)
	assert.Equal(t, alice.ID, remover.jobs[0].UserID)
	assert.ElementsMatch(t, []string{first, second}, remover.jobs[0].CollectionsToDelete)
}

func TestGetPing(t *testing.T) {
	tests := []struct {
		name         string
		pingErr      error
		expectedCode int
	}{
		{"storage answers", nil, http.StatusOK},
		{"storage is down", errors.New("connection refused"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &mockstorage.StorageMock{}
			db.On("Ping", mock.Anything).Return(tt.pingErr)

			server, _, _, _ := setupTestRouter(t, withMockStorage(db))
			defer server.Close()

			resp, err := resty.New().R().Get(server.URL + "/ping")
			require.NoError(t, err)
			assert.Equal(t, tt.expectedCode, resp.StatusCode())

			resp, err = resty.New().R().Get(server.URL + "/readyz")
			require.NoError(t, err)
			if tt.pingErr == nil {
				assert.Equal(t, http.StatusOK, resp.StatusCode())
			} else {
				assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode())
			}

			db.AssertExpectations(t)
		})
	}
}

func TestGetApiinternalstats(t *testing.T) {
	db := &mockstorage.StorageMock{
		OnGetNumberOfUsers: func(ctx context.Context) (int64, error) {
			return 2, nil
		},
		OnGetNumberOfCollections: func(ctx context.Context) (int64, error) {
			return 5, nil
		},
	}

	tests := []struct {
		name         string
		subnet       string
		proxyHeaders bool
		realIP       string
		expectedCode int
		expectedBody string
	}{
		{"trusted client", "192.168.0.0/24", true, "192.168.0.7", http.StatusOK, `{"users":2,"collections":5}`},
		{"untrusted client", "192.168.0.0/24", true, "10.0.0.1", http.StatusForbidden, ""},
		{"no trusted subnet", "", true, "192.168.0.7", http.StatusForbidden, ""},
		{"forged header without proxy", "192.168.0.0/24", false, "192.168.0.7", http.StatusForbidden, ""},
		{"loopback without proxy", "127.0.0.0/8", false, "10.0.0.1", http.StatusOK, `{"users":2,"collections":5}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _, _, _ := setupTestRouter(
				t,
				withMockStorage(db),
				withTrustedSubnet(tt.subnet),
				withProxyHeaders(tt.proxyHeaders),
			)
			defer server.Close()

			resp, err := resty.New().R().
				SetHeader("X-Real-IP", tt.realIP).
				Get(server.URL + "/api/internal/stats")
			require.NoError(t, err)
			assert.Equal(t, tt.expectedCode, resp.StatusCode())
			if tt.expectedBody != "" {
				assert.JSONEq(t, tt.expectedBody, resp.String())
			}
		})
	}
}

func TestGetHelloworldAndLiveness(t *testing.T) {
	server, _, _, _ := setupTestRouter(t)
	defer server.Close()

	resp, err := resty.New().R().Get(server.URL + "/hello-world")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())
	assert.Equal(t, "Hello indeed!", resp.String())

	resp, err = resty.New().R().Get(server.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())
}

func TestParseCollectionsQuery(t *testing.T) {
	query, err := parseCollectionsQuery(map[string][]string{})
	require.NoError(t, err)
	assert.Equal(t, models.CollectionsQuery{
		Offset:    0,
		Limit:     models.DefaultCollectionsLimit,
		Sort:      models.ByDate,
		Ascending: true,
	}, query)
}
