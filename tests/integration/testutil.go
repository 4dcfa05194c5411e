//go:build integration

package integration

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/DEVector-it/Mythai/internal/api"
	"github.com/DEVector-it/Mythai/internal/chat"
	"github.com/DEVector-it/Mythai/internal/genai"
	"github.com/DEVector-it/Mythai/internal/identity"
	"github.com/DEVector-it/Mythai/internal/plans"
	"github.com/DEVector-it/Mythai/internal/quota"
	"github.com/DEVector-it/Mythai/internal/settings"
	"github.com/DEVector-it/Mythai/internal/store"
)

// Backend model identifiers the test catalog maps plans onto.
const (
	testStandardModel = "model-standard"
	testPremiumModel  = "model-premium"
)

type TestEnv struct {
	Pool        *pgxpool.Pool
	Store       *store.PostgresStore
	RedisClient *redis.Client
	Server      *httptest.Server
	JWT         *identity.Manager
	Keys        *identity.APIKeys
}

var testEnv *TestEnv

// scriptedModel stands in for the OpenAI client. It streams a fixed fragment
// sequence and answers title prompts with a fixed title, so tests can assert
// exact persisted content without a network dependency.
type scriptedModel struct {
	fragments []string
	title     string
}

func (m *scriptedModel) Stream(ctx context.Context, _ genai.Request, emit func(string) error) error {
	for _, f := range m.fragments {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := emit(f); err != nil {
			return err
		}
	}
	return nil
}

func (m *scriptedModel) Complete(_ context.Context, _, _ string) (string, error) {
	return m.title, nil
}

func SetupTestEnv(t *testing.T) *TestEnv {
	t.Helper()
	if testEnv != nil {
		return testEnv
	}

	ctx := context.Background()

	// Start PostgreSQL container
	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "test",
				"POSTGRES_PASSWORD": "test",
				"POSTGRES_DB":       "mythai_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("starting postgres container: %v", err)
	}
	t.Cleanup(func() { pgContainer.Terminate(ctx) })

	pgHost, _ := pgContainer.Host(ctx)
	pgPort, _ := pgContainer.MappedPort(ctx, "5432")

	// Start Redis container
	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("starting redis container: %v", err)
	}
	t.Cleanup(func() { redisContainer.Terminate(ctx) })

	redisHost, _ := redisContainer.Host(ctx)
	redisPort, _ := redisContainer.MappedPort(ctx, "6379")

	// Connect to PostgreSQL
	dsn := fmt.Sprintf("postgres://test:test@%s:%s/mythai_test?sslmode=disable", pgHost, pgPort.Port())
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connecting to postgres: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	// Run migrations
	migrationsPath := getMigrationsPath()
	m, err := migrate.New(
		fmt.Sprintf("file://%s", migrationsPath),
		dsn,
	)
	if err != nil {
		t.Fatalf("creating migrator: %v", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		t.Fatalf("running migrations: %v", err)
	}

	// Connect to Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%s", redisHost, redisPort.Port()),
	})
	t.Cleanup(func() { redisClient.Close() })

	// Setup services
	st := store.NewPostgres(pool)

	jwtManager := identity.NewManager("integration-test-secret-32-chars!!", time.Hour)
	apiKeys := identity.NewAPIKeys(st)

	catalog := plans.NewCatalog(testStandardModel, testPremiumModel)
	burst := quota.NewBurstLimiter(redisClient)
	tracker := quota.NewTracker(st, catalog, burst, 1000)

	model := &scriptedModel{
		fragments: []string{"All roads ", "lead home."},
		title:     "Road Trip Advice",
	}

	chatSvc := chat.NewService(st, tracker, catalog, model, nil, chat.Config{
		MaxHistoryTurns: 30,
		StreamTimeout:   time.Minute,
		TitleTimeout:    5 * time.Second,
	})
	chatHandler := chat.NewHandler(chatSvc)
	quotaHandler := quota.NewHandler(tracker)
	settingsHandler := settings.NewHandler(st)

	router := api.NewRouter(st, nil, api.RouterConfig{}, api.HandlerSet{
		CreateChat: chatHandler.Create,
		ListChats:  chatHandler.List,
		StreamTurn: chatHandler.StreamTurn,
		RenameChat: chatHandler.Rename,
		DeleteChat: chatHandler.Delete,
		ShareChat:  chatHandler.Share,
		SharedChat: chatHandler.SharedChat,

		GetQuota:        quotaHandler.Get,
		GetAnnouncement: settingsHandler.GetAnnouncement,

		AuthMiddleware:      identity.Middleware(jwtManager, apiKeys),
		OwnershipMiddleware: chatHandler.OwnershipMiddleware,
	})

	server := httptest.NewServer(router)
	t.Cleanup(func() { server.Close() })

	testEnv = &TestEnv{
		Pool:        pool,
		Store:       st,
		RedisClient: redisClient,
		Server:      server,
		JWT:         jwtManager,
		Keys:        apiKeys,
	}

	return testEnv
}

func getMigrationsPath() string {
	// Try relative paths from test directory
	paths := []string{
		"../../migrations",
		"../../../migrations",
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	log.Fatal("migrations directory not found")
	return ""
}

// Helper functions

func SeedUser(t *testing.T, env *TestEnv, id, plan string) {
	t.Helper()
	err := env.Store.PutUser(context.Background(), &store.User{
		ID:        id,
		Username:  id,
		Role:      "user",
		Plan:      plan,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seeding user %s: %v", id, err)
	}
}

func TokenFor(t *testing.T, env *TestEnv, userID string) string {
	t.Helper()
	token, err := env.JWT.Generate(userID, "user")
	if err != nil {
		t.Fatalf("generating token for %s: %v", userID, err)
	}
	return token
}

func DoRequest(t *testing.T, env *TestEnv, method, path string, body any, token string) *http.Response {
	t.Helper()
	var bodyReader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, env.Server.URL+path, bodyReader)
	if err != nil {
		t.Fatalf("creating request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("doing request: %v", err)
	}
	return resp
}

func ParseResponse(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	return result
}

// SSEEvent is one parsed server-sent event from a turn stream.
type SSEEvent struct {
	Name string
	Data map[string]any
}

// ReadSSE drains a turn response body and returns the events in order.
func ReadSSE(t *testing.T, resp *http.Response) []SSEEvent {
	t.Helper()
	defer resp.Body.Close()

	var events []SSEEvent
	var current SSEEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current = SSEEvent{Name: strings.TrimPrefix(line, "event: ")}
		case strings.HasPrefix(line, "data: "):
			payload := strings.TrimPrefix(line, "data: ")
			if err := json.Unmarshal([]byte(payload), &current.Data); err != nil {
				t.Fatalf("parsing event data %q: %v", payload, err)
			}
		case line == "":
			if current.Name != "" {
				events = append(events, current)
				current = SSEEvent{}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("reading event stream: %v", err)
	}
	return events
}
