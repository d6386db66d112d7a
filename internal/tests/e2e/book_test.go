//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/shelfscore/apiserver/config"
	"github.com/shelfscore/apiserver/internal/server"
)

const (
	serverPort = 18080
	testEmail  = "justin.fanton@gmail.com"
	testPass   = "Testpass1"
)

func TestMain(m *testing.M) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	root, err := repoRoot()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to locate repo root: %v\n", err)
		os.Exit(1)
	}

	if err := dockerCompose(ctx, root, "up", "-d"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start docker compose: %v\n", err)
		os.Exit(1)
	}

	if err := waitForPostgres(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "postgres not ready: %v\n", err)
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	if err := runMigrations(root); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	srv, err := startServer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start server: %v\n", err)
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	baseURL := fmt.Sprintf("http://localhost:%d", serverPort)
	if err := waitForHealth(ctx, baseURL+"/healthz"); err != nil {
		fmt.Fprintf(os.Stderr, "server not healthy: %v\n", err)
		_ = srv.Shutdown()
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	code := m.Run()

	_ = srv.Shutdown()
	_ = dockerCompose(context.Background(), root, "down")
	os.Exit(code)
}

func TestBookLifecycle(t *testing.T) {
	baseURL := fmt.Sprintf("http://localhost:%d", serverPort)

	if err := signupUser(t, baseURL, testEmail, testPass, "Justin"); err != nil {
		t.Fatalf("signup: %v", err)
	}

	token, err := loginUser(t, baseURL, testEmail, testPass)
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	created, err := createBook(t, baseURL, token, map[string]any{
		"title":           "Piranesi",
		"author":          "Susanna Clarke",
		"cover_image_url": "https://covers.example.com/piranesi.jpg",
		"genre":           "Fiction",
		"word_count":      72000,
		"review":          "The house is kind; the reader is lucky.",
	})
	if err != nil {
		t.Fatalf("create book: %v", err)
	}
	if created.Title != "Piranesi" {
		t.Fatalf("unexpected book title: %q", created.Title)
	}
	if created.ID == 0 {
		t.Fatalf("expected book ID to be set")
	}

	updated, err := updateBook(t, baseURL, token, created.ID, map[string]any{
		"title":           "Piranesi",
		"author":          "Susanna Clarke",
		"cover_image_url": "https://covers.example.com/piranesi.jpg",
		"genre":           "Fiction",
		"word_count":      72000,
		"review":          "Even better on a second read.",
	})
	if err != nil {
		t.Fatalf("update book: %v", err)
	}
	if updated.Review != "Even better on a second read." {
		t.Fatalf("unexpected updated review: %q", updated.Review)
	}

	fetched, err := getBook(t, baseURL, created.ID)
	if err != nil {
		t.Fatalf("get book: %v", err)
	}
	if fetched.ID != created.ID {
		t.Fatalf("unexpected book id: %d", fetched.ID)
	}

	if err := expectPublicListOmitsReviews(t, baseURL); err != nil {
		t.Fatalf("public list: %v", err)
	}

	if err := deleteBook(t, baseURL, token, created.ID); err != nil {
		t.Fatalf("delete book: %v", err)
	}

	if err := expectBookNotFound(t, baseURL, created.ID); err != nil {
		t.Fatalf("expected deleted book to be missing: %v", err)
	}
}

type bookResponse struct {
	ID     int    `json:"id"`
	Title  string `json:"title"`
	Review string `json:"review"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

func signupUser(t *testing.T, baseURL, email, password, name string) error {
	t.Helper()

	payload := map[string]string{
		"email":    email,
		"name":     name,
		"password": password,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/auth/signup", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("signup status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func loginUser(t *testing.T, baseURL, email, password string) (string, error) {
	t.Helper()

	payload := map[string]string{"email": email, "password": password}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/auth/login", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("login status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var parsed tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", err
	}
	if parsed.Token == "" {
		return "", fmt.Errorf("missing token in login response")
	}
	return parsed.Token, nil
}

func createBook(t *testing.T, baseURL, token string, payload map[string]any) (bookResponse, error) {
	t.Helper()

	body, err := json.Marshal(payload)
	if err != nil {
		return bookResponse{}, err
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/api/books", bytes.NewReader(body))
	if err != nil {
		return bookResponse{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return bookResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(resp.Body)
		return bookResponse{}, fmt.Errorf("create book status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var parsed bookResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return bookResponse{}, err
	}
	return parsed, nil
}

func updateBook(t *testing.T, baseURL, token string, id int, payload map[string]any) (bookResponse, error) {
	t.Helper()

	body, err := json.Marshal(payload)
	if err != nil {
		return bookResponse{}, err
	}

	req, err := http.NewRequest(http.MethodPut, fmt.Sprintf("%s/api/books/%d", baseURL, id), bytes.NewReader(body))
	if err != nil {
		return bookResponse{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return bookResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return bookResponse{}, fmt.Errorf("update book status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var parsed bookResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return bookResponse{}, err
	}
	return parsed, nil
}

func getBook(t *testing.T, baseURL string, id int) (bookResponse, error) {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/api/books/%d", baseURL, id), nil)
	if err != nil {
		return bookResponse{}, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return bookResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return bookResponse{}, fmt.Errorf("get book status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var parsed bookResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return bookResponse{}, err
	}
	return parsed, nil
}

func expectPublicListOmitsReviews(t *testing.T, baseURL string) error {
	t.Helper()

	resp, err := http.Get(baseURL + "/api/books")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("list status %d", resp.StatusCode)
	}

	var books []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&books); err != nil {
		return err
	}
	if len(books) == 0 {
		return fmt.Errorf("expected at least one book in the public list")
	}
	for _, book := range books {
		if _, present := book["review"]; present {
			return fmt.Errorf("public list leaked a review: %v", book)
		}
	}
	return nil
}

func deleteBook(t *testing.T, baseURL, token string, id int) error {
	t.Helper()

	req, err := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/api/books/%d", baseURL, id), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("delete book status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func expectBookNotFound(t *testing.T, baseURL string, id int) error {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/api/books/%d", baseURL, id), nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("expected 404 after delete, got %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func waitForPostgres(ctx context.Context) error {
	cfg := config.LoadConfig()
	dsn := buildPostgresURL(cfg)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := db.PingContext(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("postgres ping timeout: %w", err)
		case <-ticker.C:
		}
	}
}

func waitForHealth(ctx context.Context, url string) error {
	client := &http.Client{Timeout: 2 * time.Second}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			return fmt.Errorf("health check failed with status")
		case <-ticker.C:
		}
	}
}

func runMigrations(root string) error {
	cfg := config.LoadConfig()
	dsn := buildPostgresURL(cfg)
	migrationsPath := filepath.Join(root, "internal", "db", "migrations")
	migrationsURL := "file://" + migrationsPath

	migrator, err := migrate.New(migrationsURL, dsn)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = migrator.Close()
	}()

	if err := migrator.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func buildPostgresURL(cfg config.Config) string {
	sslmode := "disable"
	if cfg.Database.UseSSL {
		sslmode = "require"
	}
	host := fmt.Sprintf("%s:%d", cfg.Database.Host, cfg.Database.Port)
	return fmt.Sprintf(
		"postgres://%s:%s@%s/%s?sslmode=%s",
		cfg.Database.User,
		cfg.Database.Password,
		host,
		cfg.Database.DBName,
		sslmode,
	)
}

func startServer() (*server.Server, error) {
	_ = os.Setenv("TOKEN_SECRET", "test-secret")
	_ = os.Setenv("SERVER_PORT", fmt.Sprintf("%d", serverPort))
	_ = os.Setenv("DB_HOST", "localhost")
	_ = os.Setenv("DB_PORT", "5432")
	_ = os.Setenv("DB_USER", "shelfscore")
	_ = os.Setenv("DB_PASSWORD", "password")
	_ = os.Setenv("DB_NAME", "shelfscore_db")
	_ = os.Setenv("DB_USE_SSL", "false")

	cfg := config.LoadConfig()
	srv, err := server.New(context.Background(), cfg)
	if err != nil {
		return nil, err
	}

	go func() {
		_ = srv.Start()
	}()

	return srv, nil
}

func dockerCompose(ctx context.Context, root string, args ...string) error {
	composeFile := filepath.Join(root, "development", "docker-compose.yml")
	baseArgs := append([]string{"compose", "-f", composeFile}, args...)
	cmd := exec.CommandContext(ctx, "docker", baseArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func repoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found")
		}
		dir = parent
	}
}
