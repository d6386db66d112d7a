package handlers_test

import (
	"context"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shelfscore/apiserver/config"
	"github.com/shelfscore/apiserver/internal/handlers"
	"github.com/shelfscore/apiserver/internal/services"
	"github.com/shelfscore/apiserver/internal/store"
	"github.com/shelfscore/apiserver/types"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "test-secret"

func testAuthConfig(allowed ...string) config.AuthConfig {
	if len(allowed) == 0 {
		allowed = []string{"justin.fanton@gmail.com", "dominicmeddick@gmail.com"}
	}
	return config.AuthConfig{
		TokenSecret:   testSecret,
		TokenTTL:      time.Hour,
		BcryptCost:    bcrypt.MinCost,
		AllowedEmails: allowed,
	}
}

// newTestServer wires the real routers against in-memory repositories.
func newTestServer(t *testing.T, cfg config.AuthConfig) (*httptest.Server, *memUserRepo, *memBookRepo) {
	t.Helper()

	userRepo := newMemUserRepo()
	bookRepo := newMemBookRepo()

	userService := services.NewUserService(userRepo)
	bookService := services.NewBookService(bookRepo, nil, nil, "")

	router := chi.NewRouter()
	router.Route("/auth", func(r chi.Router) {
		handlers.AuthRouter(r, userService, bookService, cfg)
	})
	router.Route("/api/books", func(r chi.Router) {
		handlers.BookRouter(r, bookService, handlers.RequireAuth(cfg.TokenSecret))
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, userRepo, bookRepo
}

func usr(email, name string) types.User {
	return types.User{Email: email, Name: name, PasswordHash: "x"}
}

func seedBook(t *testing.T, repo *memBookRepo, ownerID int, genre types.Genre) types.Book {
	t.Helper()
	book, err := repo.Create(context.Background(), types.Book{
		Title:         "Seeded",
		Author:        "Author",
		CoverImageURL: "https://covers.example.com/seeded.jpg",
		Genre:         genre,
		Review:        "seeded review",
		OwnerID:       ownerID,
	})
	if err != nil {
		t.Fatalf("seed book: %v", err)
	}
	return book
}

// memUserRepo is an in-memory services.UserRepository.
type memUserRepo struct {
	mu     sync.Mutex
	nextID int
	users  map[int]types.User
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{nextID: 1, users: make(map[int]types.User)}
}

func (r *memUserRepo) GetByID(ctx context.Context, id int) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	return user, nil
}

func (r *memUserRepo) GetByEmail(ctx context.Context, email string) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, user := range r.users {
		if user.Email == email {
			return user, nil
		}
	}
	return types.User{}, store.ErrNotFound
}

func (r *memUserRepo) Create(ctx context.Context, user types.User) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.users {
		if existing.Email == user.Email {
			return types.User{}, store.ErrDuplicateEmail
		}
	}
	now := time.Now()
	user.ID = r.nextID
	user.CreatedAt = now
	user.UpdatedAt = now
	r.nextID++
	r.users[user.ID] = user
	return user, nil
}

func (r *memUserRepo) List(ctx context.Context) ([]types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	users := make([]types.User, 0, len(r.users))
	for _, user := range r.users {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (r *memUserRepo) Count(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users), nil
}

func (r *memUserRepo) CountByEmails(ctx context.Context, emails []string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, user := range r.users {
		for _, email := range emails {
			if user.Email == email {
				count++
				break
			}
		}
	}
	return count, nil
}

// memBookRepo is an in-memory services.BookRepository.
type memBookRepo struct {
	mu     sync.Mutex
	nextID int
	books  map[int]types.Book
}

func newMemBookRepo() *memBookRepo {
	return &memBookRepo{nextID: 1, books: make(map[int]types.Book)}
}

func (r *memBookRepo) List(ctx context.Context) ([]types.Book, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	books := make([]types.Book, 0, len(r.books))
	for _, book := range r.books {
		books = append(books, book)
	}
	sort.Slice(books, func(i, j int) bool { return books[i].ID < books[j].ID })
	return books, nil
}

func (r *memBookRepo) ListByOwner(ctx context.Context, ownerID int) ([]types.Book, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	books := make([]types.Book, 0)
	for _, book := range r.books {
		if book.OwnerID == ownerID {
			books = append(books, book)
		}
	}
	sort.Slice(books, func(i, j int) bool { return books[i].ID < books[j].ID })
	return books, nil
}

func (r *memBookRepo) Get(ctx context.Context, id int) (types.Book, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	book, ok := r.books[id]
	if !ok {
		return types.Book{}, store.ErrNotFound
	}
	return book, nil
}

func (r *memBookRepo) Create(ctx context.Context, book types.Book) (types.Book, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	book.ID = r.nextID
	book.CreatedAt = now
	book.UpdatedAt = now
	r.nextID++
	r.books[book.ID] = book
	return book, nil
}

func (r *memBookRepo) Update(ctx context.Context, book types.Book) (types.Book, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.books[book.ID]
	if !ok {
		return types.Book{}, store.ErrNotFound
	}
	book.OwnerID = existing.OwnerID
	book.CreatedAt = existing.CreatedAt
	book.UpdatedAt = time.Now()
	r.books[book.ID] = book
	return book, nil
}

func (r *memBookRepo) Delete(ctx context.Context, id int) (types.Book, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	book, ok := r.books[id]
	if !ok {
		return types.Book{}, store.ErrNotFound
	}
	delete(r.books, id)
	return book, nil
}

func (r *memBookRepo) GenreCounts(ctx context.Context) (map[int]types.GenreCounts, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[int]types.GenreCounts)
	for _, book := range r.books {
		tally := counts[book.OwnerID]
		switch book.Genre {
		case types.GenreFiction:
			tally.Fiction++
		case types.GenreNonFiction:
			tally.NonFiction++
		}
		counts[book.OwnerID] = tally
	}
	return counts, nil
}
