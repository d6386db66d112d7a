package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shelfscore/apiserver/types"
)

const bookColumns = `id, title, author, cover_image_url, cover_key, genre, word_count, review, owner_id, created_at, updated_at`

// BookRepository handles persistence for books.
type BookRepository struct {
	db *sql.DB
}

func NewBookRepository(db *sql.DB) *BookRepository {
	return &BookRepository{db: db}
}

func (r *BookRepository) List(ctx context.Context) ([]types.Book, error) {
	const query = `
		SELECT ` + bookColumns + `
		FROM books
		ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBooks(rows)
}

func (r *BookRepository) ListByOwner(ctx context.Context, ownerID int) ([]types.Book, error) {
	const query = `
		SELECT ` + bookColumns + `
		FROM books
		WHERE owner_id = $1
		ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBooks(rows)
}

func (r *BookRepository) Get(ctx context.Context, id int) (types.Book, error) {
	const query = `
		SELECT ` + bookColumns + `
		FROM books
		WHERE id = $1`
	book, err := scanBook(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Book{}, ErrNotFound
		}
		return types.Book{}, err
	}
	return book, nil
}

func (r *BookRepository) Create(ctx context.Context, book types.Book) (types.Book, error) {
	now := time.Now()
	book.CreatedAt = now
	book.UpdatedAt = now

	const query = `
		INSERT INTO books (title, author, cover_image_url, cover_key, genre, word_count, review, owner_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`
	if err := r.db.QueryRowContext(
		ctx,
		query,
		book.Title,
		book.Author,
		book.CoverImageURL,
		book.CoverKey,
		book.Genre,
		book.WordCount,
		book.Review,
		book.OwnerID,
		book.CreatedAt,
		book.UpdatedAt,
	).Scan(&book.ID); err != nil {
		return types.Book{}, err
	}
	return book, nil
}

// Update rewrites the mutable fields of a book. OwnerID and CreatedAt are
// never touched.
func (r *BookRepository) Update(ctx context.Context, book types.Book) (types.Book, error) {
	book.UpdatedAt = time.Now()

	const query = `
		UPDATE books
		SET title = $1,
			author = $2,
			cover_image_url = $3,
			cover_key = $4,
			genre = $5,
			word_count = $6,
			review = $7,
			updated_at = $8
		WHERE id = $9
		RETURNING owner_id, created_at`
	err := r.db.QueryRowContext(
		ctx,
		query,
		book.Title,
		book.Author,
		book.CoverImageURL,
		book.CoverKey,
		book.Genre,
		book.WordCount,
		book.Review,
		book.UpdatedAt,
		book.ID,
	).Scan(&book.OwnerID, &book.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Book{}, ErrNotFound
		}
		return types.Book{}, err
	}
	return book, nil
}

// Delete removes a book and returns the deleted row so handlers can echo it.
func (r *BookRepository) Delete(ctx context.Context, id int) (types.Book, error) {
	const query = `
		DELETE FROM books
		WHERE id = $1
		RETURNING ` + bookColumns
	book, err := scanBook(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Book{}, ErrNotFound
		}
		return types.Book{}, err
	}
	return book, nil
}

// GenreCounts returns per-owner counts of Fiction and Non-Fiction books for
// every user who owns at least one book.
func (r *BookRepository) GenreCounts(ctx context.Context) (map[int]types.GenreCounts, error) {
	const query = `
		SELECT owner_id,
			COUNT(*) FILTER (WHERE genre = 'Fiction'),
			COUNT(*) FILTER (WHERE genre = 'Non-Fiction')
		FROM books
		GROUP BY owner_id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[int]types.GenreCounts)
	for rows.Next() {
		var ownerID int
		var tally types.GenreCounts
		if err := rows.Scan(&ownerID, &tally.Fiction, &tally.NonFiction); err != nil {
			return nil, err
		}
		counts[ownerID] = tally
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBook(row rowScanner) (types.Book, error) {
	var book types.Book
	err := row.Scan(
		&book.ID,
		&book.Title,
		&book.Author,
		&book.CoverImageURL,
		&book.CoverKey,
		&book.Genre,
		&book.WordCount,
		&book.Review,
		&book.OwnerID,
		&book.CreatedAt,
		&book.UpdatedAt,
	)
	if err != nil {
		return types.Book{}, err
	}
	return book, nil
}

func scanBooks(rows *sql.Rows) ([]types.Book, error) {
	books := make([]types.Book, 0)
	for rows.Next() {
		book, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		books = append(books, book)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return books, nil
}
