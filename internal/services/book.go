package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/shelfscore/apiserver/internal/mq"
	"github.com/shelfscore/apiserver/internal/storage"
	"github.com/shelfscore/apiserver/types"
)

// ErrNoCoverStorage is returned when cover operations run without a
// configured object storage backend.
var ErrNoCoverStorage = errors.New("cover storage is not configured")

// ErrNoCover is returned when a book has no uploaded cover.
var ErrNoCover = errors.New("no cover uploaded")

// BookRepository defines persistence operations for books.
type BookRepository interface {
	List(ctx context.Context) ([]types.Book, error)
	ListByOwner(ctx context.Context, ownerID int) ([]types.Book, error)
	Get(ctx context.Context, id int) (types.Book, error)
	Create(ctx context.Context, book types.Book) (types.Book, error)
	Update(ctx context.Context, book types.Book) (types.Book, error)
	Delete(ctx context.Context, id int) (types.Book, error)
	GenreCounts(ctx context.Context) (map[int]types.GenreCounts, error)
}

// BookEvent is the payload published to the events topic when a review
// is created, updated, or deleted.
type BookEvent struct {
	Action     string      `json:"action"`
	BookID     int         `json:"book_id"`
	OwnerID    int         `json:"owner_id"`
	Genre      types.Genre `json:"genre"`
	OccurredAt time.Time   `json:"occurred_at"`
}

const (
	EventBookCreated = "book.created"
	EventBookUpdated = "book.updated"
	EventBookDeleted = "book.deleted"
)

// BookService encapsulates book use-cases. Covers and events are optional
// collaborators; a nil value disables the corresponding feature.
type BookService struct {
	repo        BookRepository
	covers      *storage.Storage
	events      *mq.MQ
	eventsTopic string
}

func NewBookService(repo BookRepository, covers *storage.Storage, events *mq.MQ, eventsTopic string) *BookService {
	return &BookService{
		repo:        repo,
		covers:      covers,
		events:      events,
		eventsTopic: eventsTopic,
	}
}

func (s *BookService) List(ctx context.Context) ([]types.Book, error) {
	return s.repo.List(ctx)
}

func (s *BookService) ListByOwner(ctx context.Context, ownerID int) ([]types.Book, error) {
	return s.repo.ListByOwner(ctx, ownerID)
}

func (s *BookService) Get(ctx context.Context, id int) (types.Book, error) {
	return s.repo.Get(ctx, id)
}

func (s *BookService) Create(ctx context.Context, book types.Book) (types.Book, error) {
	created, err := s.repo.Create(ctx, book)
	if err != nil {
		return types.Book{}, err
	}
	s.publish(ctx, EventBookCreated, created)
	return created, nil
}

func (s *BookService) Update(ctx context.Context, book types.Book) (types.Book, error) {
	updated, err := s.repo.Update(ctx, book)
	if err != nil {
		return types.Book{}, err
	}
	s.publish(ctx, EventBookUpdated, updated)
	return updated, nil
}

func (s *BookService) Delete(ctx context.Context, id int) (types.Book, error) {
	deleted, err := s.repo.Delete(ctx, id)
	if err != nil {
		return types.Book{}, err
	}
	s.publish(ctx, EventBookDeleted, deleted)
	return deleted, nil
}

// PointsByOwner derives the leaderboard score for every book owner:
// min(fiction count, non-fiction count).
func (s *BookService) PointsByOwner(ctx context.Context) (map[int]int, error) {
	counts, err := s.repo.GenreCounts(ctx)
	if err != nil {
		return nil, err
	}
	points := make(map[int]int, len(counts))
	for ownerID, tally := range counts {
		points[ownerID] = min(tally.Fiction, tally.NonFiction)
	}
	return points, nil
}

// UploadCover stores a cover image for the book and rewrites its cover URL
// to the served path.
func (s *BookService) UploadCover(ctx context.Context, book types.Book, filename, contentType string, data []byte) (types.Book, error) {
	if s.covers == nil {
		return types.Book{}, ErrNoCoverStorage
	}

	ext := strings.ToLower(path.Ext(filename))
	key := fmt.Sprintf("covers/%d%s", book.ID, ext)
	if err := s.covers.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return types.Book{}, err
	}

	book.CoverKey = key
	book.CoverImageURL = fmt.Sprintf("/api/books/%d/cover", book.ID)
	return s.repo.Update(ctx, book)
}

// OpenCover opens a reader for the book's uploaded cover. The content type
// is derived from the stored object key.
func (s *BookService) OpenCover(ctx context.Context, id int) (io.ReadCloser, string, error) {
	if s.covers == nil {
		return nil, "", ErrNoCoverStorage
	}

	book, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if book.CoverKey == "" {
		return nil, "", ErrNoCover
	}

	reader, err := s.covers.Get(ctx, book.CoverKey)
	if err != nil {
		return nil, "", err
	}

	contentType := mime.TypeByExtension(path.Ext(book.CoverKey))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return reader, contentType, nil
}

// publish emits a review activity event. Best effort: a broker failure
// never fails the request that triggered it.
func (s *BookService) publish(ctx context.Context, action string, book types.Book) {
	if s.events == nil {
		return
	}
	event := BookEvent{
		Action:     action,
		BookID:     book.ID,
		OwnerID:    book.OwnerID,
		Genre:      book.Genre,
		OccurredAt: time.Now(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	_, _ = s.events.Publish(ctx, s.eventsTopic, data, map[string]string{"action": action})
}
