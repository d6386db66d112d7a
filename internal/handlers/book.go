package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shelfscore/apiserver/internal/services"
	"github.com/shelfscore/apiserver/internal/store"
	"github.com/shelfscore/apiserver/types"
)

const (
	maxCoverMemory = 8 << 20
	maxCoverBytes  = 8 << 20
	formFieldCover = "cover"
)

// BookHandler provides HTTP handlers for book reviews.
type BookHandler struct {
	bookService *services.BookService
}

// NewBookHandler constructs a handler with the provided service.
func NewBookHandler(bookService *services.BookService) *BookHandler {
	return &BookHandler{bookService: bookService}
}

// BookRouter registers book routes on the given router.
func BookRouter(r chi.Router, bookService *services.BookService, authMiddleware func(http.Handler) http.Handler) {
	handler := NewBookHandler(bookService)

	r.Get("/", handler.ListBooks)
	r.With(authMiddleware).Post("/", handler.CreateBook)
	r.With(authMiddleware).Get("/user/{userID}", handler.ListBooksByUser)
	r.Route("/{bookID}", func(r chi.Router) {
		r.Get("/", handler.GetBook)
		r.With(authMiddleware).Put("/", handler.UpdateBook)
		r.With(authMiddleware).Delete("/", handler.DeleteBook)
		r.Get("/cover", handler.GetCover)
		r.With(authMiddleware).Post("/cover", handler.UploadCover)
	})
}

// ListBooks returns the public catalogue. Reviews are owner content and are
// omitted from every element.
func (h *BookHandler) ListBooks(w http.ResponseWriter, r *http.Request) {
	books, err := h.bookService.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list books")
		return
	}

	summaries := make([]BookSummary, 0, len(books))
	for _, book := range books {
		summaries = append(summaries, summarize(book))
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (h *BookHandler) ListBooksByUser(w http.ResponseWriter, r *http.Request) {
	ownerID, err := parseIDParam(r, "userID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	books, err := h.bookService.ListByOwner(r.Context(), ownerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list user books")
		return
	}
	writeJSON(w, http.StatusOK, books)
}

func (h *BookHandler) GetBook(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "bookID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid book id")
		return
	}

	book, err := h.bookService.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "book not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to fetch book")
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (h *BookHandler) CreateBook(w http.ResponseWriter, r *http.Request) {
	claims, err := claimsFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	req, err := decodeBookRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	book, err := h.bookService.Create(r.Context(), types.Book{
		Title:         req.Title,
		Author:        req.Author,
		CoverImageURL: req.CoverImageURL,
		Genre:         req.Genre,
		WordCount:     req.WordCount,
		Review:        req.Review,
		OwnerID:       claims.UserID,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to add book")
		return
	}
	writeJSON(w, http.StatusCreated, book)
}

func (h *BookHandler) UpdateBook(w http.ResponseWriter, r *http.Request) {
	book, ok := h.ownedBook(w, r)
	if !ok {
		return
	}

	req, err := decodeBookRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	book.Title = req.Title
	book.Author = req.Author
	book.CoverImageURL = req.CoverImageURL
	book.Genre = req.Genre
	book.WordCount = req.WordCount
	book.Review = req.Review

	updated, err := h.bookService.Update(r.Context(), book)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "book not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to update book")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *BookHandler) DeleteBook(w http.ResponseWriter, r *http.Request) {
	book, ok := h.ownedBook(w, r)
	if !ok {
		return
	}

	deleted, err := h.bookService.Delete(r.Context(), book.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "book not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete book")
		return
	}
	writeJSON(w, http.StatusOK, DeleteBookResponse{Message: "book deleted", Book: deleted})
}

// UploadCover stores a cover image for a book the caller owns.
func (h *BookHandler) UploadCover(w http.ResponseWriter, r *http.Request) {
	book, ok := h.ownedBook(w, r)
	if !ok {
		return
	}

	cover, err := parseCoverFile(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := h.bookService.UploadCover(r.Context(), book, cover.Filename, cover.ContentType, cover.Data)
	if err != nil {
		if errors.Is(err, services.ErrNoCoverStorage) {
			writeError(w, http.StatusServiceUnavailable, "cover storage is not configured")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to store cover")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// GetCover streams a book's uploaded cover image.
func (h *BookHandler) GetCover(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "bookID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid book id")
		return
	}

	reader, contentType, err := h.bookService.OpenCover(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound),
			errors.Is(err, services.ErrNoCover),
			errors.Is(err, services.ErrNoCoverStorage):
			writeError(w, http.StatusNotFound, "cover not found")
		default:
			writeError(w, http.StatusInternalServerError, "failed to fetch cover")
		}
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, reader)
}

// ownedBook resolves the bookID parameter and enforces that the caller owns
// the book. It writes the error response itself on failure.
func (h *BookHandler) ownedBook(w http.ResponseWriter, r *http.Request) (types.Book, bool) {
	claims, err := claimsFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return types.Book{}, false
	}

	id, err := parseIDParam(r, "bookID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid book id")
		return types.Book{}, false
	}

	book, err := h.bookService.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "book not found")
			return types.Book{}, false
		}
		writeError(w, http.StatusInternalServerError, "failed to fetch book")
		return types.Book{}, false
	}

	if book.OwnerID != claims.UserID {
		writeError(w, http.StatusForbidden, "not the book owner")
		return types.Book{}, false
	}
	return book, true
}

// BookUpsertRequest is the JSON payload for creating or updating a book.
type BookUpsertRequest struct {
	Title         string      `json:"title"`
	Author        string      `json:"author"`
	CoverImageURL string      `json:"cover_image_url"`
	Genre         types.Genre `json:"genre"`
	WordCount     *int        `json:"word_count"`
	Review        string      `json:"review"`
}

// BookSummary is a book as shown in the public catalogue: everything except
// the owner's review text.
type BookSummary struct {
	ID            int         `json:"id"`
	Title         string      `json:"title"`
	Author        string      `json:"author"`
	CoverImageURL string      `json:"cover_image_url"`
	Genre         types.Genre `json:"genre"`
	WordCount     *int        `json:"word_count,omitempty"`
	OwnerID       int         `json:"owner_id"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// DeleteBookResponse echoes the deleted book.
type DeleteBookResponse struct {
	Message string     `json:"message"`
	Book    types.Book `json:"book"`
}

// CoverFile represents an uploaded cover image.
type CoverFile struct {
	Filename    string
	ContentType string
	Data        []byte
}

func summarize(book types.Book) BookSummary {
	return BookSummary{
		ID:            book.ID,
		Title:         book.Title,
		Author:        book.Author,
		CoverImageURL: book.CoverImageURL,
		Genre:         book.Genre,
		WordCount:     book.WordCount,
		OwnerID:       book.OwnerID,
		CreatedAt:     book.CreatedAt,
		UpdatedAt:     book.UpdatedAt,
	}
}

func decodeBookRequest(r *http.Request) (BookUpsertRequest, error) {
	var req BookUpsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return BookUpsertRequest{}, errors.New("invalid request")
	}

	req.Title = strings.TrimSpace(req.Title)
	req.Author = strings.TrimSpace(req.Author)
	req.CoverImageURL = strings.TrimSpace(req.CoverImageURL)
	req.Review = strings.TrimSpace(req.Review)

	if req.Title == "" || req.Author == "" || req.CoverImageURL == "" || req.Review == "" {
		return BookUpsertRequest{}, errors.New("title, author, cover image url, and review are required")
	}
	if !req.Genre.Valid() {
		return BookUpsertRequest{}, errors.New("genre must be Fiction or Non-Fiction")
	}
	if req.WordCount != nil && *req.WordCount < 1 {
		return BookUpsertRequest{}, errors.New("word count must be positive")
	}
	return req, nil
}

func parseIDParam(r *http.Request, name string) (int, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.Atoi(raw)
	if err != nil || id < 1 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}

func parseCoverFile(r *http.Request) (CoverFile, error) {
	if err := r.ParseMultipartForm(maxCoverMemory); err != nil {
		return CoverFile{}, errors.New("invalid multipart form")
	}
	return coverFromForm(r.MultipartForm)
}

func coverFromForm(form *multipart.Form) (CoverFile, error) {
	if form == nil {
		return CoverFile{}, errors.New("missing form data")
	}

	files := form.File[formFieldCover]
	if len(files) == 0 {
		return CoverFile{}, errors.New("cover file is required")
	}
	if len(files) > 1 {
		return CoverFile{}, errors.New("only one cover file is allowed")
	}

	fileHeader := files[0]
	file, err := fileHeader.Open()
	if err != nil {
		return CoverFile{}, errors.New("failed to read cover file")
	}

	data, err := readFileLimited(file, maxCoverBytes)
	_ = file.Close()
	if err != nil {
		return CoverFile{}, err
	}

	contentType := fileHeader.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(contentType, "image/") {
		return CoverFile{}, errors.New("cover must be an image")
	}

	return CoverFile{
		Filename:    fileHeader.Filename,
		ContentType: contentType,
		Data:        data,
	}, nil
}

func readFileLimited(reader io.Reader, limit int64) ([]byte, error) {
	limited := io.LimitReader(reader, limit+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, errors.New("failed to read upload")
	}
	if int64(len(data)) > limit {
		return nil, errors.New("uploaded file too large")
	}
	return data, nil
}
