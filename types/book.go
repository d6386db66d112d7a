package types

import "time"

// Genre classifies a reviewed book. Only two values are accepted; the
// leaderboard scoring depends on the split between them.
type Genre string

const (
	GenreFiction    Genre = "Fiction"
	GenreNonFiction Genre = "Non-Fiction"
)

// Valid reports whether g is one of the accepted genres.
func (g Genre) Valid() bool {
	return g == GenreFiction || g == GenreNonFiction
}

// Book represents a reviewed book owned by exactly one user.
type Book struct {
	// ID is the unique identifier of the book.
	ID int `json:"id" db:"id"`

	// Title is the book's title.
	Title string `json:"title" db:"title"`

	// Author is the book's author.
	Author string `json:"author" db:"author"`

	// CoverImageURL points at the cover image. It is supplied at creation
	// and replaced with a served path once a cover is uploaded.
	CoverImageURL string `json:"cover_image_url" db:"cover_image_url"`

	// CoverKey is the object storage key of an uploaded cover, empty when
	// no cover has been uploaded. Never exposed in API responses.
	CoverKey string `json:"-" db:"cover_key"`

	// Genre is either Fiction or Non-Fiction.
	Genre Genre `json:"genre" db:"genre"`

	// WordCount is the book's length in words. Optional; positive when set.
	WordCount *int `json:"word_count,omitempty" db:"word_count"`

	// Review is the owner's review text. Excluded from the public listing.
	Review string `json:"review" db:"review"`

	// OwnerID is the identifier of the user who submitted the review.
	// Immutable after creation.
	OwnerID int `json:"owner_id" db:"owner_id"`

	// CreatedAt is the timestamp at which the book was created.
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt is the timestamp of the most recent update to the book.
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// GenreCounts holds per-owner review counts split by genre.
type GenreCounts struct {
	Fiction    int
	NonFiction int
}
