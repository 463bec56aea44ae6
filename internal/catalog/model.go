package catalog

import (
	"time"
)

// Kind names one section of the catalog.
type Kind string

const (
	KindProducts Kind = "products"
	KindStats    Kind = "stats"
	KindPosts    Kind = "posts"
	KindProjects Kind = "projects"
)

// Kinds lists every section in display order.
var Kinds = []Kind{KindProducts, KindStats, KindPosts, KindProjects}

// ParseKind returns the Kind for s, ok is false for unknown sections.
func ParseKind(s string) (Kind, bool) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

type Product struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Summary  string   `json:"summary"`
	Category string   `json:"category,omitempty"`
	Features []string `json:"features,omitempty"`
}

type Stat struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Value string `json:"value"`
	Unit  string `json:"unit,omitempty"`
}

type Post struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Excerpt     string    `json:"excerpt"`
	Author      string    `json:"author,omitempty"`
	PublishedAt time.Time `json:"published_at"`
	Tags        []string  `json:"tags,omitempty"`
}

type Project struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Location string `json:"location,omitempty"`
	Summary  string `json:"summary"`
	Year     int    `json:"year,omitempty"`
}

// Catalog is the full document as stored in S3 and embedded as the seed.
type Catalog struct {
	Version  string    `json:"version"`
	Products []Product `json:"products"`
	Stats    []Stat    `json:"stats"`
	Posts    []Post    `json:"posts"`
	Projects []Project `json:"projects"`
}

// Section returns the records of one kind. Posts are newest first.
func (c *Catalog) Section(k Kind) any {
	switch k {
	case KindProducts:
		return c.Products
	case KindStats:
		return c.Stats
	case KindPosts:
		return c.Posts
	case KindProjects:
		return c.Projects
	default:
		return nil
	}
}
