package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/keithlinneman/agrotech-web/internal/xerrors"
)

// MaxCatalogBytes caps the size of a catalog document.
const MaxCatalogBytes = 2 << 20

// Decode parses and validates a catalog document. Unknown fields are rejected.
func Decode(data []byte) (*Catalog, error) {
	if len(data) > MaxCatalogBytes {
		return nil, xerrors.Newf("catalog: document is %d bytes, max is %d", len(data), MaxCatalogBytes)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var c Catalog
	if err := dec.Decode(&c); err != nil {
		return nil, xerrors.Wrap(err, "catalog: decode")
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, xerrors.New("catalog: trailing data after document")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	sort.SliceStable(c.Posts, func(i, j int) bool {
		return c.Posts[i].PublishedAt.After(c.Posts[j].PublishedAt)
	})
	return &c, nil
}

// Validate reports every problem in the document joined into one error.
func (c *Catalog) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Version) == "" {
		errs = append(errs, errors.New("catalog: version is required"))
	}

	errs = append(errs, checkRecords(KindProducts, len(c.Products), func(i int) (string, string) {
		return c.Products[i].ID, c.Products[i].Title
	})...)
	errs = append(errs, checkRecords(KindStats, len(c.Stats), func(i int) (string, string) {
		return c.Stats[i].ID, c.Stats[i].Title
	})...)
	errs = append(errs, checkRecords(KindPosts, len(c.Posts), func(i int) (string, string) {
		return c.Posts[i].ID, c.Posts[i].Title
	})...)
	errs = append(errs, checkRecords(KindProjects, len(c.Projects), func(i int) (string, string) {
		return c.Projects[i].ID, c.Projects[i].Title
	})...)

	return xerrors.Join(errs...)
}

// checkRecords requires a non-empty id and title per record and ids unique within the section.
func checkRecords(kind Kind, n int, at func(i int) (id, title string)) []error {
	var errs []error
	seen := make(map[string]int, n)
	for i := 0; i < n; i++ {
		id, title := at(i)
		if id == "" {
			errs = append(errs, fmt.Errorf("catalog: %s[%d]: id is required", kind, i))
		} else if prev, dup := seen[id]; dup {
			errs = append(errs, fmt.Errorf("catalog: %s[%d]: duplicate id %q (first at %d)", kind, i, id, prev))
		} else {
			seen[id] = i
		}
		if strings.TrimSpace(title) == "" {
			errs = append(errs, fmt.Errorf("catalog: %s[%d]: title is required", kind, i))
		}
	}
	return errs
}
