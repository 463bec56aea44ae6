package catalog

import (
	_ "embed"
	"time"

	"github.com/keithlinneman/agrotech-web/internal/cryptoutil"
	"github.com/keithlinneman/agrotech-web/internal/xerrors"
)

//go:embed seed/catalog.json
var seedJSON []byte

// Seed decodes the catalog compiled into the binary.
func Seed() (*Snapshot, error) {
	c, err := Decode(seedJSON)
	if err != nil {
		return nil, xerrors.Wrap(err, "embedded seed catalog")
	}
	return &Snapshot{
		Catalog:  c,
		SHA256:   cryptoutil.SHA256Hex(seedJSON),
		Source:   SourceEmbedded,
		LoadedAt: time.Now().UTC(),
	}, nil
}
