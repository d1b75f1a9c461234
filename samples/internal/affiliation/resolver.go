// Package affiliation links samples to canonical affiliation entities.
package affiliation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/worldwormmap/wwm-stack/samples/internal/models"
	"github.com/worldwormmap/wwm-stack/samples/internal/normalizer"
)

// OtherSlug marks that the affiliation is given as free text.
const OtherSlug = "other"

// Store is the persistence the resolver needs. GetOrCreateAffiliation must
// return the existing row when the slug is already known, and LinkAffiliation
// must ignore an already-linked pair.
type Store interface {
	GetOrCreateAffiliation(ctx context.Context, slug, displayName string) (*models.Affiliation, error)
	LinkAffiliation(ctx context.Context, sampleID, affiliationID int64) error
}

// Resolver resolves affiliation slugs to entities and links them to samples.
type Resolver struct {
	logger *slog.Logger
}

func NewResolver(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{logger: logger}
}

// DisplayName returns label when it is non-blank, else a humanized slug.
func DisplayName(slug, label string) string {
	if label = strings.TrimSpace(label); label != "" {
		return label
	}
	return normalizer.Humanize(slug)
}

// Attach links sampleID to every affiliation named by slugs. The "other"
// slug, or an empty slug list, hands over to the free-text value in other,
// which becomes its own affiliation labelled with the original text.
// It returns the slugs actually linked, in link order.
func (r *Resolver) Attach(ctx context.Context, store Store, sampleID int64, slugs []string, other *string) ([]string, error) {
	linked := make([]string, 0, len(slugs)+1)
	seen := make(map[string]bool, len(slugs)+1)

	link := func(slug, label string) error {
		if slug == "" {
			r.logger.Debug("skipping empty affiliation slug", slog.Int64("sample_id", sampleID))
			return nil
		}
		if seen[slug] {
			return nil
		}
		aff, err := store.GetOrCreateAffiliation(ctx, slug, DisplayName(slug, label))
		if err != nil {
			return fmt.Errorf("resolve affiliation %q: %w", slug, err)
		}
		if err := store.LinkAffiliation(ctx, sampleID, aff.ID); err != nil {
			return fmt.Errorf("link affiliation %q: %w", slug, err)
		}
		seen[slug] = true
		linked = append(linked, slug)
		return nil
	}

	wantsOther := len(slugs) == 0
	for _, slug := range slugs {
		if slug == OtherSlug {
			wantsOther = true
			continue
		}
		if err := link(slug, ""); err != nil {
			return linked, err
		}
	}

	if wantsOther && other != nil && strings.TrimSpace(*other) != "" {
		if err := link(normalizer.Slugify(*other), *other); err != nil {
			return linked, err
		}
	}

	return linked, nil
}
