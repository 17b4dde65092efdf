package usecase

import (
	"context"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"book-search-agent/internal/domain"
	"book-search-agent/internal/integrations/openlibrary"
)

// catalogFetchLimit is how many raw hits each catalog query asks for; wider
// than the reply so dedup and exclusion filtering have room to work.
const catalogFetchLimit = 20

// resolveBooks maps criteria onto catalog queries and shapes the raw hits
// into candidate BookRecords. It is stateless and safe to retry.
func (s *SearchService) resolveBooks(ctx context.Context, criteria domain.SearchCriteria) ([]domain.BookRecord, string, error) {
	queries := []openlibrary.Query{
		{Q: criteria.Topic, Author: criteria.Author, Limit: catalogFetchLimit},
		{Subject: criteria.Topic, Author: criteria.Author, Limit: catalogFetchLimit},
	}

	results := make([][]openlibrary.Doc, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			docs, err := s.catalog.Search(gctx, q)
			if err != nil {
				return err
			}
			results[i] = docs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, "", err
	}

	candidates := mergeDocs(results)
	if len(candidates) == 0 {
		return nil, domain.ReasonNoCatalogHits, nil
	}

	kept := candidates[:0]
	for _, c := range candidates {
		if !excluded(c, criteria.Exclude) {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		return nil, domain.ReasonAllHitsExcluded, nil
	}

	count := criteria.BoundedCount()
	if len(kept) > count {
		kept = kept[:count]
	}
	return kept, "", nil
}

// mergeDocs interleaves per-query result lists by relevance position,
// breaking position ties by descending ratings count, then descending
// ratings average, then query order. Hits missing a usable title or author
// are dropped, and duplicates (same normalized title+author) collapse to
// the earliest occurrence.
func mergeDocs(lists [][]openlibrary.Doc) []domain.BookRecord {
	longest := 0
	for _, l := range lists {
		if len(l) > longest {
			longest = len(l)
		}
	}

	seen := make(map[string]struct{})
	var merged []domain.BookRecord
	for pos := 0; pos < longest; pos++ {
		var tied []openlibrary.Doc
		for _, l := range lists {
			if pos < len(l) {
				tied = append(tied, l[pos])
			}
		}
		sort.SliceStable(tied, func(i, j int) bool {
			if tied[i].RatingsCount != tied[j].RatingsCount {
				return tied[i].RatingsCount > tied[j].RatingsCount
			}
			return tied[i].RatingsAverage > tied[j].RatingsAverage
		})
		for _, doc := range tied {
			record, ok := docToRecord(doc)
			if !ok {
				continue
			}
			key := normalizedKey(record.Title, record.AuthorName)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			merged = append(merged, record)
		}
	}
	return merged
}

// docToRecord converts a raw hit, reporting false when title or author is
// missing or blank.
func docToRecord(doc openlibrary.Doc) (domain.BookRecord, bool) {
	title := strings.TrimSpace(doc.Title)
	if title == "" || len(doc.AuthorName) == 0 {
		return domain.BookRecord{}, false
	}
	author := strings.TrimSpace(doc.AuthorName[0])
	if author == "" {
		return domain.BookRecord{}, false
	}
	return domain.BookRecord{
		Title:               title,
		AuthorName:          author,
		NumberOfPagesMedian: doc.NumberOfPagesMedian,
		FirstPublishYear:    doc.FirstPublishYear,
		RatingsAverage:      doc.RatingsAverage,
		RatingsCount:        doc.RatingsCount,
		RatingsCount1:       doc.RatingsCount1,
		RatingsCount2:       doc.RatingsCount2,
		RatingsCount3:       doc.RatingsCount3,
		RatingsCount4:       doc.RatingsCount4,
		RatingsCount5:       doc.RatingsCount5,
	}, true
}

// normalizedKey folds case and whitespace so near-identical catalog entries
// dedupe to one record.
func normalizedKey(title, author string) string {
	norm := func(s string) string {
		return strings.Join(strings.Fields(strings.ToLower(s)), " ")
	}
	return norm(title) + "|" + norm(author)
}

func excluded(record domain.BookRecord, terms []string) bool {
	if len(terms) == 0 {
		return false
	}
	haystack := strings.ToLower(record.Title + " " + record.AuthorName)
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term != "" && strings.Contains(haystack, term) {
			return true
		}
	}
	return false
}
