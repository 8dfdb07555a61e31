package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/evharbor/harbor/internal/meta"
)

// Listing strategies, reported in Page.Strategy.
const (
	StrategyEmpty    = "empty"    // offset at or past the end
	StrategySmall    = "small"    // one ordered query over all children
	StrategyDirs     = "dirs"     // page lies within the directories
	StrategyFiles    = "files"    // page lies within the files, shallow offset
	StrategyAnchor   = "anchor"   // page lies within the files, deep offset
	StrategyBoundary = "boundary" // page spans the last directories and first files
)

// Page is one page of a directory listing. Items hold directories first,
// then files, each newest first.
type Page struct {
	Items       []*meta.Node `json:"items"`
	Total       int64        `json:"total"`
	Offset      int          `json:"offset"`
	Limit       int          `json:"limit"`
	CurrentPage int64        `json:"current_page"`
	FinalPage   int64        `json:"final_page"`
	Strategy    string       `json:"-"`
}

// ListDir returns a page of the live children of the directory at dirPath
// ("" or "/" for the bucket root).
//
// Small directories are sliced from a single ordered query. Past
// SmallListingThreshold children the directory and file sets are queried
// separately, and file pages deeper than LargeOffsetThreshold are located by
// probing the id at that rank and scanning ids at or below it, which keeps
// deep pages close to O(limit).
func (s *Service) ListDir(ctx context.Context, identity, bucket, dirPath string, offset, limit int) (p *Page, err error) {
	start := time.Now()
	defer func() { s.observe("ListDir", identity, bucket, dirPath, start, err) }()

	if offset < 0 {
		return nil, fmt.Errorf("%w: negative offset %d", ErrInvalidArgument, offset)
	}
	if limit <= 0 {
		limit = s.opts.DefaultPageSize
	}
	if limit > s.opts.MaxPageSize {
		limit = s.opts.MaxPageSize
	}

	b, err := s.bucketFor(ctx, identity, bucket, verbRead, dirPath)
	if err != nil {
		return nil, err
	}
	segs, err := ParseDirPath(dirPath)
	if err != nil {
		return nil, err
	}
	parent, err := s.resolveDir(ctx, b, segs)
	if err != nil {
		return nil, err
	}

	dirs, files, err := s.meta.CountChildren(ctx, b.ID, parent)
	if err != nil {
		return nil, err
	}
	total := dirs + files

	items, strategy, err := s.listPage(ctx, b.ID, parent, int64(offset), int64(limit), dirs, total)
	if err != nil {
		return nil, err
	}
	s.opts.Metrics.recordListing(strategy)
	redactShares(b, identity, items...)

	current, final := pageNumbers(int64(offset), int64(limit), total)
	return &Page{
		Items:       items,
		Total:       total,
		Offset:      offset,
		Limit:       limit,
		CurrentPage: current,
		FinalPage:   final,
		Strategy:    strategy,
	}, nil
}

func (s *Service) listPage(ctx context.Context, bucketID, parent, offset, limit, dirs, total int64) ([]*meta.Node, string, error) {
	if offset >= total {
		return []*meta.Node{}, StrategyEmpty, nil
	}

	if total <= int64(s.opts.SmallListingThreshold) {
		items, err := s.meta.ListChildren(ctx, bucketID, parent, int(offset), int(limit))
		return items, StrategySmall, err
	}

	switch {
	case offset+limit <= dirs:
		items, err := s.meta.ListChildDirs(ctx, bucketID, parent, int(offset), int(limit))
		return items, StrategyDirs, err

	case offset >= dirs:
		fileOffset := offset - dirs
		if fileOffset <= int64(s.opts.LargeOffsetThreshold) {
			items, err := s.meta.ListChildFiles(ctx, bucketID, parent, int(fileOffset), int(limit))
			return items, StrategyFiles, err
		}
		anchor, ok, err := s.meta.FileIDAtRank(ctx, bucketID, parent, int(fileOffset))
		if err != nil {
			return nil, StrategyAnchor, err
		}
		if !ok {
			return []*meta.Node{}, StrategyAnchor, nil
		}
		items, err := s.meta.ListChildFilesFrom(ctx, bucketID, parent, anchor, int(limit))
		return items, StrategyAnchor, err

	default:
		items, err := s.meta.ListChildDirs(ctx, bucketID, parent, int(offset), int(dirs-offset))
		if err != nil {
			return nil, StrategyBoundary, err
		}
		rest := limit - int64(len(items))
		if rest <= 0 {
			return items, StrategyBoundary, nil
		}
		more, err := s.meta.ListChildFiles(ctx, bucketID, parent, 0, int(rest))
		if err != nil {
			return nil, StrategyBoundary, err
		}
		return append(items, more...), StrategyBoundary, nil
	}
}

// pageNumbers computes one-based page numbers:
// current = ceil(offset/limit)+1 and
// final = ceil((total-offset)/limit) + ceil(offset/limit),
// clamped so final >= 1 and current <= final.
func pageNumbers(offset, limit, total int64) (current, final int64) {
	remaining := total - offset
	if remaining < 0 {
		remaining = 0
	}
	before := ceilDiv(offset, limit)
	current = before + 1
	final = ceilDiv(remaining, limit) + before
	if final < 1 {
		final = 1
	}
	if current > final {
		current = final
	}
	return current, final
}

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return 0
	}
	q := a / b
	if a%b > 0 {
		q++
	}
	return q
}
