package codeowners

import (
	"context"
	"errors"
	"fmt"

	"github.com/drewdunne/conductor/internal/provider"
)

// Locations are searched in order; the first existing file is used.
var Locations = []string{
	"CODEOWNERS",
	".gitlab/CODEOWNERS",
	".github/CODEOWNERS",
	"docs/CODEOWNERS",
}

// FileReader reads a file at a ref. Implementations return an error
// wrapping provider.ErrFileNotFound when the file does not exist.
type FileReader interface {
	ReadFile(ctx context.Context, owner, repo, path, ref string) ([]byte, error)
}

// Load finds and parses the CODEOWNERS file of a repository at ref.
// It returns nil and no error when the repository has none.
func Load(ctx context.Context, r FileReader, owner, repo, ref string) (*File, error) {
	for _, loc := range Locations {
		content, err := r.ReadFile(ctx, owner, repo, loc, ref)
		if errors.Is(err, provider.ErrFileNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", loc, err)
		}
		return Parse(string(content)), nil
	}
	return nil, nil
}
