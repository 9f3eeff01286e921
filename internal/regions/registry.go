// regions is the single source of truth for where VPN workloads may be
// placed. A region appears in the Live-Regions collection only after a
// successful bootstrap, and is removed as the final step of a successful
// decommission.
package regions

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const collection = "Live-Regions"

type Region struct {
	Code        string
	DisplayName string
}

type Registry struct {
	db *firestore.Client
}

func NewRegistry(db *firestore.Client) *Registry {
	return &Registry{db: db}
}

// IsLive reports whether the region has been bootstrapped and registered.
func (r *Registry) IsLive(ctx context.Context, code string) (bool, error) {
	snap, err := r.db.Collection(collection).Doc(code).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking live region %s: %w", code, err)
	}
	return snap.Exists(), nil
}

// MarkLive registers the region with its human-readable name.
func (r *Registry) MarkLive(ctx context.Context, code string) error {
	_, err := r.db.Collection(collection).Doc(code).Set(ctx, map[string]any{
		"name": DisplayName(code),
	})
	if err != nil {
		return fmt.Errorf("marking region %s live: %w", code, err)
	}
	return nil
}

// MarkUnlive removes the region from the live set. Callers must only invoke
// this after every other decommission step has succeeded; it is the
// irreversible final step.
func (r *Registry) MarkUnlive(ctx context.Context, code string) error {
	_, err := r.db.Collection(collection).Doc(code).Delete(ctx)
	if err != nil {
		return fmt.Errorf("removing region %s from live set: %w", code, err)
	}
	return nil
}

// ListLive returns all live regions sorted by display name,
// case-insensitively.
func (r *Registry) ListLive(ctx context.Context) ([]Region, error) {
	iter := r.db.Collection(collection).Documents(ctx)
	defer iter.Stop()

	var out []Region
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing live regions: %w", err)
		}
		name, _ := snap.Data()["name"].(string)
		if name == "" {
			name = snap.Ref.ID
		}
		out = append(out, Region{Code: snap.Ref.ID, DisplayName: name})
	}
	SortByDisplayName(out)
	return out, nil
}

// SortByDisplayName orders regions by display name, ignoring case.
func SortByDisplayName(regions []Region) {
	sort.Slice(regions, func(i, j int) bool {
		return strings.ToLower(regions[i].DisplayName) < strings.ToLower(regions[j].DisplayName)
	})
}

// Codes extracts the region codes in order.
func Codes(regions []Region) []string {
	codes := make([]string, len(regions))
	for i, r := range regions {
		codes[i] = r.Code
	}
	return codes
}
