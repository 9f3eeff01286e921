// directory is the authoritative record store of VPN instances owned by
// users, mirroring (with possible lag) actual cloud state. Records live at
// Users/{uid}/Regions/{region}/Instances/{instanceId} and are never
// physically deleted; termination only moves the status.
package directory

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/chainguard-dev/clog"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Status string

const (
	StatusRunning    Status = "running"
	StatusStopped    Status = "stopped"
	StatusTerminated Status = "terminated"
)

// liveStatuses are the states in which an instance still counts against the
// single-VPN policy. Terminated records are retained but invisible to list
// queries.
var liveStatuses = []string{string(StatusRunning), string(StatusStopped)}

type Instance struct {
	ID        string    `firestore:"-"`
	Name      string    `firestore:"name"`
	Status    Status    `firestore:"status"`
	CreatedAt time.Time `firestore:"createdAt"`
	IPv4      string    `firestore:"ipv4"`
}

type Store struct {
	db *firestore.Client
}

func NewStore(db *firestore.Client) *Store {
	return &Store{db: db}
}

func (s *Store) regionsRef(userID string) *firestore.CollectionRef {
	return s.db.Collection("Users").Doc(userID).Collection("Regions")
}

func (s *Store) instancesRef(userID, region string) *firestore.CollectionRef {
	return s.regionsRef(userID).Doc(region).Collection("Instances")
}

// ListInstances returns the user's live (running or stopped) instances
// grouped by region. When regions is empty, all of the user's region
// partitions are scanned.
func (s *Store) ListInstances(ctx context.Context, userID string, regions []string) (map[string][]Instance, error) {
	if len(regions) == 0 {
		var err error
		regions, err = s.userRegions(ctx, userID)
		if err != nil {
			return nil, err
		}
	}

	out := make(map[string][]Instance)
	for _, region := range regions {
		instances, err := s.listRegion(ctx, userID, region)
		if err != nil {
			return nil, err
		}
		if len(instances) > 0 {
			out[region] = instances
		}
	}
	return out, nil
}

func (s *Store) listRegion(ctx context.Context, userID, region string) ([]Instance, error) {
	iter := s.instancesRef(userID, region).
		Where("status", "in", liveStatuses).
		Documents(ctx)
	defer iter.Stop()

	var instances []Instance
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing instances for %s in %s: %w", userID, region, err)
		}
		var inst Instance
		if err := snap.DataTo(&inst); err != nil {
			return nil, fmt.Errorf("decoding instance %s: %w", snap.Ref.ID, err)
		}
		inst.ID = snap.Ref.ID
		instances = append(instances, inst)
	}
	return instances, nil
}

func (s *Store) userRegions(ctx context.Context, userID string) ([]string, error) {
	iter := s.regionsRef(userID).Documents(ctx)
	defer iter.Stop()

	var regions []string
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing regions for %s: %w", userID, err)
		}
		regions = append(regions, snap.Ref.ID)
	}
	return regions, nil
}

// Upsert records a deployed instance. A new record gets createdAt and
// status running; an existing record is merged so unspecified fields are
// never clobbered, and the name is only replaced when explicitly supplied.
func (s *Store) Upsert(ctx context.Context, userID, region, instanceID, ipv4, name string) error {
	log := clog.FromContext(ctx)

	// The region document must carry at least one field, otherwise its
	// subcollections are invisible to collection listing.
	regionRef := s.regionsRef(userID).Doc(region)
	if _, err := regionRef.Set(ctx, map[string]any{
		"created": firestore.ServerTimestamp,
	}, firestore.MergeAll); err != nil {
		return fmt.Errorf("ensuring region doc %s/%s: %w", userID, region, err)
	}

	ref := regionRef.Collection("Instances").Doc(instanceID)
	snap, err := ref.Get(ctx)
	exists, err := recordExists(snap, err)
	if err != nil {
		return fmt.Errorf("checking instance %s for %s in %s: %w", instanceID, userID, region, err)
	}

	data := map[string]any{
		"ipv4":   ipv4,
		"status": string(StatusRunning),
	}
	if name != "" {
		data["name"] = name
	}
	if !exists {
		data["createdAt"] = time.Now().UTC()
	}

	if _, err := ref.Set(ctx, data, firestore.MergeAll); err != nil {
		return fmt.Errorf("saving instance %s for %s in %s: %w", instanceID, userID, region, err)
	}
	log.Info("instance recorded", "user", userID, "region", region, "instance", instanceID, "new", !exists)
	return nil
}

// recordExists distinguishes a missing record from a failed read. Only a
// NotFound read means absent; a transient failure must not look like a
// fresh record, or a retried upsert would reset createdAt.
func recordExists(snap *firestore.DocumentSnapshot, err error) (bool, error) {
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, err
	}
	return snap.Exists(), nil
}

// UpdateStatus transitions a single record.
func (s *Store) UpdateStatus(ctx context.Context, userID, region, instanceID string, status Status) error {
	_, err := s.instancesRef(userID, region).Doc(instanceID).Update(ctx, []firestore.Update{
		{Path: "status", Value: string(status)},
	})
	if err != nil {
		return fmt.Errorf("updating status of %s for %s in %s: %w", instanceID, userID, region, err)
	}
	return nil
}

// BatchUpdateStatus applies one status to every referenced instance as a
// single atomic write batch: either all updates land or none do. A
// reference to a nonexistent record fails the whole batch.
func (s *Store) BatchUpdateStatus(ctx context.Context, userID string, regionInstances map[string][]string, status Status) error {
	batch := s.db.Batch()
	n := 0
	for region, instanceIDs := range regionInstances {
		for _, id := range instanceIDs {
			batch.Update(s.instancesRef(userID, region).Doc(id), []firestore.Update{
				{Path: "status", Value: string(status)},
			})
			n++
		}
	}
	if n == 0 {
		return nil
	}
	if _, err := batch.Commit(ctx); err != nil {
		return fmt.Errorf("batch status update for %s: %w", userID, err)
	}
	clog.FromContext(ctx).Info("batch status update applied",
		"user", userID, "status", status, "instances", n)
	return nil
}

// FindOwners reverse-maps cloud instance IDs discovered out-of-band to the
// users whose directory records reference them. Scans every user and
// intersects; fine at this system's cardinality.
func (s *Store) FindOwners(ctx context.Context, regionInstances map[string][]string) (map[string]map[string][]string, error) {
	userIDs, err := s.ListAllUsers(ctx)
	if err != nil {
		return nil, err
	}

	regions := make([]string, 0, len(regionInstances))
	for region := range regionInstances {
		regions = append(regions, region)
	}

	owners := make(map[string]map[string][]string)
	for _, uid := range userIDs {
		recorded, err := s.ListInstances(ctx, uid, regions)
		if err != nil {
			return nil, err
		}
		owned := intersectOwned(recorded, regionInstances)
		if len(owned) > 0 {
			owners[uid] = owned
		}
	}
	return owners, nil
}

// intersectOwned keeps the subset of wanted instance IDs that appear in the
// user's recorded instances, grouped by region.
func intersectOwned(recorded map[string][]Instance, wanted map[string][]string) map[string][]string {
	out := make(map[string][]string)
	for region, wantedIDs := range wanted {
		instances, ok := recorded[region]
		if !ok {
			continue
		}
		known := make(map[string]bool, len(instances))
		for _, inst := range instances {
			known[inst.ID] = true
		}
		for _, id := range wantedIDs {
			if known[id] {
				out[region] = append(out[region], id)
			}
		}
	}
	return out
}

// ListAllUsers enumerates every user ID in the directory.
func (s *Store) ListAllUsers(ctx context.Context) ([]string, error) {
	iter := s.db.Collection("Users").Documents(ctx)
	defer iter.Stop()

	var userIDs []string
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing users: %w", err)
		}
		userIDs = append(userIDs, snap.Ref.ID)
	}
	return userIDs, nil
}
