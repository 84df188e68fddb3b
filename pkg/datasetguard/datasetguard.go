// Package datasetguard implements the dataset guard of spec.md §4.9 (C13):
// before any destructive operation, resolve the catalogue file-IDs under a
// path, fetch their dataset memberships in one call, and classify them as
// pending or preserved. It is a Go port of the original Python project's
// resource.py Resource.has_pending_dataset, adjusted to spec.md §4.9's
// explicit classification (a dataset that is only rejected does not block
// deletion; the original's has_pending_dataset additionally trips on
// rejected datasets, which spec.md supersedes - see DESIGN.md).
package datasetguard

import (
	"context"

	"github.com/csc-fi/pifs/pkg/catalogue"
	"github.com/csc-fi/pifs/pkg/errtypes"
)

// Preservation states ordered as in the downstream catalogue's state
// machine. Anything below Accepted, except Rejected, is "pending".
const (
	StateInitialized    = "initialized"
	StateGenerating     = "technical-metadata-generated"
	StateAccepted       = "accepted-to-digital-preservation"
	StateInPreservation = "in-digital-preservation"
	StateRejected       = "rejected-from-digital-preservation"
)

var stateRank = map[string]int{
	StateInitialized:    0,
	StateGenerating:     1,
	StateAccepted:       2,
	StateInPreservation: 3,
	StateRejected:       -1,
}

func rank(state string) int {
	if r, ok := stateRank[state]; ok {
		return r
	}
	// Unknown states are conservatively treated as pending.
	return 0
}

// isPreserved reports whether state is accepted for, or already in,
// preservation.
func isPreserved(state string) bool {
	return rank(state) >= stateRank[StateAccepted]
}

// isPending reports whether state blocks deletion per spec.md §4.9:
// "pending" is anything below accepted, excluding rejected.
func isPending(state string) bool {
	return state != StateRejected && rank(state) < stateRank[StateAccepted]
}

// Guard queries the catalogue for dataset membership under a path.
type Guard struct {
	client *catalogue.Client
}

// New builds a Guard bound to a catalogue client.
func New(client *catalogue.Client) *Guard {
	return &Guard{client: client}
}

// Verdict summarises the datasets referencing a set of files: whether any
// is pending (blocks deletion outright) and whether any is preserved
// (bytes may go, catalogue rows must stay).
type Verdict struct {
	Pending    bool
	Preserved  bool
	DatasetIDs []string
}

// Check resolves fileIdentifiers to their referencing datasets and
// classifies the result per spec.md §4.9. An empty fileIdentifiers list
// yields a zero Verdict (no datasets, full deletion proceeds).
func (g *Guard) Check(ctx context.Context, fileIdentifiers []string) (Verdict, error) {
	var v Verdict
	if len(fileIdentifiers) == 0 {
		return v, nil
	}

	byFile, err := g.client.FilesToDatasets(ctx, fileIdentifiers)
	if err != nil {
		return v, err
	}

	seen := map[string]bool{}
	for _, ids := range byFile {
		for _, id := range ids {
			seen[id] = true
		}
	}
	if len(seen) == 0 {
		return v, nil
	}

	for id := range seen {
		v.DatasetIDs = append(v.DatasetIDs, id)
		ds, err := g.client.Dataset(ctx, id)
		if err != nil {
			return v, err
		}
		if isPending(ds.PreservationState) {
			v.Pending = true
		}
		if isPreserved(ds.PreservationState) {
			v.Preserved = true
		}
	}
	return v, nil
}

// Enforce returns errtypes.HasPendingDataset if the verdict blocks deletion
// of the path named in what.
func (v Verdict) Enforce(what string) error {
	if v.Pending {
		return errtypes.HasPendingDataset(what)
	}
	return nil
}
