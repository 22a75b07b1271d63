package provenance

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/decen-ai/platform-backend/internal/ledger"
	"github.com/decen-ai/platform-backend/internal/models"
	"github.com/decen-ai/platform-backend/internal/store"
)

// Asset registration status as reported to callers.
const (
	StatusRegistered = "REGISTERED"
	StatusPending    = "PENDING"
)

// AssetView is one entry in an owner's merged asset listing: either a record
// confirmed on the ledger or an artifact still moving through a job.
type AssetView struct {
	CID    string           `json:"cid"`
	Kind   models.AssetKind `json:"kind"`
	Name   string           `json:"name,omitempty"`
	Status string           `json:"status"`
	JobID  string           `json:"job_id,omitempty"`

	Record *models.ProvenanceRecord `json:"record,omitempty"`
}

// Reconciler merges the on-chain view of an owner's assets with local
// in-flight jobs. The ledger is authoritative: a CID present in both views
// reports as REGISTERED with the on-chain record, never as pending.
type Reconciler struct {
	ledger ledger.Ledger
	jobs   store.JobStore
	logger *zap.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(ledg ledger.Ledger, jobs store.JobStore, logger *zap.Logger) *Reconciler {
	return &Reconciler{ledger: ledg, jobs: jobs, logger: logger.Named("reconciler")}
}

// ListOwnerAssets returns every asset an owner holds or is producing:
// registered ledger records first, then artifacts from jobs that have
// produced a CID but not yet reached the ledger.
func (r *Reconciler) ListOwnerAssets(ctx context.Context, owner string) ([]*AssetView, error) {
	records, err := r.ledger.GetByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}

	views := make([]*AssetView, 0, len(records))
	registered := make(map[string]struct{}, len(records))
	for _, record := range records {
		registered[record.CID] = struct{}{}
		views = append(views, &AssetView{
			CID:    record.CID,
			Kind:   record.Kind,
			Name:   record.Name,
			Status: StatusRegistered,
			Record: record,
		})
	}

	jobs, err := r.jobs.GetJobsByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		for _, pending := range pendingAssets(job) {
			if _, ok := registered[pending.CID]; ok {
				continue
			}
			registered[pending.CID] = struct{}{}
			views = append(views, pending)
		}
	}

	sort.Slice(views, func(i, j int) bool {
		if views[i].Status != views[j].Status {
			return views[i].Status == StatusRegistered
		}
		return views[i].CID < views[j].CID
	})
	return views, nil
}

// pendingAssets extracts artifacts a job has produced that still await
// registration. COMPLETED jobs contribute nothing: their artifacts are on
// the ledger and show up through the registered view.
func pendingAssets(job *models.Job) []*AssetView {
	if job.State == models.JobStateCompleted {
		return nil
	}
	var out []*AssetView
	if job.ModelCID != "" {
		out = append(out, &AssetView{
			CID:    job.ModelCID,
			Kind:   models.AssetKindModel,
			Status: StatusPending,
			JobID:  job.ID,
		})
	}
	if job.OutputCID != "" {
		out = append(out, &AssetView{
			CID:    job.OutputCID,
			Kind:   models.AssetKindMetadata,
			Status: StatusPending,
			JobID:  job.ID,
		})
	}
	return out
}
