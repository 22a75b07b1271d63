package models

import "time"

// AssetKind classifies what a provenance record describes.
type AssetKind string

const (
	AssetKindDataset  AssetKind = "DATASET"
	AssetKindModel    AssetKind = "MODEL"
	AssetKindMetadata AssetKind = "METADATA"
)

// ProvenanceRecord is an immutable, content-addressed asset registration.
// The ledger contract owns these records; the orchestrator only appends.
// CID is the record's primary key and is globally unique on the ledger.
type ProvenanceRecord struct {
	Owner        string    `json:"owner"`
	Kind         AssetKind `json:"kind"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	CID          string    `json:"cid"`
	MetadataCID  string    `json:"metadata_cid,omitempty"`
	SourceCID    string    `json:"source_cid,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	TxRef        string    `json:"tx_ref"`
}
