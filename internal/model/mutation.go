package model

import (
	"fmt"
	"time"
)

// MutationToken pins a mutation to an exact position in a partition's history
type MutationToken struct {
	PartitionID   uint16 `json:"partition_id"`
	PartitionUUID uint64 `json:"partition_uuid"`
	SeqNo         uint64 `json:"seqno"`
	Bucket        string `json:"bucket"`
}

func (t MutationToken) String() string {
	return fmt.Sprintf("mt{%s,vb=%d,uuid=%d,seqno=%d}", t.Bucket, t.PartitionID, t.PartitionUUID, t.SeqNo)
}

// MutationOutcome is what the accepting node returned for a mutation
type MutationOutcome struct {
	Bucket   string         `json:"bucket"`
	Key      []byte         `json:"key"`
	CAS      uint64         `json:"cas"`
	Token    *MutationToken `json:"token,omitempty"`
	Node     NodeInfo       `json:"node"`
	Deletion bool           `json:"deletion"`
}

// MutationKind is the document operation sent to a node
type MutationKind string

const (
	MutationUpsert  MutationKind = "upsert"
	MutationInsert  MutationKind = "insert"
	MutationReplace MutationKind = "replace"
	MutationRemove  MutationKind = "remove"
	MutationTouch   MutationKind = "touch"
)

// IsDeletion reports whether the kind removes the document
func (k MutationKind) IsDeletion() bool {
	return k == MutationRemove
}

// Valid reports whether k is a known kind
func (k MutationKind) Valid() bool {
	switch k {
	case MutationUpsert, MutationInsert, MutationReplace, MutationRemove, MutationTouch:
		return true
	default:
		return false
	}
}

// MutationRequest is a single-document mutation plus its durability intent.
// DurabilityLevel is the level the node must enforce before replying; it is
// derived from Requirement when the mutation is sent.
type MutationRequest struct {
	Bucket          string                `json:"bucket"`
	Key             []byte                `json:"key"`
	Kind            MutationKind          `json:"kind"`
	Value           []byte                `json:"value,omitempty"`
	CAS             uint64                `json:"cas,omitempty"`
	Expiry          time.Duration         `json:"expiry,omitempty"`
	Partition       uint16                `json:"partition"`
	DurabilityLevel DurabilityLevel       `json:"durability_level,omitempty"`
	Requirement     DurabilityRequirement `json:"-"`
	Timeout         time.Duration         `json:"-"`
}

// MutationStatus is the node's status for a mutation
type MutationStatus string

const (
	StatusSuccess          MutationStatus = "SUCCESS"
	StatusNotFound         MutationStatus = "NOT_FOUND"
	StatusExists           MutationStatus = "EXISTS"
	StatusLocked           MutationStatus = "LOCKED"
	StatusTemporaryFailure MutationStatus = "TEMPORARY_FAILURE"
	StatusServerBusy       MutationStatus = "SERVER_BUSY"
	StatusOutOfMemory      MutationStatus = "OUT_OF_MEMORY"
	StatusNotMyPartition   MutationStatus = "NOT_MY_VBUCKET"
)

// MutationResponse is the raw node reply to a MutationRequest
type MutationResponse struct {
	Status MutationStatus `json:"status"`
	CAS    uint64         `json:"cas"`
	Token  *MutationToken `json:"token,omitempty"`
}
