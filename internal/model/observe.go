package model

// ObserveTarget addresses one observe check. Replica is 0 for the active
// node and 1..3 for replicas.
type ObserveTarget struct {
	Bucket    string         `json:"bucket"`
	Node      NodeInfo       `json:"node"`
	Key       []byte         `json:"key"`
	Partition uint16         `json:"partition"`
	Replica   int            `json:"replica"`
	Token     *MutationToken `json:"token,omitempty"`
}

// IsActive reports whether the target is the partition's active copy
func (t ObserveTarget) IsActive() bool {
	return t.Replica == 0
}

// ObserveResult is one node's report for a key. When the request carried a
// mutation token the sequence number fields are filled instead of CAS.
type ObserveResult struct {
	Node           NodeInfo `json:"node"`
	NotMyPartition bool     `json:"not_my_partition"`
	Persisted      bool     `json:"persisted"`
	KeyExists      bool     `json:"key_exists"`
	CAS            uint64   `json:"cas"`

	PartitionUUID  uint64 `json:"partition_uuid,omitempty"`
	CurrentSeqNo   uint64 `json:"current_seqno,omitempty"`
	PersistedSeqNo uint64 `json:"persisted_seqno,omitempty"`
	FailedOver     bool   `json:"failed_over,omitempty"`
	LastSeqNo      uint64 `json:"last_seqno,omitempty"`
}
