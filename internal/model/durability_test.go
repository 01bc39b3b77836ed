package model

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/pairdb/locator/internal/errors"
)

func TestClientVerified(t *testing.T) {
	req, err := ClientVerified(PersistToOne, ReplicateToTwo)
	require.NoError(t, err)
	assert.Equal(t, RequirementClientVerified, req.Kind())
	assert.Equal(t, PersistToOne, req.PersistTo())
	assert.Equal(t, ReplicateToTwo, req.ReplicateTo())
	assert.Equal(t, "persist_to=1,replicate_to=2", req.String())

	req, err = ClientVerified(PersistToNone, ReplicateToNone)
	require.NoError(t, err)
	assert.True(t, req.IsNone())

	_, err = ClientVerified(PersistTo(7), ReplicateToNone)
	assert.True(t, stderrors.Is(err, errors.ErrInvalidRequirement))

	_, err = ClientVerified(PersistToOne, ReplicateTo(4))
	assert.True(t, stderrors.Is(err, errors.ErrInvalidRequirement))
}

func TestSyncLevel(t *testing.T) {
	req, err := SyncLevel(LevelMajority)
	require.NoError(t, err)
	assert.Equal(t, RequirementSyncLevel, req.Kind())
	assert.Equal(t, LevelMajority, req.Level())
	assert.Equal(t, PersistToNone, req.PersistTo())

	req, err = SyncLevel(LevelNone)
	require.NoError(t, err)
	assert.True(t, req.IsNone())

	_, err = SyncLevel(DurabilityLevel(42))
	assert.Error(t, err)
}

func TestDurabilityLevel_Text(t *testing.T) {
	text, err := LevelPersistToMajority.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "persist_to_majority", string(text))

	var level DurabilityLevel
	require.NoError(t, level.UnmarshalText([]byte("majority")))
	assert.Equal(t, LevelMajority, level)

	assert.Error(t, level.UnmarshalText([]byte("all")))
	_, err = DurabilityLevel(42).MarshalText()
	assert.Error(t, err)
}

func TestRequirementSpec(t *testing.T) {
	tests := []struct {
		name    string
		spec    RequirementSpec
		kind    RequirementKind
		wantErr bool
	}{
		{name: "empty", spec: RequirementSpec{}, kind: RequirementNone},
		{name: "majority persist", spec: RequirementSpec{PersistTo: "majority"}, kind: RequirementClientVerified},
		{name: "replicate only", spec: RequirementSpec{ReplicateTo: "1"}, kind: RequirementClientVerified},
		{name: "level", spec: RequirementSpec{Level: "persist_to_majority"}, kind: RequirementSyncLevel},
		{name: "mixed families", spec: RequirementSpec{PersistTo: "1", Level: "majority"}, wantErr: true},
		{name: "bad number", spec: RequirementSpec{PersistTo: "five"}, wantErr: true},
		{name: "bad level", spec: RequirementSpec{Level: "all"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := tt.spec.Requirement()
			if tt.wantErr {
				assert.True(t, stderrors.Is(err, errors.ErrInvalidRequirement))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, req.Kind())
		})
	}
}

func TestNodeInfoAddress(t *testing.T) {
	n := NodeInfo{Hostname: "10.0.0.1", Ports: map[string]int{ServiceKV: 11210, ServiceMgmt: 8091}}
	assert.Equal(t, "10.0.0.1:11210", n.KVAddress())
	assert.Equal(t, "10.0.0.1:8091", n.Address(ServiceMgmt))
	assert.Equal(t, 0, n.Port("query"))
	assert.True(t, n.Equal(NodeInfo{Hostname: "10.0.0.1", Ports: map[string]int{ServiceKV: 11210, ServiceMgmt: 8091}}))
	assert.False(t, n.Equal(NodeInfo{Hostname: "10.0.0.1", Ports: map[string]int{ServiceKV: 11210}}))
}
