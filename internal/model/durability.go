package model

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/devrev/pairdb/locator/internal/errors"
)

// PersistTo is the number of nodes that must have written a mutation to disk.
// PersistToMajority asks for a majority of the active node plus its replicas.
type PersistTo int

const (
	PersistToNone     PersistTo = 0
	PersistToOne      PersistTo = 1
	PersistToTwo      PersistTo = 2
	PersistToThree    PersistTo = 3
	PersistToFour     PersistTo = 4
	PersistToMajority PersistTo = -1
)

func (p PersistTo) String() string {
	if p == PersistToMajority {
		return "majority"
	}
	return strconv.Itoa(int(p))
}

// ReplicateTo is the number of replica nodes that must hold a mutation in memory
type ReplicateTo int

const (
	ReplicateToNone  ReplicateTo = 0
	ReplicateToOne   ReplicateTo = 1
	ReplicateToTwo   ReplicateTo = 2
	ReplicateToThree ReplicateTo = 3
)

func (r ReplicateTo) String() string {
	return strconv.Itoa(int(r))
}

// DurabilityLevel is a server-enforced durability level
type DurabilityLevel int

const (
	LevelNone DurabilityLevel = iota
	LevelMajority
	LevelMajorityAndPersistToActive
	LevelPersistToMajority
)

var levelNames = map[DurabilityLevel]string{
	LevelNone:                       "none",
	LevelMajority:                   "majority",
	LevelMajorityAndPersistToActive: "majority_and_persist_to_active",
	LevelPersistToMajority:          "persist_to_majority",
}

func (l DurabilityLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// MarshalText encodes the level by name on the wire
func (l DurabilityLevel) MarshalText() ([]byte, error) {
	if _, ok := levelNames[l]; !ok {
		return nil, fmt.Errorf("unknown durability level %d", int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText parses a level name
func (l *DurabilityLevel) UnmarshalText(text []byte) error {
	level, err := ParseDurabilityLevel(string(text))
	if err != nil {
		return err
	}
	*l = level
	return nil
}

// ParseDurabilityLevel accepts the snake_case level names
func ParseDurabilityLevel(s string) (DurabilityLevel, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for level, name := range levelNames {
		if name == want {
			return level, nil
		}
	}
	return LevelNone, errors.InvalidRequirement(fmt.Sprintf("unknown durability level %q", s))
}

// RequirementKind tags the variant held by a DurabilityRequirement
type RequirementKind int

const (
	RequirementNone RequirementKind = iota
	RequirementClientVerified
	RequirementSyncLevel
)

func (k RequirementKind) String() string {
	switch k {
	case RequirementClientVerified:
		return "client_verified"
	case RequirementSyncLevel:
		return "sync_level"
	default:
		return "none"
	}
}

// DurabilityRequirement is a closed variant: none, client-verified
// persist/replicate counts, or a server-enforced sync level. The two families
// can only be built through their own constructors and never mix.
type DurabilityRequirement struct {
	kind        RequirementKind
	persistTo   PersistTo
	replicateTo ReplicateTo
	level       DurabilityLevel
}

// NoDurability returns the empty requirement
func NoDurability() DurabilityRequirement {
	return DurabilityRequirement{}
}

// ClientVerified builds a requirement checked by polling observe.
// persistTo 0/0 collapses to NoDurability.
func ClientVerified(persistTo PersistTo, replicateTo ReplicateTo) (DurabilityRequirement, error) {
	if persistTo != PersistToMajority && (persistTo < PersistToNone || persistTo > PersistToFour) {
		return DurabilityRequirement{}, errors.InvalidRequirement(fmt.Sprintf("persist_to %d out of range", int(persistTo)))
	}
	if replicateTo < ReplicateToNone || replicateTo > ReplicateToThree {
		return DurabilityRequirement{}, errors.InvalidRequirement(fmt.Sprintf("replicate_to %d out of range", int(replicateTo)))
	}
	if persistTo == PersistToNone && replicateTo == ReplicateToNone {
		return NoDurability(), nil
	}
	return DurabilityRequirement{
		kind:        RequirementClientVerified,
		persistTo:   persistTo,
		replicateTo: replicateTo,
	}, nil
}

// SyncLevel builds a server-enforced requirement. LevelNone collapses to NoDurability.
func SyncLevel(level DurabilityLevel) (DurabilityRequirement, error) {
	if _, ok := levelNames[level]; !ok {
		return DurabilityRequirement{}, errors.InvalidRequirement(fmt.Sprintf("unknown durability level %d", int(level)))
	}
	if level == LevelNone {
		return NoDurability(), nil
	}
	return DurabilityRequirement{kind: RequirementSyncLevel, level: level}, nil
}

// MustClientVerified panics on invalid input; intended for constants and tests
func MustClientVerified(persistTo PersistTo, replicateTo ReplicateTo) DurabilityRequirement {
	req, err := ClientVerified(persistTo, replicateTo)
	if err != nil {
		panic(err)
	}
	return req
}

func (d DurabilityRequirement) Kind() RequirementKind   { return d.kind }
func (d DurabilityRequirement) PersistTo() PersistTo     { return d.persistTo }
func (d DurabilityRequirement) ReplicateTo() ReplicateTo { return d.replicateTo }
func (d DurabilityRequirement) Level() DurabilityLevel   { return d.level }

// IsNone reports whether no durability beyond the node's ack is requested
func (d DurabilityRequirement) IsNone() bool {
	return d.kind == RequirementNone
}

func (d DurabilityRequirement) String() string {
	switch d.kind {
	case RequirementClientVerified:
		return fmt.Sprintf("persist_to=%s,replicate_to=%s", d.persistTo, d.replicateTo)
	case RequirementSyncLevel:
		return "level=" + d.level.String()
	default:
		return "none"
	}
}

// ParsePersistTo accepts "majority" or a number 0..4
func ParsePersistTo(s string) (PersistTo, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PersistToNone, nil
	}
	if s == "majority" {
		return PersistToMajority, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > int(PersistToFour) {
		return PersistToNone, errors.InvalidRequirement(fmt.Sprintf("invalid persist_to %q", s))
	}
	return PersistTo(n), nil
}

// ParseReplicateTo accepts a number 0..3
func ParseReplicateTo(s string) (ReplicateTo, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ReplicateToNone, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > int(ReplicateToThree) {
		return ReplicateToNone, errors.InvalidRequirement(fmt.Sprintf("invalid replicate_to %q", s))
	}
	return ReplicateTo(n), nil
}

// RequirementSpec is the flat form of a requirement used in config files and
// HTTP bodies. Setting both families is rejected.
type RequirementSpec struct {
	PersistTo   string `json:"persist_to,omitempty" yaml:"persist_to,omitempty" mapstructure:"persist_to"`
	ReplicateTo string `json:"replicate_to,omitempty" yaml:"replicate_to,omitempty" mapstructure:"replicate_to"`
	Level       string `json:"level,omitempty" yaml:"level,omitempty" mapstructure:"level"`
}

// Requirement converts the flat form into a DurabilityRequirement
func (s RequirementSpec) Requirement() (DurabilityRequirement, error) {
	clientSet := s.PersistTo != "" || s.ReplicateTo != ""
	if clientSet && s.Level != "" {
		return DurabilityRequirement{}, errors.InvalidRequirement("persist_to/replicate_to and level are mutually exclusive")
	}
	if s.Level != "" {
		level, err := ParseDurabilityLevel(s.Level)
		if err != nil {
			return DurabilityRequirement{}, err
		}
		return SyncLevel(level)
	}
	persist, err := ParsePersistTo(s.PersistTo)
	if err != nil {
		return DurabilityRequirement{}, err
	}
	replicate, err := ParseReplicateTo(s.ReplicateTo)
	if err != nil {
		return DurabilityRequirement{}, err
	}
	return ClientVerified(persist, replicate)
}
