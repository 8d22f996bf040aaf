package pool

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/devicelab-dev/simfleet/types"
)

// SimRecord is the persisted record for one simulator. It extends
// types.SimulatorInfo with the allocation fingerprint and the active lease.
//
// The lease lives in the record, not in process memory, so exclusivity
// holds across CLI invocations: the index flock serializes every
// acquire/release/evict decision.
type SimRecord struct {
	types.SimulatorInfo

	// Fingerprint is the allocation key of the record's configuration.
	// Set at create time and refreshed on release, since interaction steps
	// may have changed the configuration during the lease.
	Fingerprint string `json:"fingerprint"`

	// Lease is the active lease, nil while the simulator is idle.
	// At most one lease references a simulator at any instant.
	Lease *types.Lease `json:"lease,omitempty"`
}

// Index is the top-level DB structure for the pool.
type Index struct {
	Simulators map[string]*SimRecord `json:"simulators"`
	Names      map[string]string     `json:"names"` // name → simulator ID
}

// Init implements storage.Initer: initialises nil maps after deserialization.
func (idx *Index) Init() {
	if idx.Simulators == nil {
		idx.Simulators = make(map[string]*SimRecord)
	}
	if idx.Names == nil {
		idx.Names = make(map[string]string)
	}
}

// active counts records occupying pool capacity (everything not deleted).
func (idx *Index) active() int {
	n := 0
	for _, rec := range idx.Simulators {
		if rec != nil && rec.State != types.StateDeleted {
			n++
		}
	}
	return n
}

// GenerateID returns a random 16-character hex string (8 bytes of entropy).
func GenerateID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}

// ResolveRef resolves a user-supplied reference (exact ID, name, or ID
// prefix) to a full simulator ID. Resolution order: exact ID → name → ID
// prefix (≥3 chars).
func ResolveRef(idx *Index, ref string) (string, error) {
	// 1. Exact ID match.
	if idx.Simulators[ref] != nil {
		return ref, nil
	}
	// 2. Name index match.
	if id, ok := idx.Names[ref]; ok && idx.Simulators[id] != nil {
		return id, nil
	}
	// 3. ID prefix match (require ≥3 chars to avoid overly broad matches).
	if len(ref) >= 3 {
		var match string
		for id := range idx.Simulators {
			if strings.HasPrefix(id, ref) {
				if match != "" {
					return "", fmt.Errorf("ambiguous ref %q: multiple matches", ref)
				}
				match = id
			}
		}
		if match != "" {
			return match, nil
		}
	}
	return "", types.ErrNotFound
}
