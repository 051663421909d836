package orchestrator

import "fmt"

// Phase is a stage of the overall migration.
type Phase string

const (
	PhaseInitial            Phase = "initial"
	PhaseSchemaExtracted    Phase = "schema_extracted"
	PhaseDataMigrated       Phase = "data_migrated"
	PhaseUsersMigrated      Phase = "users_migrated"
	PhaseFilesMigrated      Phase = "files_migrated"
	PhaseValidationComplete Phase = "validation_complete"
	PhaseProductionReady    Phase = "production_ready"
)

// Phases lists every phase in order.
var Phases = []Phase{
	PhaseInitial,
	PhaseSchemaExtracted,
	PhaseDataMigrated,
	PhaseUsersMigrated,
	PhaseFilesMigrated,
	PhaseValidationComplete,
	PhaseProductionReady,
}

// ParsePhase validates s.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if p.Index() < 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhase, s)
	}
	return p, nil
}

// Index is the position of p in Phases, or -1.
func (p Phase) Index() int {
	for i, q := range Phases {
		if q == p {
			return i
		}
	}
	return -1
}

// Next returns the phase after p and false when p is the last or unknown.
func (p Phase) Next() (Phase, bool) {
	i := p.Index()
	if i < 0 || i == len(Phases)-1 {
		return "", false
	}
	return Phases[i+1], true
}

func (p Phase) String() string { return string(p) }
