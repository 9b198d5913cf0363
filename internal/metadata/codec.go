package metadata

import (
	"encoding/json"
	"fmt"

	"github.com/bilusteknoloji/pipg/internal/source"
	"github.com/bilusteknoloji/pipg/internal/version"
)

// candidateJSON is the on-disk shape for a Candidate: version.Version has
// no exported fields, so it round-trips through its canonical string form,
// and the winning source round-trips by name against the configured source
// list.
type candidateJSON struct {
	Version        string `json:"version"`
	Source         string `json:"source,omitempty"`
	Yanked         bool   `json:"yanked"`
	YankedReason   string `json:"yanked_reason,omitempty"`
	RequiresPython string `json:"requires_python,omitempty"`
	Files          []File `json:"files"`
}

func encodeCandidates(candidates []Candidate) (json.RawMessage, error) {
	out := make([]candidateJSON, len(candidates))
	for i, c := range candidates {
		out[i] = candidateJSON{
			Version:        c.Version.String(),
			Source:         c.Source.Name,
			Yanked:         c.Yanked,
			YankedReason:   c.YankedReason,
			RequiresPython: c.RequiresPython,
			Files:          c.Files,
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encoding candidates: %w", err)
	}

	return data, nil
}

func decodeCandidates(payload json.RawMessage, descriptorByName func(string) source.Descriptor) ([]Candidate, error) {
	var in []candidateJSON
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, fmt.Errorf("decoding cached candidates: %w", err)
	}

	out := make([]Candidate, 0, len(in))

	for _, c := range in {
		v, err := version.Parse(c.Version)
		if err != nil {
			continue
		}

		out = append(out, Candidate{
			Version:        v,
			Source:         descriptorByName(c.Source),
			Yanked:         c.Yanked,
			YankedReason:   c.YankedReason,
			RequiresPython: c.RequiresPython,
			Files:          c.Files,
		})
	}

	return out, nil
}
