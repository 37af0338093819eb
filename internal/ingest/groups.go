package ingest

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrInvalidGroups is returned for an unusable capability grouping.
var ErrInvalidGroups = errors.New("invalid capability groups")

// DivideIntoGroups deals identities round-robin into n groups: identity i goes
// to group i mod n. Groups may be empty when there are fewer identities than
// groups.
func DivideIntoGroups(identities []string, n int) ([][]string, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: group count must be positive, got %d", ErrInvalidGroups, n)
	}
	if len(identities) == 0 {
		return nil, ErrNoIdentity
	}

	groups := make([][]string, n)
	for i := range groups {
		groups[i] = []string{}
	}
	for i, identity := range identities {
		groups[i%n] = append(groups[i%n], identity)
	}
	return groups, nil
}

// groupsFile is the YAML layout of an explicit capability grouping:
//
//	agents:
//	  - identities: [alice@example.com, bob@example.com]
//	  - identities: [carol@example.com]
type groupsFile struct {
	Agents []struct {
		Identities []string `yaml:"identities"`
	} `yaml:"agents"`
}

// LoadGroups reads an explicit capability grouping from a YAML file.
func LoadGroups(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open groups file: %w", err)
	}
	defer f.Close()

	groups, err := ParseGroups(f)
	if err != nil {
		return nil, fmt.Errorf("parse groups file %s: %w", path, err)
	}
	return groups, nil
}

// ParseGroups decodes a YAML capability grouping. Agent i of the result
// receives the i-th entry's identities.
func ParseGroups(r io.Reader) ([][]string, error) {
	var gf groupsFile
	if err := yaml.NewDecoder(r).Decode(&gf); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if len(gf.Agents) == 0 {
		return nil, fmt.Errorf("%w: no agents defined", ErrInvalidGroups)
	}

	groups := make([][]string, len(gf.Agents))
	for i, a := range gf.Agents {
		for _, identity := range a.Identities {
			if identity == "" {
				return nil, fmt.Errorf("%w: agent %d has an empty identity", ErrInvalidGroups, i)
			}
		}
		groups[i] = append([]string{}, a.Identities...)
	}
	return groups, nil
}
