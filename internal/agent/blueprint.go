package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/ntheanh201/vibesdk/internal/core"
)

var projectNameRe = regexp.MustCompile(`^[a-z0-9-_]{3,50}$`)

// UpdateBlueprint applies a partial patch to the blueprint. Keys outside
// the allow-list are rejected so callers cannot smuggle a rename or replace
// the initial phase through this path.
func (a *Agent) UpdateBlueprint(patch map[string]json.RawMessage) (*core.Blueprint, error) {
	for key := range patch {
		if !core.BlueprintPatchAllowedKeys[key] {
			return nil, core.ErrValidation("BLUEPRINT_KEY", fmt.Sprintf("blueprint key %q is not patchable", key))
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.Blueprint == nil {
		return nil, core.ErrValidation("NO_BLUEPRINT", "agent has no blueprint yet")
	}

	merged, err := json.Marshal(a.state.Blueprint)
	if err != nil {
		return nil, err
	}
	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(merged, &asMap); err != nil {
		return nil, err
	}
	for key, value := range patch {
		asMap[key] = value
	}
	remerged, err := json.Marshal(asMap)
	if err != nil {
		return nil, err
	}

	var updated core.Blueprint
	if err := json.Unmarshal(remerged, &updated); err != nil {
		return nil, core.ErrValidation("BLUEPRINT_PATCH", "patch produced an invalid blueprint").WithCause(err)
	}

	a.state.Blueprint = &updated
	a.state.UpdatedAt = time.Now()
	return &updated, nil
}

// UpdateProjectName renames the project, cascading the new name into the
// blueprint and sandbox metadata.
func (a *Agent) UpdateProjectName(name string) error {
	if !projectNameRe.MatchString(name) {
		return core.ErrValidation("PROJECT_NAME", "project name must be 3-50 chars of lowercase letters, digits, dashes or underscores")
	}

	a.mu.Lock()
	a.state.ProjectName = name
	if a.state.Blueprint != nil {
		a.state.Blueprint.ProjectName = name
	}
	a.state.UpdatedAt = time.Now()
	a.mu.Unlock()

	meta, err := a.sb.Metadata()
	if err != nil {
		a.logger.Warn("reading sandbox metadata failed", "error", err)
		return nil
	}
	meta.ProjectName = name
	if err := a.sb.Deploy(nil, meta); err != nil {
		a.logger.Warn("writing sandbox metadata failed", "error", err)
	}
	return nil
}
