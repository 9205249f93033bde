package action

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/g960059/devhook/internal/model"
)

// PersistedAction is one entry of the action file as written by the
// configuration editor.
type PersistedAction struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

// PersistedMap is the on-disk layout: device id -> "connect"/"disconnect" -> action.
type PersistedMap map[string]map[string]PersistedAction

// Issue describes an entry that will not run as configured.
type Issue struct {
	Device     string
	Transition string
	Type       string
	Reason     string
}

func (i Issue) Error() string {
	return fmt.Sprintf("%s: device=%q transition=%q type=%q: %s", model.ErrActionMap, i.Device, i.Transition, i.Type, i.Reason)
}

// Decode parses raw JSON into an action map. Entries under unknown
// transition keys or with an empty path are dropped. Entries with an
// unrecognized type are kept so the executor can reject them as a no-op
// at dispatch time; all of these are reported as issues.
func Decode(raw []byte) (model.ActionMap, []Issue, error) {
	var persisted PersistedMap
	if len(strings.TrimSpace(string(raw))) == 0 {
		return model.ActionMap{}, nil, nil
	}
	if err := json.Unmarshal(raw, &persisted); err != nil {
		return nil, nil, fmt.Errorf("%w: decode action file: %w", model.ErrActionMap, err)
	}
	m, issues := Convert(persisted)
	return m, issues, nil
}

func Convert(persisted PersistedMap) (model.ActionMap, []Issue) {
	out := make(model.ActionMap, len(persisted))
	var issues []Issue
	for _, device := range sortedKeys(persisted) {
		byTransition := persisted[device]
		for _, transition := range sortedKeys(byTransition) {
			entry := byTransition[transition]
			kind := model.TransitionKind(transition)
			if !kind.Valid() {
				issues = append(issues, Issue{Device: device, Transition: transition, Type: entry.Type, Reason: "unknown transition"})
				continue
			}
			if strings.TrimSpace(entry.Path) == "" {
				issues = append(issues, Issue{Device: device, Transition: transition, Type: entry.Type, Reason: "empty path"})
				continue
			}
			actionKind := model.ActionKind(entry.Type)
			if !actionKind.Valid() {
				issues = append(issues, Issue{Device: device, Transition: transition, Type: entry.Type, Reason: "unrecognized action type"})
			}
			id := model.DeviceIdentity(device)
			if out[id] == nil {
				out[id] = map[model.TransitionKind]model.ActionSpec{}
			}
			out[id][kind] = model.ActionSpec{Kind: actionKind, Target: entry.Path}
		}
	}
	return out, issues
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
