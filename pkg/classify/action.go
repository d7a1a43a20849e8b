package classify

import "strings"

// Action is a rate-limitable API operation.
type Action string

const (
	ActionList     Action = "list"
	ActionDownload Action = "download"
	ActionRegister Action = "register"
	ActionUpload   Action = "upload"
	ActionUpdate   Action = "update"
)

// legacyPrefix is accepted in front of action names for compatibility with
// older configuration files (image_list, image_download, ...).
const legacyPrefix = "image_"

var allActions = []Action{ActionList, ActionDownload, ActionRegister, ActionUpload, ActionUpdate}

// Actions returns every known action in a stable order.
func Actions() []Action {
	out := make([]Action, len(allActions))
	copy(out, allActions)
	return out
}

// ParseAction resolves s to a known action. Legacy names such as
// "image_upload" resolve to their short form.
func ParseAction(s string) (Action, bool) {
	name := strings.TrimPrefix(s, legacyPrefix)
	for _, a := range allActions {
		if string(a) == name {
			return a, true
		}
	}
	return "", false
}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	_, ok := ParseAction(string(a))
	return ok && !strings.HasPrefix(string(a), legacyPrefix)
}

func (a Action) String() string {
	return string(a)
}
