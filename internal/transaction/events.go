package transaction

// Event types sent by CodeTime editor clients to the event-log endpoint.
const (
	EventActivateFileChanged       = "activateFileChanged"
	EventEditorChanged             = "editorChanged"
	EventFileSaved                 = "fileSaved"
	EventFileAddedLine             = "fileAddedLine"
	EventFileCreated               = "fileCreated"
	EventFileEdited                = "fileEdited"
	EventChangeEditorSelection     = "changeEditorSelection"
	EventChangeEditorVisibleRanges = "changeEditorVisibleRanges"
)

var knownEventTypes = map[string]struct{}{
	EventActivateFileChanged:       {},
	EventEditorChanged:             {},
	EventFileSaved:                 {},
	EventFileAddedLine:             {},
	EventFileCreated:               {},
	EventFileEdited:                {},
	EventChangeEditorSelection:     {},
	EventChangeEditorVisibleRanges: {},
}

// IsKnownEventType reports whether s is one of the documented event types.
func IsKnownEventType(s string) bool {
	_, ok := knownEventTypes[s]
	return ok
}
