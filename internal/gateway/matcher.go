package gateway

// RecognizedFilterKeys are the assignment attributes a client may filter
// on. Filters carrying other keys are stored as given but can never
// match an event (events only publish recognized attributes), so
// unknown keys fail closed.
var RecognizedFilterKeys = map[string]struct{}{
	"direction": {},
	"status":    {},
	"ramp_id":   {},
	"carrier":   {},
}

// Matches decides whether a connection's filter set selects an event.
//
// An empty filter map means receive-all. Otherwise every filter key must
// be present in the event attributes with an exactly equal value; a
// missing attribute fails that key.
func Matches(filters, attributes map[string]string) bool {
	if len(filters) == 0 {
		return true
	}
	for key, want := range filters {
		got, ok := attributes[key]
		if !ok || got != want {
			return false
		}
	}
	return true
}
