package eventbus

import "encoding/json"

// CurrentSchemaVersion is stamped onto every event this build
// serializes. Consumers reading an older or newer version must ignore
// fields they don't recognize, per spec §6.
const CurrentSchemaVersion = 1

// Serializer encodes/decodes Event payloads to the versioned JSON
// schema persisted by EventStore and used over replay.
type Serializer struct{}

// NewSerializer builds the default JSON serializer.
func NewSerializer() *Serializer {
	return &Serializer{}
}

// Encode marshals an Event to its persisted JSON line form.
func (s *Serializer) Encode(evt Event) ([]byte, error) {
	if evt.SchemaVersion == 0 {
		evt.SchemaVersion = CurrentSchemaVersion
	}
	return json.Marshal(evt)
}

// Decode unmarshals a persisted JSON line back into an Event. Unknown
// fields are ignored by encoding/json's default behavior, satisfying
// the "consumers must ignore unknown fields" requirement.
func (s *Serializer) Decode(data []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, err
	}
	return evt, nil
}
