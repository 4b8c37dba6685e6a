package cdc

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// changeDocument is the wire shape of a full fidelity item
type changeDocument struct {
	Record
	Metadata *changeMetadata `json:"_metadata,omitempty"`
}

type changeMetadata struct {
	OperationType     OperationType `json:"operationType"`
	TimeToLiveExpired bool          `json:"timeToLiveExpired,omitempty"`
	PreviousImage     *Record       `json:"previousImage,omitempty"`
}

// DecodeChangeDocument turns a full fidelity wire document into an Event.
// It never fails: documents that break the contract come back as Malformed.
func DecodeChangeDocument(raw []byte) Event {
	var doc changeDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return malformed(raw, fmt.Errorf("decode document: %w", err))
	}
	if doc.Metadata == nil {
		return malformed(raw, fmt.Errorf("document %q has no _metadata", doc.ID))
	}

	md := doc.Metadata
	switch md.OperationType {
	case OperationCreate:
		if md.PreviousImage != nil {
			return malformed(raw, fmt.Errorf("create of %q carries a previous image", doc.ID))
		}
		return Created{Current: doc.Record}
	case OperationReplace:
		return Replaced{Current: doc.Record, Previous: md.PreviousImage}
	case OperationDelete:
		if md.PreviousImage == nil {
			return malformed(raw, fmt.Errorf("delete of %q has no previous image", doc.ID))
		}
		return Deleted{Previous: *md.PreviousImage, TTLExpired: md.TimeToLiveExpired}
	default:
		return malformed(raw, fmt.Errorf("unknown operationType %q", md.OperationType))
	}
}

// DecodeRecord decodes an incremental feed item
func DecodeRecord(raw []byte) Event {
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return malformed(raw, fmt.Errorf("decode record: %w", err))
	}
	return r
}

// EncodeChangeDocument renders an event in its wire shape
func EncodeChangeDocument(e Event) ([]byte, error) {
	var doc changeDocument
	switch v := e.(type) {
	case Record:
		return json.Marshal(v)
	case Created:
		doc = changeDocument{Record: v.Current, Metadata: &changeMetadata{OperationType: OperationCreate}}
	case Replaced:
		doc = changeDocument{Record: v.Current, Metadata: &changeMetadata{OperationType: OperationReplace, PreviousImage: v.Previous}}
	case Deleted:
		prev := v.Previous
		// Deletes carry only the id and partition key at the top level
		doc = changeDocument{
			Record:   Record{ID: prev.ID, BuyerState: prev.BuyerState},
			Metadata: &changeMetadata{OperationType: OperationDelete, TimeToLiveExpired: v.TTLExpired, PreviousImage: &prev},
		}
	case Malformed:
		return nil, fmt.Errorf("cannot encode malformed event: %w", v.Err)
	default:
		return nil, fmt.Errorf("unsupported event type %T", e)
	}
	return json.Marshal(doc)
}

func malformed(raw []byte, err error) Malformed {
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return Malformed{Raw: cp, Err: err}
}
