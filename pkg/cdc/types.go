package cdc

import "fmt"

// Mode selects which view of the change feed an iterator reads
type Mode string

const (
	// Incremental emits only the latest state of each changed record
	Incremental Mode = "incremental"
	// FullFidelity emits every discrete change together with the prior version
	FullFidelity Mode = "full_fidelity"
)

// Modes lists every supported feed mode in the order they are started
var Modes = []Mode{Incremental, FullFidelity}

// ParseMode converts a configuration string into a Mode
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case Incremental, FullFidelity:
		return Mode(s), nil
	case "fullfidelity", "full-fidelity":
		return FullFidelity, nil
	default:
		return "", fmt.Errorf("unknown change feed mode %q", s)
	}
}

// OperationType is the change tag carried in a full fidelity document's metadata
type OperationType string

const (
	OperationCreate  OperationType = "create"
	OperationReplace OperationType = "replace"
	OperationDelete  OperationType = "delete"
)

// Record is a stored item as emitted by the feed
type Record struct {
	ID         string  `json:"id"`
	Price      float64 `json:"price"`
	BuyerState string  `json:"buyerState"`
	// TTL in seconds; nil falls back to the container default
	TTL *int `json:"ttl,omitempty"`
}

// PartitionKey returns the value the store routes this record by
func (r Record) PartitionKey() string {
	return r.BuyerState
}

// Event is one item of a feed page. It is a closed set: Record for the
// incremental feed, Created, Replaced and Deleted for the full fidelity feed,
// and Malformed for documents that match no known shape.
type Event interface {
	isEvent()
}

// Created is a full fidelity insert. It never has a previous image.
type Created struct {
	Current Record
}

// Replaced is a full fidelity update. Previous is nil when the item was
// written before the feed started tracking its versions.
type Replaced struct {
	Current  Record
	Previous *Record
}

// Deleted is a full fidelity delete, explicit or caused by TTL expiry.
type Deleted struct {
	Previous   Record
	TTLExpired bool
}

// Malformed carries a document the store emitted that violates the event contract
type Malformed struct {
	Raw []byte
	Err error
}

func (Record) isEvent()    {}
func (Created) isEvent()   {}
func (Replaced) isEvent()  {}
func (Deleted) isEvent()   {}
func (Malformed) isEvent() {}

// Operation reports the full fidelity operation tag of an event.
// Incremental records and malformed documents report an empty tag.
func Operation(e Event) OperationType {
	switch e.(type) {
	case Created:
		return OperationCreate
	case Replaced:
		return OperationReplace
	case Deleted:
		return OperationDelete
	default:
		return ""
	}
}
