package cdc

import "fmt"

// ChangeKind classifies an interpreted change
type ChangeKind string

const (
	KindUpsert ChangeKind = "upsert"
	KindDelete ChangeKind = "delete"
	KindExpire ChangeKind = "expire"
)

// InterpretedChange is the structured result of interpreting one feed event:
// Upsert, DeleteExplicit or DeleteByExpiry.
type InterpretedChange interface {
	Kind() ChangeKind
	// Key is the id of the affected record
	Key() string
	isInterpretedChange()
}

// Upsert is a create or replace. Operation is empty for incremental records.
type Upsert struct {
	Operation OperationType
	Current   Record
	Previous  *Record
}

// DeleteExplicit is a delete issued by a client
type DeleteExplicit struct {
	Previous Record
}

// DeleteByExpiry is a delete the store issued because the record's TTL elapsed
type DeleteByExpiry struct {
	Previous Record
}

func (Upsert) Kind() ChangeKind         { return KindUpsert }
func (DeleteExplicit) Kind() ChangeKind { return KindDelete }
func (DeleteByExpiry) Kind() ChangeKind { return KindExpire }

func (u Upsert) Key() string         { return u.Current.ID }
func (d DeleteExplicit) Key() string { return d.Previous.ID }
func (d DeleteByExpiry) Key() string { return d.Previous.ID }

func (Upsert) isInterpretedChange()         {}
func (DeleteExplicit) isInterpretedChange() {}
func (DeleteByExpiry) isInterpretedChange() {}

// Interpret classifies a feed event. It has no side effects.
func Interpret(e Event) (InterpretedChange, error) {
	switch v := e.(type) {
	case Record:
		return Upsert{Current: v}, nil
	case Created:
		return Upsert{Operation: OperationCreate, Current: v.Current}, nil
	case Replaced:
		return Upsert{Operation: OperationReplace, Current: v.Current, Previous: v.Previous}, nil
	case Deleted:
		if v.TTLExpired {
			return DeleteByExpiry{Previous: v.Previous}, nil
		}
		return DeleteExplicit{Previous: v.Previous}, nil
	case Malformed:
		return nil, &MalformedEventError{Raw: v.Raw, Cause: v.Err}
	case nil:
		return nil, &MalformedEventError{Cause: fmt.Errorf("nil event")}
	default:
		return nil, &MalformedEventError{Cause: fmt.Errorf("unsupported event type %T", e)}
	}
}

// Describe renders a change as a single operator-facing line
func Describe(c InterpretedChange) string {
	switch v := c.(type) {
	case Upsert:
		if v.Operation == "" {
			return fmt.Sprintf("Change in item: %s. New price: %s.", v.Current.ID, formatPrice(v.Current.Price))
		}
		if v.Previous == nil {
			return fmt.Sprintf("Operation: %s. Item id: %s. Current price: %s",
				v.Operation, v.Current.ID, formatPrice(v.Current.Price))
		}
		return fmt.Sprintf("Operation: %s. Item id: %s. Current price: %s. Previous price: %s",
			v.Operation, v.Current.ID, formatPrice(v.Current.Price), formatPrice(v.Previous.Price))
	case DeleteByExpiry:
		return fmt.Sprintf("Operation: delete (due to TTL). Item id: %s. Previous price: %s",
			v.Previous.ID, formatPrice(v.Previous.Price))
	case DeleteExplicit:
		return fmt.Sprintf("Operation: delete (not due to TTL). Item id: %s. Previous price: %s",
			v.Previous.ID, formatPrice(v.Previous.Price))
	default:
		return fmt.Sprintf("unknown change %T", c)
	}
}

func formatPrice(p float64) string {
	return fmt.Sprintf("%.2f", p)
}
