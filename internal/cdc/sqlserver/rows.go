package sqlserver

import (
	"bytes"
	"fmt"

	"github.com/katasec/dstream-ingester-changefeed/pkg/cdc"
)

// SQL Server CDC __$operation codes
const (
	opDelete       = 1
	opInsert       = 2
	opUpdateBefore = 3
	opUpdateAfter  = 4
)

// changeRow is one row of a CDC change table
type changeRow struct {
	pos position
	op  int
	rec cdc.Record
}

func getOperationType(op int) (cdc.OperationType, bool) {
	switch op {
	case opInsert:
		return cdc.OperationCreate, true
	case opUpdateBefore, opUpdateAfter:
		return cdc.OperationReplace, true
	case opDelete:
		return cdc.OperationDelete, true
	default:
		return "", false
	}
}

// assembleFullFidelity turns change rows into one event per change. An update
// is the before-image row (3) followed by the after-image row (4) sharing the
// same LSN and seqval.
func assembleFullFidelity(rows []changeRow) []cdc.Event {
	events := make([]cdc.Event, 0, len(rows))
	var before *changeRow
	for i := range rows {
		row := rows[i]
		if _, ok := getOperationType(row.op); !ok {
			events = append(events, malformedRow(row, fmt.Errorf("unknown CDC operation %d", row.op)))
			continue
		}

		if before != nil && row.op != opUpdateAfter {
			events = append(events, malformedRow(*before, fmt.Errorf("update before-image without after-image")))
			before = nil
		}

		switch row.op {
		case opInsert:
			events = append(events, cdc.Created{Current: row.rec})
		case opDelete:
			events = append(events, cdc.Deleted{Previous: row.rec})
		case opUpdateBefore:
			before = &rows[i]
		case opUpdateAfter:
			var prev *cdc.Record
			if before != nil && samePosition(before.pos, row.pos) {
				p := before.rec
				prev = &p
			}
			before = nil
			events = append(events, cdc.Replaced{Current: row.rec, Previous: prev})
		}
	}
	if before != nil {
		events = append(events, malformedRow(*before, fmt.Errorf("update before-image without after-image")))
	}
	return events
}

// assembleIncremental keeps the latest state of each record, ordered by the
// position of that latest change. Records whose latest change is a delete are dropped.
func assembleIncremental(rows []changeRow) []cdc.Event {
	type key struct{ pk, id string }

	last := make(map[key]int)
	for i, row := range rows {
		if row.op == opUpdateBefore {
			continue
		}
		if _, ok := getOperationType(row.op); !ok {
			continue
		}
		last[key{pk: row.rec.BuyerState, id: row.rec.ID}] = i
	}

	var events []cdc.Event
	for i, row := range rows {
		if j, ok := last[key{pk: row.rec.BuyerState, id: row.rec.ID}]; !ok || j != i {
			continue
		}
		if row.op == opDelete {
			continue
		}
		events = append(events, row.rec)
	}
	return events
}

func samePosition(a, b position) bool {
	return bytes.Equal(a.LSN, b.LSN) && bytes.Equal(a.Seq, b.Seq)
}

func malformedRow(row changeRow, err error) cdc.Malformed {
	raw := []byte(fmt.Sprintf(`{"lsn":%q,"operation":%d,"id":%q}`, row.pos.String(), row.op, row.rec.ID))
	return cdc.Malformed{Raw: raw, Err: err}
}
