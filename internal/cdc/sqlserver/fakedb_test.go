package sqlserver

import (
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

// fakeCDC serves the queries the store issues against a CDC change table
type fakeCDC struct {
	mu       sync.Mutex
	rows     []changeRow
	queries  []string
	failNext error
}

var (
	fakeMu  sync.Mutex
	fakeDBs = map[string]*fakeCDC{}
	fakeSeq int

	topPattern = regexp.MustCompile(`TOP\((\d+)\)`)
	opsPattern = regexp.MustCompile(`__\$operation IN \(([\d, ]+)\)`)
)

func init() {
	sql.Register("fakecdc", fakeDriver{})
}

// newFakeStore returns a store whose table "orders" is served by a fakeCDC
func newFakeStore(t *testing.T) (*Store, *fakeCDC) {
	t.Helper()
	fake := &fakeCDC{}

	fakeMu.Lock()
	fakeSeq++
	dsn := fmt.Sprintf("cdc-%d", fakeSeq)
	fakeDBs[dsn] = fake
	fakeMu.Unlock()

	conn, err := sql.Open("fakecdc", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &Store{db: conn, table: "orders", maxPageBytes: StandardSKULimit, log: hclog.NewNullLogger()}, fake
}

func (f *fakeCDC) add(rows ...changeRow) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, rows...)
	sort.SliceStable(f.rows, func(i, j int) bool {
		a, b := f.rows[i], f.rows[j]
		if c := bytes.Compare(a.pos.LSN, b.pos.LSN); c != 0 {
			return c < 0
		}
		if c := bytes.Compare(a.pos.Seq, b.pos.Seq); c != 0 {
			return c < 0
		}
		return a.op < b.op
	})
}

func (f *fakeCDC) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = err
}

func (f *fakeCDC) queryCount(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, q := range f.queries {
		if strings.Contains(q, substr) {
			n++
		}
	}
	return n
}

var changeColumns = []string{"__$start_lsn", "__$seqval", "__$operation", "id", "buyer_state", "price"}

func (f *fakeCDC) query(query string, args []driver.NamedValue) (driver.Rows, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	if err := f.failNext; err != nil {
		f.failNext = nil
		return nil, err
	}

	named := make(map[string][]byte)
	for _, a := range args {
		if b, ok := a.Value.([]byte); ok {
			named[a.Name] = b
		}
	}

	switch {
	case strings.Contains(query, "sys.fn_cdc_get_max_lsn"):
		var maxLSN []byte
		if len(f.rows) > 0 {
			maxLSN = f.rows[len(f.rows)-1].pos.LSN
		}
		return &fakeRows{cols: []string{"max_lsn"}, vals: [][]driver.Value{{maxLSN}}}, nil

	case strings.Contains(query, "__$operation = 4"):
		var out [][]driver.Value
		for _, r := range f.rows {
			if r.op == opUpdateAfter && bytes.Equal(r.pos.LSN, named["lsn"]) && bytes.Equal(r.pos.Seq, named["seq"]) {
				out = append(out, values(r))
			}
		}
		return &fakeRows{cols: changeColumns, vals: out}, nil

	case strings.Contains(query, "@lastLSN"):
		top := topOf(query)
		ops := make(map[int]bool)
		if m := opsPattern.FindStringSubmatch(query); m != nil {
			for _, s := range strings.Split(m[1], ",") {
				op, _ := strconv.Atoi(strings.TrimSpace(s))
				ops[op] = true
			}
		}
		after := position{LSN: named["lastLSN"], Seq: named["lastSeq"]}
		var out [][]driver.Value
		for _, r := range f.rows {
			if len(out) == top {
				break
			}
			if ops[r.op] && isAfter(r.pos, after) {
				out = append(out, values(r))
			}
		}
		return &fakeRows{cols: changeColumns, vals: out}, nil

	default:
		// Latest rows first, for sampling
		top := topOf(query)
		var out [][]driver.Value
		for i := len(f.rows) - 1; i >= 0 && len(out) < top; i-- {
			out = append(out, values(f.rows[i]))
		}
		return &fakeRows{cols: changeColumns, vals: out}, nil
	}
}

func topOf(query string) int {
	m := topPattern.FindStringSubmatch(query)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

func isAfter(p, after position) bool {
	if c := bytes.Compare(p.LSN, after.LSN); c != 0 {
		return c > 0
	}
	return bytes.Compare(p.Seq, after.Seq) > 0
}

func values(r changeRow) []driver.Value {
	return []driver.Value{r.pos.LSN, r.pos.Seq, int64(r.op), r.rec.ID, r.rec.BuyerState, r.rec.Price}
}

type fakeDriver struct{}

func (fakeDriver) Open(dsn string) (driver.Conn, error) {
	fakeMu.Lock()
	defer fakeMu.Unlock()
	fake, ok := fakeDBs[dsn]
	if !ok {
		return nil, fmt.Errorf("unknown fake database %q", dsn)
	}
	return &fakeConn{cdc: fake}, nil
}

type fakeConn struct {
	cdc *fakeCDC
}

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) {
	return nil, errors.New("prepared statements are not supported")
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) Begin() (driver.Tx, error) {
	return nil, errors.New("transactions are not supported")
}

func (c *fakeConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	return c.cdc.query(query, args)
}

type fakeRows struct {
	cols []string
	vals [][]driver.Value
	next int
}

func (r *fakeRows) Columns() []string { return r.cols }

func (r *fakeRows) Close() error { return nil }

func (r *fakeRows) Next(dest []driver.Value) error {
	if r.next >= len(r.vals) {
		return io.EOF
	}
	copy(dest, r.vals[r.next])
	r.next++
	return nil
}
