package query

import (
	"github.com/INLOpen/nexusdb/core"
	"github.com/RoaringBitmap/roaring"
)

// InnerJoinOperator is a nested loop join on one equality condition. The
// right input is read into memory on the first call to Next.
type InnerJoinOperator struct {
	left, right Operator
	leftKey     int
	rightKey    int
	cols        []ColumnRef

	loaded    bool
	rightRows []core.Row
	rightLen  int
	current   core.Row
	pos       int
	matched   *roaring.Bitmap
}

// NewInnerJoinOperator joins rows where left.leftKey = right.rightKey.
func NewInnerJoinOperator(left, right Operator, leftKey, rightKey Col) (*InnerJoinOperator, error) {
	li, err := resolve(left.Columns(), leftKey)
	if err != nil {
		return nil, err
	}
	ri, err := resolve(right.Columns(), rightKey)
	if err != nil {
		return nil, err
	}
	cols := make([]ColumnRef, 0, len(left.Columns())+len(right.Columns()))
	cols = append(cols, left.Columns()...)
	cols = append(cols, right.Columns()...)
	return &InnerJoinOperator{
		left:     left,
		right:    right,
		leftKey:  li,
		rightKey: ri,
		cols:     cols,
		matched:  roaring.New(),
	}, nil
}

func (j *InnerJoinOperator) load() error {
	rows, err := Drain(j.right)
	if err != nil {
		return err
	}
	j.rightRows = rows
	j.rightLen = len(rows)
	j.loaded = true
	return nil
}

func (j *InnerJoinOperator) Next() (core.Row, bool, error) {
	if !j.loaded {
		if err := j.load(); err != nil {
			return nil, false, err
		}
	}
	for {
		if j.current == nil {
			row, ok, err := j.left.Next()
			if err != nil || !ok {
				return nil, false, err
			}
			j.current = row
			j.pos = 0
		}
		lk := j.current[j.leftKey]
		for j.pos < len(j.rightRows) {
			i := j.pos
			j.pos++
			rk := j.rightRows[i][j.rightKey]
			if lk.IsNull() || rk.IsNull() {
				continue
			}
			c, err := lk.Compare(rk)
			if err != nil {
				return nil, false, classify(err)
			}
			if c != 0 {
				continue
			}
			j.matched.Add(uint32(i))
			out := make(core.Row, 0, len(j.cols))
			out = append(out, j.current...)
			out = append(out, j.rightRows[i]...)
			return out, true, nil
		}
		j.current = nil
	}
}

// MatchedRight returns how many distinct right rows found a partner so far.
func (j *InnerJoinOperator) MatchedRight() uint64 { return j.matched.GetCardinality() }

// RightRows returns how many rows the right input produced.
func (j *InnerJoinOperator) RightRows() uint64 { return uint64(j.rightLen) }

func (j *InnerJoinOperator) Close() error {
	lerr := j.left.Close()
	rerr := j.right.Close()
	j.rightRows = nil
	if lerr != nil {
		return lerr
	}
	return rerr
}

func (j *InnerJoinOperator) Columns() []ColumnRef { return j.cols }
