package query

import (
	"sort"

	"github.com/INLOpen/nexusdb/core"
)

// OrderKey is one ORDER BY term.
type OrderKey struct {
	Column string
	Desc   bool
}

// SortOperator buffers its input and yields it ordered by the keys. NULLs
// sort first in ascending order. Equal rows keep their input order.
type SortOperator struct {
	child Operator
	idx   []int
	desc  []bool
	done  bool
	rows  []core.Row
	pos   int
}

func NewSortOperator(child Operator, keys []OrderKey) (*SortOperator, error) {
	s := &SortOperator{child: child}
	for _, k := range keys {
		idx, err := resolve(child.Columns(), ParseCol(k.Column))
		if err != nil {
			return nil, err
		}
		s.idx = append(s.idx, idx)
		s.desc = append(s.desc, k.Desc)
	}
	return s, nil
}

func (s *SortOperator) less(a, b core.Row) bool {
	for i, idx := range s.idx {
		c := compareValues(a[idx], b[idx])
		if c == 0 {
			continue
		}
		if s.desc[i] {
			return c > 0
		}
		return c < 0
	}
	return false
}

func (s *SortOperator) Next() (core.Row, bool, error) {
	if !s.done {
		s.done = true
		for {
			row, ok, err := s.child.Next()
			if err != nil {
				return nil, false, err
			}
			if !ok {
				break
			}
			s.rows = append(s.rows, row)
		}
		sort.SliceStable(s.rows, func(i, j int) bool { return s.less(s.rows[i], s.rows[j]) })
	}
	if s.pos >= len(s.rows) {
		return nil, false, nil
	}
	row := s.rows[s.pos]
	s.pos++
	return row, true, nil
}

func (s *SortOperator) Close() error {
	s.rows = nil
	return s.child.Close()
}

func (s *SortOperator) Columns() []ColumnRef { return s.child.Columns() }
