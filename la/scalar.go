package la

import (
	"context"

	"github.com/notargets/FEKernel/comm"
)

// Scalar accumulates a functional. Finalize sums the rank partials in
// ascending rank order.
type Scalar struct {
	lifecycle
	comm  *comm.Comm
	local float64
	value float64
}

var _ Structure = (*Scalar)(nil)

func NewScalar(c *comm.Comm) *Scalar { return &Scalar{comm: c} }

func (s *Scalar) Add(v float64) error {
	if err := s.accumulating(); err != nil {
		return err
	}
	s.local += v
	return nil
}

// Local is this rank's partial sum
func (s *Scalar) Local() float64 { return s.local }

func (s *Scalar) Finalize(ctx context.Context) error {
	if err := s.accumulating(); err != nil {
		return err
	}
	sum, err := s.comm.AllreduceSum(ctx, s.local)
	if err != nil {
		return err
	}
	s.value = sum
	s.set(Finalized)
	return nil
}

// Value is the global sum
func (s *Scalar) Value() (float64, error) {
	if err := s.finalized(); err != nil {
		return 0, err
	}
	return s.value, nil
}

func (s *Scalar) Reset() {
	s.local, s.value = 0, 0
	s.set(Unassembled)
}

func (s *Scalar) Abort() { s.Reset() }
