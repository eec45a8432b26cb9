package ports

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/fieldmesh/reflexbridge/internal/model"
)

// TestApplyMonotonicProperty verifies transform monotonicity: for a
// transform with no threshold or clamp, scale >= 0 means x <= y implies
// T(x) <= T(y).
func TestApplyMonotonicProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("scale>=0, no threshold/clamp, x<=y implies T(x)<=T(y)", prop.ForAll(
		func(scale, offset, x, delta float64) bool {
			y := x + delta // delta >= 0, so x <= y
			transform := model.Transform{Scale: &scale, Offset: &offset}
			tx := Apply(transform, x)
			ty := Apply(transform, y)
			return tx <= ty+1e-9
		},
		gen.Float64Range(0, 1000),
		gen.Float64Range(-1000, 1000),
		gen.Float64Range(-1000, 1000),
		gen.Float64Range(0, 1000),
	))

	properties.TestingRun(t)
}

// TestConnectIdempotentProperty verifies routing idempotence: inserting the
// same edge twice leaves the matrix in the same state as inserting it once.
func TestConnectIdempotentProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("connecting the same edge twice is a no-op on matrix shape", prop.ForAll(
		func(source, target, description string, scale float64) bool {
			transform := model.Transform{Scale: &scale}

			m1 := NewMatrix("")
			m1.Connect(source, target, transform, description)

			m2 := NewMatrix("")
			m2.Connect(source, target, transform, description)
			m2.Connect(source, target, transform, description)

			c1 := m1.Connections()
			c2 := m2.Connections()
			if len(c1) != len(c2) {
				return false
			}
			if len(c1) != 1 {
				return false
			}
			return c1[0].ID == c2[0].ID &&
				c1[0].Source == c2[0].Source &&
				c1[0].Target == c2[0].Target
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.AlphaString(),
		gen.Float64Range(-100, 100),
	))

	properties.TestingRun(t)
}
