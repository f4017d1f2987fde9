package inventory

import (
	"time"

	rbt "github.com/emirpasic/gods/trees/redblacktree"
	"github.com/emirpasic/gods/utils"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

type layerKey struct {
	date time.Time
	seq  int64
}

func layerOrder(a, b interface{}) int {
	x, y := a.(layerKey), b.(layerKey)
	switch {
	case x.date.Before(y.date):
		return -1
	case x.date.After(y.date):
		return 1
	}
	return utils.Int64Comparator(x.seq, y.seq)
}

// fifoQueue orders open layers by (LayerDate, Seq).
type fifoQueue struct {
	tree *rbt.Tree
}

func newFIFOQueue(layers []CostLayer) *fifoQueue {
	q := &fifoQueue{tree: rbt.NewWith(layerOrder)}
	for i := range layers {
		if !layers[i].QtyRemaining.IsPositive() {
			continue
		}
		l := layers[i]
		q.tree.Put(layerKey{date: shared.DateOf(l.LayerDate), seq: l.Seq}, &l)
	}
	return q
}

// consume draws qty from the oldest layers. It returns the draws, the
// quantity actually covered and its unrounded cost. Drawn layers are updated
// in place.
func (q *fifoQueue) consume(qty decimal.Decimal) ([]*CostLayer, []LayerConsumption, decimal.Decimal, decimal.Decimal) {
	var (
		touched []*CostLayer
		draws   []LayerConsumption
		covered = decimal.Zero
		cost    = decimal.Zero
	)
	it := q.tree.Iterator()
	for it.Next() {
		need := qty.Sub(covered)
		if !need.IsPositive() {
			break
		}
		layer := it.Value().(*CostLayer)
		take := decimal.Min(need, layer.QtyRemaining)
		layer.QtyRemaining = layer.QtyRemaining.Sub(take)
		covered = covered.Add(take)
		cost = cost.Add(take.Mul(layer.UnitCost))
		touched = append(touched, layer)
		draws = append(draws, LayerConsumption{LayerID: layer.ID, Qty: take, UnitCost: layer.UnitCost})
	}
	return touched, draws, covered, cost
}

// weightedAverage folds a receipt into the running average. A non-positive
// prior quantity resets the average to the receipt cost.
func weightedAverage(oldQty, oldAvg, qty, unitCost decimal.Decimal) decimal.Decimal {
	if !oldQty.IsPositive() {
		return shared.RoundUnitCost(unitCost)
	}
	total := oldQty.Mul(oldAvg).Add(qty.Mul(unitCost))
	return shared.RoundUnitCost(total.DivRound(oldQty.Add(qty), shared.UnitCostScale+4))
}

// layerRemainder is the part of a receipt left in its layer after covering
// stock issued beyond zero.
func layerRemainder(onHand, qty decimal.Decimal) decimal.Decimal {
	if !onHand.IsNegative() {
		return qty
	}
	rest := qty.Add(onHand)
	if rest.IsNegative() {
		return decimal.Zero
	}
	return rest
}
