package deployment

import "github.com/infermesh/infermesh/pkg/models"

// ScoreNode ranks a placement candidate by free GPU capacity. Lower is
// better: packing work onto the tightest fit keeps whole nodes free for
// large deployments.
func ScoreNode(n *models.ComputeNode) int {
	return n.GPUTotal - n.GPUAllocated
}

// PickBest returns the lowest-scoring candidate, breaking ties by node
// ID so placement is deterministic across workers.
func PickBest(candidates []*models.ComputeNode) *models.ComputeNode {
	var best *models.ComputeNode
	for _, c := range candidates {
		if best == nil {
			best = c
			continue
		}
		s, bs := ScoreNode(c), ScoreNode(best)
		if s < bs || (s == bs && c.ID < best.ID) {
			best = c
		}
	}
	return best
}
