package inference

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

type node struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Leaf      bool    `json:"leaf"`
	Class     int     `json:"class"`
}

type tree struct {
	Nodes []node `json:"nodes"`
}

// predict walks from the root; x[f] <= threshold goes left.
func (t tree) predict(x Features) int {
	i := 0
	for {
		n := t.Nodes[i]
		if n.Leaf {
			return n.Class
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// Forest is a majority-vote tree ensemble. Ties go to the lowest class.
type Forest struct {
	NFeatures int    `json:"n_features"`
	Trees     []tree `json:"trees"`
}

func LoadForest(path string) (*Forest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeForest(f)
}

func DecodeForest(r io.Reader) (*Forest, error) {
	var forest Forest
	if err := json.NewDecoder(r).Decode(&forest); err != nil {
		return nil, fmt.Errorf("decode forest: %w", err)
	}
	if err := forest.validate(); err != nil {
		return nil, err
	}
	return &forest, nil
}

// validate rejects artifacts that would index out of range or loop.
func (f *Forest) validate() error {
	if f.NFeatures != len(Features{}) {
		return fmt.Errorf("forest expects %d features, have %d", f.NFeatures, len(Features{}))
	}
	if len(f.Trees) == 0 {
		return fmt.Errorf("forest has no trees")
	}
	for ti, t := range f.Trees {
		if len(t.Nodes) == 0 {
			return fmt.Errorf("tree %d is empty", ti)
		}
		for ni, n := range t.Nodes {
			if n.Leaf {
				continue
			}
			if n.Feature < 0 || n.Feature >= f.NFeatures {
				return fmt.Errorf("tree %d node %d: feature %d out of range", ti, ni, n.Feature)
			}
			// children always point forward, so traversal terminates
			if n.Left <= ni || n.Left >= len(t.Nodes) || n.Right <= ni || n.Right >= len(t.Nodes) {
				return fmt.Errorf("tree %d node %d: bad child index", ti, ni)
			}
		}
	}
	return nil
}

func (f *Forest) Predict(x Features) (int, error) {
	votes := make(map[int]int)
	for _, t := range f.Trees {
		votes[t.predict(x)]++
	}

	best, bestVotes := 0, -1
	for class, n := range votes {
		if n > bestVotes || (n == bestVotes && class < best) {
			best, bestVotes = class, n
		}
	}
	return best, nil
}
