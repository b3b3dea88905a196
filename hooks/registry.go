package hooks

import (
	"fmt"
	"sort"

	"github.com/skyhookml/explain/graph"
)

// TransformImpl builds a Transform; fpnIdx selects the pyramid level for
// transforms that use a single tensor.
type TransformImpl func(fpnIdx int) Transform

var Transforms = make(map[string]TransformImpl)

func init() {
	Transforms["feature_vector"] = func(fpnIdx int) Transform {
		return FeatureVector{}
	}
	Transforms["saliency_map"] = func(fpnIdx int) Transform {
		return SaliencyMap{FPNIndex: fpnIdx}
	}
	Transforms["activation_map"] = Transforms["saliency_map"]
	Transforms["eigen_cam"] = func(fpnIdx int) Transform {
		return EigenCAM{FPNIndex: fpnIdx}
	}
}

func TransformNames() []string {
	var names []string
	for name := range Transforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewNamed builds a hook from a registered transform name.
func NewNamed(stage *graph.Stage, name string, fpnIdx int) (*Hook, error) {
	impl, ok := Transforms[name]
	if !ok {
		return nil, fmt.Errorf("unknown transform %q (have %v)", name, TransformNames())
	}
	return New(stage, impl(fpnIdx))
}
