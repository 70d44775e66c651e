package stactiler

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// parseExpressionAssets returns the asset names referenced by a band math
// expression, in document order. Names are matched longest-first so that
// "B11" is not misread as "B1".
func parseExpressionAssets(selection []string, expression string) ([]string, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, ErrInvalidExpression
	}

	quoted := make([]string, len(selection))
	for i, name := range selection {
		quoted[i] = regexp.QuoteMeta(name)
	}
	sort.Slice(quoted, func(i, j int) bool { return len(quoted[i]) > len(quoted[j]) })

	re, err := regexp.Compile(strings.Join(quoted, "|"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}

	seen := make(map[string]bool)
	for _, match := range re.FindAllString(expression, -1) {
		seen[match] = true
	}
	if len(seen) == 0 {
		return nil, fmt.Errorf("%w: %q references no known asset", ErrInvalidExpression, expression)
	}

	// Keep document order for deterministic band stacking.
	var assets []string
	for _, name := range selection {
		if seen[name] {
			assets = append(assets, name)
		}
	}
	return assets, nil
}

// compileExpression compiles each comma-separated block of a band math
// expression.
func compileExpression(expression string) ([]*vm.Program, error) {
	blocks := strings.Split(expression, ",")
	programs := make([]*vm.Program, 0, len(blocks))
	for _, block := range blocks {
		program, err := expr.Compile(strings.TrimSpace(block))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
		}
		programs = append(programs, program)
	}
	return programs, nil
}

// applyExpression evaluates a band math expression against the stacked bands
// of img, producing one output band per comma-separated block. Non-finite
// results are normalized the way the underlying readers report nodata:
// NaN becomes 0 and infinities clamp to the float64 range.
func applyExpression(expression string, img *ImageData) (*ImageData, error) {
	programs, err := compileExpression(expression)
	if err != nil {
		return nil, err
	}

	size := img.Width * img.Height
	out := &ImageData{
		Width:  img.Width,
		Height: img.Height,
		Bands:  make([]Band, len(programs)),
		Mask:   img.Mask,
	}
	for bi := range out.Bands {
		out.Bands[bi] = Band{
			Name:   fmt.Sprintf("b%d", bi+1),
			Pixels: make([]float64, size),
		}
	}

	env := make(map[string]interface{}, len(img.Bands))
	for i := 0; i < size; i++ {
		for _, band := range img.Bands {
			env[band.Name] = band.Pixels[i]
		}
		for bi, program := range programs {
			result, err := expr.Run(program, env)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
			}
			v, err := toFloat(result)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
			}
			out.Bands[bi].Pixels[i] = finite(v)
		}
	}

	return out, nil
}

// evalExpressionValues evaluates a band math expression against one value per
// asset, as needed by Point.
func evalExpressionValues(expression string, values map[string]float64) ([]float64, error) {
	programs, err := compileExpression(expression)
	if err != nil {
		return nil, err
	}

	env := make(map[string]interface{}, len(values))
	for name, v := range values {
		env[name] = v
	}

	out := make([]float64, 0, len(programs))
	for _, program := range programs {
		result, err := expr.Run(program, env)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
		}
		v, err := toFloat(result)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
		}
		out = append(out, finite(v))
	}
	return out, nil
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("expression result %v (%T) is not numeric", v, v)
	}
}

// finite maps NaN to 0 and clamps infinities so division artifacts
// stay representable in image outputs.
func finite(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case math.IsInf(v, 1):
		return math.MaxFloat64
	case math.IsInf(v, -1):
		return -math.MaxFloat64
	default:
		return v
	}
}
