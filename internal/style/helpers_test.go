package style_test

import (
	"math"
	"strings"
)

func replaceOnce(s, old, new string) string {
	if !strings.Contains(s, old) {
		panic("test fixture does not contain " + old)
	}
	return strings.Replace(s, old, new, 1)
}

func nan() float64 { return math.NaN() }
