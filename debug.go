// This file contains code to help debugging, and is
// separated in from the rest in order not to litter
// the main code with debugging stuff

package main

import (
	"flag"
	"fmt"
	"math"

	"github.com/524D/mzalign/internal/align"
)

var debugSpecs *string // Print debug output for given map range

func init() {
	debugSpecs = flag.String("debug", "",
		"Print debug output for given map `range` e.g. 1:3. For the kd algorithm the range selects m/z buckets")
}

// debugDiagnostics returns a diagnostics callback that prints the events
// of the maps in the -debug range, or nil if no range was given
func debugDiagnostics(numMaps int) align.Diagnostics {
	if *debugSpecs == `` {
		return nil
	}
	debugMin, debugMax, err := parseIntRange(*debugSpecs, 0, math.MaxInt32)
	if err != nil {
		fmt.Printf("debug: %v, printing nothing\n", err)
		return nil
	}
	inRange := func(i int) bool { return i >= debugMin && i <= debugMax }

	return func(ev align.Event) {
		switch e := ev.(type) {
		case align.RegistrationEvent:
			if !inRange(e.Map) {
				return
			}
			fmt.Printf("map %d/%d onto %d: registration %s, coarse slope %.5f intercept %.3f, %d anchors",
				e.Map, numMaps, e.Reference, e.Result.Status,
				e.Result.Coarse.Slope, e.Result.Coarse.Intercept, len(e.Result.Anchors))
			if e.Result.Message != "" {
				fmt.Printf(" (%s)", e.Result.Message)
			}
			fmt.Printf("\n")
			for _, a := range e.Result.Anchors {
				fmt.Printf("   %.3f %.5f -> %.3f %.5f q=%.3f\n",
					a.SceneRT, a.SceneMz, a.ModelRT, a.ModelMz, a.Quality)
			}
		case align.TransformEvent:
			if !inRange(e.Map) {
				return
			}
			fmt.Printf("map %d: transformation from %d anchors, %d rejected, fallback regions %v, degraded %v\n",
				e.Map, e.Report.Used, e.Report.Rejected, e.Report.Fallbacks, e.Report.Degraded)
		case align.BucketEvent:
			if !inRange(e.Bucket) {
				return
			}
			fmt.Printf("bucket %d: %d points into %d entities\n", e.Bucket, e.Points, e.Entities)
		}
	}
}
