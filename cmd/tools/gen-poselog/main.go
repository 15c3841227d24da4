// Command gen-poselog generates synthetic pose log recordings for testing
// replay and the dev-mode fixture loop.
//
// The generated squats follow a smooth descend/hold/ascend curve with
// controller sway and sensor noise, so the classifier sees something close
// to a real headset stream.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"

	"github.com/rehab-data/posture.report/internal/posemux"
	"github.com/rehab-data/posture.report/internal/posture"
)

var (
	output    = flag.String("o", "fixtures.txt", "output path")
	reps      = flag.Int("n", 5, "number of squat reps")
	rate      = flag.Float64("rate", 10, "frames per second")
	height    = flag.Float64("height", 1.70, "standing head height in meters")
	depth     = flag.Float64("depth", 0.42, "squat depth in meters")
	noise     = flag.Float64("noise", 0.004, "sensor noise amplitude in meters")
	seed      = flag.Int64("seed", 1, "random seed")
	withEvent = flag.Bool("event", true, "append a device status event at the end")
)

// headHeightAt returns the head height at time t within one rep cycle.
// A cycle is: rest 2s, descend 1s, hold 0.6s, ascend 1s.
func headHeightAt(t float64, standing, depth float64) float64 {
	const (
		rest    = 2.0
		descend = 1.0
		hold    = 0.6
		ascend  = 1.0
	)
	cycle := rest + descend + hold + ascend
	phase := math.Mod(t, cycle)

	switch {
	case phase < rest:
		return standing
	case phase < rest+descend:
		// smooth half-cosine descent
		f := (phase - rest) / descend
		return standing - depth*(1-math.Cos(f*math.Pi))/2
	case phase < rest+descend+hold:
		return standing - depth
	default:
		f := (phase - rest - descend - hold) / ascend
		return standing - depth*(1+math.Cos(f*math.Pi))/2
	}
}

func main() {
	flag.Parse()

	if *rate <= 0 {
		log.Fatal("rate must be positive")
	}

	rng := rand.New(rand.NewSource(*seed))

	f, err := os.Create(*output)
	if err != nil {
		log.Fatalf("failed to create output: %v", err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	defer w.Flush()

	const cycleSeconds = 4.6
	dt := 1.0 / *rate
	frames := int(float64(*reps) * cycleSeconds / dt)

	for i := 0; i < frames; i++ {
		t := float64(i) * dt
		head := headHeightAt(t, *height, *depth) + rng.NormFloat64()*(*noise)

		// controllers hang at roughly shoulder height and sway a little
		shoulder := head - 0.45
		sample := posture.PoseSample{
			Timestamp:  t,
			HeadHeight: head,
			LeftController: posture.Vec3{
				X: 0.02 * math.Sin(t*1.3),
				Y: shoulder + rng.NormFloat64()*(*noise),
			},
			RightController: posture.Vec3{
				X: -0.02 * math.Sin(t*1.1),
				Y: shoulder + rng.NormFloat64()*(*noise),
			},
		}
		fmt.Fprintln(w, posemux.FormatPoseLine(sample))

		if (i+1)%1000 == 0 {
			log.Printf("%d/%d frames", i+1, frames)
		}
	}

	if *withEvent {
		fmt.Fprintf(w, "{\"clock\": %.1f, \"battery\": 0.87}\n", float64(frames)*dt)
	}

	log.Printf("✓ Created: %s (%d frames, %d reps)", *output, frames, *reps)
}
