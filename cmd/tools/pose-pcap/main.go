//go:build pcap
// +build pcap

// Package main replays captured headset pose traffic through the classifier.
//
// It reads a PCAP of the UDP pose stream, feeds every pose line through the
// posture classifier offline, and prints a rep/quality summary. Useful for
// regressing classifier tuning against captures from real play sessions.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/rehab-data/posture.report/internal/posemux"
	"github.com/rehab-data/posture.report/internal/posture"
)

var (
	pcapFile = flag.String("pcap", "", "PCAP file to analyze (required)")
	udpPort  = flag.Int("port", 9910, "UDP port carrying the pose stream")
	height   = flag.Float64("height", 0, "standing height override; 0 calibrates from the first frame")
	verbose  = flag.Bool("v", false, "log every classifier event")
)

type replayStats struct {
	packets    int
	frames     int
	parseFail  int
	dodges     int
	perfects   int
	depths     []float64
	qualities  []float64
	firstStamp float64
	lastStamp  float64
}

func main() {
	flag.Parse()

	if *pcapFile == "" {
		fmt.Fprintln(os.Stderr, "Error: -pcap is required")
		flag.Usage()
		os.Exit(1)
	}

	stats, err := replay(*pcapFile, *udpPort, *height)
	if err != nil {
		log.Fatalf("Replay failed: %v", err)
	}

	printSummary(stats)
}

func replay(path string, port int, standingHeight float64) (*replayStats, error) {
	handle, err := pcap.OpenOffline(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PCAP: %w", err)
	}
	defer handle.Close()

	if err := handle.SetBPFFilter(fmt.Sprintf("udp port %d", port)); err != nil {
		return nil, fmt.Errorf("failed to set BPF filter: %w", err)
	}

	classifier, err := posture.NewClassifier(posture.DefaultConfig())
	if err != nil {
		return nil, err
	}

	stats := &replayStats{}
	classifier.SetSink(posture.SinkFunc(func(e posture.Event) {
		switch e.Type {
		case posture.DodgeEnded:
			stats.dodges++
		case posture.PerfectSquatDetected:
			stats.perfects++
		}
		if *verbose {
			log.Printf("event %s at %.2f value=%.3f", e.Type, e.Timestamp, e.Value)
		}
	}))

	var lastTimestamp float64
	haveTimestamp := false

	packetSource := gopacket.NewPacketSource(handle, handle.LinkType())
	for packet := range packetSource.Packets() {
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp := udpLayer.(*layers.UDP)
		if len(udp.Payload) == 0 {
			continue
		}
		stats.packets++

		// a datagram may carry several newline-separated lines
		for _, line := range strings.Split(string(udp.Payload), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || posemux.IsDeviceEvent(line) {
				continue
			}

			sample, err := posemux.ParsePoseLine(line)
			if err != nil {
				stats.parseFail++
				continue
			}
			stats.frames++

			if stats.firstStamp == 0 {
				stats.firstStamp = sample.Timestamp
			}
			stats.lastStamp = sample.Timestamp

			if !classifier.State().Calibrated {
				h := standingHeight
				if h == 0 {
					h = sample.HeadHeight
				}
				if err := classifier.CalibrateStandingHeight(h); err != nil {
					return nil, fmt.Errorf("calibration failed: %w", err)
				}
			}

			if !haveTimestamp {
				lastTimestamp = sample.Timestamp
				haveTimestamp = true
				continue
			}
			dt := sample.Timestamp - lastTimestamp
			lastTimestamp = sample.Timestamp
			if dt <= 0 {
				continue
			}

			state := classifier.Tick(sample, dt)
			if state.CurrentDepth > 0 {
				stats.depths = append(stats.depths, state.CurrentDepth)
				stats.qualities = append(stats.qualities, state.QualityScore)
			}
		}
	}

	return stats, nil
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func printSummary(stats *replayStats) {
	fmt.Println("=== Pose Replay Summary ===")
	fmt.Printf("Packets:        %d\n", stats.packets)
	fmt.Printf("Pose frames:    %d (%d parse failures)\n", stats.frames, stats.parseFail)
	fmt.Printf("Duration:       %.1fs\n", stats.lastStamp-stats.firstStamp)
	fmt.Printf("Dodges:         %d\n", stats.dodges)
	fmt.Printf("Perfect squats: %d\n", stats.perfects)

	if len(stats.depths) > 0 {
		sort.Float64s(stats.depths)
		sort.Float64s(stats.qualities)
		fmt.Printf("Depth P50/P85/P98:   %.3f / %.3f / %.3f m\n",
			percentile(stats.depths, 0.50), percentile(stats.depths, 0.85), percentile(stats.depths, 0.98))
		fmt.Printf("Quality P50/P85/P98: %.3f / %.3f / %.3f\n",
			percentile(stats.qualities, 0.50), percentile(stats.qualities, 0.85), percentile(stats.qualities, 0.98))
	}
}
