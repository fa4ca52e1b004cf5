// Command parallax is a thin inspection and benchmarking tool for the
// parallax offload runtime.
//
// Usage:
//
//	parallax info                 # device and tuning report
//	parallax bench -n 1000000     # offload vs host timings
//
// A tuning file may override the runtime defaults:
//
//	parallax --tuning tuning.yaml bench
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/parallax-compiler/parallax"
)

var tuningPath string

func main() {
	root := &cobra.Command{
		Use:   "parallax",
		Short: "Inspect and benchmark the parallax offload runtime",
	}
	root.PersistentFlags().StringVar(&tuningPath, "tuning", "", "YAML tuning file")

	var n int
	bench := &cobra.Command{
		Use:   "bench",
		Short: "Time apply/transform/reduce on device and host",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(n)
		},
	}
	bench.Flags().IntVarP(&n, "elements", "n", 1_000_000, "elements per benchmark")

	info := &cobra.Command{
		Use:   "info",
		Short: "Report device properties and effective tuning",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfo()
		},
	}

	root.AddCommand(info, bench)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRuntime() (*parallax.Runtime, error) {
	if tuningPath == "" {
		return parallax.NewRuntime()
	}
	t, err := parallax.LoadTuning(tuningPath)
	if err != nil {
		return nil, err
	}
	return parallax.NewRuntime(parallax.WithTuning(t))
}

func runInfo() error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	dev := rt.DeviceInfo()
	tun := rt.Tuning()
	fmt.Printf("Device:    %s\n", dev.Name)
	fmt.Printf("Memory:    %d MiB\n", dev.TotalMem/(1024*1024))
	fmt.Printf("Cores:     %d\n", dev.NumCores)
	fmt.Printf("Workgroup: %d\n", dev.MaxWorkgroup)
	fmt.Printf("Features:  %v\n", dev.Features)
	fmt.Println()
	fmt.Printf("Coherence block:   %d B\n", parallax.CoherenceBlockSize)
	fmt.Printf("Host crossover:    %d elements\n", tun.HostFallbackElements)
	fmt.Printf("Reduce group:      %d elements\n", tun.ReduceGroupElements)
	fmt.Printf("Dispatch timeout:  %s\n", tun.DispatchTimeout)
	return nil
}

func runBench(n int) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	buf, err := rt.AllocFloat32(n)
	if err != nil {
		return err
	}
	defer rt.Free(buf)
	out, err := rt.AllocFloat32(n)
	if err != nil {
		return err
	}
	defer rt.Free(out)

	double := parallax.X().Mul(parallax.Lit(2))
	affine := parallax.X().Mul(parallax.Lit(2)).Add(parallax.Lit(1))
	sum := parallax.X().Add(parallax.Y())

	type bench struct {
		name string
		run  func(parallax.Policy) error
	}
	runs := []bench{
		{"for_each x*2", func(p parallax.Policy) error {
			return rt.ForEach(p, buf, n, double)
		}},
		{"transform x*2+1", func(p parallax.Policy) error {
			return rt.Transform(p, buf, out, n, affine)
		}},
		{"reduce +", func(p parallax.Policy) error {
			_, err := rt.Reduce(p, buf, n, 0, sum)
			return err
		}},
	}

	fmt.Printf("elements: %d\n\n", n)
	fmt.Printf("%-18s %14s %14s %14s\n", "operation", "sequential", "host-par", "device")
	for _, b := range runs {
		times := make([]time.Duration, 3)
		for i, p := range []parallax.Policy{
			parallax.PolicySequential,
			parallax.PolicyParallelHost,
			parallax.PolicyParallelDevice,
		} {
			if err := buf.Fill(1); err != nil {
				return err
			}
			start := time.Now()
			if err := b.run(p); err != nil {
				log.Printf("%s under %s: %v", b.name, p, err)
				times[i] = 0
				continue
			}
			times[i] = time.Since(start)
		}
		fmt.Printf("%-18s %14s %14s %14s\n", b.name, times[0], times[1], times[2])
	}
	return nil
}
