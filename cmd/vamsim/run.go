package main

import (
	"fmt"
	"io"
	"math/rand"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/skyhawk/vkalloc/vam"
	"github.com/skyhawk/vkalloc/vam/fakedriver"
	"github.com/spf13/cobra"
	"golang.org/x/exp/slog"
)

type simConfig struct {
	Seed             int64
	Ops              int
	PageSize         int
	MaxSize          int
	HostVisibleRatio float64
	FreeRatio        float64
	Lifetimes        int
	Capacity         int
	Validate         bool
	Detailed         bool
}

type simResult struct {
	Allocs       int
	Frees        int
	Retries      int
	Failures     int
	Compacted    vam.CompactResult
	Stats        vam.Stats
	Map          string
	DriverAllocs int
}

var runConfig simConfig

func init() {
	cmd := newRunCmd()
	cmd.Flags().Int64Var(&runConfig.Seed, "seed", 1, "Random seed for the workload")
	cmd.Flags().IntVar(&runConfig.Ops, "ops", 10000, "Number of alloc or free operations to perform")
	cmd.Flags().IntVar(&runConfig.PageSize, "page-size", vam.DefaultPageSize, "Default page size in bytes, a power of two")
	cmd.Flags().IntVar(&runConfig.MaxSize, "max-size", 1<<20, "Largest allocation size in bytes")
	cmd.Flags().Float64Var(&runConfig.HostVisibleRatio, "host-visible-ratio", 0.25, "Fraction of allocations that require host-visible memory")
	cmd.Flags().Float64Var(&runConfig.FreeRatio, "free-ratio", 0.45, "Probability that an operation frees a live allocation")
	cmd.Flags().IntVar(&runConfig.Lifetimes, "lifetimes", 2, "Number of distinct allocation lifetimes")
	cmd.Flags().IntVar(&runConfig.Capacity, "capacity", 2*fakedriver.GiB, "Size of the simulated device-local heap in bytes")
	cmd.Flags().BoolVar(&runConfig.Validate, "validate", false, "Validate allocator metadata after every operation")
	cmd.Flags().BoolVar(&runConfig.Detailed, "detailed", false, "Print the detailed JSON page map instead of the summary")
	rootCmd.AddCommand(cmd)
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a random allocation workload",
		Long: `The run command performs a deterministic sequence of random allocations and
frees against a simulated discrete GPU, then reports the allocator's statistics.
When the simulated device runs out of memory, empty pages are compacted and the
allocation is retried once.

Example:
  vamsim run --seed 7 --ops 50000
  vamsim run --page-size 16777216 --max-size 65536 --json
  vamsim run --capacity 268435456 --detailed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(os.Stdout, runConfig)
		},
	}
	return cmd
}

func runRun(out io.Writer, config simConfig) error {
	result, err := runSimulation(newLogger(), config)
	if err != nil {
		return err
	}

	switch {
	case config.Detailed:
		fmt.Fprintln(out, result.Map)
	case jsonOut:
		fmt.Fprintln(out, string(resultJson(result)))
	default:
		printResult(out, result)
	}

	return nil
}

func validateConfig(config simConfig) error {
	if config.Ops < 0 {
		return errors.Newf("--ops must not be negative, but was %d", config.Ops)
	}
	if config.MaxSize < 1 {
		return errors.Newf("--max-size must be at least 1, but was %d", config.MaxSize)
	}
	if config.Lifetimes < 1 {
		return errors.Newf("--lifetimes must be at least 1, but was %d", config.Lifetimes)
	}
	if config.HostVisibleRatio < 0 || config.HostVisibleRatio > 1 {
		return errors.Newf("--host-visible-ratio must be between 0 and 1, but was %f", config.HostVisibleRatio)
	}
	if config.FreeRatio < 0 || config.FreeRatio >= 1 {
		return errors.Newf("--free-ratio must be at least 0 and less than 1, but was %f", config.FreeRatio)
	}
	if config.Capacity < 1 {
		return errors.Newf("--capacity must be at least 1, but was %d", config.Capacity)
	}

	return nil
}

func newRandom(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

func randomRequest(random *rand.Rand, config simConfig) vam.AllocationRequest {
	request := vam.AllocationRequest{
		// Skew towards small allocations
		Size:      1 + int(float64(config.MaxSize-1)*random.Float64()*random.Float64()),
		Alignment: 1 << random.Intn(9),
		Usage:     vam.MemoryUsageDeviceLocalOnly,
		Kind:      vam.ResourceKind(random.Intn(2)),
		Lifetime:  vam.Lifetime(random.Intn(config.Lifetimes)),
	}

	if random.Float64() < config.HostVisibleRatio {
		request.Usage = vam.MemoryUsageHostVisibleRequired
	}

	return request
}

// allocWithRetry compacts and retries once when the device is out of memory
func allocWithRetry(allocator *vam.Allocator, request vam.AllocationRequest, result *simResult) (*vam.Allocation, error) {
	alloc, err := allocator.Alloc(request)
	if !errors.Is(err, vam.ErrOutOfDeviceMemory) {
		return alloc, err
	}

	compacted := allocator.Compact()
	result.Compacted.PagesReleased += compacted.PagesReleased
	result.Compacted.BytesReleased += compacted.BytesReleased
	result.Retries++

	return allocator.Alloc(request)
}

func runSimulation(logger *slog.Logger, config simConfig) (simResult, error) {
	var result simResult

	err := validateConfig(config)
	if err != nil {
		return result, err
	}

	driver := fakedriver.New(fakedriver.DiscreteGPU(config.Capacity, config.Capacity/2))
	allocator, err := vam.New(logger, driver, vam.CreateOptions{
		DefaultPageSize: config.PageSize,
	})
	if err != nil {
		return result, err
	}

	random := newRandom(config.Seed)
	var live []*vam.Allocation

	for op := 0; op < config.Ops; op++ {
		if len(live) > 0 && random.Float64() < config.FreeRatio {
			index := random.Intn(len(live))
			err = allocator.Free(live[index])
			if err != nil {
				return result, errors.Wrapf(err, "operation %d", op)
			}

			live[index] = live[len(live)-1]
			live = live[:len(live)-1]
			result.Frees++
		} else {
			alloc, err := allocWithRetry(allocator, randomRequest(random, config), &result)
			switch {
			case errors.Is(err, vam.ErrOutOfDeviceMemory):
				result.Failures++
			case err != nil:
				return result, errors.Wrapf(err, "operation %d", op)
			default:
				live = append(live, alloc)
				result.Allocs++
			}
		}

		if config.Validate {
			err = allocator.Validate()
			if err != nil {
				return result, errors.Wrapf(err, "validation failed after operation %d", op)
			}
		}
	}

	result.Stats = allocator.Stats()
	result.Map = allocator.BuildStatsString(true)
	result.DriverAllocs = driver.AllocateCalls()

	for _, alloc := range live {
		err = alloc.Free()
		if err != nil {
			return result, err
		}
	}

	return result, allocator.Destroy()
}

func printResult(out io.Writer, result simResult) {
	stats := result.Stats

	printInfo(out, "Operations:\n")
	printInfo(out, "  Allocations:     %d\n", result.Allocs)
	printInfo(out, "  Frees:           %d\n", result.Frees)
	printInfo(out, "  Retries:         %d\n", result.Retries)
	printInfo(out, "  Failures:        %d\n", result.Failures)
	printInfo(out, "  Pages compacted: %d (%d bytes)\n", result.Compacted.PagesReleased, result.Compacted.BytesReleased)
	printInfo(out, "  Driver allocs:   %d\n", result.DriverAllocs)
	printInfo(out, "\n")
	printInfo(out, "Memory:\n")
	printInfo(out, "  Pages:           %d\n", stats.PageCount)
	printInfo(out, "  Live allocs:     %d\n", stats.AllocationCount)
	printInfo(out, "  Reserved:        %d bytes\n", stats.TotalReserved)
	printInfo(out, "  Used:            %d bytes\n", stats.TotalUsed)
	printInfo(out, "  Free:            %d bytes\n", stats.TotalFree)
	printInfo(out, "  Busiest type:    %d\n", stats.BusiestMemoryType)
	printInfo(out, "  Fragmentation:   %.4f\n", stats.FragmentationRatio)
}

func resultJson(result simResult) []byte {
	writer := jwriter.NewWriter()
	obj := writer.Object()

	opsObj := obj.Name("Operations").Object()
	opsObj.Name("Allocations").Int(result.Allocs)
	opsObj.Name("Frees").Int(result.Frees)
	opsObj.Name("Retries").Int(result.Retries)
	opsObj.Name("Failures").Int(result.Failures)
	opsObj.Name("PagesCompacted").Int(result.Compacted.PagesReleased)
	opsObj.Name("BytesCompacted").Int(result.Compacted.BytesReleased)
	opsObj.Name("DriverAllocations").Int(result.DriverAllocs)
	opsObj.End()

	statsObj := obj.Name("Stats").Object()
	statsObj.Name("TotalReserved").Int(result.Stats.TotalReserved)
	statsObj.Name("TotalUsed").Int(result.Stats.TotalUsed)
	statsObj.Name("TotalFree").Int(result.Stats.TotalFree)
	statsObj.Name("PageCount").Int(result.Stats.PageCount)
	statsObj.Name("AllocationCount").Int(result.Stats.AllocationCount)
	statsObj.Name("FragmentationRatio").Float64(result.Stats.FragmentationRatio)
	statsObj.Name("BusiestMemoryType").Int(result.Stats.BusiestMemoryType)
	statsObj.End()

	obj.End()
	return writer.Bytes()
}
