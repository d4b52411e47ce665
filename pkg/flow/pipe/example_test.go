package pipe_test

import (
	"context"
	"fmt"
	"strings"

	"github.com/emitflow/emitflow/pkg/flow/pipe"
	"github.com/emitflow/emitflow/pkg/flow/stages"
)

func ExamplePipe_Results() {
	squares := pipe.New(stages.FromSlice(1, 2, 3, 4)).
		Into(pipe.New(stages.Map(func(v any) (any, error) {
			n := v.(int)
			return n * n, nil
		})))

	results, err := squares.Results(context.Background())
	if err != nil {
		fmt.Println("faults:", err)
		return
	}
	fmt.Println(results)
	// Output: [1 4 9 16]
}

func ExamplePipe_Execute() {
	var out strings.Builder
	chain := pipe.New(stages.FromSlice("alpha", "beta", "gamma")).
		Into(pipe.New(stages.Filter(func(v any) bool {
			return strings.HasPrefix(v.(string), "a") || strings.HasPrefix(v.(string), "g")
		}))).
		Into(pipe.New(stages.WriteTo(&out)))

	if err := chain.Execute(context.Background()); err != nil {
		fmt.Println("faults:", err)
		return
	}
	fmt.Print(out.String())
	// Output:
	// alpha
	// gamma
}

func ExamplePipe_Start() {
	run, err := pipe.New(stages.FromSlice(10, 20, 30)).
		StartWithConfig(context.Background(), pipe.RunConfig{Collect: true})
	if err != nil {
		fmt.Println("start:", err)
		return
	}

	// The pipeline runs in the background; Results blocks until it is done.
	results, err := run.Results()
	if err != nil {
		fmt.Println("faults:", err)
		return
	}
	fmt.Println(results)
	// Output: [10 20 30]
}
